package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/protocol"
	"github.com/google/uuid"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Connection supervises one client transport. It implements Handle: frames
// for the client are queued on Outbound and the transport adapter writes them.
// Done is closed when the connection must be torn down.
type Connection struct {
	ID   string
	core *Core

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeMsg  string

	mu        sync.Mutex
	state     ConnState
	session   *Session
	authTimer *time.Timer
}

var _ Handle = (*Connection)(nil)

func newConnection(core *Core) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		core:     core,
		outbound: make(chan []byte, core.cfg.SendQueueSize),
		done:     make(chan struct{}),
		state:    StateConnecting,
	}
}

// Outbound yields frames to write to the client.
func (c *Connection) Outbound() <-chan []byte {
	return c.outbound
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns the close code and reason after Done is closed.
func (c *Connection) CloseReason() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeMsg
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the session bound on authentication, or nil.
func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Deliver enqueues a frame without blocking. It reports false only when the
// queue is full; frames for a closed connection are dropped.
func (c *Connection) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// CloseWith tears the connection down once: the session is unregistered, its
// typing indicators are stopped and Done is closed.
func (c *Connection) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeMsg = reason
		c.state = StateDisconnected
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		session := c.session
		c.mu.Unlock()

		close(c.done)
		c.core.forget(c)

		if session != nil {
			c.core.typing.StopAll(session)
			c.core.sessions.Unregister(session.ID)
		}
		c.core.logger.Debug("Connection closed", "connID", c.ID, "code", code, "reason", reason)
	})
}

// Disconnect is called by the transport when the client goes away.
func (c *Connection) Disconnect() {
	c.CloseWith(protocol.CloseNormal, "client disconnected")
}

// Begin moves the connection to Authenticating and arms the auth deadline.
func (c *Connection) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return
	}
	c.state = StateAuthenticating
	c.authTimer = time.AfterFunc(c.core.cfg.AuthTimeout, c.authExpired)
}

func (c *Connection) authExpired() {
	c.mu.Lock()
	expired := c.state == StateAuthenticating
	c.mu.Unlock()
	if !expired {
		return
	}

	c.core.metrics.authFailures.WithLabelValues("timeout").Inc()
	c.core.broadcaster.SendTo(c, protocol.KindAuthError, "", protocol.NewErrorPayload(domain.ErrAuthTimeout))
	c.CloseWith(protocol.CloseAuthTimeout, domain.ErrAuthTimeout.Error())
}

// Authenticate verifies token, registers the session and re-subscribes it to
// every room in the user's durable membership.
func (c *Connection) Authenticate(ctx context.Context, token, ref string) error {
	c.mu.Lock()
	state := c.state
	session := c.session
	c.mu.Unlock()

	switch state {
	case StateAuthenticated, StateJoined:
		c.sendAuthOK(session, ref)
		return nil
	case StateDisconnected:
		return domain.ErrNotAuthenticated
	}

	identity, err := c.core.verifier.VerifyToken(ctx, token)
	if err != nil {
		c.core.metrics.authFailures.WithLabelValues("invalid").Inc()
		if !errors.Is(err, domain.ErrAuthFailed) {
			err = fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
		}
		c.core.broadcaster.SendTo(c, protocol.KindAuthError, ref, protocol.NewErrorPayload(err))
		c.CloseWith(protocol.CloseAuthFailed, domain.ErrAuthFailed.Error())
		return err
	}

	c.mu.Lock()
	if c.state != StateAuthenticating && c.state != StateConnecting {
		c.mu.Unlock()
		return domain.ErrAuthTimeout
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.mu.Unlock()

	if err := c.core.store.UpsertUser(ctx, &domain.User{ID: identity.UserID, Username: identity.Username}); err != nil {
		c.core.logger.Warn("Failed to upsert user", "userID", identity.UserID, "error", err)
	}

	// Register before reading membership so that a concurrent add reaches
	// this session through SubscribeUser or through the room list below.
	session, err = c.core.sessions.Register(identity.UserID, c)
	if err != nil && !errors.Is(err, domain.ErrDuplicateSession) {
		return err
	}

	rooms, err := c.core.membership.RoomsOf(ctx, identity.UserID)
	if err != nil {
		c.core.sessions.Unregister(session.ID)
		c.core.broadcaster.SendTo(c, protocol.KindAuthError, ref, protocol.NewErrorPayload(err))
		c.CloseWith(protocol.ClosePolicy, "room recovery failed")
		return err
	}
	for _, roomID := range rooms {
		session.Subscribe(roomID)
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		// Closed while registering; CloseWith saw no session.
		c.mu.Unlock()
		c.core.sessions.Unregister(session.ID)
		return domain.ErrNotAuthenticated
	}
	c.session = session
	c.state = StateAuthenticated
	if len(rooms) > 0 {
		c.state = StateJoined
	}
	c.mu.Unlock()

	c.sendAuthOK(session, ref)
	c.core.logger.Info("Session authenticated", "userID", identity.UserID, "sessionID", session.ID, "rooms", len(rooms))
	return nil
}

func (c *Connection) sendAuthOK(s *Session, ref string) {
	c.core.broadcaster.SendTo(c, protocol.KindAuthOK, ref, protocol.AuthOKPayload{
		SessionID: s.ID,
		UserID:    s.UserID,
		Rooms:     s.Rooms(),
	})
}

// HandleFrame decodes and dispatches one inbound frame. Errors are reported to
// this client only. It returns an error only when the connection was closed.
func (c *Connection) HandleFrame(ctx context.Context, raw []byte) error {
	cmd, ref, err := protocol.Decode(raw)
	if err != nil {
		c.sendError(ref, err)
		return nil
	}

	err = c.dispatch(ctx, cmd, ref)
	switch {
	case err == nil, domain.IsSilent(err):
		return nil
	case domain.IsConnectionFatal(err):
		return err
	default:
		c.sendError(ref, err)
		return nil
	}
}

func (c *Connection) sendError(ref string, err error) {
	payload := protocol.NewErrorPayload(err)
	if payload.Code == "operation_failed" {
		c.core.logger.Error("Command failed", "connID", c.ID, "error", err)
		payload.Message = domain.ErrOperationFailed.Error()
	}
	c.core.metrics.commandErrors.WithLabelValues(payload.Code).Inc()
	c.core.broadcaster.SendTo(c, protocol.KindError, ref, payload)
}

func (c *Connection) dispatch(ctx context.Context, cmd protocol.Command, ref string) error {
	if auth, ok := cmd.(protocol.Authenticate); ok {
		return c.Authenticate(ctx, auth.Token, ref)
	}
	if _, ok := cmd.(protocol.Ping); ok {
		c.core.broadcaster.SendTo(c, protocol.KindPong, ref, nil)
		return nil
	}

	s := c.Session()
	if s == nil {
		return domain.ErrNotAuthenticated
	}

	switch cmd := cmd.(type) {
	case protocol.JoinRoom:
		err := c.core.JoinRoom(ctx, cmd.RoomID, s.UserID)
		if err == nil || errors.Is(err, domain.ErrAlreadyMember) {
			c.setState(StateJoined)
		}
		return err

	case protocol.LeaveRoom:
		if err := c.core.LeaveRoom(ctx, cmd.RoomID, s.UserID); err != nil {
			return err
		}
		if len(s.Rooms()) == 0 {
			c.setState(StateAuthenticated)
		}
		return nil

	case protocol.SendMessage:
		if err := c.core.allow(ctx, "message", s.UserID); err != nil {
			return err
		}
		_, err := c.core.pipeline.Submit(ctx, SubmitRequest{
			RoomID:      cmd.RoomID,
			AuthorID:    s.UserID,
			Content:     cmd.Content,
			ReplyTo:     cmd.ReplyTo,
			Type:        cmd.Type,
			Attachments: attachmentsFromInput(cmd.Attachments),
		})
		return err

	case protocol.MarkDelivered:
		_, err := c.core.pipeline.MarkDelivered(ctx, cmd.MessageID, s.UserID)
		return err

	case protocol.MarkRead:
		_, err := c.core.pipeline.MarkRead(ctx, cmd.MessageID, s.UserID)
		return err

	case protocol.React:
		_, err := c.core.pipeline.ToggleReaction(ctx, cmd.MessageID, s.UserID, cmd.Emoji)
		return err

	case protocol.TypingStart:
		if err := c.core.allow(ctx, "typing", s.UserID); err != nil {
			return err
		}
		return c.core.typing.Start(ctx, s, cmd.RoomID)

	case protocol.TypingStop:
		return c.core.typing.Stop(ctx, s, cmd.RoomID)

	case protocol.Sync:
		result, err := c.core.pipeline.Backfill(ctx, cmd.RoomID, s.UserID, Cursor{
			LastMessageID: cmd.LastMessageID,
			AfterSeq:      cmd.AfterSeq,
			Limit:         cmd.Limit,
		})
		if err != nil {
			return err
		}
		payload := protocol.SyncResultPayload{
			RoomID:   cmd.RoomID,
			Messages: make([]protocol.MessagePayload, 0, len(result.Messages)),
			LastSeq:  result.LastSeq,
			HasMore:  result.HasMore,
		}
		for i := range result.Messages {
			payload.Messages = append(payload.Messages, protocol.NewMessagePayload(&result.Messages[i]))
		}
		c.core.broadcaster.SendTo(c, protocol.KindSyncResult, ref, payload)
		return nil
	}

	return fmt.Errorf("%w: unsupported command %s", domain.ErrInvalidCommand, cmd.Kind())
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.state = s
	}
	c.mu.Unlock()
}

func attachmentsFromInput(in []protocol.AttachmentInput) []domain.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, domain.Attachment{
			Name:     a.Name,
			MimeType: a.Type,
			URL:      a.URL,
			Size:     a.Size,
		})
	}
	return out
}
