package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	domain "github.com/example/realtime-chat/domain/chat"
)

// Client to server command tags.
const (
	CmdAuthenticate     Kind = "authenticate"
	CmdRoomJoin         Kind = "room:join"
	CmdRoomLeave        Kind = "room:leave"
	CmdMessageSend      Kind = "message:send"
	CmdMessageDelivered Kind = "message:delivered"
	CmdMessageRead      Kind = "message:read"
	CmdMessageReact     Kind = "message:react"
	CmdTypingStart      Kind = "typing:start"
	CmdTypingStop       Kind = "typing:stop"
	CmdSync             Kind = "sync"
	CmdPing             Kind = "ping"
)

// MaxFrameSize bounds an inbound frame in bytes.
const MaxFrameSize = 64 * 1024

// Command is a validated inbound frame.
type Command interface {
	Kind() Kind
	validate() error
}

// Authenticate carries the client credential.
type Authenticate struct {
	Token string `json:"token"`
}

// JoinRoom asks to become a member of a room and subscribe to it.
type JoinRoom struct {
	RoomID string `json:"room_id"`
}

// LeaveRoom asks to leave a room.
type LeaveRoom struct {
	RoomID string `json:"room_id"`
}

// AttachmentInput is attachment metadata supplied by the client.
type AttachmentInput struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// SendMessage submits a message to a room.
type SendMessage struct {
	RoomID      string            `json:"room_id"`
	Content     string            `json:"content"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Type        string            `json:"type,omitempty"`
	Attachments []AttachmentInput `json:"attachments,omitempty"`
}

// MarkDelivered acknowledges delivery of a message.
type MarkDelivered struct {
	MessageID string `json:"message_id"`
}

// MarkRead acknowledges reading a message.
type MarkRead struct {
	MessageID string `json:"message_id"`
}

// React toggles an emoji reaction on a message.
type React struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// TypingStart signals the user started typing in a room.
type TypingStart struct {
	RoomID string `json:"room_id"`
}

// TypingStop signals the user stopped typing in a room.
type TypingStop struct {
	RoomID string `json:"room_id"`
}

// Sync requests messages missed in a room after a cursor.
// LastMessageID takes precedence over AfterSeq when both are set.
type Sync struct {
	RoomID        string `json:"room_id"`
	LastMessageID string `json:"last_message_id,omitempty"`
	AfterSeq      int64  `json:"after_seq,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// Ping is a liveness check answered with pong.
type Ping struct{}

func (Authenticate) Kind() Kind  { return CmdAuthenticate }
func (JoinRoom) Kind() Kind      { return CmdRoomJoin }
func (LeaveRoom) Kind() Kind     { return CmdRoomLeave }
func (SendMessage) Kind() Kind   { return CmdMessageSend }
func (MarkDelivered) Kind() Kind { return CmdMessageDelivered }
func (MarkRead) Kind() Kind      { return CmdMessageRead }
func (React) Kind() Kind         { return CmdMessageReact }
func (TypingStart) Kind() Kind   { return CmdTypingStart }
func (TypingStop) Kind() Kind    { return CmdTypingStop }
func (Sync) Kind() Kind          { return CmdSync }
func (Ping) Kind() Kind          { return CmdPing }

func (c Authenticate) validate() error  { return required("token", c.Token) }
func (c JoinRoom) validate() error      { return required("room_id", c.RoomID) }
func (c LeaveRoom) validate() error     { return required("room_id", c.RoomID) }
func (c MarkDelivered) validate() error { return required("message_id", c.MessageID) }
func (c MarkRead) validate() error      { return required("message_id", c.MessageID) }
func (c TypingStart) validate() error   { return required("room_id", c.RoomID) }
func (c TypingStop) validate() error    { return required("room_id", c.RoomID) }
func (Ping) validate() error            { return nil }

func (c SendMessage) validate() error {
	if err := required("room_id", c.RoomID); err != nil {
		return err
	}
	for i, a := range c.Attachments {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: attachment %d needs name and url", domain.ErrInvalidCommand, i)
		}
		if a.Size < 0 {
			return fmt.Errorf("%w: attachment %d has negative size", domain.ErrInvalidCommand, i)
		}
	}
	return nil
}

func (c React) validate() error {
	if err := required("message_id", c.MessageID); err != nil {
		return err
	}
	return required("emoji", c.Emoji)
}

func (c Sync) validate() error {
	if err := required("room_id", c.RoomID); err != nil {
		return err
	}
	if c.AfterSeq < 0 || c.Limit < 0 {
		return fmt.Errorf("%w: negative cursor or limit", domain.ErrInvalidCommand)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidCommand, field)
	}
	return nil
}

type inbound struct {
	Type Kind            `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses and validates one inbound frame. It returns the client's ref
// even when validation fails so the error can be correlated.
func Decode(raw []byte) (Command, string, error) {
	if len(raw) > MaxFrameSize {
		return nil, "", fmt.Errorf("%w: frame exceeds %d bytes", domain.ErrInvalidCommand, MaxFrameSize)
	}

	var env inbound
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
	}

	var cmd Command
	var err error
	switch env.Type {
	case CmdAuthenticate:
		var c Authenticate
		err = decodeData(env.Data, &c, &c.Token)
		cmd = c
	case CmdRoomJoin:
		var c JoinRoom
		err = decodeData(env.Data, &c, &c.RoomID)
		cmd = c
	case CmdRoomLeave:
		var c LeaveRoom
		err = decodeData(env.Data, &c, &c.RoomID)
		cmd = c
	case CmdMessageSend:
		var c SendMessage
		err = decodeData(env.Data, &c, nil)
		cmd = c
	case CmdMessageDelivered:
		var c MarkDelivered
		err = decodeData(env.Data, &c, &c.MessageID)
		cmd = c
	case CmdMessageRead:
		var c MarkRead
		err = decodeData(env.Data, &c, &c.MessageID)
		cmd = c
	case CmdMessageReact:
		var c React
		err = decodeData(env.Data, &c, nil)
		cmd = c
	case CmdTypingStart:
		var c TypingStart
		err = decodeData(env.Data, &c, &c.RoomID)
		cmd = c
	case CmdTypingStop:
		var c TypingStop
		err = decodeData(env.Data, &c, &c.RoomID)
		cmd = c
	case CmdSync:
		var c Sync
		err = decodeData(env.Data, &c, nil)
		cmd = c
	case CmdPing:
		cmd = Ping{}
	case "":
		return nil, env.Ref, fmt.Errorf("%w: missing type", domain.ErrInvalidCommand)
	default:
		return nil, env.Ref, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidCommand, env.Type)
	}
	if err != nil {
		return nil, env.Ref, err
	}
	if err := cmd.validate(); err != nil {
		return nil, env.Ref, err
	}
	return cmd, env.Ref, nil
}

// decodeData fills dst from an object payload. Commands with a single id field
// also accept a bare JSON string, which is written to scalar.
func decodeData(data json.RawMessage, dst any, scalar *string) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		if scalar == nil {
			return fmt.Errorf("%w: object payload required", domain.ErrInvalidCommand)
		}
		if err := json.Unmarshal(trimmed, scalar); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
		}
		return nil
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
	}
	return nil
}
