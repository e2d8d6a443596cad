package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/events"
	"github.com/example/realtime-chat/protocol"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/google/uuid"
)

// maxEmojiLength bounds a reaction in bytes.
const maxEmojiLength = 32

// PipelineConfig bounds message content and backfill pages.
type PipelineConfig struct {
	MaxContentLength int
	BackfillLimit    int
}

// SubmitRequest is a message submission from an author.
type SubmitRequest struct {
	RoomID      string
	AuthorID    string
	Content     string
	ReplyTo     string
	Type        string
	Attachments []domain.Attachment
}

// Cursor positions a backfill. LastMessageID wins over AfterSeq.
type Cursor struct {
	LastMessageID string
	AfterSeq      int64
	Limit         int
}

// BackfillResult is one page of missed messages in seq order.
type BackfillResult struct {
	Messages []domain.Message
	LastSeq  int64
	HasMore  bool
}

// Pipeline validates, persists and fans out messages, status transitions and
// reactions. All room events are emitted under the room's lock so observers
// see them in persistence order.
type Pipeline struct {
	store       Store
	membership  *MembershipIndex
	broadcaster *Broadcaster
	notifier    Notifier
	metrics     *Metrics
	logger      types.Logger
	locks       *keyedMutex
	cfg         PipelineConfig
}

// NewPipeline creates a Pipeline.
func NewPipeline(store Store, membership *MembershipIndex, broadcaster *Broadcaster, notifier Notifier, metrics *Metrics, logger types.Logger, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		store:       store,
		membership:  membership,
		broadcaster: broadcaster,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger,
		locks:       newKeyedMutex(),
		cfg:         cfg,
	}
}

func (p *Pipeline) requireMember(ctx context.Context, roomID, userID string) error {
	ok, err := p.membership.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotAMember
	}
	return nil
}

// Submit validates and persists a message, then broadcasts message:new to the
// room. Nothing is broadcast when persistence fails.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*domain.Message, error) {
	if err := p.requireMember(ctx, req.RoomID, req.AuthorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, domain.ErrEmptyContent
	}
	if p.cfg.MaxContentLength > 0 && len(req.Content) > p.cfg.MaxContentLength {
		return nil, domain.ErrContentTooLong
	}

	msg := &domain.Message{
		ID:          uuid.New().String(),
		RoomID:      req.RoomID,
		AuthorID:    req.AuthorID,
		Content:     req.Content,
		Type:        req.Type,
		Status:      domain.MessageSent,
		Attachments: req.Attachments,
		CreatedAt:   time.Now(),
	}
	if msg.Type == "" {
		msg.Type = "text"
	}

	if req.ReplyTo != "" {
		target, err := p.store.GetMessage(ctx, req.ReplyTo)
		if err != nil {
			if errors.Is(err, domain.ErrMessageNotFound) {
				return nil, domain.ErrInvalidReply
			}
			return nil, err
		}
		if target.RoomID != req.RoomID {
			return nil, domain.ErrInvalidReply
		}
		replyTo := req.ReplyTo
		msg.ReplyToID = &replyTo
	}

	unlock := p.locks.Lock(req.RoomID)
	if err := p.store.PersistMessage(ctx, msg); err != nil {
		unlock()
		return nil, err
	}
	_, err := p.broadcaster.Publish(ctx, req.RoomID, protocol.KindMessageNew, protocol.NewMessagePayload(msg))
	unlock()
	if err != nil {
		p.logger.Warn("Failed to broadcast message", "messageID", msg.ID, "roomID", msg.RoomID, "error", err)
	}

	p.metrics.messages.Inc()
	p.notifier.Notify(events.MessageCreatedEvent{
		MessageID:      msg.ID,
		RoomID:         msg.RoomID,
		Seq:            msg.Seq,
		AuthorID:       msg.AuthorID,
		HasAttachments: len(msg.Attachments) > 0,
		IsReply:        msg.ReplyToID != nil,
		Timestamp:      msg.CreatedAt,
	})
	p.logger.Debug("Message submitted", "messageID", msg.ID, "roomID", msg.RoomID, "seq", msg.Seq)
	return msg, nil
}

// MarkDelivered advances a message to delivered on behalf of userID.
func (p *Pipeline) MarkDelivered(ctx context.Context, messageID, userID string) (bool, error) {
	return p.advance(ctx, messageID, userID, domain.MessageDelivered)
}

// MarkRead advances a message to read on behalf of userID.
func (p *Pipeline) MarkRead(ctx context.Context, messageID, userID string) (bool, error) {
	return p.advance(ctx, messageID, userID, domain.MessageRead)
}

// advance applies a forward status transition. Backward or repeated
// transitions and the author's own acknowledgements are silent no-ops. It
// reports whether the status changed.
func (p *Pipeline) advance(ctx context.Context, messageID, userID string, status domain.MessageStatus) (bool, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if err := p.requireMember(ctx, msg.RoomID, userID); err != nil {
		return false, err
	}
	if msg.AuthorID == userID || !msg.Status.Advances(status) {
		return false, nil
	}

	unlock := p.locks.Lock(msg.RoomID)
	applied, err := p.store.UpdateMessageStatus(ctx, messageID, status)
	if err != nil || !applied {
		unlock()
		return false, err
	}
	now := time.Now()
	_, err = p.broadcaster.Publish(ctx, msg.RoomID, protocol.KindMessageStatus, protocol.StatusPayload{
		MessageID: messageID,
		RoomID:    msg.RoomID,
		Status:    string(status),
		UserID:    userID,
		Timestamp: now,
	})
	unlock()
	if err != nil {
		p.logger.Warn("Failed to broadcast status", "messageID", messageID, "error", err)
	}

	p.notifier.Notify(events.MessageStatusChangedEvent{
		MessageID: messageID,
		RoomID:    msg.RoomID,
		Status:    string(status),
		UserID:    userID,
		Timestamp: now,
	})
	return true, nil
}

// ToggleReaction adds or removes userID's emoji on a message and broadcasts the
// message's full reaction list.
func (p *Pipeline) ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]protocol.ReactionSummary, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiLength || !utf8.ValidString(emoji) {
		return nil, domain.ErrInvalidReaction
	}

	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := p.requireMember(ctx, msg.RoomID, userID); err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(msg.RoomID)
	added, reactions, err := p.store.ToggleReaction(ctx, messageID, userID, emoji)
	if err != nil {
		unlock()
		return nil, err
	}
	summary := protocol.SummarizeReactions(reactions)
	now := time.Now()
	_, err = p.broadcaster.Publish(ctx, msg.RoomID, protocol.KindMessageReaction, protocol.ReactionPayload{
		MessageID: messageID,
		RoomID:    msg.RoomID,
		Reactions: summary,
		Timestamp: now,
	})
	unlock()
	if err != nil {
		p.logger.Warn("Failed to broadcast reactions", "messageID", messageID, "error", err)
	}

	p.notifier.Notify(events.ReactionsChangedEvent{
		MessageID: messageID,
		RoomID:    msg.RoomID,
		UserID:    userID,
		Emoji:     emoji,
		Added:     added,
		Total:     len(reactions),
		Timestamp: now,
	})
	return summary, nil
}

// Reactions returns the grouped reactions of a message visible to userID.
func (p *Pipeline) Reactions(ctx context.Context, messageID, userID string) ([]protocol.ReactionSummary, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := p.requireMember(ctx, msg.RoomID, userID); err != nil {
		return nil, err
	}
	reactions, err := p.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return protocol.SummarizeReactions(reactions), nil
}

// Lookup returns one message with its grouped reactions. A user outside the
// message's room gets ErrMessageNotFound, so existence is not revealed.
func (p *Pipeline) Lookup(ctx context.Context, messageID, userID string) (*domain.Message, []protocol.ReactionSummary, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if err := p.requireMember(ctx, msg.RoomID, userID); err != nil {
		if errors.Is(err, domain.ErrNotAMember) {
			return nil, nil, domain.ErrMessageNotFound
		}
		return nil, nil, err
	}
	reactions, err := p.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	return msg, protocol.SummarizeReactions(reactions), nil
}

// Backfill returns messages after the cursor in seq order, bounded by the
// configured backfill limit.
func (p *Pipeline) Backfill(ctx context.Context, roomID, userID string, cursor Cursor) (*BackfillResult, error) {
	if err := p.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}

	afterSeq := cursor.AfterSeq
	if cursor.LastMessageID != "" {
		last, err := p.store.GetMessage(ctx, cursor.LastMessageID)
		if err != nil {
			return nil, err
		}
		if last.RoomID != roomID {
			return nil, domain.ErrMessageNotFound
		}
		afterSeq = last.Seq
	}

	limit := p.clampLimit(cursor.Limit)
	msgs, err := p.store.MessagesAfter(ctx, roomID, afterSeq, limit+1)
	if err != nil {
		return nil, err
	}

	result := &BackfillResult{LastSeq: afterSeq}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		result.HasMore = true
	}
	if len(msgs) > 0 {
		result.LastSeq = msgs[len(msgs)-1].Seq
	}
	result.Messages = msgs
	return result, nil
}

// History returns the newest page of messages before beforeSeq, oldest first.
// A beforeSeq of zero starts from the newest message.
func (p *Pipeline) History(ctx context.Context, roomID, userID string, beforeSeq int64, limit int) ([]domain.Message, error) {
	if err := p.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return p.store.MessagesBefore(ctx, roomID, beforeSeq, p.clampLimit(limit))
}

func (p *Pipeline) clampLimit(limit int) int {
	ceiling := p.cfg.BackfillLimit
	if ceiling <= 0 {
		ceiling = 200
	}
	if limit <= 0 || limit > ceiling {
		return ceiling
	}
	return limit
}
