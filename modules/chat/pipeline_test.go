package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagesOf(t *testing.T, h *recordingHandle) []protocol.MessagePayload {
	t.Helper()
	var out []protocol.MessagePayload
	for _, f := range h.of(protocol.KindMessageNew) {
		var p protocol.MessagePayload
		f.decode(t, &p)
		out = append(out, p)
	}
	return out
}

func TestPipeline_RoomOrderingAndReadStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "7", "alice", "bob")
	aliceHandle, _ := env.connect(t, "alice")
	bobHandle, _ := env.connect(t, "bob")

	hello, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "7", AuthorID: "alice", Content: "hello"})
	require.NoError(t, err)
	hi, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "7", AuthorID: "bob", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), hello.Seq)
	assert.Equal(t, int64(2), hi.Seq)

	for name, h := range map[string]*recordingHandle{"alice": aliceHandle, "bob": bobHandle} {
		got := messagesOf(t, h)
		require.Len(t, got, 2, name)
		assert.Equal(t, "hello", got[0].Content, name)
		assert.Equal(t, int64(1), got[0].Seq, name)
		assert.Equal(t, "hi", got[1].Content, name)
		assert.Equal(t, int64(2), got[1].Seq, name)
		assert.Equal(t, "sent", got[0].Status, name)
	}

	changed, err := env.core.pipeline.MarkRead(ctx, hello.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	statuses := aliceHandle.of(protocol.KindMessageStatus)
	require.Len(t, statuses, 1)
	var st protocol.StatusPayload
	statuses[0].decode(t, &st)
	assert.Equal(t, hello.ID, st.MessageID)
	assert.Equal(t, "read", st.Status)
	assert.Equal(t, "bob", st.UserID)

	stored, err := env.store.GetMessage(ctx, hello.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageRead, stored.Status)
}

func TestPipeline_SubmitValidation(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxContentLength = 16 })
	ctx := context.Background()
	env.room(t, "r1", "alice")
	env.room(t, "r2", "alice")

	other, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r2", AuthorID: "alice", Content: "elsewhere"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{"not a member", SubmitRequest{RoomID: "r1", AuthorID: "mallory", Content: "hi"}, domain.ErrNotAMember},
		{"unknown room", SubmitRequest{RoomID: "nope", AuthorID: "alice", Content: "hi"}, domain.ErrNotAMember},
		{"empty content", SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: ""}, domain.ErrEmptyContent},
		{"blank content", SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "  \n\t"}, domain.ErrEmptyContent},
		{"too long", SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: strings.Repeat("x", 17)}, domain.ErrContentTooLong},
		{"reply to missing message", SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "re", ReplyTo: "missing"}, domain.ErrInvalidReply},
		{"reply across rooms", SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "re", ReplyTo: other.ID}, domain.ErrInvalidReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := env.core.pipeline.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, msg)
		})
	}

	// Attachments alone are a valid message; replies keep their target.
	first, err := env.core.pipeline.Submit(ctx, SubmitRequest{
		RoomID:      "r1",
		AuthorID:    "alice",
		Attachments: []domain.Attachment{{Name: "a.png", MimeType: "image/png", URL: "https://example.test/a.png", Size: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq, "rejected submissions must not consume a seq")

	reply, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "re", ReplyTo: first.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyToID)
	assert.Equal(t, first.ID, *reply.ReplyToID)
}

func TestPipeline_StatusNeverRegresses(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")
	aliceHandle, _ := env.connect(t, "alice")

	msg, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "hello"})
	require.NoError(t, err)

	changed, err := env.core.pipeline.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = env.core.pipeline.MarkDelivered(ctx, msg.ID, "bob")
	require.NoError(t, err, "a backward transition is a silent no-op")
	assert.False(t, changed)

	changed, err = env.core.pipeline.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := env.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageRead, stored.Status)
	assert.Len(t, aliceHandle.of(protocol.KindMessageStatus), 1)
}

func TestPipeline_StatusRules(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")

	msg, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "hello"})
	require.NoError(t, err)

	changed, err := env.core.pipeline.MarkDelivered(ctx, msg.ID, "alice")
	require.NoError(t, err)
	assert.False(t, changed, "authors do not acknowledge their own messages")

	_, err = env.core.pipeline.MarkRead(ctx, msg.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotAMember)

	_, err = env.core.pipeline.MarkRead(ctx, "missing", "bob")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	changed, err = env.core.pipeline.MarkDelivered(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPipeline_ReactionToggle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")
	aliceHandle, _ := env.connect(t, "alice")

	msg, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "vote"})
	require.NoError(t, err)

	summary, err := env.core.pipeline.ToggleReaction(ctx, msg.ID, "bob", "👍")
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, "👍", summary[0].Emoji)
	assert.Equal(t, 1, summary[0].Count)
	assert.Equal(t, []string{"bob"}, summary[0].UserIDs)

	_, err = env.core.pipeline.ToggleReaction(ctx, msg.ID, "alice", "👍")
	require.NoError(t, err)

	summary, err = env.core.pipeline.ToggleReaction(ctx, msg.ID, "bob", "👍")
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, []string{"alice"}, summary[0].UserIDs)

	summary, err = env.core.pipeline.ToggleReaction(ctx, msg.ID, "alice", "👍")
	require.NoError(t, err)
	assert.Empty(t, summary, "toggling twice restores the original set")

	frames := aliceHandle.of(protocol.KindMessageReaction)
	require.Len(t, frames, 4)
	var last protocol.ReactionPayload
	frames[3].decode(t, &last)
	assert.Equal(t, msg.ID, last.MessageID)
	assert.Empty(t, last.Reactions, "every reaction frame carries the full list")

	current, err := env.core.pipeline.Reactions(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Empty(t, current)

	_, err = env.core.pipeline.ToggleReaction(ctx, msg.ID, "bob", "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidReaction)
	_, err = env.core.pipeline.ToggleReaction(ctx, msg.ID, "mallory", "👍")
	assert.ErrorIs(t, err, domain.ErrNotAMember)
}

func TestPipeline_PersistFailureBroadcastsNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")
	bobHandle, _ := env.connect(t, "bob")

	env.store.failPersist.Store(true)
	msg, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "lost"})
	assert.ErrorIs(t, err, domain.ErrOperationFailed)
	assert.Nil(t, msg)
	assert.Zero(t, bobHandle.count(protocol.KindMessageNew))

	env.store.failPersist.Store(false)
	msg, err = env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: "kept"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, 1, bobHandle.count(protocol.KindMessageNew))
}

func TestPipeline_BackfillAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")
	env.room(t, "r2", "alice")

	var ids []string
	for _, content := range []string{"one", "two", "three", "four", "five"} {
		msg, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r1", AuthorID: "alice", Content: content})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	foreign, err := env.core.pipeline.Submit(ctx, SubmitRequest{RoomID: "r2", AuthorID: "alice", Content: "x"})
	require.NoError(t, err)

	page, err := env.core.pipeline.Backfill(ctx, "r1", "bob", Cursor{AfterSeq: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(3), page.Messages[0].Seq)
	assert.Equal(t, int64(4), page.Messages[1].Seq)
	assert.Equal(t, int64(4), page.LastSeq)
	assert.True(t, page.HasMore)

	page, err = env.core.pipeline.Backfill(ctx, "r1", "bob", Cursor{LastMessageID: ids[3], AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1, "last message id wins over after_seq")
	assert.Equal(t, "five", page.Messages[0].Content)
	assert.False(t, page.HasMore)

	page, err = env.core.pipeline.Backfill(ctx, "r1", "bob", Cursor{AfterSeq: 5})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Equal(t, int64(5), page.LastSeq)

	_, err = env.core.pipeline.Backfill(ctx, "r1", "bob", Cursor{LastMessageID: foreign.ID})
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	_, err = env.core.pipeline.Backfill(ctx, "r2", "bob", Cursor{})
	assert.ErrorIs(t, err, domain.ErrNotAMember)

	history, err := env.core.pipeline.History(ctx, "r1", "bob", 0, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "four", history[0].Content)
	assert.Equal(t, "five", history[1].Content)

	history, err = env.core.pipeline.History(ctx, "r1", "bob", 4, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "one", history[0].Content)
}

func TestPipeline_ConcurrentSubmitsKeepRoomOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.room(t, "r1", "alice", "bob", "carol")
	observer, _ := env.connect(t, "dave")
	require.NoError(t, env.core.membership.Join(context.Background(), "r1", "dave", domain.RoleMember))

	const senders = 3
	const perSender = 10
	authors := []string{"alice", "bob", "carol"}

	var wg sync.WaitGroup
	errs := make(chan error, senders*perSender)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(author string) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := env.core.pipeline.Submit(context.Background(), SubmitRequest{
					RoomID:   "r1",
					AuthorID: author,
					Content:  fmt.Sprintf("%s-%d", author, j),
				})
				errs <- err
			}
		}(authors[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := messagesOf(t, observer)
	require.Len(t, got, senders*perSender)
	for i, m := range got {
		assert.Equal(t, int64(i+1), m.Seq, "frame %d", i)
	}

	stored, err := env.store.MessagesAfter(context.Background(), "r1", 0, senders*perSender+1)
	require.NoError(t, err)
	require.Len(t, stored, senders*perSender)
	for i, m := range stored {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}
