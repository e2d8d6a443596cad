package chat

import (
	"context"
	"testing"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembership_JoinIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")

	err := env.core.membership.Join(ctx, "r1", "bob", domain.RoleMember)
	assert.ErrorIs(t, err, domain.ErrAlreadyMember)

	rows, err := env.store.GetRoomMembers(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	members, err := env.core.membership.MembersOf(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestMembership_JoinSubscribesLiveSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice")

	_, bob := env.connect(t, "bob")
	require.False(t, bob.Subscribed("r1"))

	require.NoError(t, env.core.membership.Join(ctx, "r1", "bob", domain.RoleMember))
	assert.True(t, bob.Subscribed("r1"))

	require.NoError(t, env.core.membership.Leave(ctx, "r1", "bob"))
	assert.False(t, bob.Subscribed("r1"))
}

func TestMembership_OwnerCannotLeave(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")

	assert.ErrorIs(t, env.core.membership.Leave(ctx, "r1", "alice"), domain.ErrOwnerCannotLeave)
	assert.ErrorIs(t, env.core.membership.Remove(ctx, "r1", "alice", "alice"), domain.ErrOwnerCannotLeave)

	ok, err := env.core.membership.IsMember(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, env.core.membership.Leave(ctx, "r1", "carol"), domain.ErrNotAMember)
}

func TestMembership_RoleChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob", "carol", "dave")
	m := env.core.membership

	// Members cannot manage.
	assert.ErrorIs(t, m.SetRole(ctx, "r1", "bob", "carol", domain.RoleAdmin), domain.ErrForbidden)
	assert.ErrorIs(t, m.Remove(ctx, "r1", "bob", "carol"), domain.ErrForbidden)
	assert.ErrorIs(t, m.Add(ctx, "r1", "bob", "erin", domain.RoleMember), domain.ErrForbidden)

	// The owner's role only changes by transfer.
	assert.ErrorIs(t, m.SetRole(ctx, "r1", "alice", "bob", domain.RoleOwner), domain.ErrInvalidRole)
	require.NoError(t, m.SetRole(ctx, "r1", "alice", "bob", domain.RoleAdmin))
	assert.ErrorIs(t, m.SetRole(ctx, "r1", "bob", "alice", domain.RoleMember), domain.ErrForbidden)

	// Admins manage members but not other admins.
	require.NoError(t, m.SetRole(ctx, "r1", "alice", "carol", domain.RoleAdmin))
	assert.ErrorIs(t, m.Remove(ctx, "r1", "bob", "carol"), domain.ErrForbidden)
	assert.ErrorIs(t, m.Add(ctx, "r1", "bob", "erin", domain.RoleAdmin), domain.ErrForbidden)
	require.NoError(t, m.Add(ctx, "r1", "bob", "erin", domain.RoleMember))
	require.NoError(t, m.Remove(ctx, "r1", "bob", "dave"))
	assert.ErrorIs(t, m.Remove(ctx, "r1", "bob", "alice"), domain.ErrOwnerCannotLeave)

	role, ok, err := m.RoleOf(ctx, "r1", "erin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.RoleMember, role)

	_, ok, err = m.RoleOf(ctx, "r1", "dave")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMembership_TransferOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")
	m := env.core.membership

	assert.ErrorIs(t, m.TransferOwnership(ctx, "r1", "bob", "bob"), domain.ErrForbidden)
	assert.ErrorIs(t, m.TransferOwnership(ctx, "r1", "alice", "carol"), domain.ErrNotAMember)
	require.NoError(t, m.TransferOwnership(ctx, "r1", "alice", "bob"))

	role, _, err := m.RoleOf(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, role)
	role, _, err = m.RoleOf(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, role)

	// The former owner may now leave.
	require.NoError(t, m.Leave(ctx, "r1", "alice"))

	rows, err := env.store.GetRoomMembers(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.RoleOwner, rows[0].Role)
}

func TestMembership_WriteThroughFailureLeavesCacheUnchanged(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice")

	env.store.failAddMember.Store(true)
	err := env.core.membership.Join(ctx, "r1", "bob", domain.RoleMember)
	assert.ErrorIs(t, err, domain.ErrOperationFailed)

	ok, err := env.core.membership.IsMember(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	env.store.failAddMember.Store(false)
	require.NoError(t, env.core.membership.Join(ctx, "r1", "bob", domain.RoleMember))
}

func TestMembership_ColdCacheReadsStore(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.room(t, "r1", "alice", "bob")

	cold := NewMembershipIndex(env.store, NewSessionRegistry())
	members, err := cold.MembersOf(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	rooms, err := cold.RoomsOf(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, rooms)

	// Unknown rooms have no members and are not cached.
	members, err = cold.MembersOf(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMembership_JoinUnknownRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.core.membership.Join(context.Background(), "missing", "bob", domain.RoleMember)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestMembership_CancelledLoaderDoesNotFailJoiners(t *testing.T) {
	env := newTestEnv(t, nil)
	env.room(t, "r1", "alice", "bob")
	m := env.core.membership
	m.evict("r1")

	gate := newCallGate()
	env.store.membersGate.Store(gate)

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.IsMember(firstCtx, "r1", "bob")
		first <- err
	}()
	gate.waitEntered(t)

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared load")
	}

	type result struct {
		ok  bool
		err error
	}
	second := make(chan result, 1)
	go func() {
		ok, err := m.IsMember(context.Background(), "r1", "bob")
		second <- result{ok, err}
	}()
	// Let the second caller join the load that is still in flight.
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.True(t, res.ok)
	case <-time.After(2 * time.Second):
		t.Fatal("joiner never received the shared load")
	}
}
