package backend

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veil/wire"
)

func msgAt(id string, ts int64) wire.InboxMessage {
	return wire.InboxMessage{ID: id, From: "sender", Message: "ct", Timestamp: ts}
}

func TestFetchSinceTombstones(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0, 0)

	require.NoError(t, q.Enqueue(ctx, "alice", msgAt("m1", 10)))
	require.NoError(t, q.Enqueue(ctx, "alice", msgAt("m2", 20)))

	got, err := q.FetchSince(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)

	// A second poll must not redeliver.
	got, err = q.FetchSince(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchSinceHonorsCursor(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0, 0)

	require.NoError(t, q.Enqueue(ctx, "alice", msgAt("m1", 10)))
	require.NoError(t, q.Enqueue(ctx, "alice", msgAt("m2", 20)))

	got, err := q.FetchSince(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].ID)
}

func TestUndeliveredDoesNotTombstone(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0, 0)

	require.NoError(t, q.Enqueue(ctx, "alice", msgAt("m1", 10)))

	// The push path reads without tombstoning, so a later poll still sees
	// the message.
	got, err := q.Undelivered(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = q.FetchSince(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEnqueueEvictsAtCap(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0, 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, "alice", msgAt(fmt.Sprintf("m%d", i), int64(i+1))))
	}

	got, err := q.FetchSince(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].ID, "oldest messages must be evicted first")
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Nanosecond, 0)

	require.NoError(t, q.Enqueue(ctx, "alice", msgAt("m1", 10)))
	time.Sleep(time.Millisecond)

	purged, err := q.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	got, err := q.FetchSince(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPurgeRemovesDelivered(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Hour, 0)

	require.NoError(t, q.Enqueue(ctx, "alice", msgAt("m1", 10)))
	_, err := q.FetchSince(ctx, "alice", 0)
	require.NoError(t, err)

	purged, err := q.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Recipients)
}

func TestConcurrentEnqueueFetch(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0, 0)

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		recipient := fmt.Sprintf("user-%d", r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Enqueue(ctx, recipient, msgAt(fmt.Sprintf("%s-%d", recipient, i), int64(i+1)))
			}
		}()
	}
	wg.Wait()

	for r := 0; r < 8; r++ {
		got, err := q.FetchSince(ctx, fmt.Sprintf("user-%d", r), 0)
		require.NoError(t, err)
		assert.Len(t, got, 50)
	}
}

func TestMemoryGroupStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryGroupStore()

	g := wire.Group{ID: "g1", Name: "chess club", OwnerID: "alice", InviteCode: "inv-1", KeyVersion: 1}
	require.NoError(t, s.CreateGroup(ctx, g))

	require.NoError(t, s.AddMember(ctx, wire.Member{GroupID: "g1", UserID: "alice", Role: wire.RoleOwner}))
	require.NoError(t, s.AddMember(ctx, wire.Member{GroupID: "g1", UserID: "bob", Role: wire.RoleMember}))

	groups, err := s.ListGroupsForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "g1", groups[0].ID)

	byInvite, err := s.GetGroupByInvite(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "g1", byInvite.ID)

	v, err := s.IncrementKeyVersion(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	require.NoError(t, s.SetMemberKey(ctx, "g1", wire.SealedKeyUpdate{UserID: "bob", SealedKey: "blob", KeyVersion: 2}))
	m, err := s.GetMember(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.KeyVersion)

	require.NoError(t, s.BanMember(ctx, "g1", "bob"))
	banned, err := s.IsBanned(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.True(t, banned)
	_, err = s.GetMember(ctx, "g1", "bob")
	assert.ErrorIs(t, err, wire.ErrNotMember)
}

func TestMemoryGroupStoreDiscoverHidesInvites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryGroupStore()

	require.NoError(t, s.CreateGroup(ctx, wire.Group{ID: "g1", Name: "Go meetup", Public: true, InviteCode: "secret"}))
	require.NoError(t, s.CreateGroup(ctx, wire.Group{ID: "g2", Name: "private stuff", Public: false}))

	got, err := s.DiscoverGroups(ctx, "go")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "g1", got[0].ID)
	assert.Empty(t, got[0].InviteCode, "invite codes must not leak through discovery")
}

func TestMemoryGroupStoreMessagesSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryGroupStore()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendMessage(ctx, wire.GroupMessage{
			ID: fmt.Sprintf("m%d", i), GroupID: "g1", ChannelID: "general", Timestamp: int64(i * 10),
		}))
	}
	require.NoError(t, s.AppendMessage(ctx, wire.GroupMessage{
		ID: "other", GroupID: "g1", ChannelID: "random", Timestamp: 25,
	}))

	got, err := s.MessagesSince(ctx, "g1", "general", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].ID)
	assert.Equal(t, "m3", got[1].ID)

	all, err := s.MessagesSince(ctx, "g1", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
