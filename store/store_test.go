package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/wire"
)

const testPIN = "Secur3!ty"

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testPIN, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func testMessage(id string, ts int64, text string) Message {
	return Message{
		ID:        id,
		Sender:    "peer",
		Body:      wire.PlainBody(text),
		Timestamp: ts,
	}
}

func TestAppendLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		msg := testMessage(fmt.Sprintf("m%d", i), int64(1000+i), fmt.Sprintf("message %d", i))
		require.NoError(t, s.Append("alice", msg))
	}

	msgs, err := s.Load("alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.ID, "messages must come back in timestamp order")
	}
}

func TestSegmentRollover(t *testing.T) {
	const segSize = 4
	s := openTestStore(t, WithSegmentSize(segSize))

	// Appending N+1 messages to a store with segment size N must produce
	// exactly two segments.
	for i := 0; i <= segSize; i++ {
		msg := testMessage(fmt.Sprintf("m%d", i), int64(2000+i), "x")
		require.NoError(t, s.Append("bob", msg))
	}

	count, err := s.SegmentCount("bob")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	msgs, err := s.Load("bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, segSize+1)

	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].Timestamp, msgs[i].Timestamp,
			"load must return timestamp order across segment boundaries")
	}
}

func TestLoadPaging(t *testing.T) {
	s := openTestStore(t, WithSegmentSize(3))

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append("carol", testMessage(fmt.Sprintf("m%d", i), int64(3000+i), "x")))
	}

	// Latest page.
	page, err := s.Load("carol", 4, 0)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, "m6", page[0].ID)
	assert.Equal(t, "m9", page[3].ID)

	// Page backwards from the oldest timestamp of the previous page.
	older, err := s.Load("carol", 4, page[0].Timestamp)
	require.NoError(t, err)
	require.Len(t, older, 4)
	assert.Equal(t, "m2", older[0].ID)
	assert.Equal(t, "m5", older[3].ID)

	hasOlder, err := s.HasOlder("carol", older[0].Timestamp)
	require.NoError(t, err)
	assert.True(t, hasOlder)

	hasOlder, err = s.HasOlder("carol", 3000)
	require.NoError(t, err)
	assert.False(t, hasOlder)
}

func TestConversationsAreIndependent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("alice", testMessage("a1", 1, "to alice")))
	require.NoError(t, s.Append("bob", testMessage("b1", 2, "to bob")))

	msgs, err := s.Load("alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a1", msgs[0].ID)
}

func TestSegmentsAreEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testPIN)
	require.NoError(t, err)
	defer s.Close()

	secret := "the launch code is 0000"
	require.NoError(t, s.Append("alice", testMessage("m1", 1, secret)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == saltFile {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		assert.NotContains(t, string(data), secret,
			"plaintext leaked into %s", e.Name())
	}
}

func TestQuarantineOnCorruptSegment(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("dave", testMessage("m1", 1, "before corruption")))

	// Corrupt the single segment on disk.
	path := s.segmentPath("dave", 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	// The append path must survive: quarantine plus fresh segment with a
	// system note.
	require.NoError(t, s.Append("dave", testMessage("m2", 2, "after corruption")))

	msgs, err := s.Load("dave", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var sawNote, sawM2 bool
	for _, m := range msgs {
		if m.System {
			sawNote = true
		}
		if m.ID == "m2" {
			sawM2 = true
		}
	}
	assert.True(t, sawNote, "fresh log must carry a synthetic system note")
	assert.True(t, sawM2)

	// The unreadable file is kept, renamed, never deleted.
	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestLegacyPlaintextMigration(t *testing.T) {
	s := openTestStore(t)

	legacy := []Message{
		testMessage("old1", 100, "from the before times"),
		testMessage("old2", 101, "still readable"),
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)

	path := s.segmentPath("eve", 0)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	msgs, err := s.Load("eve", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "old1", msgs[0].ID)

	// The file must now be encrypted.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, byte('['), data[0], "legacy segment was not re-encrypted")
	assert.False(t, strings.Contains(string(data), "before times"))
}

func TestGroupKeyVault(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.LoadGroupKey("g1")
	assert.ErrorIs(t, err, ErrNoGroupKey)

	key, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)

	require.NoError(t, s.StoreGroupKey("g1", key, 3))

	loaded, version, err := s.LoadGroupKey("g1")
	require.NoError(t, err)
	assert.Equal(t, key, loaded)
	assert.Equal(t, uint64(3), version)

	// Overwrite with a newer version.
	newKey, _ := crypto.GenerateSymmetricKey()
	require.NoError(t, s.StoreGroupKey("g1", newKey, 4))

	loaded, version, err = s.LoadGroupKey("g1")
	require.NoError(t, err)
	assert.Equal(t, newKey, loaded)
	assert.Equal(t, uint64(4), version)
}

func TestOutboxLifecycle(t *testing.T) {
	s := openTestStore(t)

	entries, err := s.LoadOutbox()
	require.NoError(t, err)
	assert.Empty(t, entries)

	e1 := OutboxEntry{ID: "o1", Recipient: "bob", Body: wire.PlainBody("queued 1"), Timestamp: 10}
	e2 := OutboxEntry{ID: "o2", Recipient: "bob", Body: wire.PlainBody("queued 2"), Timestamp: 11}
	require.NoError(t, s.EnqueueOutbox(e1))
	require.NoError(t, s.EnqueueOutbox(e2))

	entries, err = s.LoadOutbox()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "o1", entries[0].ID)

	require.NoError(t, s.BumpOutboxAttempt("o1"))
	entries, _ = s.LoadOutbox()
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, 0, entries[1].Attempts)

	require.NoError(t, s.RemoveOutbox("o1"))
	entries, _ = s.LoadOutbox()
	require.Len(t, entries, 1)
	assert.Equal(t, "o2", entries[0].ID)

	// Removing an unknown ID is a no-op.
	require.NoError(t, s.RemoveOutbox("missing"))
}

func TestWrongPINCannotReadStore(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, testPIN)
	require.NoError(t, err)
	require.NoError(t, s1.Append("alice", testMessage("m1", 1, "secret")))
	s1.Close()

	s2, err := Open(dir, "Other!Pin9")
	require.NoError(t, err)
	defer s2.Close()

	// Wrong key means the segment fails authentication and is quarantined;
	// no plaintext comes back.
	msgs, err := s2.Load("alice", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
