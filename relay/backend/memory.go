package backend

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/wire"
)

const (
	// queueShards fixes the number of lock shards. Senders to different
	// recipients almost never share a shard, so a burst to one inbox cannot
	// stall the rest.
	queueShards = 64

	// DefaultMessageTTL is how long an unfetched pairwise message survives.
	DefaultMessageTTL = 24 * time.Hour

	// DefaultMaxPerRecipient caps one recipient's queue to bound abuse.
	DefaultMaxPerRecipient = 1000
)

type queuedMessage struct {
	msg       wire.InboxMessage
	storedAt  time.Time
	delivered bool
}

type queueShard struct {
	mu     sync.Mutex
	queues map[string][]*queuedMessage
}

// Memory is the in-process Queue implementation.
type Memory struct {
	shards          [queueShards]*queueShard
	ttl             time.Duration
	maxPerRecipient int
}

// NewMemory builds a memory queue. Zero ttl or cap selects the defaults.
func NewMemory(ttl time.Duration, maxPerRecipient int) *Memory {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	if maxPerRecipient <= 0 {
		maxPerRecipient = DefaultMaxPerRecipient
	}

	m := &Memory{ttl: ttl, maxPerRecipient: maxPerRecipient}
	for i := range m.shards {
		m.shards[i] = &queueShard{queues: make(map[string][]*queuedMessage)}
	}
	return m
}

func (m *Memory) shardFor(recipient string) *queueShard {
	h := fnv.New32a()
	h.Write([]byte(recipient))
	return m.shards[h.Sum32()%queueShards]
}

// Enqueue appends to the recipient's queue, evicting the oldest entry when
// the per-recipient cap is reached.
func (m *Memory) Enqueue(ctx context.Context, recipient string, msg wire.InboxMessage) error {
	shard := m.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	q := shard.queues[recipient]
	if len(q) >= m.maxPerRecipient {
		logrus.WithFields(logrus.Fields{
			"package":   "backend",
			"recipient": recipient[:min(8, len(recipient))],
			"cap":       m.maxPerRecipient,
		}).Warn("recipient queue full, evicting oldest message")
		q = q[1:]
	}

	shard.queues[recipient] = append(q, &queuedMessage{
		msg:      msg,
		storedAt: time.Now(),
	})
	return nil
}

// FetchSince returns undelivered messages newer than since, oldest first, and
// tombstones them.
func (m *Memory) FetchSince(ctx context.Context, recipient string, since int64) ([]wire.InboxMessage, error) {
	shard := m.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	var out []wire.InboxMessage
	for _, entry := range shard.queues[recipient] {
		if entry.delivered || entry.msg.Timestamp <= since {
			continue
		}
		out = append(out, entry.msg)
		entry.delivered = true
	}
	return out, nil
}

// Undelivered returns undelivered messages without tombstoning.
func (m *Memory) Undelivered(ctx context.Context, recipient string) ([]wire.InboxMessage, error) {
	shard := m.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	var out []wire.InboxMessage
	for _, entry := range shard.queues[recipient] {
		if !entry.delivered {
			out = append(out, entry.msg)
		}
	}
	return out, nil
}

// PurgeExpired removes delivered and expired messages across all shards.
func (m *Memory) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.ttl)
	purged := 0

	for _, shard := range m.shards {
		shard.mu.Lock()
		for recipient, q := range shard.queues {
			kept := q[:0]
			for _, entry := range q {
				if entry.delivered || entry.storedAt.Before(cutoff) {
					purged++
					continue
				}
				kept = append(kept, entry)
			}
			if len(kept) == 0 {
				delete(shard.queues, recipient)
			} else {
				shard.queues[recipient] = kept
			}
		}
		shard.mu.Unlock()
	}

	return purged, nil
}

// Stats counts recipients and queued messages across all shards.
func (m *Memory) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	for _, shard := range m.shards {
		shard.mu.Lock()
		stats.Recipients += len(shard.queues)
		for _, q := range shard.queues {
			for _, entry := range q {
				if !entry.delivered {
					stats.Queued++
				}
			}
		}
		shard.mu.Unlock()
	}
	return stats, nil
}
