// Package redisq is the redis-backed Queue implementation. Each message is
// stored under its own key with a TTL; a per-recipient list holds the queue
// order. Redis key expiry does the heavy lifting for message TTL; PurgeExpired
// only trims dangling IDs out of the queue lists.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/relay/backend"
	"github.com/veilchat/veil/wire"
)

const (
	queuePrefix = "relay:queue:" // relay:queue:{recipient} - list of message IDs
	msgPrefix   = "relay:msg:"   // relay:msg:{id} - message JSON, TTL-bound
)

// Queue implements backend.Queue on a redis client.
type Queue struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a redis queue. Zero ttl selects backend.DefaultMessageTTL.
func New(rdb *redis.Client, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = backend.DefaultMessageTTL
	}
	return &Queue{rdb: rdb, ttl: ttl}
}

// Enqueue stores the message body under its own TTL-bound key and appends the
// ID to the recipient's queue list.
func (q *Queue) Enqueue(ctx context.Context, recipient string, msg wire.InboxMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := q.rdb.Set(ctx, msgPrefix+msg.ID, data, q.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	if err := q.rdb.RPush(ctx, queuePrefix+recipient, msg.ID).Err(); err != nil {
		return fmt.Errorf("failed to append to queue: %w", err)
	}
	// Keep the queue list alive at least as long as its newest message.
	q.rdb.Expire(ctx, queuePrefix+recipient, q.ttl)

	return nil
}

// FetchSince returns undelivered messages newer than since, oldest first, and
// tombstones them by removing their IDs from the queue list.
func (q *Queue) FetchSince(ctx context.Context, recipient string, since int64) ([]wire.InboxMessage, error) {
	msgs, fetched, err := q.read(ctx, recipient, since)
	if err != nil {
		return nil, err
	}

	queueKey := queuePrefix + recipient
	for _, id := range fetched {
		if err := q.rdb.LRem(ctx, queueKey, 1, id).Err(); err != nil {
			return nil, fmt.Errorf("failed to tombstone message: %w", err)
		}
	}

	return msgs, nil
}

// Undelivered returns queued messages without tombstoning.
func (q *Queue) Undelivered(ctx context.Context, recipient string) ([]wire.InboxMessage, error) {
	msgs, _, err := q.read(ctx, recipient, 0)
	return msgs, err
}

// read walks the queue list oldest first and resolves IDs to message bodies.
// IDs whose body key expired are dropped from the list in passing.
func (q *Queue) read(ctx context.Context, recipient string, since int64) ([]wire.InboxMessage, []string, error) {
	queueKey := queuePrefix + recipient

	ids, err := q.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read queue: %w", err)
	}

	var msgs []wire.InboxMessage
	var matched []string
	for _, id := range ids {
		data, err := q.rdb.Get(ctx, msgPrefix+id).Result()
		if err == redis.Nil {
			q.rdb.LRem(ctx, queueKey, 1, id)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read message: %w", err)
		}

		var msg wire.InboxMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"package":    "redisq",
				"message_id": id,
			}).Warn("dropping malformed queued message")
			q.rdb.LRem(ctx, queueKey, 1, id)
			continue
		}

		if msg.Timestamp <= since {
			continue
		}
		msgs = append(msgs, msg)
		matched = append(matched, id)
	}

	return msgs, matched, nil
}

// PurgeExpired trims IDs whose message keys have expired out of the queue
// lists and drops empty lists.
func (q *Queue) PurgeExpired(ctx context.Context) (int, error) {
	purged := 0
	iter := q.rdb.Scan(ctx, 0, queuePrefix+"*", 0).Iterator()

	for iter.Next(ctx) {
		queueKey := iter.Val()

		ids, err := q.rdb.LRange(ctx, queueKey, 0, -1).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			if q.rdb.Exists(ctx, msgPrefix+id).Val() == 0 {
				q.rdb.LRem(ctx, queueKey, 1, id)
				purged++
			}
		}
		if q.rdb.LLen(ctx, queueKey).Val() == 0 {
			q.rdb.Del(ctx, queueKey)
		}
	}

	return purged, iter.Err()
}

// Stats counts queue lists and their queued IDs.
func (q *Queue) Stats(ctx context.Context) (backend.QueueStats, error) {
	var stats backend.QueueStats
	iter := q.rdb.Scan(ctx, 0, queuePrefix+"*", 0).Iterator()

	for iter.Next(ctx) {
		stats.Recipients++
		stats.Queued += int(q.rdb.LLen(ctx, iter.Val()).Val())
	}

	return stats, iter.Err()
}
