package backend

import (
	"context"

	"github.com/veilchat/veil/wire"
)

// QueueStats is a point-in-time snapshot of queue occupancy, exposed through
// the relay's health endpoint.
type QueueStats struct {
	Recipients int `json:"recipients"`
	Queued     int `json:"queued"`
}

// Queue stores pairwise messages until the recipient fetches them.
//
// Delivery semantics: Enqueue makes a message durable. FetchSince returns
// undelivered messages and tombstones them, so later polls do not redeliver.
// Undelivered returns them without tombstoning; the push path uses it so a
// dropped websocket never loses messages (at-least-once, clients de-duplicate
// by message ID).
type Queue interface {
	// Enqueue appends a message to the recipient's queue.
	Enqueue(ctx context.Context, recipient string, msg wire.InboxMessage) error

	// FetchSince returns undelivered messages with Timestamp > since, oldest
	// first, and marks them delivered.
	FetchSince(ctx context.Context, recipient string, since int64) ([]wire.InboxMessage, error)

	// Undelivered returns all undelivered messages without marking them
	// delivered.
	Undelivered(ctx context.Context, recipient string) ([]wire.InboxMessage, error)

	// PurgeExpired drops messages older than the queue's TTL and returns how
	// many were removed.
	PurgeExpired(ctx context.Context) (int, error)

	// Stats reports current queue occupancy.
	Stats(ctx context.Context) (QueueStats, error)
}
