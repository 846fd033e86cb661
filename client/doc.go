// Package client implements the relay-facing side of the messaging core: a
// typed API client and the delivery pipeline.
//
// The pipeline owns three background loops once started: an outbox flusher
// retrying failed sends, a poll loop fetching the inbox, and a push listener
// streaming live events over a websocket. Poll and push feed one channel; a
// bounded worker pool unseals and verifies in parallel, de-duplicating by
// message ID so the at-least-once relay semantics never surface a message
// twice. Sends are optimistic: the message is written to the local store
// first and queued to the durable outbox if the relay is unreachable.
package client
