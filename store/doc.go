// Package store implements the per-identity local encrypted store:
// conversation history, the group-key vault, and the durable outbox.
//
// # Encryption
//
// All files are encrypted with a key derived from the user's PIN and a
// store-wide random salt, generated once and persisted next to the data.
// Each file is `[1 version byte][24 nonce][secretbox ciphertext]` and is
// written atomically (temp file + rename) so a crash can never leave a
// partial file readable as valid ciphertext.
//
// # Segmentation
//
// A conversation's history is split into fixed-size segments. Appends decrypt
// and re-encrypt only the last segment, which bounds write latency as history
// grows. Load pages backwards across segment boundaries.
//
// # Failure Handling
//
// A segment that fails to decrypt is quarantined: renamed with a .corrupt
// suffix, never deleted, and replaced by a fresh segment carrying a synthetic
// system note. The write path survives; the unreadable data stays on disk for
// manual recovery.
//
// Segments written by the pre-encryption legacy layout (bare JSON) are
// detected by their first byte and transparently re-encrypted on first
// access.
//
// # Concurrency
//
// Access is serialized per conversation; writes to different conversations
// proceed concurrently. The group-key vault and the outbox each have their
// own lock.
package store
