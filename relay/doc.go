// Package relay implements the store-and-forward relay server.
//
// The relay never sees plaintext: pairwise messages arrive as sealed-box
// ciphertext with a detached ed25519 signature over the raw ciphertext bytes,
// and group messages arrive AEAD-encrypted under a key the server only ever
// holds in member-sealed form.
//
// A message moves through: submitted -> signature verified -> persisted ->
// pushed and/or queued -> delivered (fetch tombstones it) or expired (TTL
// purge). Push delivery never tombstones; clients de-duplicate by message ID,
// so a torn websocket can at worst cause a duplicate, never a loss.
package relay
