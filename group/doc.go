// Package group implements group message cryptography and the client-side
// group key manager.
//
// # Key Model
//
// Every group has one 256-bit symmetric key identified by a monotonic key
// version. Messages are encrypted with XSalsa20-Poly1305 and a fresh random
// nonce. The key itself never reaches the relay in the clear: for each
// member it is individually sealed to that member's public key, and only the
// sealed blob is stored server-side, keyed by (group, member, key version).
//
// # Rekeying
//
// Removing or banning a member triggers a rekey: the relay atomically
// increments the group's key version, the rekeying admin generates a fresh
// key, seals it for every remaining member, and pushes the sealed blobs.
// Messages encrypted under the old version are retained server-side but
// become undecryptable to anyone who has not separately archived that
// version's key. This is deliberate forward-secrecy-like behavior on
// membership change.
//
// # Reconciliation
//
// Reconcile is the idempotent "ensure everyone has the current key" pass. A
// member whose vaulted key version lags fetches and unseals their current
// sealed blob; an admin additionally reseals the current key for any member
// whose stored blob lags. Running it repeatedly is safe. The delivery
// pipeline invokes it whenever a message or the relay reports a key version
// mismatch, then retries the operation once.
package group
