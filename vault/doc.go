// Package vault manages the long-term identity: a Curve25519 encryption key
// pair and an Ed25519 signing key pair, persisted in a single PIN-protected
// file.
//
// # Key Derivation
//
// A memory-hard scrypt KDF (interactive parameters, N=2^15) maps the PIN and
// a random 32-byte salt to 64 bytes of key material, split into a 32-byte
// encryption sub-key and a 32-byte MAC sub-key. The salt is regenerated on
// every save; it is never reused across writes.
//
// # File Layout
//
//	[1]  format version byte
//	[32] scrypt salt
//	[32] HMAC-SHA256 over the AEAD blob
//	[..] AEAD blob: 24-byte nonce followed by the secretbox ciphertext of
//	     (2-byte name length, name, 32-byte encryption private key,
//	      64-byte signing private key)
//
// The HMAC is verified with a constant-time compare before any decryption is
// attempted, so a wrong PIN and a corrupted file fail identically and fast.
//
// # Failure Modes
//
//   - [ErrNoIdentity]: no key file exists yet (first run)
//   - [ErrAuthenticationFailed]: wrong PIN or corrupted file; the two cases
//     are deliberately indistinguishable
//
// Both are local conditions and are never retried automatically.
//
// All derived key material and decrypted payload buffers are wiped after
// use.
package vault
