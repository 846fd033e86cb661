// Package crypto implements the pairwise cryptographic codec for the
// secure-messaging core.
//
// This package provides the cryptographic foundation for veil: anonymous
// sealed-box encryption, detached Ed25519 signatures, symmetric authenticated
// encryption for group messages, and memory-safe key handling. All functions
// are stateless and safe for concurrent use.
//
// # Core Types
//
//   - [KeyPair]: NaCl crypto_box key pair (Curve25519) for sealed boxes
//   - [SigningKeyPair]: Ed25519 key pair for detached signatures
//   - [SymmetricKey]: 256-bit key for group message encryption
//   - [Nonce]: 24-byte random nonce for symmetric operations
//   - [Signature]: detached Ed25519 signature
//
// # Sealed Boxes
//
// Pairwise messages use an anonymous sealed-box construction: an ephemeral
// Curve25519 key agreement combined with XSalsa20-Poly1305. The ciphertext
// carries no sender identity, so a relay cannot attribute it without the
// accompanying signature:
//
//	ciphertext, _ := crypto.Seal(plaintext, recipient.Public)
//	plaintext, err := crypto.Unseal(ciphertext, recipient)
//
// Senders sign the ciphertext, not the plaintext, which lets the relay verify
// authenticity without ever seeing message content:
//
//	sig, _ := crypto.Sign(ciphertext, signingKeys)
//	ok := crypto.Verify(ciphertext, sig, signingKeys.Public)
//
// # Group Encryption
//
// Group messages use a shared 256-bit symmetric key with XSalsa20-Poly1305
// and a fresh random nonce per message:
//
//	nonce, _ := crypto.GenerateNonce()
//	ciphertext, _ := crypto.EncryptSymmetric(plaintext, nonce, groupKey)
//
// # Error Discipline
//
// Every decryption failure is reported as the generic [ErrDecryptionFailed].
// Callers must not be able to distinguish a wrong key from corrupted
// ciphertext; distinguishing them would open an oracle side channel.
//
// # Secure Memory
//
// Key material should be wiped when no longer needed:
//
//	defer crypto.WipeKeyPair(keys)
//	defer crypto.ZeroBytes(derived)
package crypto
