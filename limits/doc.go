// Package limits provides centralized size constants and validation functions
// for the secure-messaging core. This package ensures consistent size
// enforcement across the relay server, the client pipeline, and the local
// store.
//
// # Size Hierarchy
//
// The package defines a hierarchy of limits covering the stages a message
// moves through:
//
//   - MaxPlaintextMessage (16 KiB): the limit for a plaintext message body
//     before encryption.
//
//   - MaxEncryptedMessage: the maximum size after sealed-box encryption.
//     This includes the ephemeral public key and the Poly1305 MAC tag.
//
//   - MaxAttachmentSize (25 MiB): the default ceiling for attachment blobs.
//     Deployments may lower this through configuration; it is the value the
//     relay enforces on upload.
//
//   - MaxProcessingBuffer (64 MiB): the absolute maximum for any buffer read
//     from the network or disk. This prevents memory exhaustion attacks.
//
// # Validation Functions
//
// Each validation function checks for empty input and size violations:
//
//	err := limits.ValidatePlaintextMessage(body)
//	if err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom limits, use the generic ValidateMessageSize function.
//
// # Security Considerations
//
// All network-received data must be validated against MaxProcessingBuffer
// before further processing. The encryption overhead constants match
// golang.org/x/crypto/nacl/box (SealAnonymous adds a 32-byte ephemeral key
// plus a 16-byte Poly1305 tag).
package limits
