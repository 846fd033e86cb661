package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage is the limit for a plaintext message body before
	// encryption (16 KiB).
	MaxPlaintextMessage = 16 * 1024

	// SealedBoxOverhead is the overhead added by anonymous sealed-box
	// encryption: a 32-byte ephemeral public key plus the 16-byte Poly1305
	// MAC tag (golang.org/x/crypto/nacl/box.AnonymousOverhead).
	SealedBoxOverhead = 32 + 16

	// SecretBoxOverhead is the overhead added by symmetric secretbox
	// encryption, the 16-byte Poly1305 MAC tag. The 24-byte nonce travels
	// separately in the message envelope.
	SecretBoxOverhead = 16

	// MaxEncryptedMessage is the maximum size of a message after sealed-box
	// encryption.
	MaxEncryptedMessage = MaxPlaintextMessage + SealedBoxOverhead

	// MaxAttachmentSize is the default ceiling for attachment blobs (25 MiB).
	// The relay may be configured with a lower value.
	MaxAttachmentSize = 25 * 1024 * 1024

	// MaxProcessingBuffer is the absolute maximum for any buffer accepted
	// from the network or read from disk (64 MiB).
	MaxProcessingBuffer = 64 * 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePlaintextMessage validates a plaintext message body against
// MaxPlaintextMessage. Returns an error with context if the message is empty
// or exceeds the limit.
func ValidatePlaintextMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxPlaintextMessage {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxPlaintextMessage)
	}
	return nil
}

// ValidateEncryptedMessage validates an encrypted message size against
// MaxEncryptedMessage. Returns an error with context if the message is empty
// or exceeds the limit.
func ValidateEncryptedMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxEncryptedMessage {
		return fmt.Errorf("%w: encrypted size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxEncryptedMessage)
	}
	return nil
}

// ValidateAttachment validates an attachment blob against the given ceiling.
// A maxBytes of zero or below falls back to MaxAttachmentSize.
func ValidateAttachment(blob []byte, maxBytes int64) error {
	if len(blob) == 0 {
		return ErrMessageEmpty
	}
	if maxBytes <= 0 {
		maxBytes = MaxAttachmentSize
	}
	if int64(len(blob)) > maxBytes {
		return fmt.Errorf("%w: attachment size %d exceeds limit %d", ErrMessageTooLarge, len(blob), maxBytes)
	}
	return nil
}

// ValidateProcessingBuffer validates data against the absolute maximum
// (MaxProcessingBuffer). This limit prevents memory exhaustion attacks and
// should be used for all untrusted input. Returns an error with context if
// the data is empty or exceeds the limit.
func ValidateProcessingBuffer(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxProcessingBuffer {
		return fmt.Errorf("%w: buffer size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxProcessingBuffer)
	}
	return nil
}
