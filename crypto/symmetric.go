package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/veilchat/veil/limits"
)

// Nonce is a 24-byte value used for symmetric encryption. A fresh nonce must
// be generated for every message; reuse under the same key breaks the
// construction.
type Nonce [24]byte

// SymmetricKey is a 256-bit key for group message encryption.
type SymmetricKey [32]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// GenerateSymmetricKey creates a new random 256-bit symmetric key.
func GenerateSymmetricKey() (SymmetricKey, error) {
	var key SymmetricKey
	_, err := rand.Read(key[:])
	if err != nil {
		return SymmetricKey{}, err
	}
	return key, nil
}

// EncryptSymmetric encrypts a message with XSalsa20-Poly1305 under the given
// key and nonce. Message-size policy is enforced by callers; this function
// only guards the absolute processing ceiling, since it also encrypts local
// store segments far larger than a single message.
func EncryptSymmetric(message []byte, nonce Nonce, key SymmetricKey) ([]byte, error) {
	if err := limits.ValidateProcessingBuffer(message); err != nil {
		return nil, err
	}

	out := secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key))

	return out, nil
}

// DecryptSymmetric decrypts and authenticates a secretbox ciphertext. Any
// tampering or key mismatch yields ErrDecryptionFailed.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key SymmetricKey) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	if err := limits.ValidateProcessingBuffer(ciphertext); err != nil {
		return nil, err
	}

	out, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return out, nil
}
