package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"

	"github.com/veilchat/veil/limits"
)

// ErrDecryptionFailed is returned for every decryption failure, regardless
// of cause. Wrong key, corrupted ciphertext, and truncation are deliberately
// indistinguishable to the caller.
var ErrDecryptionFailed = errors.New("decryption failed")

// SealedBoxOverhead is the number of bytes Seal adds to the plaintext: the
// ephemeral public key plus the Poly1305 tag.
const SealedBoxOverhead = box.AnonymousOverhead

// Seal encrypts a plaintext for the recipient using an anonymous sealed box.
// The ciphertext does not identify the sender; an ephemeral key pair is
// generated per call and discarded.
func Seal(plaintext []byte, recipientPK [32]byte) ([]byte, error) {
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return nil, err
	}

	ciphertext, err := box.SealAnonymous(nil, plaintext, (*[32]byte)(&recipientPK), rand.Reader)
	if err != nil {
		return nil, err
	}

	return ciphertext, nil
}

// Unseal decrypts a sealed-box ciphertext using the recipient's key pair.
// Any tampering or key mismatch yields ErrDecryptionFailed.
func Unseal(ciphertext []byte, kp *KeyPair) ([]byte, error) {
	if kp == nil {
		return nil, errors.New("nil key pair")
	}
	if len(ciphertext) < SealedBoxOverhead {
		return nil, ErrDecryptionFailed
	}
	if err := limits.ValidateProcessingBuffer(ciphertext); err != nil {
		return nil, err
	}

	plaintext, ok := box.OpenAnonymous(nil, ciphertext, (*[32]byte)(&kp.Public), (*[32]byte)(&kp.Private))
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
