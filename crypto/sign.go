package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents a detached Ed25519 signature.
type Signature [SignatureSize]byte

// Sign creates a detached Ed25519 signature over a payload. Callers sign
// ciphertext, never plaintext, so the relay can check authenticity without
// seeing message content.
func Sign(payload []byte, kp *SigningKeyPair) (Signature, error) {
	if kp == nil {
		return Signature{}, errors.New("nil signing key pair")
	}
	if len(payload) == 0 {
		return Signature{}, errors.New("empty payload")
	}

	signatureBytes := ed25519.Sign(ed25519.PrivateKey(kp.Private[:]), payload)

	var signature Signature
	copy(signature[:], signatureBytes)

	return signature, nil
}

// Verify checks a detached signature over a payload against the claimed
// sender public key.
func Verify(payload []byte, signature Signature, senderPK [32]byte) bool {
	if len(payload) == 0 {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(senderPK[:]), payload, signature[:])
}
