package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a NaCl crypto_box key pair used for sealed-box
// encryption.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// SigningKeyPair represents an Ed25519 key pair used for detached
// signatures. Private holds the full 64-byte expanded key.
type SigningKeyPair struct {
	Public  [32]byte
	Private [64]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	return keyPair, nil
}

// FromSecretKey reconstructs a key pair from an existing private key by
// deriving the Curve25519 public key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey[:]) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], publicKey)

	return kp, nil
}

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	kp := &SigningKeyPair{}
	copy(kp.Public[:], publicKey)
	copy(kp.Private[:], privateKey)

	return kp, nil
}

// SigningKeyFromSeed reconstructs a signing key pair from a 32-byte seed.
func SigningKeyFromSeed(seed [32]byte) (*SigningKeyPair, error) {
	if isZeroKey(seed[:]) {
		return nil, errors.New("invalid seed: all zeros")
	}

	privateKey := ed25519.NewKeyFromSeed(seed[:])

	kp := &SigningKeyPair{}
	copy(kp.Private[:], privateKey)
	copy(kp.Public[:], privateKey[32:])

	return kp, nil
}

// Seed returns the 32-byte seed of the signing key, the form persisted by
// the key vault.
func (kp *SigningKeyPair) Seed() [32]byte {
	var seed [32]byte
	copy(seed[:], kp.Private[:32])
	return seed
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
