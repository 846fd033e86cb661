package group

import (
	"errors"
	"fmt"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/limits"
)

// NewGroupKey generates a fresh 256-bit symmetric group key.
func NewGroupKey() (crypto.SymmetricKey, error) {
	return crypto.GenerateSymmetricKey()
}

// SealKeyForMember seals the group key to one member's public key. Only that
// member's private key can recover it.
func SealKeyForMember(key crypto.SymmetricKey, memberPK [32]byte) ([]byte, error) {
	return crypto.Seal(key[:], memberPK)
}

// UnsealKey recovers the group key from a sealed blob using the member's own
// key pair.
func UnsealKey(sealed []byte, kp *crypto.KeyPair) (crypto.SymmetricKey, error) {
	raw, err := crypto.Unseal(sealed, kp)
	if err != nil {
		return crypto.SymmetricKey{}, err
	}
	if len(raw) != 32 {
		crypto.ZeroBytes(raw)
		return crypto.SymmetricKey{}, errors.New("sealed blob is not a group key")
	}

	var key crypto.SymmetricKey
	copy(key[:], raw)
	crypto.ZeroBytes(raw)

	return key, nil
}

// Encrypt encrypts a group message body under the shared key with a fresh
// random nonce. The nonce is returned alongside the ciphertext and must
// accompany it on the wire.
func Encrypt(plaintext []byte, key crypto.SymmetricKey) ([]byte, crypto.Nonce, error) {
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return nil, crypto.Nonce{}, err
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, crypto.Nonce{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := crypto.EncryptSymmetric(plaintext, nonce, key)
	if err != nil {
		return nil, crypto.Nonce{}, err
	}

	return ciphertext, nonce, nil
}

// Decrypt decrypts a group message body.
func Decrypt(ciphertext []byte, nonce crypto.Nonce, key crypto.SymmetricKey) ([]byte, error) {
	return crypto.DecryptSymmetric(ciphertext, nonce, key)
}
