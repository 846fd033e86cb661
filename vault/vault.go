package vault

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"

	"github.com/veilchat/veil/crypto"
)

var (
	// ErrNoIdentity indicates no key file exists yet.
	ErrNoIdentity = errors.New("no identity found")

	// ErrAuthenticationFailed indicates a wrong PIN or a corrupted key
	// file. The two causes are deliberately indistinguishable.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrWeakPIN indicates the PIN failed the strength policy.
	ErrWeakPIN = errors.New("pin does not meet strength policy")
)

const (
	// FormatVersion is the current key-file format version.
	FormatVersion = 1

	// SaltSize is the scrypt salt length in bytes.
	SaltSize = 32

	// KeyFileName is the identity file name inside the vault directory.
	KeyFileName = "identity.vault"

	// scrypt interactive cost parameters
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	macSize   = sha256.Size
	nonceSize = 24
	// minimum file: version + salt + mac + nonce + secretbox tag
	minFileSize = 1 + SaltSize + macSize + nonceSize + 16

	maxNameLen = 255
)

// Identity is an unlocked long-term identity.
type Identity struct {
	Name       string
	Encryption *crypto.KeyPair
	Signing    *crypto.SigningKeyPair
}

// UserID returns the identity's stable public identifier: the hex-encoded
// Ed25519 signing public key.
func (id *Identity) UserID() string {
	return fmt.Sprintf("%x", id.Signing.Public[:])
}

// Wipe erases the identity's private key material.
func (id *Identity) Wipe() {
	if id == nil {
		return
	}
	if id.Encryption != nil {
		crypto.WipeKeyPair(id.Encryption)
	}
	if id.Signing != nil {
		crypto.WipeSigningKeyPair(id.Signing)
	}
}

// Create generates a fresh identity protected by the given PIN and writes
// the key file. It fails if an identity already exists in the directory.
func Create(dir, name, pin string) (*Identity, error) {
	if !IsStrongPIN(pin) {
		return nil, ErrWeakPIN
	}
	if len(name) == 0 || len(name) > maxNameLen {
		return nil, fmt.Errorf("invalid name length %d", len(name))
	}
	if _, err := os.Stat(filepath.Join(dir, KeyFileName)); err == nil {
		return nil, errors.New("identity already exists")
	}

	encKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption keys: %w", err)
	}
	signKeys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing keys: %w", err)
	}

	identity := &Identity{Name: name, Encryption: encKeys, Signing: signKeys}
	if err := save(dir, identity, pin); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"package": "vault",
		"dir":     dir,
	}).Info("created new identity")

	return identity, nil
}

// Unlock loads and decrypts the identity using the PIN. Returns ErrNoIdentity
// when no key file exists and ErrAuthenticationFailed for a wrong PIN or a
// corrupted file.
func Unlock(dir, pin string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(dir, KeyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if len(data) < minFileSize || data[0] != FormatVersion {
		return nil, ErrAuthenticationFailed
	}

	var salt [SaltSize]byte
	copy(salt[:], data[1:1+SaltSize])
	storedMAC := data[1+SaltSize : 1+SaltSize+macSize]
	blob := data[1+SaltSize+macSize:]

	encKey, macKey, err := deriveKeys(pin, salt[:])
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer crypto.ZeroBytes(encKey[:])
	defer crypto.ZeroBytes(macKey)

	// Constant-time MAC check before any decryption, so a wrong PIN fails
	// fast with a uniform error.
	mac := hmac.New(sha256.New, macKey)
	mac.Write(blob)
	if !hmac.Equal(mac.Sum(nil), storedMAC) {
		return nil, ErrAuthenticationFailed
	}

	var nonce crypto.Nonce
	copy(nonce[:], blob[:nonceSize])

	payload, err := crypto.DecryptSymmetric(blob[nonceSize:], nonce, encKey)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	defer crypto.ZeroBytes(payload)

	identity, err := parsePayload(payload)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return identity, nil
}

// Rotate replaces the identity's key pairs with fresh ones, keeping the
// display name. The old keys are wiped and the file is rewritten with a
// fresh salt.
func Rotate(dir, pin string) (*Identity, error) {
	old, err := Unlock(dir, pin)
	if err != nil {
		return nil, err
	}
	defer old.Wipe()

	encKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption keys: %w", err)
	}
	signKeys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing keys: %w", err)
	}

	identity := &Identity{Name: old.Name, Encryption: encKeys, Signing: signKeys}
	if err := save(dir, identity, pin); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"package": "vault",
		"dir":     dir,
	}).Info("rotated identity keys")

	return identity, nil
}

// ChangePIN re-encrypts the key file under a new PIN. The key pairs are
// unchanged.
func ChangePIN(dir, oldPIN, newPIN string) error {
	if !IsStrongPIN(newPIN) {
		return ErrWeakPIN
	}

	identity, err := Unlock(dir, oldPIN)
	if err != nil {
		return err
	}
	defer identity.Wipe()

	return save(dir, identity, newPIN)
}

// save serializes and encrypts the identity, writing the key file atomically
// with a fresh random salt.
func save(dir string, identity *Identity, pin string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	encKey, macKey, err := deriveKeys(pin, salt[:])
	if err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}
	defer crypto.ZeroBytes(encKey[:])
	defer crypto.ZeroBytes(macKey)

	payload := buildPayload(identity)
	defer crypto.ZeroBytes(payload)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := crypto.EncryptSymmetric(payload, nonce, encKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}

	blob := make([]byte, 0, nonceSize+len(ciphertext))
	blob = append(blob, nonce[:]...)
	blob = append(blob, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(blob)

	out := make([]byte, 0, 1+SaltSize+macSize+len(blob))
	out = append(out, FormatVersion)
	out = append(out, salt[:]...)
	out = append(out, mac.Sum(nil)...)
	out = append(out, blob...)

	final := filepath.Join(dir, KeyFileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename key file: %w", err)
	}

	return nil
}

// deriveKeys maps (pin, salt) to an encryption sub-key and a MAC sub-key via
// scrypt.
func deriveKeys(pin string, salt []byte) (crypto.SymmetricKey, []byte, error) {
	derived, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, 64)
	if err != nil {
		return crypto.SymmetricKey{}, nil, err
	}

	var encKey crypto.SymmetricKey
	copy(encKey[:], derived[:32])
	macKey := make([]byte, 32)
	copy(macKey, derived[32:])

	crypto.ZeroBytes(derived)

	return encKey, macKey, nil
}

// buildPayload serializes (name length, name, encryption private key,
// signing private key).
func buildPayload(identity *Identity) []byte {
	name := []byte(identity.Name)
	payload := make([]byte, 0, 2+len(name)+32+64)

	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	payload = append(payload, nameLen[:]...)
	payload = append(payload, name...)
	payload = append(payload, identity.Encryption.Private[:]...)
	payload = append(payload, identity.Signing.Private[:]...)

	return payload
}

// parsePayload is the inverse of buildPayload, re-deriving the public keys
// from the private halves.
func parsePayload(payload []byte) (*Identity, error) {
	if len(payload) < 2 {
		return nil, errors.New("payload too short")
	}
	nameLen := int(binary.BigEndian.Uint16(payload[:2]))
	if len(payload) != 2+nameLen+32+64 {
		return nil, errors.New("payload length mismatch")
	}

	name := string(payload[2 : 2+nameLen])

	var encPriv [32]byte
	copy(encPriv[:], payload[2+nameLen:2+nameLen+32])
	encKeys, err := crypto.FromSecretKey(encPriv)
	if err != nil {
		return nil, err
	}

	var signSeed [32]byte
	copy(signSeed[:], payload[2+nameLen+32:2+nameLen+64])
	signKeys, err := crypto.SigningKeyFromSeed(signSeed)
	if err != nil {
		return nil, err
	}
	crypto.ZeroBytes(signSeed[:])
	crypto.ZeroBytes(encPriv[:])

	return &Identity{Name: name, Encryption: encKeys, Signing: signKeys}, nil
}
