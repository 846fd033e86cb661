package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/wire"
)

var (
	// ErrNoGroupKey indicates no key is vaulted for the group.
	ErrNoGroupKey = errors.New("no group key stored")
)

const (
	// DefaultSegmentSize is the number of messages per history segment.
	DefaultSegmentSize = 500

	// fileVersion is the on-disk format version for encrypted files.
	fileVersion = 1

	saltSize  = 32
	nonceSize = 24
	saltFile  = ".salt"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Message is one decrypted conversation entry.
type Message struct {
	ID        string           `json:"id"`
	Sender    string           `json:"sender"`
	Body      wire.MessageBody `json:"body"`
	Timestamp int64            `json:"timestamp"`
	System    bool             `json:"system,omitempty"`
}

// Store is a PIN-protected local store rooted at a directory. One Store per
// identity.
type Store struct {
	dir         string
	key         crypto.SymmetricKey
	segmentSize int

	mu        sync.Mutex // guards convLocks
	convLocks map[string]*sync.Mutex

	keyVaultMu sync.Mutex
	outboxMu   sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithSegmentSize overrides the messages-per-segment threshold.
func WithSegmentSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.segmentSize = n
		}
	}
}

// Open loads or initializes the store, deriving the store key from the PIN
// and the store-wide salt.
func Open(dir, pin string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	salt, err := loadOrGenerateSalt(filepath.Join(dir, saltFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	s := &Store{
		dir:         dir,
		segmentSize: DefaultSegmentSize,
		convLocks:   make(map[string]*sync.Mutex),
	}
	copy(s.key[:], derived)
	crypto.ZeroBytes(derived)

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close wipes the store key. The store must not be used afterwards.
func (s *Store) Close() {
	crypto.WipeSymmetricKey(&s.key)
}

// loadOrGenerateSalt loads the store salt or creates it on first run.
func loadOrGenerateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != saltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// convLock returns the per-conversation mutex, creating it on first use.
func (s *Store) convLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.convLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.convLocks[conversationID] = lock
	}
	return lock
}

// convPrefix derives a stable filesystem-safe prefix for a conversation ID.
func convPrefix(conversationID string) string {
	sum := sha256.Sum256([]byte(conversationID))
	return "conv-" + hex.EncodeToString(sum[:8])
}

// encryptFile seals a plaintext into the on-disk file format.
func (s *Store) encryptFile(plaintext []byte) ([]byte, error) {
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := crypto.EncryptSymmetric(plaintext, nonce, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	out := make([]byte, 0, 1+nonceSize+len(ciphertext))
	out = append(out, fileVersion)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// decryptFile opens a file in the on-disk format. Returns
// wire.ErrStorageCorruption (wrapped) when the data cannot be authenticated.
func (s *Store) decryptFile(data []byte) ([]byte, error) {
	if len(data) < 1+nonceSize+16 || data[0] != fileVersion {
		return nil, fmt.Errorf("%w: bad header", wire.ErrStorageCorruption)
	}

	var nonce crypto.Nonce
	copy(nonce[:], data[1:1+nonceSize])

	plaintext, err := crypto.DecryptSymmetric(data[1+nonceSize:], nonce, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrStorageCorruption, err)
	}
	return plaintext, nil
}

// writeAtomic writes a file via temp + rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// quarantine renames an unreadable file aside, never deleting it.
func quarantine(path string, now int64) string {
	quarantined := fmt.Sprintf("%s.corrupt-%d", path, now)
	if err := os.Rename(path, quarantined); err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "store",
			"file":    path,
			"error":   err.Error(),
		}).Error("failed to quarantine unreadable file")
		return ""
	}
	logrus.WithFields(logrus.Fields{
		"package": "store",
		"file":    path,
		"moved":   quarantined,
	}).Warn("quarantined unreadable file")
	return quarantined
}
