package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veilchat/veil/crypto"
)

const groupKeyFile = "groupkeys.vault"

// vaultedKey is the persisted form of one group key.
type vaultedKey struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

// StoreGroupKey vaults a group's symmetric key at the given version,
// replacing any previous entry for the group.
func (s *Store) StoreGroupKey(groupID string, key crypto.SymmetricKey, version uint64) error {
	s.keyVaultMu.Lock()
	defer s.keyVaultMu.Unlock()

	keys, err := s.readGroupKeys()
	if err != nil {
		return err
	}

	keys[groupID] = vaultedKey{
		Key:     base64.StdEncoding.EncodeToString(key[:]),
		Version: version,
	}

	return s.writeGroupKeys(keys)
}

// LoadGroupKey returns the vaulted key and version for a group, or
// ErrNoGroupKey when none is stored.
func (s *Store) LoadGroupKey(groupID string) (crypto.SymmetricKey, uint64, error) {
	s.keyVaultMu.Lock()
	defer s.keyVaultMu.Unlock()

	keys, err := s.readGroupKeys()
	if err != nil {
		return crypto.SymmetricKey{}, 0, err
	}

	entry, ok := keys[groupID]
	if !ok {
		return crypto.SymmetricKey{}, 0, ErrNoGroupKey
	}

	raw, err := base64.StdEncoding.DecodeString(entry.Key)
	if err != nil || len(raw) != 32 {
		return crypto.SymmetricKey{}, 0, fmt.Errorf("invalid vaulted key for group %s", groupID)
	}

	var key crypto.SymmetricKey
	copy(key[:], raw)
	crypto.ZeroBytes(raw)

	return key, entry.Version, nil
}

// readGroupKeys loads the group-key vault, quarantining it on corruption so
// the write path survives.
func (s *Store) readGroupKeys() (map[string]vaultedKey, error) {
	path := filepath.Join(s.dir, groupKeyFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]vaultedKey), nil
		}
		return nil, fmt.Errorf("failed to read group key vault: %w", err)
	}

	plaintext, err := s.decryptFile(data)
	if err != nil {
		quarantine(path, time.Now().UnixNano())
		return make(map[string]vaultedKey), nil
	}
	defer crypto.ZeroBytes(plaintext)

	var keys map[string]vaultedKey
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		quarantine(path, time.Now().UnixNano())
		return make(map[string]vaultedKey), nil
	}

	return keys, nil
}

// writeGroupKeys encrypts and atomically writes the group-key vault.
func (s *Store) writeGroupKeys(keys map[string]vaultedKey) error {
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to serialize group key vault: %w", err)
	}

	data, err := s.encryptFile(plaintext)
	if err != nil {
		return err
	}
	crypto.ZeroBytes(plaintext)

	return writeAtomic(filepath.Join(s.dir, groupKeyFile), data)
}
