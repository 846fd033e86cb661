package group

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/store"
	"github.com/veilchat/veil/wire"
)

// KeyService is the slice of the relay API the manager needs. The client
// package provides the production implementation.
type KeyService interface {
	// Rekey asks the relay to atomically increment the group's key version
	// and returns the new version.
	Rekey(ctx context.Context, groupID string) (uint64, error)

	// MemberKeys fetches the group's current key version and the sealed key
	// record for every member.
	MemberKeys(ctx context.Context, groupID string) (*wire.MemberKeysResponse, error)

	// UpdateMemberKey pushes a resealed key blob for one member.
	UpdateMemberKey(ctx context.Context, groupID string, update wire.SealedKeyUpdate) error
}

// Manager caches group keys, drives rekeying, and runs reconciliation. One
// Manager per identity.
type Manager struct {
	selfID string
	keys   *crypto.KeyPair
	vault  *store.Store
	svc    KeyService
}

// NewManager builds a manager for the identity owning keys, vaulting keys in
// st and talking to the relay through svc.
func NewManager(selfID string, keys *crypto.KeyPair, st *store.Store, svc KeyService) *Manager {
	return &Manager{selfID: selfID, keys: keys, vault: st, svc: svc}
}

// KeyFor returns the vaulted key and version for a group.
// store.ErrNoGroupKey when the member has never fetched one.
func (m *Manager) KeyFor(groupID string) (crypto.SymmetricKey, uint64, error) {
	return m.vault.LoadGroupKey(groupID)
}

// EncryptMessage encrypts a message body under the group's current key and
// stamps it with the key version used.
func (m *Manager) EncryptMessage(groupID string, plaintext []byte) (ciphertextB64, nonceB64 string, version uint64, err error) {
	key, version, err := m.vault.LoadGroupKey(groupID)
	if err != nil {
		return "", "", 0, err
	}
	defer crypto.WipeSymmetricKey(&key)

	ciphertext, nonce, err := Encrypt(plaintext, key)
	if err != nil {
		return "", "", 0, err
	}

	return base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(nonce[:]),
		version, nil
}

// DecryptMessage decrypts a group message, enforcing the key-version
// invariant: a version mismatch yields wire.ErrKeyVersionMismatch so the
// pipeline can reconcile and retry.
func (m *Manager) DecryptMessage(msg wire.GroupMessage) ([]byte, error) {
	key, version, err := m.vault.LoadGroupKey(msg.GroupID)
	if err != nil {
		return nil, err
	}
	defer crypto.WipeSymmetricKey(&key)

	if msg.KeyVersion != version {
		return nil, fmt.Errorf("%w: message %d, cached %d",
			wire.ErrKeyVersionMismatch, msg.KeyVersion, version)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, crypto.ErrDecryptionFailed
	}
	rawNonce, err := base64.StdEncoding.DecodeString(msg.Nonce)
	if err != nil || len(rawNonce) != 24 {
		return nil, crypto.ErrDecryptionFailed
	}

	var nonce crypto.Nonce
	copy(nonce[:], rawNonce)

	return Decrypt(ciphertext, nonce, key)
}

// InitializeKey generates and distributes the group's first key at the
// relay's current version. Called by the owner right after creating a group,
// before any message is sent.
func (m *Manager) InitializeKey(ctx context.Context, groupID string) error {
	resp, err := m.svc.MemberKeys(ctx, groupID)
	if err != nil {
		return err
	}

	key, err := NewGroupKey()
	if err != nil {
		return fmt.Errorf("failed to generate group key: %w", err)
	}
	defer crypto.WipeSymmetricKey(&key)

	for _, member := range resp.Members {
		if member.Pending {
			continue
		}
		if err := m.sealAndPush(ctx, groupID, member, key, resp.KeyVersion); err != nil {
			return err
		}
	}

	return m.vault.StoreGroupKey(groupID, key, resp.KeyVersion)
}

// Rekey rotates the group key: the relay increments the version atomically,
// a fresh key is generated, sealed for every remaining non-pending member,
// and pushed. The caller must hold admin or owner role; the relay enforces
// this.
func (m *Manager) Rekey(ctx context.Context, groupID string) (uint64, error) {
	newVersion, err := m.svc.Rekey(ctx, groupID)
	if err != nil {
		return 0, err
	}

	key, err := NewGroupKey()
	if err != nil {
		return 0, fmt.Errorf("failed to generate group key: %w", err)
	}
	defer crypto.WipeSymmetricKey(&key)

	resp, err := m.svc.MemberKeys(ctx, groupID)
	if err != nil {
		return 0, err
	}

	for _, member := range resp.Members {
		if member.Pending {
			continue
		}
		if err := m.sealAndPush(ctx, groupID, member, key, newVersion); err != nil {
			return 0, err
		}
	}

	if err := m.vault.StoreGroupKey(groupID, key, newVersion); err != nil {
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"package":     "group",
		"group_id":    groupID,
		"key_version": newVersion,
		"members":     len(resp.Members),
	}).Info("group rekeyed")

	return newVersion, nil
}

// Reconcile is the idempotent "ensure all members have the current key"
// pass. A lagging member fetches and unseals its own blob; a caller who
// holds the current key additionally reseals it for any member whose stored
// blob lags. Safe to re-run any number of times.
func (m *Manager) Reconcile(ctx context.Context, groupID string) error {
	resp, err := m.svc.MemberKeys(ctx, groupID)
	if err != nil {
		return err
	}

	// Bring our own vault up to date first.
	key, cachedVersion, err := m.vault.LoadGroupKey(groupID)
	defer crypto.WipeSymmetricKey(&key)
	haveCurrent := err == nil && cachedVersion == resp.KeyVersion

	if !haveCurrent {
		fetched, ferr := m.fetchOwnKey(resp)
		if ferr != nil {
			return ferr
		}
		if err := m.vault.StoreGroupKey(groupID, fetched, resp.KeyVersion); err != nil {
			crypto.WipeSymmetricKey(&fetched)
			return err
		}
		key = fetched
	}

	// Reseal for anyone still on an older version. Skipping members we
	// cannot help (missing public key) keeps the pass idempotent rather
	// than failing it.
	resealed := 0
	for _, member := range resp.Members {
		if member.UserID == m.selfID || member.Pending {
			continue
		}
		if member.KeyVersion == resp.KeyVersion && member.SealedKey != "" {
			continue
		}
		if member.EncPub == "" {
			continue
		}
		if err := m.sealAndPush(ctx, groupID, member, key, resp.KeyVersion); err != nil {
			return err
		}
		resealed++
	}

	if resealed > 0 {
		logrus.WithFields(logrus.Fields{
			"package":     "group",
			"group_id":    groupID,
			"key_version": resp.KeyVersion,
			"resealed":    resealed,
		}).Info("reconciled lagging group members")
	}

	return nil
}

// fetchOwnKey locates and unseals the caller's sealed key record at the
// response's key version.
func (m *Manager) fetchOwnKey(resp *wire.MemberKeysResponse) (crypto.SymmetricKey, error) {
	for _, member := range resp.Members {
		if member.UserID != m.selfID {
			continue
		}
		if member.KeyVersion != resp.KeyVersion || member.SealedKey == "" {
			return crypto.SymmetricKey{}, fmt.Errorf("%w: no sealed key at version %d",
				wire.ErrKeyVersionMismatch, resp.KeyVersion)
		}
		sealed, err := base64.StdEncoding.DecodeString(member.SealedKey)
		if err != nil {
			return crypto.SymmetricKey{}, crypto.ErrDecryptionFailed
		}
		return UnsealKey(sealed, m.keys)
	}
	return crypto.SymmetricKey{}, wire.ErrNotMember
}

// sealAndPush seals the key to one member's public key and pushes the blob.
func (m *Manager) sealAndPush(ctx context.Context, groupID string, member wire.Member,
	key crypto.SymmetricKey, version uint64) error {

	rawPK, err := hex.DecodeString(member.EncPub)
	if err != nil || len(rawPK) != 32 {
		return fmt.Errorf("invalid public key for member %s", member.UserID)
	}
	var memberPK [32]byte
	copy(memberPK[:], rawPK)

	sealed, err := SealKeyForMember(key, memberPK)
	if err != nil {
		return fmt.Errorf("failed to seal key for %s: %w", member.UserID, err)
	}

	return m.svc.UpdateMemberKey(ctx, groupID, wire.SealedKeyUpdate{
		UserID:     member.UserID,
		SealedKey:  base64.StdEncoding.EncodeToString(sealed),
		KeyVersion: version,
	})
}
