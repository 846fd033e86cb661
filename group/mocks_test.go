package group

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/wire"
)

// mockKeyService is an in-memory stand-in for the relay's group key
// endpoints.
type mockKeyService struct {
	mu         sync.Mutex
	keyVersion uint64
	members    map[string]*wire.Member
	pushes     int
}

func newMockKeyService() *mockKeyService {
	return &mockKeyService{
		keyVersion: 1,
		members:    make(map[string]*wire.Member),
	}
}

func (m *mockKeyService) addMember(userID string, encPub [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[userID] = &wire.Member{
		GroupID: "g1",
		UserID:  userID,
		EncPub:  hex.EncodeToString(encPub[:]),
		Role:    wire.RoleMember,
	}
}

func (m *mockKeyService) removeMember(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, userID)
}

func (m *mockKeyService) Rekey(ctx context.Context, groupID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyVersion++
	return m.keyVersion, nil
}

func (m *mockKeyService) MemberKeys(ctx context.Context, groupID string) (*wire.MemberKeysResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := &wire.MemberKeysResponse{KeyVersion: m.keyVersion}
	for _, member := range m.members {
		resp.Members = append(resp.Members, *member)
	}
	return resp, nil
}

func (m *mockKeyService) UpdateMemberKey(ctx context.Context, groupID string, update wire.SealedKeyUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[update.UserID]
	if !ok {
		return wire.ErrNotMember
	}
	member.SealedKey = update.SealedKey
	member.KeyVersion = update.KeyVersion
	m.pushes++
	return nil
}

func (m *mockKeyService) pushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// testMember bundles a member's manager with its own key pair and vault.
type testMember struct {
	id      string
	keys    *crypto.KeyPair
	manager *Manager
}
