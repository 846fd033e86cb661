package backend

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/veilchat/veil/wire"
)

type memberKey struct {
	groupID string
	userID  string
}

// MemoryGroupStore is the in-process GroupStore implementation.
type MemoryGroupStore struct {
	mu          sync.RWMutex
	groups      map[string]*wire.Group
	members     map[memberKey]*wire.Member
	bans        map[memberKey]bool
	channels    map[string][]wire.Channel
	messages    map[string][]wire.GroupMessage
	attachments map[string]AttachmentMeta
}

// NewMemoryGroupStore builds an empty group store.
func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{
		groups:      make(map[string]*wire.Group),
		members:     make(map[memberKey]*wire.Member),
		bans:        make(map[memberKey]bool),
		channels:    make(map[string][]wire.Channel),
		messages:    make(map[string][]wire.GroupMessage),
		attachments: make(map[string]AttachmentMeta),
	}
}

func (s *MemoryGroupStore) CreateGroup(ctx context.Context, g wire.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := g
	s.groups[g.ID] = &copied
	return nil
}

func (s *MemoryGroupStore) GetGroup(ctx context.Context, groupID string) (*wire.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, wire.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (s *MemoryGroupStore) GetGroupByInvite(ctx context.Context, code string) (*wire.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.InviteCode != "" && g.InviteCode == code {
			copied := *g
			return &copied, nil
		}
	}
	return nil, wire.ErrNotFound
}

func (s *MemoryGroupStore) ListGroupsForUser(ctx context.Context, userID string) ([]wire.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []wire.Group
	for key, m := range s.members {
		if key.userID != userID || m.Pending {
			continue
		}
		if g, ok := s.groups[key.groupID]; ok {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryGroupStore) DiscoverGroups(ctx context.Context, name string) ([]wire.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(name)
	var out []wire.Group
	for _, g := range s.groups {
		if !g.Public {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(g.Name), needle) {
			continue
		}
		copied := *g
		copied.InviteCode = ""
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryGroupStore) SetPublic(ctx context.Context, groupID string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return wire.ErrNotFound
	}
	g.Public = public
	return nil
}

func (s *MemoryGroupStore) SetInviteCode(ctx context.Context, groupID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return wire.ErrNotFound
	}
	g.InviteCode = code
	return nil
}

func (s *MemoryGroupStore) IncrementKeyVersion(ctx context.Context, groupID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return 0, wire.ErrNotFound
	}
	g.KeyVersion++
	return g.KeyVersion, nil
}

func (s *MemoryGroupStore) AddMember(ctx context.Context, m wire.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := m
	s.members[memberKey{m.GroupID, m.UserID}] = &copied
	return nil
}

func (s *MemoryGroupStore) GetMember(ctx context.Context, groupID, userID string) (*wire.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{groupID, userID}]
	if !ok {
		return nil, wire.ErrNotMember
	}
	copied := *m
	return &copied, nil
}

func (s *MemoryGroupStore) ListMembers(ctx context.Context, groupID string) ([]wire.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []wire.Member
	for key, m := range s.members {
		if key.groupID == groupID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryGroupStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, memberKey{groupID, userID})
	return nil
}

func (s *MemoryGroupStore) ApproveMember(ctx context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{groupID, userID}]
	if !ok {
		return wire.ErrNotMember
	}
	m.Pending = false
	return nil
}

func (s *MemoryGroupStore) SetMemberKey(ctx context.Context, groupID string, update wire.SealedKeyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{groupID, update.UserID}]
	if !ok {
		return wire.ErrNotMember
	}
	m.SealedKey = update.SealedKey
	m.KeyVersion = update.KeyVersion
	return nil
}

func (s *MemoryGroupStore) BanMember(ctx context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, memberKey{groupID, userID})
	s.bans[memberKey{groupID, userID}] = true
	return nil
}

func (s *MemoryGroupStore) IsBanned(ctx context.Context, groupID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bans[memberKey{groupID, userID}], nil
}

func (s *MemoryGroupStore) CreateChannel(ctx context.Context, ch wire.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.GroupID] = append(s.channels[ch.GroupID], ch)
	return nil
}

func (s *MemoryGroupStore) ListChannels(ctx context.Context, groupID string) ([]wire.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Channel, len(s.channels[groupID]))
	copy(out, s.channels[groupID])
	return out, nil
}

func (s *MemoryGroupStore) AppendMessage(ctx context.Context, msg wire.GroupMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.GroupID] = append(s.messages[msg.GroupID], msg)
	return nil
}

func (s *MemoryGroupStore) MessagesSince(ctx context.Context, groupID, channelID string, since int64) ([]wire.GroupMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []wire.GroupMessage
	for _, msg := range s.messages[groupID] {
		if msg.Timestamp <= since {
			continue
		}
		if channelID != "" && msg.ChannelID != channelID {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *MemoryGroupStore) SaveAttachment(ctx context.Context, meta AttachmentMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[meta.ID] = meta
	return nil
}

func (s *MemoryGroupStore) GetAttachment(ctx context.Context, id string) (*AttachmentMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.attachments[id]
	if !ok {
		return nil, wire.ErrNotFound
	}
	return &meta, nil
}
