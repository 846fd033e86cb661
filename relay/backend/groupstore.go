package backend

import (
	"context"
	"time"

	"github.com/veilchat/veil/wire"
)

// AttachmentMeta records an uploaded blob. The blob itself lives in the
// relay's content-addressed file store; only metadata is kept here.
type AttachmentMeta struct {
	ID        string
	Name      string
	Size      int64
	Uploader  string
	Recipient string
	GroupID   string
	CreatedAt time.Time
}

// GroupStore holds durable group state. Unlike the pairwise Queue, group
// history is never tombstoned on fetch.
type GroupStore interface {
	// CreateGroup stores a new group record.
	CreateGroup(ctx context.Context, g wire.Group) error

	// GetGroup returns a group by ID, wire.ErrNotFound when absent.
	GetGroup(ctx context.Context, groupID string) (*wire.Group, error)

	// GetGroupByInvite resolves an invite code to its group.
	GetGroupByInvite(ctx context.Context, code string) (*wire.Group, error)

	// ListGroupsForUser returns the groups a user belongs to.
	ListGroupsForUser(ctx context.Context, userID string) ([]wire.Group, error)

	// DiscoverGroups returns public groups matching a name substring.
	DiscoverGroups(ctx context.Context, name string) ([]wire.Group, error)

	// SetPublic toggles public discoverability.
	SetPublic(ctx context.Context, groupID string, public bool) error

	// SetInviteCode replaces the group's invite code.
	SetInviteCode(ctx context.Context, groupID, code string) error

	// IncrementKeyVersion atomically bumps the group's key version and
	// returns the new value.
	IncrementKeyVersion(ctx context.Context, groupID string) (uint64, error)

	// AddMember inserts or replaces a membership record.
	AddMember(ctx context.Context, m wire.Member) error

	// GetMember returns one membership record, wire.ErrNotMember when the
	// user does not belong to the group.
	GetMember(ctx context.Context, groupID, userID string) (*wire.Member, error)

	// ListMembers returns all membership records for a group.
	ListMembers(ctx context.Context, groupID string) ([]wire.Member, error)

	// RemoveMember deletes a membership record.
	RemoveMember(ctx context.Context, groupID, userID string) error

	// ApproveMember clears the pending flag.
	ApproveMember(ctx context.Context, groupID, userID string) error

	// SetMemberKey stores a sealed key blob for one member at a version.
	SetMemberKey(ctx context.Context, groupID string, update wire.SealedKeyUpdate) error

	// BanMember removes the member and records the ban; banned users cannot
	// rejoin.
	BanMember(ctx context.Context, groupID, userID string) error

	// IsBanned reports whether a user is banned from a group.
	IsBanned(ctx context.Context, groupID, userID string) (bool, error)

	// CreateChannel adds a named channel to a group.
	CreateChannel(ctx context.Context, ch wire.Channel) error

	// ListChannels returns a group's channels.
	ListChannels(ctx context.Context, groupID string) ([]wire.Channel, error)

	// AppendMessage stores an encrypted group message.
	AppendMessage(ctx context.Context, msg wire.GroupMessage) error

	// MessagesSince returns group messages with Timestamp > since, oldest
	// first. Empty channelID matches all channels.
	MessagesSince(ctx context.Context, groupID, channelID string, since int64) ([]wire.GroupMessage, error)

	// SaveAttachment stores attachment metadata.
	SaveAttachment(ctx context.Context, meta AttachmentMeta) error

	// GetAttachment returns attachment metadata, wire.ErrNotFound when
	// absent.
	GetAttachment(ctx context.Context, id string) (*AttachmentMeta, error)
}
