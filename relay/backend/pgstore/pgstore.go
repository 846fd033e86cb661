// Package pgstore is the PostgreSQL GroupStore implementation used by durable
// deployments. Only ciphertext and public metadata ever reach these tables;
// group keys exist here solely as sealed blobs addressed to one member.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/veilchat/veil/relay/backend"
	"github.com/veilchat/veil/wire"
)

// Store implements backend.GroupStore on a *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and runs migrations.
func Open(url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// NewStore wraps an existing connection and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateGroup(ctx context.Context, g wire.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (group_id, name, owner_id, public, invite_code, key_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Name, g.OwnerID, g.Public, g.InviteCode, g.KeyVersion, time.Now())
	return err
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*wire.Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `
		SELECT group_id, name, owner_id, public, invite_code, key_version
		FROM groups WHERE group_id = $1`, groupID))
}

func (s *Store) GetGroupByInvite(ctx context.Context, code string) (*wire.Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `
		SELECT group_id, name, owner_id, public, invite_code, key_version
		FROM groups WHERE invite_code = $1 AND invite_code <> ''`, code))
}

func (s *Store) scanGroup(row *sql.Row) (*wire.Group, error) {
	var g wire.Group
	err := row.Scan(&g.ID, &g.Name, &g.OwnerID, &g.Public, &g.InviteCode, &g.KeyVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wire.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) ListGroupsForUser(ctx context.Context, userID string) ([]wire.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.group_id, g.name, g.owner_id, g.public, g.invite_code, g.key_version
		FROM groups g
		JOIN group_members m ON m.group_id = g.group_id
		WHERE m.user_id = $1 AND m.pending = FALSE
		ORDER BY g.group_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

func (s *Store) DiscoverGroups(ctx context.Context, name string) ([]wire.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, name, owner_id, public, '', key_version
		FROM groups
		WHERE public = TRUE AND ($1 = '' OR name ILIKE '%' || $1 || '%')
		ORDER BY group_id`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

func collectGroups(rows *sql.Rows) ([]wire.Group, error) {
	var out []wire.Group
	for rows.Next() {
		var g wire.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.Public, &g.InviteCode, &g.KeyVersion); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) SetPublic(ctx context.Context, groupID string, public bool) error {
	return s.updateGroup(ctx, `UPDATE groups SET public = $2 WHERE group_id = $1`, groupID, public)
}

func (s *Store) SetInviteCode(ctx context.Context, groupID, code string) error {
	return s.updateGroup(ctx, `UPDATE groups SET invite_code = $2 WHERE group_id = $1`, groupID, code)
}

func (s *Store) updateGroup(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wire.ErrNotFound
	}
	return nil
}

// IncrementKeyVersion bumps the version in a single UPDATE ... RETURNING so
// concurrent rekeys serialize on the row and never observe the same version.
func (s *Store) IncrementKeyVersion(ctx context.Context, groupID string) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx, `
		UPDATE groups SET key_version = key_version + 1
		WHERE group_id = $1
		RETURNING key_version`, groupID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, wire.ErrNotFound
	}
	return v, err
}

func (s *Store) AddMember(ctx context.Context, m wire.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, enc_pub, role, pending, sealed_key, key_version, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (group_id, user_id) DO UPDATE
		SET enc_pub = $3, role = $4, pending = $5`,
		m.GroupID, m.UserID, m.EncPub, m.Role, m.Pending, m.SealedKey, m.KeyVersion, time.Now())
	return err
}

func (s *Store) GetMember(ctx context.Context, groupID, userID string) (*wire.Member, error) {
	var m wire.Member
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id, user_id, enc_pub, role, pending, sealed_key, key_version
		FROM group_members WHERE group_id = $1 AND user_id = $2`,
		groupID, userID).Scan(&m.GroupID, &m.UserID, &m.EncPub, &m.Role, &m.Pending, &m.SealedKey, &m.KeyVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wire.ErrNotMember
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, groupID string) ([]wire.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, user_id, enc_pub, role, pending, sealed_key, key_version
		FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.Member
	for rows.Next() {
		var m wire.Member
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.EncPub, &m.Role, &m.Pending, &m.SealedKey, &m.KeyVersion); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	return err
}

func (s *Store) ApproveMember(ctx context.Context, groupID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE group_members SET pending = FALSE
		WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wire.ErrNotMember
	}
	return nil
}

func (s *Store) SetMemberKey(ctx context.Context, groupID string, update wire.SealedKeyUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE group_members SET sealed_key = $3, key_version = $4
		WHERE group_id = $1 AND user_id = $2`,
		groupID, update.UserID, update.SealedKey, update.KeyVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wire.ErrNotMember
	}
	return nil
}

func (s *Store) BanMember(ctx context.Context, groupID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_bans (group_id, user_id, banned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, user_id) DO NOTHING`, groupID, userID, time.Now()); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) IsBanned(ctx context.Context, groupID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM group_bans WHERE group_id = $1 AND user_id = $2`,
		groupID, userID).Scan(&count)
	return count > 0, err
}

func (s *Store) CreateChannel(ctx context.Context, ch wire.Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_channels (channel_id, group_id, name, created_at)
		VALUES ($1, $2, $3, $4)`, ch.ID, ch.GroupID, ch.Name, time.Now())
	return err
}

func (s *Store) ListChannels(ctx context.Context, groupID string) ([]wire.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, group_id, name FROM group_channels
		WHERE group_id = $1 ORDER BY created_at`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.Channel
	for rows.Next() {
		var ch wire.Channel
		if err := rows.Scan(&ch.ID, &ch.GroupID, &ch.Name); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, msg wire.GroupMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_messages (message_id, group_id, channel_id, sender_id,
			ciphertext, nonce, key_version, ts, attachment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.GroupID, msg.ChannelID, msg.SenderID,
		msg.Ciphertext, msg.Nonce, msg.KeyVersion, msg.Timestamp, msg.Attachment)
	return err
}

func (s *Store) MessagesSince(ctx context.Context, groupID, channelID string, since int64) ([]wire.GroupMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, group_id, channel_id, sender_id, ciphertext, nonce, key_version, ts, attachment_id
		FROM group_messages
		WHERE group_id = $1 AND ts > $2 AND ($3 = '' OR channel_id = $3)
		ORDER BY ts`, groupID, since, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.GroupMessage
	for rows.Next() {
		var m wire.GroupMessage
		if err := rows.Scan(&m.ID, &m.GroupID, &m.ChannelID, &m.SenderID,
			&m.Ciphertext, &m.Nonce, &m.KeyVersion, &m.Timestamp, &m.Attachment); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SaveAttachment(ctx context.Context, meta backend.AttachmentMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (attachment_id, name, size, uploader, recipient, group_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (attachment_id) DO NOTHING`,
		meta.ID, meta.Name, meta.Size, meta.Uploader, meta.Recipient, meta.GroupID, meta.CreatedAt)
	return err
}

func (s *Store) GetAttachment(ctx context.Context, id string) (*backend.AttachmentMeta, error) {
	var meta backend.AttachmentMeta
	err := s.db.QueryRowContext(ctx, `
		SELECT attachment_id, name, size, uploader, recipient, group_id, created_at
		FROM attachments WHERE attachment_id = $1`, id).Scan(
		&meta.ID, &meta.Name, &meta.Size, &meta.Uploader, &meta.Recipient, &meta.GroupID, &meta.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wire.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}
