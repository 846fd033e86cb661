package pgstore

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			group_id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			public BOOLEAN NOT NULL DEFAULT FALSE,
			invite_code VARCHAR(255) NOT NULL DEFAULT '',
			key_version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_groups_invite
		ON groups(invite_code)
		WHERE invite_code <> ''`,

		`CREATE TABLE IF NOT EXISTS group_members (
			group_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			enc_pub VARCHAR(64) NOT NULL DEFAULT '',
			role VARCHAR(20) NOT NULL DEFAULT 'member',
			pending BOOLEAN NOT NULL DEFAULT FALSE,
			sealed_key TEXT NOT NULL DEFAULT '',
			key_version BIGINT NOT NULL DEFAULT 0,
			joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_id, user_id),
			FOREIGN KEY (group_id) REFERENCES groups(group_id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_user_groups
		ON group_members(user_id, group_id)`,

		`CREATE TABLE IF NOT EXISTS group_bans (
			group_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			banned_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS group_channels (
			channel_id VARCHAR(255) PRIMARY KEY,
			group_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (group_id) REFERENCES groups(group_id) ON DELETE CASCADE
		)`,

		// Ciphertext only; the group key never reaches the server unsealed.
		`CREATE TABLE IF NOT EXISTS group_messages (
			message_id VARCHAR(255) PRIMARY KEY,
			group_id VARCHAR(255) NOT NULL,
			channel_id VARCHAR(255) NOT NULL DEFAULT '',
			sender_id VARCHAR(255) NOT NULL,
			ciphertext TEXT NOT NULL,
			nonce VARCHAR(64) NOT NULL,
			key_version BIGINT NOT NULL,
			ts BIGINT NOT NULL,
			attachment_id VARCHAR(64) NOT NULL DEFAULT '',
			FOREIGN KEY (group_id) REFERENCES groups(group_id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_group_messages
		ON group_messages(group_id, ts)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			attachment_id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			size BIGINT NOT NULL,
			uploader VARCHAR(255) NOT NULL,
			recipient VARCHAR(255) NOT NULL DEFAULT '',
			group_id VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
