package storage

import "fmt"

// Migrate runs CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS
// statements for the chat schema, following the teacher's
// Database.Migrate() pattern of an inline ordered slice executed
// statement-by-statement rather than a migration-file runner.
func (p *Postgres) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username VARCHAR(64) NOT NULL,
			discriminator VARCHAR(8),
			email VARCHAR(255) UNIQUE,
			password_hash VARCHAR(255),
			flags BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_discriminator ON users(username, discriminator)`,

		`CREATE TABLE IF NOT EXISTS parties (
			id BIGINT PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES users(id),
			name VARCHAR(128) NOT NULL,
			description TEXT,
			default_room BIGINT,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parties_owner_id ON parties(owner_id)`,

		`CREATE TABLE IF NOT EXISTS party_members (
			party_id BIGINT NOT NULL REFERENCES parties(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			nickname VARCHAR(64),
			joined_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (party_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_party_members_user_id ON party_members(user_id)`,

		`CREATE TABLE IF NOT EXISTS roles (
			id BIGINT PRIMARY KEY,
			party_id BIGINT NOT NULL REFERENCES parties(id) ON DELETE CASCADE,
			name VARCHAR(64) NOT NULL,
			permissions BIGINT NOT NULL DEFAULT 0,
			position INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_roles_party_id ON roles(party_id)`,

		`CREATE TABLE IF NOT EXISTS role_members (
			role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			PRIMARY KEY (role_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_role_members_user_id ON role_members(user_id)`,

		`CREATE TABLE IF NOT EXISTS rooms (
			id BIGINT PRIMARY KEY,
			party_id BIGINT NOT NULL REFERENCES parties(id) ON DELETE CASCADE,
			name VARCHAR(128) NOT NULL,
			topic TEXT,
			position INT NOT NULL DEFAULT 0,
			kind SMALLINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_party_id ON rooms(party_id)`,

		`CREATE TABLE IF NOT EXISTS room_overwrites (
			room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			allow BIGINT NOT NULL DEFAULT 0,
			deny BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, role_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT PRIMARY KEY,
			room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			edited_at TIMESTAMPTZ,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_id_id ON messages(room_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id)`,

		`CREATE TABLE IF NOT EXISTS reactions (
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			emote VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, user_id, emote)
		)`,

		`CREATE TABLE IF NOT EXISTS blocks (
			blocker_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			blocked_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (blocker_id, blocked_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_blocked_id ON blocks(blocked_id)`,
	}

	for i, migration := range migrations {
		if _, err := p.db.Exec(migration); err != nil {
			return fmt.Errorf("storage: migration %d failed: %w", i, err)
		}
	}

	return nil
}
