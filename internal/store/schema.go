package store

import (
	"database/sql"
	"fmt"
)

// The store has a fixed three-table schema, so it is applied idempotently
// at startup instead of through file-based migrations.
const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id              TEXT PRIMARY KEY,
	join_secret     TEXT NOT NULL,
	admin_member_id TEXT,
	created_at      DATETIME NOT NULL,
	last_activity   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	room_id           TEXT NOT NULL,
	member_id         TEXT NOT NULL,
	registration_id   INTEGER NOT NULL,
	identity_key      BLOB NOT NULL,
	signed_prekey     BLOB NOT NULL,
	signed_prekey_sig BLOB NOT NULL,
	one_time_prekey   BLOB NOT NULL,
	updated_at        DATETIME NOT NULL,
	PRIMARY KEY (room_id, member_id),
	FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS member_tokens (
	room_id   TEXT NOT NULL,
	member_id TEXT NOT NULL,
	token     TEXT NOT NULL,
	issued_at DATETIME NOT NULL,
	PRIMARY KEY (room_id, member_id),
	FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_rooms_last_activity ON rooms(last_activity);
CREATE UNIQUE INDEX IF NOT EXISTS idx_member_tokens_token ON member_tokens(room_id, token);
`

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// applySQLitePragmas applies performance settings.
func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
