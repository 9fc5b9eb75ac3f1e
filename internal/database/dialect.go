package database

import (
	"strconv"
	"strings"

	"directline/internal/config"
)

// Dialect captures the SQL differences between the supported drivers.
type Dialect string

const (
	MySQL    Dialect = config.DriverMySQL
	Postgres Dialect = config.DriverPostgres
	SQLite   Dialect = config.DriverSQLite
)

// Rebind rewrites '?' placeholders into the driver's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InsertConversationSQL inserts a conversation row and silently does nothing
// when the (user_low, user_high) pair already exists.
func (d Dialect) InsertConversationSQL() string {
	const insert = `INSERT INTO conversations (id, user_low, user_high, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?)`
	if d == MySQL {
		return insert + ` ON DUPLICATE KEY UPDATE id = id`
	}
	return d.Rebind(insert + ` ON CONFLICT (user_low, user_high) DO NOTHING`)
}

// Schema returns the idempotent DDL statements for the dialect.
func (d Dialect) Schema() []string {
	switch d {
	case Postgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id VARCHAR(36) PRIMARY KEY,
				user_low VARCHAR(64) NOT NULL,
				user_high VARCHAR(64) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				last_activity_at TIMESTAMPTZ NOT NULL,
				last_message_id VARCHAR(36) NULL,
				CONSTRAINT uq_conversations_pair UNIQUE (user_low, user_high)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_high ON conversations (user_high)`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq BIGSERIAL PRIMARY KEY,
				id VARCHAR(36) NOT NULL UNIQUE,
				conversation_id VARCHAR(36) NOT NULL,
				sender_id VARCHAR(64) NOT NULL,
				text TEXT NULL,
				image_ref TEXT NULL,
				seen BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at, seq)`,
		}
	case SQLite:
		return []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				user_low TEXT NOT NULL,
				user_high TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				last_activity_at DATETIME NOT NULL,
				last_message_id TEXT NULL,
				UNIQUE (user_low, user_high)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_high ON conversations (user_high)`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				conversation_id TEXT NOT NULL,
				sender_id TEXT NOT NULL,
				text TEXT NULL,
				image_ref TEXT NULL,
				seen BOOLEAN NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at, seq)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id VARCHAR(36) NOT NULL PRIMARY KEY,
				user_low VARCHAR(64) NOT NULL,
				user_high VARCHAR(64) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				last_activity_at DATETIME(6) NOT NULL,
				last_message_id VARCHAR(36) NULL,
				UNIQUE KEY uq_conversations_pair (user_low, user_high),
				KEY idx_conversations_high (user_high)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				id VARCHAR(36) NOT NULL,
				conversation_id VARCHAR(36) NOT NULL,
				sender_id VARCHAR(64) NOT NULL,
				text TEXT NULL,
				image_ref TEXT NULL,
				seen BOOLEAN NOT NULL DEFAULT FALSE,
				created_at DATETIME(6) NOT NULL,
				UNIQUE KEY uq_messages_id (id),
				KEY idx_messages_conversation (conversation_id, created_at, seq)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		}
	}
}
