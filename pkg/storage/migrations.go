package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sipeed/beacon/pkg/beaconerr"
)

// migration is one numbered, forward-only schema step, held as one
// statement list per dialect. The sqlite list is written by hand; init
// derives the postgres and mysql lists from it by type-name substitution.
type migration struct {
	version    int
	sqliteSQL  []string
	postgresSQL []string
	mysqlSQL   []string
}

func (m migration) statementsFor(d Dialect) []string {
	switch d {
	case DialectPostgres:
		return m.postgresSQL
	case DialectMySQL:
		return m.mysqlSQL
	default:
		return m.sqliteSQL
	}
}

var migrations = []migration{
	{
		version: 1,
		sqliteSQL: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				profile_ref TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				channel TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				persona TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE(channel, channel_id)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				thread_id TEXT,
				seq INTEGER NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_thread ON messages(session_id, thread_id)`,
			`CREATE TABLE IF NOT EXISTS memories (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				category TEXT NOT NULL,
				content TEXT NOT NULL,
				tags TEXT NOT NULL DEFAULT '',
				pinned INTEGER NOT NULL DEFAULT 0,
				access_count INTEGER NOT NULL DEFAULT 0,
				embedding BLOB,
				source_session TEXT,
				source_channel TEXT,
				content_hash TEXT NOT NULL,
				origin_device TEXT,
				deleted_at TIMESTAMP,
				synced_at TIMESTAMP,
				cloud_id TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				accessed_at TIMESTAMP NOT NULL,
				UNIQUE(user_id, content_hash)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id)`,
			`CREATE TABLE IF NOT EXISTS skills (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT,
				version TEXT,
				author TEXT,
				tags TEXT NOT NULL DEFAULT '',
				permissions TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL,
				source_origin TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				priority TEXT NOT NULL DEFAULT 'standard',
				always_include INTEGER NOT NULL DEFAULT 0,
				user_invocable INTEGER NOT NULL DEFAULT 0,
				disable_model_invocation INTEGER NOT NULL DEFAULT 0,
				command_name TEXT,
				emoji TEXT,
				requires_env TEXT NOT NULL DEFAULT '',
				requires_bins TEXT NOT NULL DEFAULT '',
				requires_any_bins TEXT NOT NULL DEFAULT '',
				os_tags TEXT NOT NULL DEFAULT '',
				primary_env TEXT,
				command_dispatch TEXT,
				command_tool TEXT,
				install_spec TEXT,
				requires_config TEXT NOT NULL DEFAULT '',
				user_scope TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_skills_command_name ON skills(command_name)`,
			`CREATE TABLE IF NOT EXISTS paired_senders (
				id TEXT PRIMARY KEY,
				sender_id TEXT NOT NULL,
				channel TEXT NOT NULL,
				paired_at TIMESTAMP,
				pairing_code TEXT,
				code_expires_at TIMESTAMP,
				UNIQUE(sender_id, channel)
			)`,
			`CREATE TABLE IF NOT EXISTS telegram_group_configs (
				chat_id TEXT PRIMARY KEY,
				title TEXT,
				require_mention INTEGER,
				reaction_level TEXT,
				ack_emoji TEXT,
				done_emoji TEXT,
				enabled INTEGER NOT NULL DEFAULT 1
			)`,
		},
	},
}

// init fills in the postgres and mysql statement lists of the base
// migration from its sqlite statements.
// All of our tables use client-generated TEXT primary keys (UUIDs), so the
// base migration above is dialect-agnostic aside from minor type spelling;
// mysqlSQL/postgresSQL reuse it with BLOB -> BYTEA/LONGBLOB substitutions
// handled inline per dialect below.
func init() {
	pg := make([]string, len(migrations[0].sqliteSQL))
	my := make([]string, len(migrations[0].sqliteSQL))
	for i, stmt := range migrations[0].sqliteSQL {
		pg[i] = sqliteToPostgres(stmt)
		my[i] = sqliteToMySQL(stmt)
	}
	migrations[0].postgresSQL = pg
	migrations[0].mysqlSQL = my
}

func sqliteToPostgres(stmt string) string {
	return replaceAll(stmt, map[string]string{
		"BLOB":      "BYTEA",
		"TIMESTAMP": "TIMESTAMPTZ",
	})
}

func sqliteToMySQL(stmt string) string {
	return replaceAll(stmt, map[string]string{
		"BLOB": "LONGBLOB",
		"TEXT NOT NULL DEFAULT ''": "TEXT",
	})
}

func replaceAll(s string, repl map[string]string) string {
	for from, to := range repl {
		s = replaceToken(s, from, to)
	}
	return s
}

// replaceToken is a plain, non-regex substring replace; schema DDL has no
// accidental occurrences of these tokens outside the intended positions.
func replaceToken(s, from, to string) string {
	start := 0
	for {
		idx := indexOf(s[start:], from)
		if idx < 0 {
			return s
		}
		idx += start
		s = s[:idx] + to + s[idx+len(from):]
		start = idx + len(to)
	}
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// migrate applies every migration with version greater than the store's
// current schema version, each inside its own transaction, and advances the
// version counter atomically with it.
func (s *Store) migrate(ctx context.Context) error {
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return beaconerr.SchemaError("reading schema version", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return beaconerr.SchemaError(fmt.Sprintf("applying migration %d", m.version), err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statementsFor(s.Dialect) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	if err := s.setSchemaVersionTx(ctx, tx, m.version); err != nil {
		return err
	}
	return tx.Commit()
}

// schemaVersion reads the current applied version. sqlite uses its native
// PRAGMA user_version counter; postgres/mysql use a one-row metadata table
// since they have no equivalent pragma.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	if s.Dialect == DialectSQLite {
		var v int
		err := s.DB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
		return v, err
	}

	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return 0, err
	}
	var v int
	err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err != nil {
		if _, insErr := s.DB.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (0)"); insErr != nil {
			return 0, insErr
		}
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersionTx(ctx context.Context, tx *sql.Tx, version int) error {
	if s.Dialect == DialectSQLite {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind("UPDATE schema_version SET version = ?"), version); err != nil {
		return err
	}
	return nil
}
