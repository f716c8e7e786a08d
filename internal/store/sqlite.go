// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides persistence with automatic schema creation and conditional-update transitions.

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Serialize writers through a single connection. SQLite allows only one
	// writer at a time; the busy handler would otherwise surface under the
	// concurrent acquisition tests.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS delegates (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL,
			status         TEXT NOT NULL,
			host_name      TEXT NOT NULL,
			group_name     TEXT NOT NULL,
			delegate_type  TEXT NOT NULL,
			profile_id     TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			version        TEXT NOT NULL DEFAULT '',
			ip             TEXT NOT NULL DEFAULT '',
			tags_json      TEXT NOT NULL DEFAULT '[]',
			ng             INTEGER NOT NULL DEFAULT 0,
			polling_mode   INTEGER NOT NULL DEFAULT 0,
			include_scopes_json TEXT NOT NULL DEFAULT '[]',
			exclude_scopes_json TEXT NOT NULL DEFAULT '[]',
			last_heartbeat DATETIME,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,

			CHECK (status IN ('WAITING_FOR_APPROVAL', 'ENABLED', 'DISABLED', 'DELETED'))
		);

		CREATE INDEX IF NOT EXISTS idx_delegates_account ON delegates(account_id);
		CREATE INDEX IF NOT EXISTS idx_delegates_identity
			ON delegates(account_id, group_name, host_name, delegate_type);

		CREATE TABLE IF NOT EXISTS delegate_profiles (
			id                TEXT PRIMARY KEY,
			account_id        TEXT NOT NULL,
			name              TEXT NOT NULL,
			is_primary        INTEGER NOT NULL DEFAULT 0,
			ng                INTEGER NOT NULL DEFAULT 0,
			approval_required INTEGER NOT NULL DEFAULT 0,
			created_at        DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_profiles_account ON delegate_profiles(account_id);

		CREATE TABLE IF NOT EXISTS delegate_connections (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL,
			delegate_id    TEXT NOT NULL,
			version        TEXT NOT NULL DEFAULT '',
			disconnected   INTEGER NOT NULL DEFAULT 0,
			location       TEXT NOT NULL DEFAULT '',
			last_heartbeat DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_connections_delegate
			ON delegate_connections(account_id, delegate_id);

		CREATE TABLE IF NOT EXISTS delegate_tasks (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL,
			status         TEXT NOT NULL,
			rank           TEXT NOT NULL,
			task_type      TEXT NOT NULL,
			payload        BLOB,
			timeout_ms     INTEGER NOT NULL DEFAULT 0,
			wait_id        TEXT NOT NULL DEFAULT '',
			async          INTEGER NOT NULL DEFAULT 0,
			delegate_id    TEXT NOT NULL DEFAULT '',
			already_tried_json       TEXT NOT NULL DEFAULT '[]',
			validating_json          TEXT NOT NULL DEFAULT '[]',
			validation_complete_json TEXT NOT NULL DEFAULT '[]',
			validation_started_at    DATETIME,
			eligible_json  TEXT NOT NULL DEFAULT '[]',
			selectors_json TEXT NOT NULL DEFAULT '[]',
			scope_json     TEXT NOT NULL DEFAULT '{}',
			capability_ids_json TEXT NOT NULL DEFAULT '[]',
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,

			CHECK (status IN ('QUEUED', 'STARTED', 'ERROR', 'ABORTED')),
			CHECK (rank IN ('CRITICAL', 'IMPORTANT', 'OPTIONAL'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_account_status ON delegate_tasks(account_id, status);
		CREATE INDEX IF NOT EXISTS idx_tasks_account_rank ON delegate_tasks(account_id, rank, status);

		CREATE TABLE IF NOT EXISTS capability_requirements (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			parameters TEXT NOT NULL,
			valid_until DATETIME,
			created_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_requirements_identity
			ON capability_requirements(account_id, type, parameters);

		CREATE TABLE IF NOT EXISTS capability_permissions (
			account_id       TEXT NOT NULL,
			delegate_id      TEXT NOT NULL,
			capability_id    TEXT NOT NULL,
			verdict          TEXT NOT NULL,
			revalidate_after DATETIME NOT NULL,
			max_valid_until  DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL,

			PRIMARY KEY (delegate_id, capability_id),
			CHECK (verdict IN ('ALLOWED', 'DENIED', 'UNCHECKED'))
		);

		CREATE INDEX IF NOT EXISTS idx_permissions_capability
			ON capability_permissions(account_id, capability_id);

		CREATE TABLE IF NOT EXISTS capability_selection_details (
			capability_id  TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL,
			task_selectors_json TEXT NOT NULL DEFAULT '[]',
			scope_json     TEXT NOT NULL DEFAULT '{}',
			blocked        INTEGER NOT NULL DEFAULT 0,
			updated_at     DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS selection_logs (
			id          TEXT PRIMARY KEY,
			account_id  TEXT NOT NULL,
			task_id     TEXT NOT NULL,
			delegate_id TEXT NOT NULL DEFAULT '',
			conclusion  TEXT NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_selection_logs_task ON selection_logs(account_id, task_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalJSON encodes a value into the TEXT column representation. A nil
// slice encodes as an empty JSON array/object rather than "null".
func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

func marshalScope(s SetupScope) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func unmarshalScope(data string) SetupScope {
	var out SetupScope
	if data != "" {
		_ = json.Unmarshal([]byte(data), &out)
	}
	return out
}

func marshalScopes(v []SetupScope) string {
	if v == nil {
		v = []SetupScope{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalScopes(data string) []SetupScope {
	if data == "" || data == "[]" {
		return nil
	}
	var out []SetupScope
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}
