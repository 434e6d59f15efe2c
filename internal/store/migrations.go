package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
)

// migration is one forward-only schema step, applied in filename order and
// tracked by digest so a partially-migrated database can resume safely
// (grounded on the perkeep sqlite indexer's schema-version bookkeeping).
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "0001_fs_entry.sql",
		sql: `
CREATE TABLE IF NOT EXISTS fs_entry (
	id          TEXT PRIMARY KEY,
	vault_id    TEXT NOT NULL,
	parent_id   TEXT,
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL CHECK (kind IN ('file','dir')),
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	mode        INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT,
	key_version INTEGER NOT NULL DEFAULT 0,
	backing_alias TEXT,
	trashed     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	UNIQUE(vault_id, parent_id, name)
);
CREATE INDEX IF NOT EXISTS idx_fs_entry_parent ON fs_entry(vault_id, parent_id);
`,
	},
	{
		name: "0002_dir_stats.sql",
		sql: `
CREATE TABLE IF NOT EXISTS dir_stats (
	entry_id       TEXT PRIMARY KEY REFERENCES fs_entry(id) ON DELETE CASCADE,
	total_bytes    INTEGER NOT NULL DEFAULT 0,
	total_files    INTEGER NOT NULL DEFAULT 0,
	total_subdirs  INTEGER NOT NULL DEFAULT 0
);
`,
	},
	{
		name: "0003_trashed_file.sql",
		sql: `
CREATE TABLE IF NOT EXISTS trashed_file (
	id          TEXT PRIMARY KEY,
	vault_id    TEXT NOT NULL,
	entry_id    TEXT NOT NULL,
	original_path TEXT NOT NULL,
	trashed_at  INTEGER NOT NULL,
	purge_after INTEGER
);
`,
	},
	{
		name: "0004_cache_index.sql",
		sql: `
CREATE TABLE IF NOT EXISTS cache_index (
	vault_id    TEXT NOT NULL,
	entry_id    TEXT NOT NULL,
	local_path  TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL,
	dirty       INTEGER NOT NULL DEFAULT 0,
	last_access INTEGER NOT NULL,
	PRIMARY KEY (vault_id, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_cache_index_access ON cache_index(last_access);
`,
	},
	{
		name: "0005_rbac.sql",
		sql: `
CREATE TABLE IF NOT EXISTS users (
	id    TEXT PRIMARY KEY,
	name  TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS groups (
	id    TEXT PRIMARY KEY,
	name  TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS user_groups (
	user_id  TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	PRIMARY KEY (user_id, group_id)
);
CREATE TABLE IF NOT EXISTS roles (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	permission_mask INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS vault_role_assignments (
	vault_id  TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	subject_kind TEXT NOT NULL CHECK (subject_kind IN ('user','group')),
	role_id   TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	PRIMARY KEY (vault_id, subject_id, subject_kind)
);
CREATE TABLE IF NOT EXISTS permission_overrides (
	id          TEXT PRIMARY KEY,
	vault_id    TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	subject_kind TEXT NOT NULL CHECK (subject_kind IN ('user','group')),
	effect      TEXT NOT NULL CHECK (effect IN ('allow','deny')),
	path_pattern TEXT NOT NULL,
	permission_mask INTEGER NOT NULL
);
`,
	},
	{
		name: "0006_api_keys.sql",
		sql: `
CREATE TABLE IF NOT EXISTS api_keys (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	key_hash    TEXT NOT NULL UNIQUE,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER,
	revoked     INTEGER NOT NULL DEFAULT 0
);
`,
	},
	{
		name: "0007_vault_and_sync.sql",
		sql: `
CREATE TABLE IF NOT EXISTS vault (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	root_entry_id TEXT,
	quota_bytes   INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_policy (
	vault_id        TEXT PRIMARY KEY REFERENCES vault(id) ON DELETE CASCADE,
	remote_prefix   TEXT NOT NULL,
	interval_seconds INTEGER NOT NULL DEFAULT 60,
	conflict_policy TEXT NOT NULL DEFAULT 'keep_local',
	last_synced_at  INTEGER,
	sync_state      TEXT NOT NULL DEFAULT 'idle'
);
`,
	},
	{
		name: "0008_admin_mask.sql",
		sql: `
ALTER TABLE users ADD COLUMN admin_mask INTEGER NOT NULL DEFAULT 0;
`,
	},
	{
		name: "0009_sync_policy_strategy.sql",
		sql: `
ALTER TABLE sync_policy ADD COLUMN strategy TEXT NOT NULL DEFAULT 'sync';
`,
	},
	{
		// SQLite can't alter a PRIMARY KEY in place, so this replaces
		// cache_index wholesale rather than ALTER-ing it, carrying every
		// existing row forward as type='file'. A bare (vault_id, entry_id)
		// key let a file's own cache row collide with its thumbnail rows,
		// clobbering the file's dirty flag once thumbnail generation ran.
		name: "0010_cache_index_type.sql",
		sql: `
ALTER TABLE cache_index RENAME TO cache_index_old;
CREATE TABLE cache_index (
	vault_id    TEXT NOT NULL,
	entry_id    TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT 'file',
	local_path  TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL,
	dirty       INTEGER NOT NULL DEFAULT 0,
	last_access INTEGER NOT NULL,
	PRIMARY KEY (vault_id, entry_id, type, local_path)
);
INSERT INTO cache_index(vault_id, entry_id, type, local_path, content_hash, size_bytes, dirty, last_access)
	SELECT vault_id, entry_id, 'file', local_path, content_hash, size_bytes, dirty, last_access FROM cache_index_old;
DROP TABLE cache_index_old;
CREATE INDEX IF NOT EXISTS idx_cache_index_access ON cache_index(last_access);
CREATE INDEX IF NOT EXISTS idx_cache_index_entry ON cache_index(vault_id, entry_id, type);
`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations,
// in name order, inside one transaction each.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]string)
	rows, err := db.Query(`SELECT name, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[name] = checksum
	}
	rows.Close()

	ordered := make([]migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].name < ordered[j].name })

	for _, m := range ordered {
		sum := sha256.Sum256([]byte(m.sql))
		checksum := hex.EncodeToString(sum[:])

		if prior, ok := applied[m.name]; ok {
			if prior != checksum {
				return fmt.Errorf("migration %s checksum mismatch: already applied with a different body", m.name)
			}
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(name, checksum, applied_at) VALUES (?, ?, strftime('%s','now'))`, m.name, checksum); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}

	return nil
}
