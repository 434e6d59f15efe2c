package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"github.com/google/uuid"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// Vault is one row of the vault table: a user-defined mount exposed over
// FUSE and synchronized against remote object storage.
type Vault struct {
	ID          string
	Name        string
	RootEntryID sql.NullString
	QuotaBytes  int64
	CreatedAt   int64
}

// Sync strategies (spec.md:50): cache never pulls remote-only keys (content
// is fetched lazily on read), sync and mirror both pull eagerly during
// reconciliation.
const (
	SyncStrategyCache  = "cache"
	SyncStrategySync   = "sync"
	SyncStrategyMirror = "mirror"
)

// SyncPolicy is the one-to-one sync configuration for a vault.
type SyncPolicy struct {
	VaultID        string
	RemotePrefix   string
	IntervalSecs   int
	ConflictPolicy string
	Strategy       string
	LastSyncedAt   sql.NullInt64
	SyncState      string
}

// CreateVault inserts a vault and its root directory entry together.
func (s *Store) CreateVault(name string, quotaBytes int64) (*Vault, error) {
	v := &Vault{ID: uuid.NewString(), Name: name, QuotaBytes: quotaBytes, CreatedAt: unixNow()}

	err := s.withTx(func(tx *sql.Tx) error {
		rootID := uuid.NewString()
		now := unixNow()
		if _, err := tx.Exec(`INSERT INTO fs_entry(id, vault_id, parent_id, name, kind, size_bytes, mode,
			content_hash, key_version, backing_alias, trashed, created_at, updated_at)
			VALUES (?,?,NULL,'/','dir',0,0,NULL,0,NULL,0,?,?)`, rootID, v.ID, now, now); err != nil {
			return fmtErr("store", "create_vault_root", err)
		}
		if _, err := tx.Exec(`INSERT INTO dir_stats(entry_id, total_bytes, total_files, total_subdirs) VALUES (?,0,0,0)`, rootID); err != nil {
			return fmtErr("store", "create_vault_root_stats", err)
		}
		v.RootEntryID = sql.NullString{String: rootID, Valid: true}

		_, err := tx.Exec(`INSERT INTO vault(id, name, root_entry_id, quota_bytes, created_at) VALUES (?,?,?,?,?)`,
			v.ID, v.Name, v.RootEntryID, v.QuotaBytes, v.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return vherrors.New(vherrors.CodeAlreadyExists, "vault already exists").WithDetail("name", name)
			}
			return fmtErr("store", "create_vault", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetVaultByName fetches a vault by its unique name.
func (s *Store) GetVaultByName(name string) (*Vault, error) {
	row := s.db.QueryRow(`SELECT id, name, root_entry_id, quota_bytes, created_at FROM vault WHERE name = ?`, name)
	var v Vault
	if err := row.Scan(&v.ID, &v.Name, &v.RootEntryID, &v.QuotaBytes, &v.CreatedAt); err != nil {
		return nil, wrapNotFound(err, "store", "vault")
	}
	return &v, nil
}

// SetSyncPolicy inserts or replaces a vault's sync policy.
func (s *Store) SetSyncPolicy(p *SyncPolicy) error {
	if p.Strategy == "" {
		p.Strategy = SyncStrategySync
	}
	_, err := s.db.Exec(`INSERT INTO sync_policy(vault_id, remote_prefix, interval_seconds, conflict_policy, strategy, last_synced_at, sync_state)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(vault_id) DO UPDATE SET
			remote_prefix = excluded.remote_prefix,
			interval_seconds = excluded.interval_seconds,
			conflict_policy = excluded.conflict_policy,
			strategy = excluded.strategy`,
		p.VaultID, p.RemotePrefix, p.IntervalSecs, p.ConflictPolicy, p.Strategy, p.LastSyncedAt, p.SyncState)
	if err != nil {
		return fmtErr("store", "set_sync_policy", err)
	}
	return nil
}

// GetSyncPolicy fetches a vault's sync policy.
func (s *Store) GetSyncPolicy(vaultID string) (*SyncPolicy, error) {
	row := s.db.QueryRow(`SELECT vault_id, remote_prefix, interval_seconds, conflict_policy, strategy, last_synced_at, sync_state
		FROM sync_policy WHERE vault_id = ?`, vaultID)
	var p SyncPolicy
	if err := row.Scan(&p.VaultID, &p.RemotePrefix, &p.IntervalSecs, &p.ConflictPolicy, &p.Strategy, &p.LastSyncedAt, &p.SyncState); err != nil {
		return nil, wrapNotFound(err, "store", "sync_policy")
	}
	return &p, nil
}

// MarkSyncCompleted advances the sync cursor after a successful pass.
func (s *Store) MarkSyncCompleted(vaultID string, at int64) error {
	_, err := s.db.Exec(`UPDATE sync_policy SET last_synced_at = ?, sync_state = 'idle' WHERE vault_id = ?`, at, vaultID)
	if err != nil {
		return fmtErr("store", "mark_sync_completed", err)
	}
	return nil
}

// SetSyncState transitions a vault's recorded sync state machine position.
func (s *Store) SetSyncState(vaultID, state string) error {
	_, err := s.db.Exec(`UPDATE sync_policy SET sync_state = ? WHERE vault_id = ?`, state, vaultID)
	if err != nil {
		return fmtErr("store", "set_sync_state", err)
	}
	return nil
}

// APIKey is one row of api_keys; the raw secret is never persisted, only
// its SHA-256 hash (HashAPIKey).
type APIKey struct {
	ID        string
	UserID    string
	KeyHash   string
	CreatedAt int64
	ExpiresAt sql.NullInt64
	Revoked   bool
}

// HashAPIKey returns the hex SHA-256 digest stored in key_hash.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey records a new API key for a user, given the already-computed
// key hash (the raw secret is handed to the caller once and never stored).
func (s *Store) IssueAPIKey(userID, keyHash string, expiresAt sql.NullInt64) (*APIKey, error) {
	k := &APIKey{ID: uuid.NewString(), UserID: userID, KeyHash: keyHash, CreatedAt: unixNow(), ExpiresAt: expiresAt}
	_, err := s.db.Exec(`INSERT INTO api_keys(id, user_id, key_hash, created_at, expires_at, revoked)
		VALUES (?,?,?,?,?,0)`, k.ID, k.UserID, k.KeyHash, k.CreatedAt, k.ExpiresAt)
	if err != nil {
		return nil, fmtErr("store", "issue_api_key", err)
	}
	return k, nil
}

// LookupAPIKey resolves a raw API key (after hashing) to its owning user,
// rejecting revoked or expired keys.
func (s *Store) LookupAPIKey(raw string) (*APIKey, error) {
	hash := HashAPIKey(raw)
	row := s.db.QueryRow(`SELECT id, user_id, key_hash, created_at, expires_at, revoked FROM api_keys WHERE key_hash = ?`, hash)
	var k APIKey
	var revoked int
	if err := row.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.CreatedAt, &k.ExpiresAt, &revoked); err != nil {
		return nil, wrapNotFound(err, "store", "api_key")
	}
	k.Revoked = revoked != 0
	if k.Revoked {
		return nil, vherrors.New(vherrors.CodePermissionDenied, "api key revoked").WithComponent("store")
	}
	if k.ExpiresAt.Valid && k.ExpiresAt.Int64 < unixNow() {
		return nil, vherrors.New(vherrors.CodePermissionDenied, "api key expired").WithComponent("store")
	}
	return &k, nil
}

// RevokeAPIKey marks a key unusable without deleting its audit row.
func (s *Store) RevokeAPIKey(id string) error {
	_, err := s.db.Exec(`UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmtErr("store", "revoke_api_key", err)
	}
	return nil
}
