package store

import (
	"database/sql"

	"github.com/google/uuid"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// EntryKind distinguishes a file from a directory row.
type EntryKind string

const (
	KindFile EntryKind = "file"
	KindDir  EntryKind = "dir"
)

// FSEntry is one row of fs_entry: a file or directory inside a vault.
type FSEntry struct {
	ID           string
	VaultID      string
	ParentID     sql.NullString
	Name         string
	Kind         EntryKind
	SizeBytes    int64
	Mode         uint32
	ContentHash  sql.NullString
	KeyVersion   uint32
	BackingAlias sql.NullString
	Trashed      bool
	CreatedAt    int64
	UpdatedAt    int64
}

func scanEntry(row RowScanner) (*FSEntry, error) {
	var e FSEntry
	var trashed int
	if err := row.Scan(&e.ID, &e.VaultID, &e.ParentID, &e.Name, &e.Kind, &e.SizeBytes,
		&e.Mode, &e.ContentHash, &e.KeyVersion, &e.BackingAlias, &trashed, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Trashed = trashed != 0
	return &e, nil
}

const entryColumns = `id, vault_id, parent_id, name, kind, size_bytes, mode, content_hash, key_version, backing_alias, trashed, created_at, updated_at`

// GetEntry fetches an entry by ID.
func (s *Store) GetEntry(id string) (*FSEntry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM fs_entry WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, wrapNotFound(err, "store", "entry")
	}
	return e, nil
}

// LookupChild fetches the child of parentID named name within a vault.
// A nil parentID looks up the vault root's children.
func (s *Store) LookupChild(vaultID string, parentID sql.NullString, name string) (*FSEntry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM fs_entry
		WHERE vault_id = ? AND parent_id IS ? AND name = ? AND trashed = 0`,
		vaultID, parentID, name)
	e, err := scanEntry(row)
	if err != nil {
		return nil, wrapNotFound(err, "store", "entry")
	}
	return e, nil
}

// ListChildren returns every non-trashed child of parentID, ordered by name.
func (s *Store) ListChildren(vaultID string, parentID sql.NullString) ([]*FSEntry, error) {
	rows, err := s.db.Query(`SELECT `+entryColumns+` FROM fs_entry
		WHERE vault_id = ? AND parent_id IS ? AND trashed = 0 ORDER BY name`, vaultID, parentID)
	if err != nil {
		return nil, fmtErr("store", "list_children", err)
	}
	defer rows.Close()

	var out []*FSEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmtErr("store", "list_children_scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateEntry inserts a new file or directory and initializes its dir_stats
// row (for directories) in one transaction.
func (s *Store) CreateEntry(e *FSEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := unixNow()
	e.CreatedAt, e.UpdatedAt = now, now

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO fs_entry(id, vault_id, parent_id, name, kind, size_bytes, mode,
			content_hash, key_version, backing_alias, trashed, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,0,?,?)`,
			e.ID, e.VaultID, e.ParentID, e.Name, e.Kind, e.SizeBytes, e.Mode,
			e.ContentHash, e.KeyVersion, e.BackingAlias, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return vherrors.New(vherrors.CodeAlreadyExists, "entry already exists").
					WithComponent("store").WithDetail("name", e.Name)
			}
			return fmtErr("store", "create_entry", err)
		}

		if e.Kind == KindDir {
			if _, err := tx.Exec(`INSERT INTO dir_stats(entry_id, total_bytes, total_files, total_subdirs)
				VALUES (?, 0, 0, 0)`, e.ID); err != nil {
				return fmtErr("store", "create_dir_stats", err)
			}
		}
		return applyStatsDelta(tx, e.ParentID, deltaForNewEntry(e))
	})
}

// UpdateEntryContent records a new size/hash/backing alias/key version
// after a write, and propagates the size delta up the ancestor chain.
func (s *Store) UpdateEntryContent(id string, sizeBytes int64, contentHash, backingAlias string, keyVersion uint32) error {
	return s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+entryColumns+` FROM fs_entry WHERE id = ?`, id)
		e, err := scanEntry(row)
		if err != nil {
			return wrapNotFound(err, "store", "entry")
		}

		delta := sizeBytes - e.SizeBytes
		now := unixNow()
		if _, err := tx.Exec(`UPDATE fs_entry SET size_bytes = ?, content_hash = ?, backing_alias = ?,
			key_version = ?, updated_at = ? WHERE id = ?`,
			sizeBytes, contentHash, backingAlias, keyVersion, now, id); err != nil {
			return fmtErr("store", "update_entry_content", err)
		}

		if delta == 0 {
			return nil
		}
		return applyStatsDelta(tx, e.ParentID, statsDelta{bytes: delta})
	})
}

// UpdateEntryMode sets an entry's POSIX mode bits (chmod), with no effect
// on directory stats.
func (s *Store) UpdateEntryMode(id string, mode uint32) error {
	now := unixNow()
	res, err := s.db.Exec(`UPDATE fs_entry SET mode = ?, updated_at = ? WHERE id = ?`, mode, now, id)
	if err != nil {
		return fmtErr("store", "update_entry_mode", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vherrors.New(vherrors.CodeNotFound, "entry not found").WithComponent("store")
	}
	return nil
}

// RenameEntry moves/renames entry id to (newParentID, newName), walking
// the old and the new ancestor chain each up to the root without
// recursion (spec Design Note: no recursive directory stat walk); shared
// ancestors receive equal and opposite deltas, which cancel out.
func (s *Store) RenameEntry(id string, newParentID sql.NullString, newName string) error {
	return s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+entryColumns+` FROM fs_entry WHERE id = ?`, id)
		e, err := scanEntry(row)
		if err != nil {
			return wrapNotFound(err, "store", "entry")
		}

		var clash int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM fs_entry WHERE vault_id = ? AND parent_id IS ? AND name = ? AND trashed = 0 AND id != ?`,
			e.VaultID, newParentID, newName, id).Scan(&clash); err != nil {
			return fmtErr("store", "rename_check_clash", err)
		}
		if clash > 0 {
			return vherrors.New(vherrors.CodeAlreadyExists, "destination name already exists").WithComponent("store")
		}

		oldParent := e.ParentID
		now := unixNow()
		if _, err := tx.Exec(`UPDATE fs_entry SET parent_id = ?, name = ?, updated_at = ? WHERE id = ?`,
			newParentID, newName, now, id); err != nil {
			return fmtErr("store", "rename_entry", err)
		}

		if sameParent(oldParent, newParentID) {
			return nil
		}

		moved, err := deltaForMovedEntry(tx, e)
		if err != nil {
			return err
		}
		removed := moved
		removed.negate()
		if err := applyStatsDelta(tx, oldParent, removed); err != nil {
			return err
		}
		return applyStatsDelta(tx, newParentID, moved)
	})
}

// DeleteEntry marks an entry trashed and records a trashed_file row,
// decrementing ancestor stats. Physical reclamation happens on purge.
func (s *Store) DeleteEntry(id string, originalPath string, purgeAfterUnix int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+entryColumns+` FROM fs_entry WHERE id = ?`, id)
		e, err := scanEntry(row)
		if err != nil {
			return wrapNotFound(err, "store", "entry")
		}

		now := unixNow()
		if _, err := tx.Exec(`UPDATE fs_entry SET trashed = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return fmtErr("store", "delete_entry", err)
		}
		if _, err := tx.Exec(`INSERT INTO trashed_file(id, vault_id, entry_id, original_path, trashed_at, purge_after)
			VALUES (?,?,?,?,?,?)`, uuid.NewString(), e.VaultID, e.ID, originalPath, now, purgeAfterUnix); err != nil {
			return fmtErr("store", "record_trash", err)
		}

		removed := deltaForNewEntry(e)
		removed.negate()
		return applyStatsDelta(tx, e.ParentID, removed)
	})
}

// DirStats returns the aggregated byte/file/subdir counters for a directory.
func (s *Store) DirStats(entryID string) (totalBytes int64, totalFiles, totalSubdirs int, err error) {
	row := s.db.QueryRow(`SELECT total_bytes, total_files, total_subdirs FROM dir_stats WHERE entry_id = ?`, entryID)
	scanErr := row.Scan(&totalBytes, &totalFiles, &totalSubdirs)
	if scanErr != nil {
		return 0, 0, 0, wrapNotFound(scanErr, "store", "dir_stats")
	}
	return totalBytes, totalFiles, totalSubdirs, nil
}

// statsDelta is the amount by which a directory's aggregate counters move.
type statsDelta struct {
	bytes   int64
	files   int
	subdirs int
}

func (d *statsDelta) negate() {
	d.bytes, d.files, d.subdirs = -d.bytes, -d.files, -d.subdirs
}

func deltaForNewEntry(e *FSEntry) statsDelta {
	if e.Kind == KindDir {
		return statsDelta{subdirs: 1}
	}
	return statsDelta{bytes: e.SizeBytes, files: 1}
}

// deltaForMovedEntry computes the ancestor-chain delta a move contributes,
// using the moved entry's own accumulated stats rather than assuming it's
// freshly created and empty. A file contributes its own size; a directory
// contributes its dir_stats row's totals plus one for itself (it is one
// more subdirectory to every ancestor it leaves or joins).
func deltaForMovedEntry(tx *sql.Tx, e *FSEntry) (statsDelta, error) {
	if e.Kind != KindDir {
		return statsDelta{bytes: e.SizeBytes, files: 1}, nil
	}
	bytes, files, subdirs, err := dirStatsTx(tx, e.ID)
	if err != nil {
		return statsDelta{}, err
	}
	return statsDelta{bytes: bytes, files: files, subdirs: subdirs + 1}, nil
}

func dirStatsTx(tx *sql.Tx, entryID string) (totalBytes int64, totalFiles, totalSubdirs int, err error) {
	row := tx.QueryRow(`SELECT total_bytes, total_files, total_subdirs FROM dir_stats WHERE entry_id = ?`, entryID)
	if err := row.Scan(&totalBytes, &totalFiles, &totalSubdirs); err != nil {
		return 0, 0, 0, fmtErr("store", "dir_stats_tx", err)
	}
	return totalBytes, totalFiles, totalSubdirs, nil
}

// applyStatsDelta walks the ancestor chain starting at parentID, applying
// delta at every level. It is an iterative cursor over parent_id, not a
// recursive function, so depth is bounded only by loop iterations
// (spec Design Note: avoid recursive parent-chain walks).
func applyStatsDelta(tx *sql.Tx, parentID sql.NullString, delta statsDelta) error {
	if delta.bytes == 0 && delta.files == 0 && delta.subdirs == 0 {
		return nil
	}

	cursor := parentID
	for cursor.Valid {
		if _, err := tx.Exec(`UPDATE dir_stats SET total_bytes = total_bytes + ?,
			total_files = total_files + ?, total_subdirs = total_subdirs + ? WHERE entry_id = ?`,
			delta.bytes, delta.files, delta.subdirs, cursor.String); err != nil {
			return fmtErr("store", "apply_stats_delta", err)
		}

		var next sql.NullString
		if err := tx.QueryRow(`SELECT parent_id FROM fs_entry WHERE id = ?`, cursor.String).Scan(&next); err != nil {
			return fmtErr("store", "walk_ancestor", err)
		}
		cursor = next
	}
	return nil
}

func sameParent(a, b sql.NullString) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.String == b.String
}

func isUniqueViolation(err error) bool {
	return err != nil && containsAny(err.Error(), "UNIQUE constraint", "constraint failed")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
