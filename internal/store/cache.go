package store

import "database/sql"

// CacheRecordType discriminates what a cache_index row actually holds for
// an entry: the entry's own decrypted content, or a generated preview
// (spec.md:42's `type ∈ {File, Thumbnail}`). Without it, a file's cache
// row and its thumbnail rows shared one (vault_id, entry_id) key and
// clobbered each other — a freshly-written, not-yet-pushed file's dirty
// flag would be wiped out the moment its thumbnail was generated.
type CacheRecordType string

const (
	CacheRecordTypeFile      CacheRecordType = "file"
	CacheRecordTypeThumbnail CacheRecordType = "thumbnail"
)

// CacheRecord is one row of cache_index: a local on-disk copy of a vault
// entry's content or one of its generated previews, keyed by
// (vault_id, entry_id, type, local_path) — the local_path component lets
// multiple thumbnail sizes for the same entry coexist as distinct rows
// under the same type.
type CacheRecord struct {
	VaultID     string
	EntryID     string
	Type        CacheRecordType
	LocalPath   string
	ContentHash string
	SizeBytes   int64
	Dirty       bool
	LastAccess  int64
}

func scanCacheRecord(row RowScanner) (*CacheRecord, error) {
	var c CacheRecord
	var dirty int
	if err := row.Scan(&c.VaultID, &c.EntryID, &c.Type, &c.LocalPath, &c.ContentHash, &c.SizeBytes, &dirty, &c.LastAccess); err != nil {
		return nil, err
	}
	c.Dirty = dirty != 0
	return &c, nil
}

const cacheColumns = `vault_id, entry_id, type, local_path, content_hash, size_bytes, dirty, last_access`

// GetCacheRecord looks up the cache entry for (vaultID, entryID, typ). For
// CacheRecordTypeThumbnail, where an entry may have one row per configured
// size, this returns an arbitrary one of them; it exists for the
// file-content lookup, where the key is unique.
func (s *Store) GetCacheRecord(vaultID, entryID string, typ CacheRecordType) (*CacheRecord, error) {
	row := s.db.QueryRow(`SELECT `+cacheColumns+` FROM cache_index WHERE vault_id = ? AND entry_id = ? AND type = ? LIMIT 1`, vaultID, entryID, typ)
	rec, err := scanCacheRecord(row)
	if err != nil {
		return nil, wrapNotFound(err, "store", "cache_record")
	}
	return rec, nil
}

// CacheRecordsForEntry returns every cache row for (vaultID, entryID)
// regardless of type — the file row plus any thumbnail rows.
func (s *Store) CacheRecordsForEntry(vaultID, entryID string) ([]*CacheRecord, error) {
	rows, err := s.db.Query(`SELECT `+cacheColumns+` FROM cache_index WHERE vault_id = ? AND entry_id = ?`, vaultID, entryID)
	if err != nil {
		return nil, fmtErr("store", "cache_records_for_entry", err)
	}
	defer rows.Close()

	var out []*CacheRecord
	for rows.Next() {
		rec, err := scanCacheRecord(rows)
		if err != nil {
			return nil, fmtErr("store", "cache_records_for_entry_scan", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertCacheRecord inserts or replaces the cache row for
// (vaultID, entryID, type, localPath).
func (s *Store) UpsertCacheRecord(rec *CacheRecord) error {
	dirty := 0
	if rec.Dirty {
		dirty = 1
	}
	_, err := s.db.Exec(`INSERT INTO cache_index(vault_id, entry_id, type, local_path, content_hash, size_bytes, dirty, last_access)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(vault_id, entry_id, type, local_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			dirty = excluded.dirty,
			last_access = excluded.last_access`,
		rec.VaultID, rec.EntryID, rec.Type, rec.LocalPath, rec.ContentHash, rec.SizeBytes, dirty, rec.LastAccess)
	if err != nil {
		return fmtErr("store", "upsert_cache_record", err)
	}
	return nil
}

// TouchCacheRecord updates last_access, used by the LRU eviction sweep.
func (s *Store) TouchCacheRecord(vaultID, entryID string, typ CacheRecordType, localPath string, accessedAt int64) error {
	_, err := s.db.Exec(`UPDATE cache_index SET last_access = ? WHERE vault_id = ? AND entry_id = ? AND type = ? AND local_path = ?`,
		accessedAt, vaultID, entryID, typ, localPath)
	if err != nil {
		return fmtErr("store", "touch_cache_record", err)
	}
	return nil
}

// MarkCacheClean clears the dirty flag on a file's cache row after its
// backing blob has been pushed to the remote object store, making it
// eligible for eviction. Only file rows carry a dirty flag that matters:
// thumbnails are regenerable and never block eviction.
func (s *Store) MarkCacheClean(vaultID, entryID string) error {
	_, err := s.db.Exec(`UPDATE cache_index SET dirty = 0 WHERE vault_id = ? AND entry_id = ? AND type = ?`,
		vaultID, entryID, CacheRecordTypeFile)
	if err != nil {
		return fmtErr("store", "mark_cache_clean", err)
	}
	return nil
}

// DeleteCacheRecord removes one cache row, e.g. after a successful
// eviction of that exact (type, local_path) pair.
func (s *Store) DeleteCacheRecord(vaultID, entryID string, typ CacheRecordType, localPath string) error {
	_, err := s.db.Exec(`DELETE FROM cache_index WHERE vault_id = ? AND entry_id = ? AND type = ? AND local_path = ?`,
		vaultID, entryID, typ, localPath)
	if err != nil {
		return fmtErr("store", "delete_cache_record", err)
	}
	return nil
}

// OldestCacheRecords returns up to limit cache rows for vaultID ordered by
// last_access ascending, the eviction candidate list for the LRU sweep.
// Candidates span both file and thumbnail rows; EvictExcess skips dirty
// ones regardless of type.
func (s *Store) OldestCacheRecords(vaultID string, limit int) ([]*CacheRecord, error) {
	rows, err := s.db.Query(`SELECT `+cacheColumns+` FROM cache_index WHERE vault_id = ? ORDER BY last_access ASC LIMIT ?`, vaultID, limit)
	if err != nil {
		return nil, fmtErr("store", "oldest_cache_records", err)
	}
	defer rows.Close()

	var out []*CacheRecord
	for rows.Next() {
		rec, err := scanCacheRecord(rows)
		if err != nil {
			return nil, fmtErr("store", "oldest_cache_records_scan", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TotalCacheBytes sums size_bytes across every cache row for vaultID,
// file and thumbnail rows alike — both occupy the local cache budget.
func (s *Store) TotalCacheBytes(vaultID string) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(size_bytes) FROM cache_index WHERE vault_id = ?`, vaultID).Scan(&total); err != nil {
		return 0, fmtErr("store", "total_cache_bytes", err)
	}
	return total.Int64, nil
}
