package vault

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/metrics"
	"github.com/vaulthalla/vaulthalla/internal/store"
	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// ChangeKind identifies the mutation an Engine operation produced, for
// the Synchronization Controller's per-vault event queue (spec §4.3:
// "consumes a per-vault event queue (change-data from FUSE mutations)").
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeModified
	ChangeDeleted
	ChangeRenamed
)

// ChangeEvent describes one local mutation the Sync Controller must
// reconcile against the remote object store.
type ChangeEvent struct {
	VaultID string
	Path    RelPath
	Kind    ChangeKind
}

// ChangeSink receives change events as Engine operations commit. Sinks
// must not block the calling FUSE operation; the Synchronization
// Controller's implementation enqueues onto a buffered channel and drops
// (with a metric) under sustained backpressure.
type ChangeSink interface {
	Enqueue(ChangeEvent)
}

// Engine implements the vault's core filesystem operations on top of the
// Metadata Store, the local cache directory, and a vault's keyring. The
// FUSE adapter drives its filesystem operations and translates Engine
// errors to errno; the Sync Controller also uses Lookup, Vault and CacheDir.
type Engine struct {
	st       *store.Store
	vault    *store.Vault
	keyring  *crypto.VaultKeyring
	cacheDir string
	locks    *PathLock
	metrics  *metrics.Collector
	sink     ChangeSink
}

// Config wires an Engine to its vault, keyring, and local cache directory.
type Config struct {
	Store    *store.Store
	Vault    *store.Vault
	Keyring  *crypto.VaultKeyring
	CacheDir string
	Metrics  *metrics.Collector
	Sink     ChangeSink
}

// New builds an Engine for one vault.
func New(cfg Config) *Engine {
	return &Engine{
		st:       cfg.Store,
		vault:    cfg.Vault,
		keyring:  cfg.Keyring,
		cacheDir: cfg.CacheDir,
		locks:    NewPathLock(256),
		metrics:  cfg.Metrics,
		sink:     cfg.Sink,
	}
}

// Vault returns the store.Vault this Engine serves, for collaborators
// (the Sync Controller, the FUSE adapter) that need the vault identity
// without reaching into Engine internals.
func (e *Engine) Vault() *store.Vault { return e.vault }

// CacheDir returns the local cache root backing this vault's ciphertext
// blobs, so the Sync Controller can read/write the same files the Engine
// does without duplicating the sharded-path layout.
func (e *Engine) CacheDir() string { return e.cacheDir }

// Keyring returns the vault's encryption keyring.
func (e *Engine) Keyring() *crypto.VaultKeyring { return e.keyring }

// SetSink binds the Sync Controller as this Engine's change sink after
// construction — the Controller's own constructor takes the Engine it
// reconciles against, so the two cannot be wired in a single step.
func (e *Engine) SetSink(sink ChangeSink) { e.sink = sink }

func (e *Engine) emit(p RelPath, kind ChangeKind) {
	if e.sink == nil {
		return
	}
	e.sink.Enqueue(ChangeEvent{VaultID: e.vault.ID, Path: p, Kind: kind})
}

func (e *Engine) resolve(p RelPath) (sql.NullString, string, error) {
	if p == "/" {
		return e.vault.RootEntryID, "", nil
	}
	parentDir := p.Dir()
	parent, err := e.lookup(parentDir)
	if err != nil {
		return sql.NullString{}, "", err
	}
	return sql.NullString{String: parent.ID, Valid: true}, p.Base(), nil
}

func (e *Engine) lookup(p RelPath) (*store.FSEntry, error) {
	if p == "/" {
		if !e.vault.RootEntryID.Valid {
			return nil, vherrors.New(vherrors.CodeFatal, "vault has no root entry").WithComponent("vault")
		}
		return e.st.GetEntry(e.vault.RootEntryID.String)
	}

	parentID, name, err := e.resolve(p)
	if err != nil {
		return nil, err
	}
	return e.st.LookupChild(e.vault.ID, parentID, name)
}

// Lookup resolves a path to its FSEntry (the FUSE adapter's "lookup" op).
func (e *Engine) Lookup(p RelPath) (*store.FSEntry, error) {
	return e.lookup(p)
}

// ListDir returns the children of a directory path.
func (e *Engine) ListDir(p RelPath) ([]*store.FSEntry, error) {
	dir, err := e.lookup(p)
	if err != nil {
		return nil, err
	}
	if dir.Kind != store.KindDir {
		return nil, vherrors.New(vherrors.CodeInvalidArgument, "not a directory").WithComponent("vault")
	}
	return e.st.ListChildren(e.vault.ID, sql.NullString{String: dir.ID, Valid: true})
}

// Mkdir creates a new directory at path p.
func (e *Engine) Mkdir(p RelPath, mode uint32) (*store.FSEntry, error) {
	if err := e.locks.Acquire(string(p)); err != nil {
		return nil, err
	}
	defer e.locks.Release(string(p))

	parentID, name, err := e.resolve(p)
	if err != nil {
		return nil, err
	}
	entry := &store.FSEntry{VaultID: e.vault.ID, ParentID: parentID, Name: name, Kind: store.KindDir, Mode: mode}
	if err := e.st.CreateEntry(entry); err != nil {
		return nil, err
	}
	e.emit(p, ChangeCreated)
	return entry, nil
}

// Create creates an empty file at path p and returns its backing alias,
// ready for the FUSE adapter to open a cache file handle against.
func (e *Engine) Create(p RelPath, mode uint32) (*store.FSEntry, error) {
	if err := e.locks.Acquire(string(p)); err != nil {
		return nil, err
	}
	defer e.locks.Release(string(p))

	parentID, name, err := e.resolve(p)
	if err != nil {
		return nil, err
	}

	alias := NewBackingAlias()
	entry := &store.FSEntry{
		VaultID: e.vault.ID, ParentID: parentID, Name: name, Kind: store.KindFile,
		Mode: mode, BackingAlias: sql.NullString{String: alias, Valid: true},
		KeyVersion: uint32(e.keyring.Current),
	}
	if err := e.st.CreateEntry(entry); err != nil {
		return nil, err
	}
	e.emit(p, ChangeCreated)
	return entry, nil
}

// Write encrypts data and stores it under the entry's backing alias,
// updating size/hash/key-version metadata atomically.
func (e *Engine) Write(p RelPath, data []byte) error {
	if err := e.locks.Acquire(string(p)); err != nil {
		return err
	}
	defer e.locks.Release(string(p))

	entry, err := e.lookup(p)
	if err != nil {
		return err
	}
	if entry.Kind != store.KindFile {
		return vherrors.New(vherrors.CodeInvalidArgument, "cannot write to a directory").WithComponent("vault")
	}
	if !entry.BackingAlias.Valid {
		return vherrors.New(vherrors.CodeIntegrityError, "file entry missing backing alias").WithComponent("vault")
	}

	sealed, err := e.keyring.Seal(data)
	if err != nil {
		return err
	}

	backingPath := BackingPath(e.cacheDir, entry.BackingAlias.String)
	if err := writeSealedFile(backingPath, sealed); err != nil {
		return vherrors.New(vherrors.CodeIOError, "failed to write cache file").
			WithComponent("vault").WithCause(err)
	}

	hash := crypto.ContentHash(data)
	if err := e.st.UpdateEntryContent(entry.ID, int64(len(data)), hash, entry.BackingAlias.String, uint32(sealed.KeyVersion)); err != nil {
		return err
	}

	if err := e.st.UpsertCacheRecord(&store.CacheRecord{
		VaultID: e.vault.ID, EntryID: entry.ID, Type: store.CacheRecordTypeFile, LocalPath: backingPath,
		ContentHash: hash, SizeBytes: int64(len(data)), Dirty: true, LastAccess: nowUnix(),
	}); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.UpdateCacheSize(e.vault.ID, entry.SizeBytes+int64(len(data)))
	}
	e.emit(p, ChangeModified)
	return nil
}

// Read decrypts and returns a file's full content.
func (e *Engine) Read(p RelPath) ([]byte, error) {
	entry, err := e.lookup(p)
	if err != nil {
		return nil, err
	}
	if entry.Kind != store.KindFile {
		return nil, vherrors.New(vherrors.CodeInvalidArgument, "cannot read a directory").WithComponent("vault")
	}
	if !entry.BackingAlias.Valid {
		return []byte{}, nil
	}

	backingPath := BackingPath(e.cacheDir, entry.BackingAlias.String)
	sealed, err := readSealedFile(backingPath, crypto.KeyVersion(entry.KeyVersion))
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordCacheMiss(e.vault.ID)
		}
		return nil, vherrors.New(vherrors.CodeIOError, "cache file missing; needs sync pull").
			WithComponent("vault").WithCause(err)
	}
	if e.metrics != nil {
		e.metrics.RecordCacheHit(e.vault.ID)
	}

	return e.keyring.Open(sealed)
}

// EvictExcess removes the least-recently-accessed, already-synced cache
// blobs until the vault's local cache fits within maxBytes, examining at
// most step candidates per round (CacheConfig.MaxBytes/EvictionStep).
// Dirty records — local writes the Sync Controller has not yet pushed —
// are never evicted; a vault whose writes outrun its sync interval simply
// exceeds its cache budget until the next successful push.
func (e *Engine) EvictExcess(maxBytes int64, step int) error {
	for {
		total, err := e.st.TotalCacheBytes(e.vault.ID)
		if err != nil {
			return err
		}
		if total <= maxBytes {
			return nil
		}

		candidates, err := e.st.OldestCacheRecords(e.vault.ID, step)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		evicted := 0
		for _, rec := range candidates {
			if rec.Dirty {
				continue
			}
			if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
				return vherrors.New(vherrors.CodeIOError, "failed to remove evicted cache file").
					WithComponent("vault").WithCause(err)
			}
			if err := e.st.DeleteCacheRecord(rec.VaultID, rec.EntryID, rec.Type, rec.LocalPath); err != nil {
				return err
			}
			evicted++
		}
		if evicted == 0 {
			return nil // every candidate in this round is dirty; nothing more to evict now
		}
		if e.metrics != nil {
			if newTotal, err := e.st.TotalCacheBytes(e.vault.ID); err == nil {
				e.metrics.UpdateCacheSize(e.vault.ID, newTotal)
			}
		}
	}
}

// RunEviction runs EvictExcess on a timer until ctx is cancelled, the
// background half of the vault's local cache budget enforcement.
func (e *Engine) RunEviction(ctx context.Context, maxBytes int64, step int, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.EvictExcess(maxBytes, step); err != nil && e.metrics != nil {
				e.metrics.RecordSyncError(e.vault.ID, "cache_eviction_failed")
			}
		}
	}
}

// Rename moves/renames an entry within the vault.
func (e *Engine) Rename(from, to RelPath) error {
	first, second := string(from), string(to)
	if second < first {
		first, second = second, first
	}
	if err := e.locks.Acquire(first); err != nil {
		return err
	}
	defer e.locks.Release(first)
	if second != first {
		if err := e.locks.Acquire(second); err != nil {
			return err
		}
		defer e.locks.Release(second)
	}

	entry, err := e.lookup(from)
	if err != nil {
		return err
	}
	newParentID, newName, err := e.resolve(to)
	if err != nil {
		return err
	}
	if err := e.st.RenameEntry(entry.ID, newParentID, newName); err != nil {
		return err
	}
	e.emit(to, ChangeRenamed)
	return nil
}

// Unlink removes a file, moving it to the trash.
func (e *Engine) Unlink(p RelPath) error {
	if err := e.locks.Acquire(string(p)); err != nil {
		return err
	}
	defer e.locks.Release(string(p))

	entry, err := e.lookup(p)
	if err != nil {
		return err
	}
	if entry.Kind != store.KindFile {
		return vherrors.New(vherrors.CodeInvalidArgument, "unlink requires a file").WithComponent("vault")
	}
	if err := e.st.DeleteEntry(entry.ID, string(p), 0); err != nil {
		return err
	}
	e.emit(p, ChangeDeleted)
	return nil
}

// SetMode changes a file or directory's POSIX mode bits (chmod).
func (e *Engine) SetMode(p RelPath, mode uint32) error {
	if err := e.locks.Acquire(string(p)); err != nil {
		return err
	}
	defer e.locks.Release(string(p))

	entry, err := e.lookup(p)
	if err != nil {
		return err
	}
	if err := e.st.UpdateEntryMode(entry.ID, mode); err != nil {
		return err
	}
	e.emit(p, ChangeModified)
	return nil
}

// Rmdir removes an empty directory, moving it to the trash.
func (e *Engine) Rmdir(p RelPath) error {
	if err := e.locks.Acquire(string(p)); err != nil {
		return err
	}
	defer e.locks.Release(string(p))

	entry, err := e.lookup(p)
	if err != nil {
		return err
	}
	if entry.Kind != store.KindDir {
		return vherrors.New(vherrors.CodeInvalidArgument, "rmdir requires a directory").WithComponent("vault")
	}
	children, err := e.st.ListChildren(e.vault.ID, sql.NullString{String: entry.ID, Valid: true})
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return vherrors.New(vherrors.CodeInvalidArgument, "directory not empty").WithComponent("vault")
	}
	if err := e.st.DeleteEntry(entry.ID, string(p), 0); err != nil {
		return err
	}
	e.emit(p, ChangeDeleted)
	return nil
}

func writeSealedFile(path string, sealed *crypto.Sealed) error {
	if err := os.MkdirAll(parentDir(path), 0o700); err != nil {
		return err
	}
	buf := make([]byte, 0, 4+len(sealed.IV)+len(sealed.Ciphertext))
	buf = append(buf, byte(sealed.KeyVersion), byte(sealed.KeyVersion>>8), byte(sealed.KeyVersion>>16), byte(sealed.KeyVersion>>24))
	buf = append(buf, sealed.IV...)
	buf = append(buf, sealed.Ciphertext...)
	return os.WriteFile(path, buf, 0o600)
}

func readSealedFile(path string, keyVersion crypto.KeyVersion) (*crypto.Sealed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 16 {
		return nil, vherrors.New(vherrors.CodeIntegrityError, "cache file too short").WithComponent("vault")
	}
	version := crypto.KeyVersion(uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24)
	iv := raw[4:16]
	ciphertext := raw[16:]
	return &crypto.Sealed{KeyVersion: version, IV: append([]byte{}, iv...), Ciphertext: append([]byte{}, ciphertext...)}, nil
}

func parentDir(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
