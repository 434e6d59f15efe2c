// Package vault implements the Vault Storage Engine: the seven core
// filesystem operations, content-addressed backing-path naming, AEAD
// encryption wiring, and the per-path locking that keeps concurrent
// operations on the same file from racing (spec §4.2).
package vault

import (
	"encoding/base32"
	"path"
	"strings"

	"github.com/google/uuid"
)

var aliasEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// RelPath is a vault-relative path, always starting with "/" and using
// forward slashes regardless of host OS (spec §6: FUSE paths and backing
// paths are kept in two distinct namespaces).
type RelPath string

// Clean normalizes a path the way the FUSE layer hands it to the engine:
// absolute, slash-separated, no trailing slash except for the root.
func Clean(p string) RelPath {
	cleaned := path.Clean("/" + p)
	return RelPath(cleaned)
}

// FusePath returns the path as FUSE callers see it.
func (p RelPath) FusePath() string { return string(p) }

// Base returns the final path component.
func (p RelPath) Base() string { return path.Base(string(p)) }

// Dir returns the parent RelPath.
func (p RelPath) Dir() RelPath { return RelPath(path.Dir(string(p))) }

// Join appends a child name.
func (p RelPath) Join(name string) RelPath {
	return RelPath(path.Join(string(p), name))
}

// NewBackingAlias mints an opaque, filesystem-safe name for a file's
// on-disk cache path and remote object key. The alias is generated once
// at creation and never derived from the current path, so it stays
// stable across renames (spec §4.2: "renames never touch backing
// storage").
func NewBackingAlias() string {
	id := uuid.New()
	return strings.ToLower(aliasEncoding.EncodeToString(id[:]))
}

// BackingPath returns the local cache file path for a backing alias,
// sharded two levels deep to keep any one cache directory from growing
// unbounded.
func BackingPath(cacheDir, alias string) string {
	if len(alias) < 4 {
		return path.Join(cacheDir, alias)
	}
	return path.Join(cacheDir, alias[0:2], alias[2:4], alias)
}

// ObjectKey returns the remote S3 key for a backing alias under a vault's
// configured remote prefix.
func ObjectKey(remotePrefix, alias string) string {
	return path.Join(remotePrefix, alias[0:2], alias[2:4], alias)
}
