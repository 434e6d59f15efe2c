// Package rbac resolves effective permissions for a (subject, action, vault,
// path) tuple (spec §4.4). Admin actions authorize directly against the
// subject's admin-role bitmask with no override composition; vault actions
// combine role bitmasks with path-pattern scoped overrides, with precedence
// user-deny > user-allow > group-deny > group-allow.
package rbac

import (
	"regexp"
	"sync"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
	"github.com/vaulthalla/vaulthalla/internal/store"
)

// AdminBit is a single bit in the fixed admin-permission enumeration (spec
// §6, positions 0..9). Admin actions check only the subject's own
// admin-role bitmask (spec §4.4 step 1); overrides never apply to them.
type AdminBit uint32

const (
	AdminBitManageEncryptionKeys AdminBit = 1 << iota
	AdminBitManageAdmins
	AdminBitManageUsers
	AdminBitManageGroups
	AdminBitManageRoles
	AdminBitManageSettings
	AdminBitManageVaults
	AdminBitManageAPIKeys
	AdminBitAuditLogAccess
	AdminBitCreateVaults
)

// Bit is a single bit in the fixed vault-permission enumeration (spec §6,
// positions 0..13). Vault actions compose role masks with path-scoped
// overrides (spec §4.4 step 2).
type Bit uint32

const (
	BitManageVault Bit = 1 << iota
	BitManageAccess
	BitManageTags
	BitManageMetadata
	BitManageVersions
	BitManageFileLocks
	BitShare
	BitSync
	BitCreate
	BitDownload
	BitDelete
	BitRename
	BitMove
	BitList
)

// Coarse aliases for the FUSE adapter, whose getattr/read/write calls map
// onto a handful of the vault bits above rather than naming them directly.
const (
	BitRead    = BitDownload
	BitWrite   = BitCreate
	BitExecute = BitList
)

// Subject identifies the principal a permission check is evaluated for.
type Subject struct {
	UserID   string
	GroupIDs []string
}

// Resolver answers permission questions for one vault, backed by the
// Metadata Store's role and override tables.
type Resolver struct {
	st      *store.Store
	vaultID string

	mu    sync.RWMutex
	cache map[string]*compiledOverride
}

type compiledOverride struct {
	pattern *regexp.Regexp
	effect  store.Effect
	mask    uint32
	isUser  bool
}

// NewResolver builds a Resolver for a single vault.
func NewResolver(st *store.Store, vaultID string) *Resolver {
	return &Resolver{st: st, vaultID: vaultID, cache: make(map[string]*compiledOverride)}
}

// Allowed reports whether subject holds every bit in required for path.
func (r *Resolver) Allowed(subject Subject, path string, required Bit) (bool, error) {
	effective, err := r.effectiveMask(subject, path)
	if err != nil {
		return false, err
	}
	return effective&uint32(required) == uint32(required), nil
}

// Check is Allowed but returns a PermissionDenied VaultError instead of a
// bare bool, for direct use as a FUSE adapter guard clause.
func (r *Resolver) Check(subject Subject, path string, required Bit) error {
	ok, err := r.Allowed(subject, path, required)
	if err != nil {
		return err
	}
	if !ok {
		return vherrors.New(vherrors.CodePermissionDenied, "permission denied").
			WithComponent("rbac").WithContext("path", path)
	}
	return nil
}

// AllowedAdmin reports whether subject's stored admin-role bitmask has
// required set. Per spec §4.4 step 1, admin actions never consult vault
// roles, group roles, or permission_overrides — only this bitmask decides.
func (r *Resolver) AllowedAdmin(subject Subject, required AdminBit) (bool, error) {
	mask, err := r.st.AdminMaskForUser(subject.UserID)
	if err != nil {
		return false, err
	}
	return mask&uint32(required) == uint32(required), nil
}

// CheckAdmin is AllowedAdmin but returns a PermissionDenied VaultError.
func (r *Resolver) CheckAdmin(subject Subject, required AdminBit) error {
	ok, err := r.AllowedAdmin(subject, required)
	if err != nil {
		return err
	}
	if !ok {
		return vherrors.New(vherrors.CodePermissionDenied, "permission denied").
			WithComponent("rbac").WithContext("action", "admin")
	}
	return nil
}

// effectiveMask computes the bitmask that applies at path, combining role
// assignments with path-scoped overrides under the precedence order
// user-deny > user-allow > group-deny > group-allow (spec §4.4).
func (r *Resolver) effectiveMask(subject Subject, path string) (uint32, error) {
	userMasks, err := r.st.RolesForSubjects(r.vaultID, []string{subject.UserID}, store.SubjectUser)
	if err != nil {
		return 0, err
	}
	groupMasks, err := r.st.RolesForSubjects(r.vaultID, subject.GroupIDs, store.SubjectGroup)
	if err != nil {
		return 0, err
	}

	base := unionMasks(groupMasks) | unionMasks(userMasks)

	overrides, err := r.st.OverridesForSubjects(r.vaultID, subject.UserID, subject.GroupIDs)
	if err != nil {
		return 0, err
	}

	var userAllow, userDeny, groupAllow, groupDeny uint32
	for _, o := range overrides {
		compiled, err := r.compile(o)
		if err != nil {
			return 0, err
		}
		if !compiled.pattern.MatchString(path) {
			continue
		}

		switch {
		case compiled.isUser && compiled.effect == store.EffectAllow:
			userAllow |= compiled.mask
		case compiled.isUser && compiled.effect == store.EffectDeny:
			userDeny |= compiled.mask
		case !compiled.isUser && compiled.effect == store.EffectAllow:
			groupAllow |= compiled.mask
		case !compiled.isUser && compiled.effect == store.EffectDeny:
			groupDeny |= compiled.mask
		}
	}

	effective := base
	effective |= groupAllow
	effective &^= groupDeny
	effective |= userAllow
	effective &^= userDeny

	return effective, nil
}

func unionMasks(masks []uint32) uint32 {
	var out uint32
	for _, m := range masks {
		out |= m
	}
	return out
}

// compile caches a regex-anchored full-path-match pattern. Overrides are
// stored as plain path patterns; Vaulthalla anchors them start-to-end so
// a pattern like "/reports/.*" cannot accidentally match "/reports-old".
func (r *Resolver) compile(o *store.PermissionOverride) (*compiledOverride, error) {
	r.mu.RLock()
	if c, ok := r.cache[o.ID]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	pattern := o.PathPattern
	if pattern == "" {
		pattern = ".*" // no pattern: the override applies vault-wide
	}
	anchored := "^(?:" + pattern + ")$"
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeInvalidArgument, "invalid permission override pattern").
			WithComponent("rbac").WithDetail("pattern", o.PathPattern).WithCause(err)
	}

	compiled := &compiledOverride{
		pattern: re,
		effect:  o.Effect,
		mask:    o.PermissionMask,
		isUser:  o.SubjectKind == store.SubjectUser,
	}

	r.mu.Lock()
	r.cache[o.ID] = compiled
	r.mu.Unlock()

	return compiled, nil
}

// InvalidateCache drops every compiled override pattern, e.g. after an
// override is created or deleted.
func (r *Resolver) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*compiledOverride)
}
