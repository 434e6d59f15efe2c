package store

import (
	"database/sql"

	"github.com/google/uuid"
)

// SubjectKind distinguishes a user from a group in RBAC rows.
type SubjectKind string

const (
	SubjectUser  SubjectKind = "user"
	SubjectGroup SubjectKind = "group"
)

// Effect is the override's action: grant or revoke.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Role is a named permission bitmask assignable to a user or group within
// a vault.
type Role struct {
	ID             string
	Name           string
	PermissionMask uint32
}

// RoleAssignment binds a role to a subject within one vault.
type RoleAssignment struct {
	VaultID     string
	SubjectID   string
	SubjectKind SubjectKind
	RoleID      string
}

// PermissionOverride is a path-pattern scoped allow/deny exception that
// takes precedence over role assignments (spec §4.4 override precedence).
type PermissionOverride struct {
	ID             string
	VaultID        string
	SubjectID      string
	SubjectKind    SubjectKind
	Effect         Effect
	PathPattern    string
	PermissionMask uint32
}

// CreateRole inserts a role, generating an ID if unset.
func (s *Store) CreateRole(r *Role) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO roles(id, name, permission_mask) VALUES (?,?,?)`, r.ID, r.Name, r.PermissionMask)
	if err != nil {
		return fmtErr("store", "create_role", err)
	}
	return nil
}

// AssignRole grants a role to a subject within a vault, replacing any
// prior assignment for that (vault, subject) pair.
func (s *Store) AssignRole(a RoleAssignment) error {
	_, err := s.db.Exec(`INSERT INTO vault_role_assignments(vault_id, subject_id, subject_kind, role_id)
		VALUES (?,?,?,?)
		ON CONFLICT(vault_id, subject_id, subject_kind) DO UPDATE SET role_id = excluded.role_id`,
		a.VaultID, a.SubjectID, a.SubjectKind, a.RoleID)
	if err != nil {
		return fmtErr("store", "assign_role", err)
	}
	return nil
}

// RolesForSubjects returns the permission masks assigned to any of the
// given (subjectID, kind) pairs within a vault — a user row plus every
// group the user belongs to, as resolved by the caller.
func (s *Store) RolesForSubjects(vaultID string, subjectIDs []string, kind SubjectKind) ([]uint32, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	query := `SELECT r.permission_mask FROM vault_role_assignments vra
		JOIN roles r ON r.id = vra.role_id
		WHERE vra.vault_id = ? AND vra.subject_kind = ? AND vra.subject_id IN (` + placeholders(len(subjectIDs)) + `)`
	args := make([]interface{}, 0, len(subjectIDs)+2)
	args = append(args, vaultID, kind)
	for _, id := range subjectIDs {
		args = append(args, id)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmtErr("store", "roles_for_subjects", err)
	}
	defer rows.Close()

	var masks []uint32
	for rows.Next() {
		var mask uint32
		if err := rows.Scan(&mask); err != nil {
			return nil, fmtErr("store", "roles_for_subjects_scan", err)
		}
		masks = append(masks, mask)
	}
	return masks, rows.Err()
}

// AdminMaskForUser returns a user's stored admin-role bitmask, or 0 if the
// user has no row yet. Admin actions (spec §4.4 step 1) authorize directly
// against this bitmask and never consult vault roles or overrides.
func (s *Store) AdminMaskForUser(userID string) (uint32, error) {
	var mask uint32
	err := s.db.QueryRow(`SELECT admin_mask FROM users WHERE id = ?`, userID).Scan(&mask)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmtErr("store", "admin_mask_for_user", err)
	}
	return mask, nil
}

// SetAdminMask upserts a user's admin-role bitmask, creating the user row
// if it doesn't exist yet.
func (s *Store) SetAdminMask(userID, name string, mask uint32) error {
	_, err := s.db.Exec(`INSERT INTO users(id, name, admin_mask) VALUES (?,?,?)
		ON CONFLICT(id) DO UPDATE SET admin_mask = excluded.admin_mask`, userID, name, mask)
	if err != nil {
		return fmtErr("store", "set_admin_mask", err)
	}
	return nil
}

// GroupsForUser returns the group IDs a user belongs to, for building an
// rbac.Subject from a resolved user (e.g. at daemon startup, from the
// user_id an API key maps to).
func (s *Store) GroupsForUser(userID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT group_id FROM user_groups WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmtErr("store", "groups_for_user", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmtErr("store", "groups_for_user_scan", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// OverridesForSubjects returns every permission override scoped to the
// given subjects within a vault, for path-pattern matching by the caller.
func (s *Store) OverridesForSubjects(vaultID string, userID string, groupIDs []string) ([]*PermissionOverride, error) {
	ids := append([]string{userID}, groupIDs...)
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, vault_id, subject_id, subject_kind, effect, path_pattern, permission_mask
		FROM permission_overrides WHERE vault_id = ? AND subject_id IN (` + placeholders(len(ids)) + `)`
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, vaultID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmtErr("store", "overrides_for_subjects", err)
	}
	defer rows.Close()

	var out []*PermissionOverride
	for rows.Next() {
		var o PermissionOverride
		if err := rows.Scan(&o.ID, &o.VaultID, &o.SubjectID, &o.SubjectKind, &o.Effect, &o.PathPattern, &o.PermissionMask); err != nil {
			return nil, fmtErr("store", "overrides_for_subjects_scan", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// CreateOverride inserts a permission override.
func (s *Store) CreateOverride(o *PermissionOverride) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO permission_overrides(id, vault_id, subject_id, subject_kind, effect, path_pattern, permission_mask)
		VALUES (?,?,?,?,?,?,?)`, o.ID, o.VaultID, o.SubjectID, o.SubjectKind, o.Effect, o.PathPattern, o.PermissionMask)
	if err != nil {
		return fmtErr("store", "create_override", err)
	}
	return nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
