package rbac

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/store"
)

func newTestResolver(t *testing.T) (*store.Store, *Resolver, *store.Vault) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := st.CreateVault("finance", 0)
	require.NoError(t, err)

	return st, NewResolver(st, v.ID), v
}

func TestAllowedViaGroupRole(t *testing.T) {
	st, r, v := newTestResolver(t)
	require.NoError(t, st.CreateRole(&store.Role{ID: "role-reader", Name: "reader", PermissionMask: uint32(BitRead)}))
	require.NoError(t, st.AssignRole(store.RoleAssignment{VaultID: v.ID, SubjectID: "eng", SubjectKind: store.SubjectGroup, RoleID: "role-reader"}))

	subject := Subject{UserID: "alice", GroupIDs: []string{"eng"}}
	ok, err := r.Allowed(subject, "/reports/q1.pdf", BitRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Allowed(subject, "/reports/q1.pdf", BitWrite)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserDenyOverridesGroupAllow(t *testing.T) {
	st, r, v := newTestResolver(t)
	require.NoError(t, st.CreateRole(&store.Role{ID: "role-writer", Name: "writer", PermissionMask: uint32(BitRead | BitWrite)}))
	require.NoError(t, st.AssignRole(store.RoleAssignment{VaultID: v.ID, SubjectID: "eng", SubjectKind: store.SubjectGroup, RoleID: "role-writer"}))
	require.NoError(t, st.CreateOverride(&store.PermissionOverride{
		VaultID: v.ID, SubjectID: "alice", SubjectKind: store.SubjectUser,
		Effect: store.EffectDeny, PathPattern: "/secrets/.*", PermissionMask: uint32(BitWrite),
	}))

	subject := Subject{UserID: "alice", GroupIDs: []string{"eng"}}

	ok, err := r.Allowed(subject, "/secrets/passwords.txt", BitWrite)
	require.NoError(t, err)
	assert.False(t, ok, "user-deny must win over the group-granted write bit")

	ok, err = r.Allowed(subject, "/public/readme.txt", BitWrite)
	require.NoError(t, err)
	assert.True(t, ok, "the deny override is scoped to /secrets only")
}

func TestUserAllowOverridesGroupDeny(t *testing.T) {
	st, r, v := newTestResolver(t)
	require.NoError(t, st.CreateRole(&store.Role{ID: "role-none", Name: "none", PermissionMask: 0}))
	require.NoError(t, st.AssignRole(store.RoleAssignment{VaultID: v.ID, SubjectID: "eng", SubjectKind: store.SubjectGroup, RoleID: "role-none"}))
	require.NoError(t, st.CreateOverride(&store.PermissionOverride{
		VaultID: v.ID, SubjectID: "eng", SubjectKind: store.SubjectGroup,
		Effect: store.EffectDeny, PathPattern: "/.*", PermissionMask: uint32(BitRead),
	}))
	require.NoError(t, st.CreateOverride(&store.PermissionOverride{
		VaultID: v.ID, SubjectID: "alice", SubjectKind: store.SubjectUser,
		Effect: store.EffectAllow, PathPattern: "/exceptions/.*", PermissionMask: uint32(BitRead),
	}))

	subject := Subject{UserID: "alice", GroupIDs: []string{"eng"}}

	ok, err := r.Allowed(subject, "/exceptions/report.pdf", BitRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Allowed(subject, "/other/report.pdf", BitRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckReturnsPermissionDeniedError(t *testing.T) {
	_, r, _ := newTestResolver(t)
	err := r.Check(Subject{UserID: "bob"}, "/anything", BitRead)
	require.Error(t, err)
}

func TestAllowedAdminChecksAdminBitmaskOnly(t *testing.T) {
	st, r, _ := newTestResolver(t)
	require.NoError(t, st.SetAdminMask("alice", "alice", uint32(AdminBitManageUsers)))

	ok, err := r.AllowedAdmin(Subject{UserID: "alice"}, AdminBitManageUsers)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AllowedAdmin(Subject{UserID: "alice"}, AdminBitManageVaults)
	require.NoError(t, err)
	assert.False(t, ok, "alice has manage-users but not manage-vaults")

	ok, err = r.AllowedAdmin(Subject{UserID: "bob"}, AdminBitManageUsers)
	require.NoError(t, err)
	assert.False(t, ok, "a user with no admin_mask row has no admin bits set")
}

func TestCheckAdminIgnoresVaultOverrides(t *testing.T) {
	st, r, v := newTestResolver(t)
	require.NoError(t, st.SetAdminMask("alice", "alice", 0))
	// A vault-wide allow override on the vault BitRead bit must not leak
	// into the admin enumeration: admin actions bypass overrides entirely.
	require.NoError(t, st.CreateOverride(&store.PermissionOverride{
		VaultID: v.ID, SubjectID: "alice", SubjectKind: store.SubjectUser,
		Effect: store.EffectAllow, PathPattern: "", PermissionMask: ^uint32(0),
	}))

	err := r.CheckAdmin(Subject{UserID: "alice"}, AdminBitManageUsers)
	require.Error(t, err, "overrides do not apply to admin actions")
}
