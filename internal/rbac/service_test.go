package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

const (
	testOrgID   = int64(1)
	testActorID = int64(99)
	testUserID  = int64(7)
)

type closureKey struct {
	ancestor, descendant int64
}

type snapshotRow struct {
	payload []byte
	at      time.Time
}

// memRBACRepo implements Repository and TxRepository in memory.
type memRBACRepo struct {
	roles       map[int64]*Role
	closure     map[closureKey]int
	perms       map[int64]*Permission
	rolePerms   map[int64]map[int64]bool
	assignments []*RoleAssignment
	grants      []*UserGrant
	snapshots   map[int64]snapshotRow
	audits      []shared.AuditLog
	nextID      int64
	inheritErr  error
}

func newMemRBACRepo() *memRBACRepo {
	return &memRBACRepo{
		roles:     map[int64]*Role{},
		closure:   map[closureKey]int{},
		perms:     map[int64]*Permission{},
		rolePerms: map[int64]map[int64]bool{},
		snapshots: map[int64]snapshotRow{},
	}
}

func (m *memRBACRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memRBACRepo) InsertRole(_ context.Context, role *Role) error {
	m.nextID++
	role.ID = m.nextID
	clone := *role
	m.roles[role.ID] = &clone
	return nil
}

func (m *memRBACRepo) UpdateRoleParent(_ context.Context, roleID int64, parentID *int64, at time.Time) error {
	role, ok := m.roles[roleID]
	if !ok {
		return shared.ErrNotFound
	}
	role.ParentID = parentID
	role.UpdatedAt = at
	return nil
}

func (m *memRBACRepo) InsertClosureRows(_ context.Context, rows []ClosureRow) error {
	for _, row := range rows {
		m.closure[closureKey{row.AncestorID, row.DescendantID}] = row.Depth
	}
	return nil
}

func (m *memRBACRepo) DeleteClosureForSubtree(_ context.Context, roleID int64) error {
	subtree := map[int64]bool{}
	for key := range m.closure {
		if key.ancestor == roleID {
			subtree[key.descendant] = true
		}
	}
	for key := range m.closure {
		if subtree[key.descendant] && !subtree[key.ancestor] {
			delete(m.closure, key)
		}
	}
	return nil
}

func (m *memRBACRepo) ListAncestors(_ context.Context, roleID int64) ([]ClosureRow, error) {
	var rows []ClosureRow
	for key, depth := range m.closure {
		if key.descendant == roleID {
			rows = append(rows, ClosureRow{AncestorID: key.ancestor, DescendantID: roleID, Depth: depth})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Depth < rows[j].Depth })
	return rows, nil
}

func (m *memRBACRepo) ListDescendants(_ context.Context, roleID int64) ([]ClosureRow, error) {
	var rows []ClosureRow
	for key, depth := range m.closure {
		if key.ancestor == roleID {
			rows = append(rows, ClosureRow{AncestorID: roleID, DescendantID: key.descendant, Depth: depth})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Depth < rows[j].Depth })
	return rows, nil
}

func (m *memRBACRepo) IsDescendant(_ context.Context, ancestorID, descendantID int64) (bool, error) {
	_, ok := m.closure[closureKey{ancestorID, descendantID}]
	return ok, nil
}

func (m *memRBACRepo) ListRolePermissionIDs(_ context.Context, roleID int64) ([]int64, error) {
	var ids []int64
	for id := range m.rolePerms[roleID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memRBACRepo) InsertRolePermissions(_ context.Context, roleID int64, permissionIDs []int64) error {
	if m.rolePerms[roleID] == nil {
		m.rolePerms[roleID] = map[int64]bool{}
	}
	for _, id := range permissionIDs {
		m.rolePerms[roleID][id] = true
	}
	return nil
}

func (m *memRBACRepo) DeleteRolePermissions(_ context.Context, roleID int64, permissionIDs []int64) error {
	for _, id := range permissionIDs {
		delete(m.rolePerms[roleID], id)
	}
	return nil
}

func (m *memRBACRepo) InsertAssignment(_ context.Context, a *RoleAssignment) error {
	for _, existing := range m.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.RevokedAt == nil {
			return shared.ErrConflict
		}
	}
	m.nextID++
	a.ID = m.nextID
	clone := *a
	m.assignments = append(m.assignments, &clone)
	return nil
}

func (m *memRBACRepo) RecordAudit(_ context.Context, log shared.AuditLog) error {
	m.audits = append(m.audits, log)
	return nil
}

func (m *memRBACRepo) GetRole(_ context.Context, id int64) (*Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *role
	return &clone, nil
}

func (m *memRBACRepo) FindRoleByName(_ context.Context, orgID int64, name string) (*Role, error) {
	for _, role := range m.roles {
		if role.OrganizationID == orgID && role.Name == name {
			clone := *role
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memRBACRepo) ListRoles(_ context.Context, orgID int64, _ shared.Pagination) ([]Role, error) {
	var out []Role
	for _, role := range m.roles {
		if role.OrganizationID == orgID {
			out = append(out, *role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRBACRepo) UpdateRole(_ context.Context, id int64, name, description string, at time.Time) error {
	role, ok := m.roles[id]
	if !ok {
		return shared.ErrNotFound
	}
	role.Name = name
	role.Description = description
	role.UpdatedAt = at
	return nil
}

func (m *memRBACRepo) SetRoleState(_ context.Context, id int64, state string, at time.Time) (bool, error) {
	role, ok := m.roles[id]
	if !ok {
		return false, shared.ErrNotFound
	}
	if role.State == state {
		return false, nil
	}
	role.State = state
	role.UpdatedAt = at
	return true, nil
}

func (m *memRBACRepo) GetPermission(_ context.Context, id int64) (*Permission, error) {
	perm, ok := m.perms[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *perm
	return &clone, nil
}

func (m *memRBACRepo) FindPermission(_ context.Context, resource, action string) (*Permission, error) {
	for _, perm := range m.perms {
		if perm.Resource == resource && perm.Action == action {
			clone := *perm
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memRBACRepo) ListPermissions(_ context.Context, _ shared.Pagination) ([]Permission, error) {
	var out []Permission
	for _, perm := range m.perms {
		out = append(out, *perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRBACRepo) CreatePermission(_ context.Context, perm *Permission) error {
	m.nextID++
	perm.ID = m.nextID
	clone := *perm
	m.perms[perm.ID] = &clone
	return nil
}

func (m *memRBACRepo) GetAssignment(_ context.Context, userID, roleID int64) (*RoleAssignment, error) {
	for _, a := range m.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.RevokedAt == nil {
			clone := *a
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memRBACRepo) CountActiveAssignments(_ context.Context, userID int64, now time.Time) (int, error) {
	count := 0
	for _, a := range m.assignments {
		if a.UserID == userID && a.ActiveAt(now) {
			count++
		}
	}
	return count, nil
}

func (m *memRBACRepo) RevokeAssignment(_ context.Context, userID, roleID int64, at time.Time) (bool, error) {
	for _, a := range m.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.RevokedAt == nil {
			a.RevokedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *memRBACRepo) ListActiveAssignments(_ context.Context, userID int64, now time.Time) ([]RoleAssignment, error) {
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.UserID == userID && a.ActiveAt(now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRBACRepo) InsertUserGrant(_ context.Context, g *UserGrant) error {
	m.nextID++
	g.ID = m.nextID
	clone := *g
	m.grants = append(m.grants, &clone)
	return nil
}

func (m *memRBACRepo) RevokeUserGrant(_ context.Context, userID, permissionID int64, at time.Time) (bool, error) {
	for _, g := range m.grants {
		if g.UserID == userID && g.PermissionID == permissionID && g.RevokedAt == nil {
			g.RevokedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *memRBACRepo) ListInheritedPermissions(_ context.Context, userID int64, now time.Time) ([]EffectivePermission, error) {
	if m.inheritErr != nil {
		return nil, m.inheritErr
	}
	var active []*RoleAssignment
	for _, a := range m.assignments {
		if a.UserID == userID && a.ActiveAt(now) {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })

	var out []EffectivePermission
	for _, a := range active {
		role := m.roles[a.RoleID]
		if role == nil || !role.Active() {
			continue
		}
		ancestors, _ := m.ListAncestors(context.Background(), a.RoleID)
		for _, anc := range ancestors {
			src := m.roles[anc.AncestorID]
			if src == nil || !src.Active() {
				continue
			}
			ids, _ := m.ListRolePermissionIDs(context.Background(), src.ID)
			for _, id := range ids {
				perm := m.perms[id]
				if perm == nil || perm.State != StateActive {
					continue
				}
				out = append(out, EffectivePermission{
					Resource: perm.Resource,
					Action:   perm.Action,
					Module:   perm.Module,
					Source:   src.Name,
				})
			}
		}
	}
	return out, nil
}

func (m *memRBACRepo) ListDirectPermissions(_ context.Context, userID int64, now time.Time) ([]EffectivePermission, error) {
	var out []EffectivePermission
	for _, g := range m.grants {
		if g.UserID != userID || g.RevokedAt != nil {
			continue
		}
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			continue
		}
		perm := m.perms[g.PermissionID]
		if perm == nil || perm.State != StateActive {
			continue
		}
		out = append(out, EffectivePermission{
			Resource:  perm.Resource,
			Action:    perm.Action,
			Module:    perm.Module,
			Source:    SourceDirect,
			Direct:    true,
			Condition: g.Condition,
		})
	}
	return out, nil
}

func (m *memRBACRepo) ListAffectedUserIDs(_ context.Context, roleID int64) ([]int64, error) {
	subtree := map[int64]bool{}
	for key := range m.closure {
		if key.ancestor == roleID {
			subtree[key.descendant] = true
		}
	}
	seen := map[int64]bool{}
	var out []int64
	for _, a := range m.assignments {
		if a.RevokedAt == nil && subtree[a.RoleID] && !seen[a.UserID] {
			seen[a.UserID] = true
			out = append(out, a.UserID)
		}
	}
	return out, nil
}

func (m *memRBACRepo) UpsertPermissionSnapshot(_ context.Context, userID int64, payload []byte, at time.Time) error {
	m.snapshots[userID] = snapshotRow{payload: append([]byte(nil), payload...), at: at}
	return nil
}

func (m *memRBACRepo) GetPermissionSnapshot(_ context.Context, userID int64) ([]byte, time.Time, error) {
	row, ok := m.snapshots[userID]
	if !ok {
		return nil, time.Time{}, shared.ErrNotFound
	}
	return row.payload, row.at, nil
}

func (m *memRBACRepo) DeleteStaleSnapshots(_ context.Context, before time.Time) (int64, error) {
	var deleted int64
	for userID, row := range m.snapshots {
		if row.at.Before(before) {
			delete(m.snapshots, userID)
			deleted++
		}
	}
	return deleted, nil
}

var _ Repository = (*memRBACRepo)(nil)

func newTestEngine(t *testing.T, cache *Cache) (*Service, *memRBACRepo) {
	t.Helper()
	repo := newMemRBACRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, cache, nil, nil, logger, Config{})
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return svc, repo
}

func mustCreateRole(t *testing.T, svc *Service, name string, parentID *int64) *Role {
	t.Helper()
	role, err := svc.CreateRole(context.Background(), testActorID, CreateRoleInput{
		OrganizationID: testOrgID,
		Name:           name,
		ParentID:       parentID,
	})
	require.NoError(t, err)
	return role
}

func mustCreatePermission(t *testing.T, repo *memRBACRepo, resource, action string) *Permission {
	t.Helper()
	perm := &Permission{Resource: resource, Action: action, Module: "finance", State: StateActive}
	require.NoError(t, repo.CreatePermission(context.Background(), perm))
	return perm
}

func depthOf(t *testing.T, repo *memRBACRepo, ancestorID, descendantID int64) int {
	t.Helper()
	depth, ok := repo.closure[closureKey{ancestorID, descendantID}]
	require.True(t, ok, "closure row (%d,%d) missing", ancestorID, descendantID)
	return depth
}

func TestCreateRoleMaterializesClosure(t *testing.T) {
	svc, repo := newTestEngine(t, nil)

	root := mustCreateRole(t, svc, "base", nil)
	mid := mustCreateRole(t, svc, "accountant", &root.ID)
	leaf := mustCreateRole(t, svc, "junior-accountant", &mid.ID)

	assert.Equal(t, 0, depthOf(t, repo, root.ID, root.ID))
	assert.Equal(t, 0, depthOf(t, repo, mid.ID, mid.ID))
	assert.Equal(t, 1, depthOf(t, repo, root.ID, mid.ID))
	assert.Equal(t, 0, depthOf(t, repo, leaf.ID, leaf.ID))
	assert.Equal(t, 1, depthOf(t, repo, mid.ID, leaf.ID))
	assert.Equal(t, 2, depthOf(t, repo, root.ID, leaf.ID))
}

func TestCreateRoleRejectsInactiveParent(t *testing.T) {
	svc, _ := newTestEngine(t, nil)
	ctx := context.Background()

	parent := mustCreateRole(t, svc, "base", nil)
	require.NoError(t, svc.DeleteRole(ctx, testActorID, parent.ID))

	_, err := svc.CreateRole(ctx, testActorID, CreateRoleInput{
		OrganizationID: testOrgID,
		Name:           "orphan",
		ParentID:       &parent.ID,
	})
	require.ErrorIs(t, err, shared.ErrBadRequest)
}

func TestReparentRejectsCycles(t *testing.T) {
	svc, _ := newTestEngine(t, nil)
	ctx := context.Background()

	a := mustCreateRole(t, svc, "a", nil)
	b := mustCreateRole(t, svc, "b", &a.ID)
	c := mustCreateRole(t, svc, "c", &b.ID)

	// Moving a under its own descendant would close a cycle.
	require.ErrorIs(t, svc.ReparentRole(ctx, testActorID, a.ID, &c.ID), shared.ErrBadRequest)
	require.ErrorIs(t, svc.ReparentRole(ctx, testActorID, a.ID, &b.ID), shared.ErrBadRequest)
	require.ErrorIs(t, svc.ReparentRole(ctx, testActorID, a.ID, &a.ID), shared.ErrBadRequest)
}

func TestReparentRebuildsSubtreeClosure(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	a := mustCreateRole(t, svc, "a", nil)
	b := mustCreateRole(t, svc, "b", &a.ID)
	c := mustCreateRole(t, svc, "c", &b.ID)
	d := mustCreateRole(t, svc, "d", nil)

	require.NoError(t, svc.ReparentRole(ctx, testActorID, b.ID, &d.ID))

	assert.Equal(t, 1, depthOf(t, repo, d.ID, b.ID))
	assert.Equal(t, 2, depthOf(t, repo, d.ID, c.ID))
	assert.Equal(t, 1, depthOf(t, repo, b.ID, c.ID))
	assert.Equal(t, 0, depthOf(t, repo, b.ID, b.ID))
	assert.Equal(t, 0, depthOf(t, repo, c.ID, c.ID))

	_, hasOldEdge := repo.closure[closureKey{a.ID, b.ID}]
	assert.False(t, hasOldEdge, "old ancestry must be removed")
	_, hasOldEdge = repo.closure[closureKey{a.ID, c.ID}]
	assert.False(t, hasOldEdge, "old ancestry must be removed for the whole subtree")

	moved, err := svc.GetRole(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, d.ID, *moved.ParentID)
}

func TestReparentToRootDetachesSubtree(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	a := mustCreateRole(t, svc, "a", nil)
	b := mustCreateRole(t, svc, "b", &a.ID)

	require.NoError(t, svc.ReparentRole(ctx, testActorID, b.ID, nil))

	_, hasOldEdge := repo.closure[closureKey{a.ID, b.ID}]
	assert.False(t, hasOldEdge)
	assert.Equal(t, 0, depthOf(t, repo, b.ID, b.ID))

	moved, err := svc.GetRole(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID)
}

func TestLastRoleCannotBeRevoked(t *testing.T) {
	svc, _ := newTestEngine(t, nil)
	ctx := context.Background()

	first := mustCreateRole(t, svc, "base", nil)
	second := mustCreateRole(t, svc, "auditor", nil)

	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, first.ID, nil))
	require.ErrorIs(t, svc.RevokeRoleFromUser(ctx, testActorID, testUserID, first.ID), shared.ErrConflict)

	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, second.ID, nil))
	require.NoError(t, svc.RevokeRoleFromUser(ctx, testActorID, testUserID, first.ID))

	// Back down to one role: the invariant re-arms.
	require.ErrorIs(t, svc.RevokeRoleFromUser(ctx, testActorID, testUserID, second.ID), shared.ErrConflict)
}

func TestAssignRoleRejectsDuplicatesAndInactive(t *testing.T) {
	svc, _ := newTestEngine(t, nil)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "base", nil)
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, nil))
	require.ErrorIs(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, nil), shared.ErrConflict)

	disabled := mustCreateRole(t, svc, "retired", nil)
	require.NoError(t, svc.DeleteRole(ctx, testActorID, disabled.ID))
	require.ErrorIs(t, svc.AssignRoleToUser(ctx, testActorID, 8, disabled.ID, nil), shared.ErrBadRequest)
}

func TestBulkAssignSkipsExistingHolders(t *testing.T) {
	svc, _ := newTestEngine(t, nil)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "base", nil)
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, nil))

	assigned, err := svc.BulkAssignRoles(ctx, testActorID, []int64{testUserID, 8, 9}, role.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, assigned)
}

func TestEffectivePermissionsInheritAncestorGrants(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	base := mustCreateRole(t, svc, "base", nil)
	accountant := mustCreateRole(t, svc, "accountant", &base.ID)
	read := mustCreatePermission(t, repo, "invoices", "read")
	post := mustCreatePermission(t, repo, "journal", "post")

	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, base.ID, []int64{read.ID}))
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, accountant.ID, []int64{post.ID}))
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, accountant.ID, nil))

	perms, err := svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, perms, 2)

	bySource := map[string]string{}
	for _, p := range perms {
		bySource[p.Key()] = p.Source
		assert.False(t, p.Direct)
	}
	assert.Equal(t, "accountant", bySource["journal:post"])
	assert.Equal(t, "base", bySource["invoices:read"])
}

func TestDisabledRoleStopsContributing(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	base := mustCreateRole(t, svc, "base", nil)
	read := mustCreatePermission(t, repo, "invoices", "read")
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, base.ID, []int64{read.ID}))
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, base.ID, nil))

	require.NoError(t, svc.DeleteRole(ctx, testActorID, base.ID))
	perms, err := svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	assert.Empty(t, perms)

	// Disable is idempotent only in effect, not as an operation.
	require.ErrorIs(t, svc.DeleteRole(ctx, testActorID, base.ID), shared.ErrConflict)

	require.NoError(t, svc.RestoreRole(ctx, testActorID, base.ID))
	perms, err = svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	assert.Len(t, perms, 1)
}

func TestSystemRolesAreImmutable(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "owner", nil)
	repo.roles[role.ID].IsSystem = true

	_, err := svc.UpdateRole(ctx, testActorID, role.ID, "renamed", "")
	require.ErrorIs(t, err, shared.ErrForbidden)
	require.ErrorIs(t, svc.DeleteRole(ctx, testActorID, role.ID), shared.ErrForbidden)
	require.ErrorIs(t, svc.ReparentRole(ctx, testActorID, role.ID, nil), shared.ErrForbidden)
}

func TestUpdateRolePermissionsWritesDelta(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "base", nil)
	p1 := mustCreatePermission(t, repo, "invoices", "read")
	p2 := mustCreatePermission(t, repo, "invoices", "create")
	p3 := mustCreatePermission(t, repo, "reports", "read")

	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{p1.ID, p2.ID}))
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{p2.ID, p3.ID}))

	ids, err := repo.ListRolePermissionIDs(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{p2.ID, p3.ID}, ids)

	last := repo.audits[len(repo.audits)-1]
	assert.Equal(t, shared.AuditRoleUpdated, last.Action)
	assert.Equal(t, 1, last.Meta["permissions_added"])
	assert.Equal(t, 1, last.Meta["permissions_removed"])

	_, err = repo.GetPermission(ctx, 9999)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.ErrorIs(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{9999}), shared.ErrNotFound)
}

func TestWildcardActionMatches(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "admin", nil)
	wildcard := mustCreatePermission(t, repo, "invoices", WildcardAction)
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{wildcard.ID}))
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, nil))

	allowed, err := svc.CheckPermission(ctx, testUserID, "invoices", "delete")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = svc.CheckPermission(ctx, testUserID, "reports", "read")
	require.NoError(t, err)
	assert.False(t, allowed, "wildcard must not leak across resources")
}

func TestRoleGrantShadowsConditionedDirectGrant(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "base", nil)
	read := mustCreatePermission(t, repo, "invoices", "read")
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{read.ID}))
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, nil))

	condition := ConditionOwnRecord
	require.NoError(t, svc.AssignPermissionToUser(ctx, testActorID, testUserID, read.ID, &condition, nil))

	perms, err := svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.False(t, perms[0].Direct, "role grants win the dedup and drop the condition")

	// The unconditioned entry passes any context.
	allowed, err := svc.CheckPermissionWithContext(ctx, testUserID, "invoices", "read", AccessContext{UserID: testUserID})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestConditionsOnDirectGrants(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()
	read := mustCreatePermission(t, repo, "invoices", "read")

	cases := []struct {
		name      string
		condition string
		allow     AccessContext
		deny      AccessContext
	}{
		{
			name:      "own organization",
			condition: ConditionOwnOrganization,
			allow:     AccessContext{OrganizationID: 1, ResourceOrgID: 1},
			deny:      AccessContext{OrganizationID: 1, ResourceOrgID: 2},
		},
		{
			name:      "own record",
			condition: ConditionOwnRecord,
			allow:     AccessContext{UserID: testUserID, ResourceOwnerID: testUserID},
			deny:      AccessContext{UserID: testUserID, ResourceOwnerID: 8},
		},
		{
			name:      "department",
			condition: ConditionDepartment,
			allow:     AccessContext{Department: "finance", ResourceDepartment: "finance"},
			deny:      AccessContext{Department: "finance", ResourceDepartment: "sales"},
		},
		{
			name:      "custom",
			condition: ConditionCustom,
			allow:     AccessContext{Attributes: map[string]string{"custom": "granted"}},
			deny:      AccessContext{},
		},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			userID := int64(100 + i)
			require.NoError(t, svc.AssignPermissionToUser(ctx, testActorID, userID, read.ID, &tc.condition, nil))

			allowed, err := svc.CheckPermissionWithContext(ctx, userID, "invoices", "read", tc.allow)
			require.NoError(t, err)
			assert.True(t, allowed)

			allowed, err = svc.CheckPermissionWithContext(ctx, userID, "invoices", "read", tc.deny)
			require.NoError(t, err)
			assert.False(t, allowed)
		})
	}
}

func TestUnknownConditionKindRejected(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()
	read := mustCreatePermission(t, repo, "invoices", "read")

	bogus := "MOON_PHASE"
	require.ErrorIs(t,
		svc.AssignPermissionToUser(ctx, testActorID, testUserID, read.ID, &bogus, nil),
		shared.ErrBadRequest)

	// A kind smuggled into storage still denies at evaluation time.
	require.NoError(t, repo.InsertUserGrant(ctx, &UserGrant{
		UserID: testUserID, PermissionID: read.ID, Condition: &bogus, GrantedBy: testActorID,
	}))
	_, err := svc.CheckPermissionWithContext(ctx, testUserID, "invoices", "read", AccessContext{})
	require.ErrorIs(t, err, shared.ErrBadRequest)
}

func TestExpiredAssignmentsAndGrantsIgnored(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "base", nil)
	read := mustCreatePermission(t, repo, "invoices", "read")
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{read.ID}))

	expired := svc.now().Add(-time.Hour)
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, &expired))

	perms, err := svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	assert.Empty(t, perms)

	count, err := repo.CountActiveAssignments(ctx, testUserID, svc.now())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDirectGrantRevocation(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()
	read := mustCreatePermission(t, repo, "invoices", "read")

	require.NoError(t, svc.AssignPermissionToUser(ctx, testActorID, testUserID, read.ID, nil, nil))
	allowed, err := svc.CheckPermission(ctx, testUserID, "invoices", "read")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, svc.RevokePermissionFromUser(ctx, testActorID, testUserID, read.ID))
	allowed, err = svc.CheckPermission(ctx, testUserID, "invoices", "read")
	require.NoError(t, err)
	assert.False(t, allowed)

	require.ErrorIs(t, svc.RevokePermissionFromUser(ctx, testActorID, testUserID, read.ID), shared.ErrNotFound)
}

func TestSnapshotFallbackServesRecentCopy(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()

	role := mustCreateRole(t, svc, "base", nil)
	read := mustCreatePermission(t, repo, "invoices", "read")
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{read.ID}))
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, nil))

	// Warm the durable snapshot with one live computation.
	perms, err := svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, perms, 1)

	repo.inheritErr = errors.New("storage down")
	perms, err = svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err, "recent snapshot must absorb the outage")
	require.Len(t, perms, 1)
	assert.Equal(t, "invoices", perms[0].Resource)

	// Beyond the snapshot TTL the failure surfaces.
	base := svc.now()
	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = svc.EffectivePermissions(ctx, testUserID)
	require.Error(t, err)
}

func TestEffectivePermissionsServedFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc, repo := newTestEngine(t, NewCache(client, time.Minute))
	ctx := context.Background()

	role := mustCreateRole(t, svc, "base", nil)
	read := mustCreatePermission(t, repo, "invoices", "read")
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{read.ID}))
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, nil))

	perms, err := svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, perms, 1)

	// A stale cache entry keeps serving until something invalidates it.
	repo.rolePerms[role.ID] = map[int64]bool{}
	perms, err = svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	assert.Len(t, perms, 1)

	svc.InvalidateUserPermissions(ctx, testUserID)
	perms, err = svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestRoleMutationsInvalidateMemberCaches(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc, repo := newTestEngine(t, NewCache(client, time.Minute))
	ctx := context.Background()

	base := mustCreateRole(t, svc, "base", nil)
	accountant := mustCreateRole(t, svc, "accountant", &base.ID)
	read := mustCreatePermission(t, repo, "invoices", "read")
	post := mustCreatePermission(t, repo, "journal", "post")
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, accountant.ID, []int64{read.ID}))
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, accountant.ID, nil))

	perms, err := svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, perms, 1)

	// Changing an ancestor's grants must evict the member's cached set.
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, base.ID, []int64{post.ID}))
	perms, err = svc.EffectivePermissions(ctx, testUserID)
	require.NoError(t, err)
	assert.Len(t, perms, 2)
}

type stubSweeper struct {
	roleIDs []int64
	err     error
}

func (s *stubSweeper) EnqueueRoleSweep(_ context.Context, roleID int64) error {
	if s.err != nil {
		return s.err
	}
	s.roleIDs = append(s.roleIDs, roleID)
	return nil
}

func TestLargeRoleMutationsDeferToCacheSweep(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()
	sweeper := &stubSweeper{}
	svc.SetSweeper(sweeper)

	role := mustCreateRole(t, svc, "staff", nil)
	read := mustCreatePermission(t, repo, "invoices", "read")

	users := make([]int64, 0, sweepInlineLimit+1)
	for i := 0; i <= sweepInlineLimit; i++ {
		users = append(users, int64(1000+i))
	}
	assigned, err := svc.BulkAssignRoles(ctx, testActorID, users, role.ID)
	require.NoError(t, err)
	require.Equal(t, len(users), assigned)
	require.Equal(t, []int64{role.ID}, sweeper.roleIDs)

	// Grant changes on a heavily-populated role defer too.
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{read.ID}))
	assert.Equal(t, []int64{role.ID, role.ID}, sweeper.roleIDs)

	// The sweep landing point invalidates inline and never re-enqueues.
	svc.InvalidateRoleMembers(ctx, role.ID)
	assert.Len(t, sweeper.roleIDs, 2)
}

func TestSmallRoleMutationsStayInline(t *testing.T) {
	svc, repo := newTestEngine(t, nil)
	ctx := context.Background()
	sweeper := &stubSweeper{}
	svc.SetSweeper(sweeper)

	role := mustCreateRole(t, svc, "staff", nil)
	read := mustCreatePermission(t, repo, "invoices", "read")
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, role.ID, nil))
	require.NoError(t, svc.UpdateRolePermissions(ctx, testActorID, role.ID, []int64{read.ID}))

	assigned, err := svc.BulkAssignRoles(ctx, testActorID, []int64{2001, 2002}, role.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, assigned)
	assert.Empty(t, sweeper.roleIDs)
}

func TestCacheSweepEnqueueFailureFallsBackInline(t *testing.T) {
	svc, _ := newTestEngine(t, nil)
	ctx := context.Background()
	sweeper := &stubSweeper{err: errors.New("queue down")}
	svc.SetSweeper(sweeper)

	role := mustCreateRole(t, svc, "staff", nil)
	users := make([]int64, 0, sweepInlineLimit+1)
	for i := 0; i <= sweepInlineLimit; i++ {
		users = append(users, int64(3000+i))
	}
	assigned, err := svc.BulkAssignRoles(ctx, testActorID, users, role.ID)
	require.NoError(t, err)
	assert.Equal(t, len(users), assigned)
	assert.Empty(t, sweeper.roleIDs)
}

func TestGetUserRoles(t *testing.T) {
	svc, _ := newTestEngine(t, nil)
	ctx := context.Background()

	first := mustCreateRole(t, svc, "base", nil)
	second := mustCreateRole(t, svc, "auditor", nil)
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, first.ID, nil))
	require.NoError(t, svc.AssignRoleToUser(ctx, testActorID, testUserID, second.ID, nil))

	roles, err := svc.GetUserRoles(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "base", roles[0].Name)
	assert.Equal(t, "auditor", roles[1].Name)
}
