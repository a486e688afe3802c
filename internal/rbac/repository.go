package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerlane/ledgerlane-auth/internal/platform/db"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// TxRepository exposes the mutations that must commit atomically: role and
// closure maintenance, grant deltas and the audit event describing them.
type TxRepository interface {
	InsertRole(ctx context.Context, role *Role) error
	UpdateRoleParent(ctx context.Context, roleID int64, parentID *int64, at time.Time) error
	InsertClosureRows(ctx context.Context, rows []ClosureRow) error
	DeleteClosureForSubtree(ctx context.Context, roleID int64) error
	ListAncestors(ctx context.Context, roleID int64) ([]ClosureRow, error)
	ListDescendants(ctx context.Context, roleID int64) ([]ClosureRow, error)
	IsDescendant(ctx context.Context, ancestorID, descendantID int64) (bool, error)
	ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	InsertRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	DeleteRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	InsertAssignment(ctx context.Context, a *RoleAssignment) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Repository provides PostgreSQL backed persistence for roles, permissions,
// assignments and the durable permission snapshot table.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetRole(ctx context.Context, id int64) (*Role, error)
	FindRoleByName(ctx context.Context, orgID int64, name string) (*Role, error)
	ListRoles(ctx context.Context, orgID int64, p shared.Pagination) ([]Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string, at time.Time) error
	SetRoleState(ctx context.Context, id int64, state string, at time.Time) (bool, error)
	IsDescendant(ctx context.Context, ancestorID, descendantID int64) (bool, error)

	GetPermission(ctx context.Context, id int64) (*Permission, error)
	FindPermission(ctx context.Context, resource, action string) (*Permission, error)
	ListPermissions(ctx context.Context, p shared.Pagination) ([]Permission, error)
	CreatePermission(ctx context.Context, perm *Permission) error

	GetAssignment(ctx context.Context, userID, roleID int64) (*RoleAssignment, error)
	CountActiveAssignments(ctx context.Context, userID int64, now time.Time) (int, error)
	RevokeAssignment(ctx context.Context, userID, roleID int64, at time.Time) (bool, error)
	ListActiveAssignments(ctx context.Context, userID int64, now time.Time) ([]RoleAssignment, error)

	InsertUserGrant(ctx context.Context, g *UserGrant) error
	RevokeUserGrant(ctx context.Context, userID, permissionID int64, at time.Time) (bool, error)

	ListInheritedPermissions(ctx context.Context, userID int64, now time.Time) ([]EffectivePermission, error)
	ListDirectPermissions(ctx context.Context, userID int64, now time.Time) ([]EffectivePermission, error)
	ListAffectedUserIDs(ctx context.Context, roleID int64) ([]int64, error)

	UpsertPermissionSnapshot(ctx context.Context, userID int64, payload []byte, at time.Time) error
	GetPermissionSnapshot(ctx context.Context, userID int64) ([]byte, time.Time, error)
	DeleteStaleSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// PGRepository implements Repository on a pgx pool.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn inside a RepeatableRead transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const roleColumns = `id, organization_id, name, COALESCE(description, ''), parent_id,
	is_system, state, created_at, updated_at`

// GetRole fetches a role by primary key.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (*Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

// FindRoleByName looks a role up by its unique (organization, name) pair.
func (r *PGRepository) FindRoleByName(ctx context.Context, orgID int64, name string) (*Role, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE organization_id = $1 AND name = $2`, orgID, name)
	return scanRole(row)
}

// ListRoles pages through an organization's roles, active first.
func (r *PGRepository) ListRoles(ctx context.Context, orgID int64, p shared.Pagination) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roleColumns+` FROM roles
		 WHERE organization_id = $1
		 ORDER BY state ASC, name ASC
		 LIMIT $2 OFFSET $3`, orgID, p.PerPage, p.Offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// UpdateRole changes name and description.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, name, description string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE roles SET name = $2, description = NULLIF($3, ''), updated_at = $4 WHERE id = $1`,
		id, name, description, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetRoleState transitions the lifecycle state. Returns false when the role
// was already in the requested state.
func (r *PGRepository) SetRoleState(ctx context.Context, id int64, state string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE roles SET state = $2, updated_at = $3 WHERE id = $1 AND state <> $2`,
		id, state, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// IsDescendant tests closure membership outside a transaction.
func (r *PGRepository) IsDescendant(ctx context.Context, ancestorID, descendantID int64) (bool, error) {
	return isDescendant(ctx, r.pool, ancestorID, descendantID)
}

const permissionColumns = `id, resource, action, COALESCE(module, ''), state`

// GetPermission fetches a permission by primary key.
func (r *PGRepository) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	return scanPermission(row)
}

// FindPermission looks a permission up by its (resource, action) pair.
func (r *PGRepository) FindPermission(ctx context.Context, resource, action string) (*Permission, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE resource = $1 AND action = $2`,
		resource, action)
	return scanPermission(row)
}

// ListPermissions pages through the permission catalogue.
func (r *PGRepository) ListPermissions(ctx context.Context, p shared.Pagination) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 ORDER BY resource ASC, action ASC
		 LIMIT $1 OFFSET $2`, p.PerPage, p.Offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// CreatePermission registers a new catalogue entry.
func (r *PGRepository) CreatePermission(ctx context.Context, perm *Permission) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO permissions (resource, action, module, state)
		 VALUES ($1, $2, NULLIF($3, ''), $4)
		 RETURNING id`,
		perm.Resource, perm.Action, perm.Module, perm.State).Scan(&perm.ID)
	if isUniqueViolation(err) {
		return shared.ErrConflict
	}
	return err
}

const assignmentColumns = `id, user_id, role_id, granted_by, expires_at, revoked_at, created_at`

// GetAssignment fetches the most recent assignment of a role to a user.
func (r *PGRepository) GetAssignment(ctx context.Context, userID, roleID int64) (*RoleAssignment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM user_roles
		 WHERE user_id = $1 AND role_id = $2
		 ORDER BY created_at DESC LIMIT 1`, userID, roleID)
	return scanAssignment(row)
}

// CountActiveAssignments counts assignments that are neither revoked nor
// expired. The last-role invariant is enforced against this count.
func (r *PGRepository) CountActiveAssignments(ctx context.Context, userID int64, now time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_roles
		 WHERE user_id = $1 AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > $2)`, userID, now).Scan(&n)
	return n, err
}

// RevokeAssignment stamps the active assignment revoked. Returns false when
// no active assignment existed.
func (r *PGRepository) RevokeAssignment(ctx context.Context, userID, roleID int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_roles SET revoked_at = $3
		 WHERE user_id = $1 AND role_id = $2 AND revoked_at IS NULL`,
		userID, roleID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListActiveAssignments returns the user's live role assignments, oldest first.
func (r *PGRepository) ListActiveAssignments(ctx context.Context, userID int64, now time.Time) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM user_roles
		 WHERE user_id = $1 AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY created_at ASC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// InsertUserGrant records a direct per-user permission grant. The partial
// unique index on live (user, permission) pairs surfaces duplicates.
func (r *PGRepository) InsertUserGrant(ctx context.Context, g *UserGrant) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO user_permissions (user_id, permission_id, condition, granted_by, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		g.UserID, g.PermissionID, g.Condition, g.GrantedBy, g.ExpiresAt, g.CreatedAt).Scan(&g.ID)
	if isUniqueViolation(err) {
		return shared.ErrConflict
	}
	return err
}

// RevokeUserGrant stamps the live grant revoked.
func (r *PGRepository) RevokeUserGrant(ctx context.Context, userID, permissionID int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_permissions SET revoked_at = $3
		 WHERE user_id = $1 AND permission_id = $2 AND revoked_at IS NULL`,
		userID, permissionID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListInheritedPermissions resolves every permission reachable through the
// user's active role assignments, including grants attached anywhere up each
// role's ancestor chain. Rows are ordered by assignment age then closure depth
// so the merge in the service is deterministic.
func (r *PGRepository) ListInheritedPermissions(ctx context.Context, userID int64, now time.Time) ([]EffectivePermission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.resource, p.action, COALESCE(p.module, ''), src.name
		 FROM user_roles ur
		 JOIN roles assigned ON assigned.id = ur.role_id AND assigned.state = 'active'
		 JOIN role_closure c ON c.descendant_id = ur.role_id
		 JOIN roles src ON src.id = c.ancestor_id AND src.state = 'active'
		 JOIN role_permissions rp ON rp.role_id = c.ancestor_id
		 JOIN permissions p ON p.id = rp.permission_id AND p.state = 'active'
		 WHERE ur.user_id = $1 AND ur.revoked_at IS NULL
		   AND (ur.expires_at IS NULL OR ur.expires_at > $2)
		 ORDER BY ur.created_at ASC, c.depth ASC, p.resource ASC, p.action ASC`,
		userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EffectivePermission
	for rows.Next() {
		var ep EffectivePermission
		if err := rows.Scan(&ep.Resource, &ep.Action, &ep.Module, &ep.Source); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// ListDirectPermissions returns the user's live direct grants.
func (r *PGRepository) ListDirectPermissions(ctx context.Context, userID int64, now time.Time) ([]EffectivePermission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.resource, p.action, COALESCE(p.module, ''), up.condition
		 FROM user_permissions up
		 JOIN permissions p ON p.id = up.permission_id AND p.state = 'active'
		 WHERE up.user_id = $1 AND up.revoked_at IS NULL
		   AND (up.expires_at IS NULL OR up.expires_at > $2)
		 ORDER BY up.created_at ASC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EffectivePermission
	for rows.Next() {
		ep := EffectivePermission{Source: SourceDirect, Direct: true}
		if err := rows.Scan(&ep.Resource, &ep.Action, &ep.Module, &ep.Condition); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// ListAffectedUserIDs returns every user whose effective permissions depend
// on the given role, i.e. users assigned to the role or any of its
// descendants. Used for bulk cache invalidation.
func (r *PGRepository) ListAffectedUserIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ur.user_id
		 FROM user_roles ur
		 JOIN role_closure c ON c.descendant_id = ur.role_id
		 WHERE c.ancestor_id = $1 AND ur.revoked_at IS NULL`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertPermissionSnapshot mirrors a computed permission set into the durable
// fallback table.
func (r *PGRepository) UpsertPermissionSnapshot(ctx context.Context, userID int64, payload []byte, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_permission_cache (user_id, permissions, computed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET permissions = $2, computed_at = $3`,
		userID, payload, at)
	return err
}

// GetPermissionSnapshot reads the durable fallback row.
func (r *PGRepository) GetPermissionSnapshot(ctx context.Context, userID int64) ([]byte, time.Time, error) {
	var payload []byte
	var computedAt time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT permissions, computed_at FROM user_permission_cache WHERE user_id = $1`,
		userID).Scan(&payload, &computedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, shared.ErrNotFound
	}
	return payload, computedAt, err
}

// DeleteStaleSnapshots purges snapshot rows older than the retention bound.
func (r *PGRepository) DeleteStaleSnapshots(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_permission_cache WHERE computed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) InsertRole(ctx context.Context, role *Role) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO roles (organization_id, name, description, parent_id, is_system, state, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $7)
		 RETURNING id`,
		role.OrganizationID, role.Name, role.Description, role.ParentID,
		role.IsSystem, role.State, role.CreatedAt).Scan(&role.ID)
	if isUniqueViolation(err) {
		return shared.ErrConflict
	}
	return err
}

func (t *txRepo) UpdateRoleParent(ctx context.Context, roleID int64, parentID *int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE roles SET parent_id = $2, updated_at = $3 WHERE id = $1`, roleID, parentID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) InsertClosureRows(ctx context.Context, rows []ClosureRow) error {
	for _, row := range rows {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO role_closure (ancestor_id, descendant_id, depth) VALUES ($1, $2, $3)`,
			row.AncestorID, row.DescendantID, row.Depth)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteClosureForSubtree removes every closure row linking the role's
// subtree (the role and its descendants) to ancestors outside the subtree.
// Self-rows and intra-subtree rows survive because they are unaffected by a
// reparent.
func (t *txRepo) DeleteClosureForSubtree(ctx context.Context, roleID int64) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM role_closure
		 WHERE descendant_id IN (SELECT descendant_id FROM role_closure WHERE ancestor_id = $1)
		   AND ancestor_id NOT IN (SELECT descendant_id FROM role_closure WHERE ancestor_id = $1)`,
		roleID)
	return err
}

func (t *txRepo) ListAncestors(ctx context.Context, roleID int64) ([]ClosureRow, error) {
	return listClosure(ctx, t.tx,
		`SELECT ancestor_id, descendant_id, depth FROM role_closure
		 WHERE descendant_id = $1 ORDER BY depth ASC`, roleID)
}

func (t *txRepo) ListDescendants(ctx context.Context, roleID int64) ([]ClosureRow, error) {
	return listClosure(ctx, t.tx,
		`SELECT ancestor_id, descendant_id, depth FROM role_closure
		 WHERE ancestor_id = $1 ORDER BY depth ASC`, roleID)
}

func (t *txRepo) IsDescendant(ctx context.Context, ancestorID, descendantID int64) (bool, error) {
	return isDescendant(ctx, t.tx, ancestorID, descendantID)
}

func (t *txRepo) ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *txRepo) InsertRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	for _, id := range permissionIDs {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO role_permissions (role_id, permission_id)
			 VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, id)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) DeleteRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = ANY($2)`,
		roleID, permissionIDs)
	return err
}

func (t *txRepo) InsertAssignment(ctx context.Context, a *RoleAssignment) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO user_roles (user_id, role_id, granted_by, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		a.UserID, a.RoleID, a.GrantedBy, a.ExpiresAt, a.CreatedAt).Scan(&a.ID)
	if isUniqueViolation(err) {
		return shared.ErrConflict
	}
	return err
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.RecordAuditTx(ctx, t.tx, log)
}

func isDescendant(ctx context.Context, q querier, ancestorID, descendantID int64) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM role_closure WHERE ancestor_id = $1 AND descendant_id = $2)`,
		ancestorID, descendantID).Scan(&exists)
	return exists, err
}

func listClosure(ctx context.Context, q querier, sql string, args ...any) ([]ClosureRow, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClosureRow
	for rows.Next() {
		var row ClosureRow
		if err := rows.Scan(&row.AncestorID, &row.DescendantID, &row.Depth); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description,
		&role.ParentID, &role.IsSystem, &role.State, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func scanPermission(row pgx.Row) (*Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Resource, &perm.Action, &perm.Module, &perm.State)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &perm, nil
}

func scanAssignment(row pgx.Row) (*RoleAssignment, error) {
	var a RoleAssignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.GrantedBy, &a.ExpiresAt, &a.RevokedAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

var _ Repository = (*PGRepository)(nil)
