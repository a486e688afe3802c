package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ledgerlane/ledgerlane-auth/internal/observability"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

// Config carries the cache windows for permission resolution.
type Config struct {
	CacheTTL    time.Duration
	SnapshotTTL time.Duration
}

// sweepInlineLimit caps how many member caches a role mutation clears before
// the mutation response returns. Larger memberships defer to the background
// sweep task.
const sweepInlineLimit = 100

// Sweeper hands large cache invalidations to a background worker.
type Sweeper interface {
	EnqueueRoleSweep(ctx context.Context, roleID int64) error
}

// Service implements role hierarchy maintenance, grant management and
// effective-permission resolution.
type Service struct {
	repo    Repository
	cache   *Cache
	audit   *shared.AuditLogger
	metrics *observability.Metrics
	logger  *slog.Logger
	sweeper Sweeper
	group   singleflight.Group
	cfg     Config
	now     func() time.Time
}

// NewService constructs the engine.
func NewService(repo Repository, cache *Cache, audit *shared.AuditLogger, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = time.Hour
	}
	return &Service{
		repo:    repo,
		cache:   cache,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetSweeper installs the background sweep producer. Without one, every
// invalidation runs inline.
func (s *Service) SetSweeper(sw Sweeper) {
	s.sweeper = sw
}

// CreateRoleInput carries the fields accepted on role creation.
type CreateRoleInput struct {
	OrganizationID int64
	Name           string
	Description    string
	ParentID       *int64
}

// CreateRole inserts the role and materializes its closure rows: a self-row
// at depth 0 plus one row per ancestor of the chosen parent.
func (s *Service) CreateRole(ctx context.Context, actorID int64, input CreateRoleInput) (*Role, error) {
	now := s.now().UTC()
	if input.ParentID != nil {
		parent, err := s.repo.GetRole(ctx, *input.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load parent role: %w", err)
		}
		if !parent.Active() {
			return nil, shared.ErrBadRequest
		}
	}
	role := &Role{
		OrganizationID: input.OrganizationID,
		Name:           input.Name,
		Description:    input.Description,
		ParentID:       input.ParentID,
		State:          StateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertRole(ctx, role); err != nil {
			return err
		}
		closure := []ClosureRow{{AncestorID: role.ID, DescendantID: role.ID, Depth: 0}}
		if role.ParentID != nil {
			ancestors, err := tx.ListAncestors(ctx, *role.ParentID)
			if err != nil {
				return err
			}
			for _, anc := range ancestors {
				closure = append(closure, ClosureRow{
					AncestorID:   anc.AncestorID,
					DescendantID: role.ID,
					Depth:        anc.Depth + 1,
				})
			}
		}
		if err := tx.InsertClosureRows(ctx, closure); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditRoleCreated,
			Entity:   "role",
			EntityID: strconv.FormatInt(role.ID, 10),
			Meta:     map[string]any{"name": role.Name},
			At:       now,
		})
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole renames a role. System roles are immutable.
func (s *Service) UpdateRole(ctx context.Context, actorID, roleID int64, name, description string) (*Role, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, shared.ErrForbidden
	}
	now := s.now().UTC()
	if err := s.repo.UpdateRole(ctx, roleID, name, description, now); err != nil {
		return nil, err
	}
	role.Name = name
	role.Description = description
	role.UpdatedAt = now
	s.recordAudit(ctx, actorID, shared.AuditRoleUpdated, "role", strconv.FormatInt(roleID, 10),
		map[string]any{"name": name})
	return role, nil
}

// ReparentRole moves a role under a new parent. The candidate parent must not
// already be a descendant of the moving role: that edge would close a cycle.
// The whole subtree's closure rows to outside ancestors are rebuilt in one
// transaction.
func (s *Service) ReparentRole(ctx context.Context, actorID, roleID int64, newParentID *int64) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return shared.ErrForbidden
	}
	if newParentID != nil {
		if *newParentID == roleID {
			return shared.ErrBadRequest
		}
		parent, err := s.repo.GetRole(ctx, *newParentID)
		if err != nil {
			return fmt.Errorf("load parent role: %w", err)
		}
		if !parent.Active() {
			return shared.ErrBadRequest
		}
		descends, err := s.repo.IsDescendant(ctx, roleID, *newParentID)
		if err != nil {
			return err
		}
		if descends {
			return shared.ErrBadRequest
		}
	}
	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Re-check inside the transaction so two concurrent reparent calls
		// cannot weave a cycle between the outer check and the rebuild.
		if newParentID != nil {
			descends, err := tx.IsDescendant(ctx, roleID, *newParentID)
			if err != nil {
				return err
			}
			if descends {
				return shared.ErrBadRequest
			}
		}
		subtree, err := tx.ListDescendants(ctx, roleID)
		if err != nil {
			return err
		}
		if err := tx.DeleteClosureForSubtree(ctx, roleID); err != nil {
			return err
		}
		if newParentID != nil {
			ancestors, err := tx.ListAncestors(ctx, *newParentID)
			if err != nil {
				return err
			}
			var rows []ClosureRow
			for _, anc := range ancestors {
				for _, member := range subtree {
					rows = append(rows, ClosureRow{
						AncestorID:   anc.AncestorID,
						DescendantID: member.DescendantID,
						Depth:        anc.Depth + 1 + member.Depth,
					})
				}
			}
			if err := tx.InsertClosureRows(ctx, rows); err != nil {
				return err
			}
		}
		if err := tx.UpdateRoleParent(ctx, roleID, newParentID, now); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditRoleUpdated,
			Entity:   "role",
			EntityID: strconv.FormatInt(roleID, 10),
			Meta:     map[string]any{"reparented_to": newParentID},
			At:       now,
		})
	})
	if err != nil {
		return err
	}
	s.invalidateRoleMembers(ctx, roleID)
	return nil
}

// DeleteRole transitions the role to disabled. Assignments referencing it
// keep their rows but stop contributing permissions.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID int64) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return shared.ErrForbidden
	}
	changed, err := s.repo.SetRoleState(ctx, roleID, StateDisabled, s.now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		return shared.ErrConflict
	}
	s.recordAudit(ctx, actorID, shared.AuditRoleDisabled, "role", strconv.FormatInt(roleID, 10), nil)
	s.invalidateRoleMembers(ctx, roleID)
	return nil
}

// RestoreRole transitions a disabled role back to active.
func (s *Service) RestoreRole(ctx context.Context, actorID, roleID int64) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return shared.ErrForbidden
	}
	changed, err := s.repo.SetRoleState(ctx, roleID, StateActive, s.now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		return shared.ErrConflict
	}
	s.recordAudit(ctx, actorID, shared.AuditRoleUpdated, "role", strconv.FormatInt(roleID, 10),
		map[string]any{"state": StateActive})
	s.invalidateRoleMembers(ctx, roleID)
	return nil
}

// GetRole fetches a single role.
func (s *Service) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	return s.repo.GetRole(ctx, roleID)
}

// ListRoles pages through an organization's roles.
func (s *Service) ListRoles(ctx context.Context, orgID int64, p shared.Pagination) ([]Role, error) {
	return s.repo.ListRoles(ctx, orgID, p)
}

// ListPermissions pages through the permission catalogue.
func (s *Service) ListPermissions(ctx context.Context, p shared.Pagination) ([]Permission, error) {
	return s.repo.ListPermissions(ctx, p)
}

// UpdateRolePermissions replaces a role's grant set. Only the symmetric
// difference against the current grants is written, inside one transaction.
func (s *Service) UpdateRolePermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) error {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	for _, id := range permissionIDs {
		if _, err := s.repo.GetPermission(ctx, id); err != nil {
			return fmt.Errorf("load permission %d: %w", id, err)
		}
	}
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.ListRolePermissionIDs(ctx, roleID)
		if err != nil {
			return err
		}
		have := make(map[int64]bool, len(current))
		for _, id := range current {
			have[id] = true
		}
		want := make(map[int64]bool, len(permissionIDs))
		var adds []int64
		for _, id := range permissionIDs {
			want[id] = true
			if !have[id] {
				adds = append(adds, id)
			}
		}
		var removes []int64
		for _, id := range current {
			if !want[id] {
				removes = append(removes, id)
			}
		}
		if len(adds) == 0 && len(removes) == 0 {
			return nil
		}
		if err := tx.InsertRolePermissions(ctx, roleID, adds); err != nil {
			return err
		}
		if err := tx.DeleteRolePermissions(ctx, roleID, removes); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditRoleUpdated,
			Entity:   "role",
			EntityID: strconv.FormatInt(roleID, 10),
			Meta:     map[string]any{"permissions_added": len(adds), "permissions_removed": len(removes)},
			At:       now,
		})
	})
	if err != nil {
		return err
	}
	s.invalidateRoleMembers(ctx, roleID)
	return nil
}

// AssignRoleToUser grants a role. Duplicate live assignments are rejected.
func (s *Service) AssignRoleToUser(ctx context.Context, actorID, userID, roleID int64, expiresAt *time.Time) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.Active() {
		return shared.ErrBadRequest
	}
	now := s.now().UTC()
	assignment := &RoleAssignment{
		UserID:    userID,
		RoleID:    roleID,
		GrantedBy: actorID,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertAssignment(ctx, assignment); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditRoleAssigned,
			Entity:   "user_role",
			EntityID: strconv.FormatInt(assignment.ID, 10),
			Meta:     map[string]any{"user_id": userID, "role_id": roleID},
			At:       now,
		})
	})
	if err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	return nil
}

// RevokeRoleFromUser removes a role grant. The user's last active role can
// never be revoked: a user with zero roles would be indistinguishable from an
// unauthenticated one.
func (s *Service) RevokeRoleFromUser(ctx context.Context, actorID, userID, roleID int64) error {
	now := s.now().UTC()
	active, err := s.repo.CountActiveAssignments(ctx, userID, now)
	if err != nil {
		return err
	}
	if active <= 1 {
		return shared.ErrConflict
	}
	revoked, err := s.repo.RevokeAssignment(ctx, userID, roleID, now)
	if err != nil {
		return err
	}
	if !revoked {
		return shared.ErrNotFound
	}
	s.recordAudit(ctx, actorID, shared.AuditRoleRevoked, "user_role",
		strconv.FormatInt(userID, 10), map[string]any{"role_id": roleID})
	s.invalidateUser(ctx, userID)
	return nil
}

// BulkAssignRoles grants one role to many users in a single transaction.
// Users already holding the role are skipped, not failed.
func (s *Service) BulkAssignRoles(ctx context.Context, actorID int64, userIDs []int64, roleID int64) (int, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return 0, err
	}
	if !role.Active() {
		return 0, shared.ErrBadRequest
	}
	now := s.now().UTC()
	assigned := 0
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, userID := range userIDs {
			a := &RoleAssignment{UserID: userID, RoleID: roleID, GrantedBy: actorID, CreatedAt: now}
			if err := tx.InsertAssignment(ctx, a); err != nil {
				if errors.Is(err, shared.ErrConflict) {
					continue
				}
				return err
			}
			assigned++
		}
		if assigned == 0 {
			return nil
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditRoleAssigned,
			Entity:   "role",
			EntityID: strconv.FormatInt(roleID, 10),
			Meta:     map[string]any{"bulk": true, "users": len(userIDs), "assigned": assigned},
			At:       now,
		})
	})
	if err != nil {
		return 0, err
	}
	if s.sweeper != nil && len(userIDs) > sweepInlineLimit {
		sweepErr := s.sweeper.EnqueueRoleSweep(ctx, roleID)
		if sweepErr == nil {
			return assigned, nil
		}
		s.warn("cache sweep enqueue", sweepErr)
	}
	if cacheErr := s.cache.InvalidateMany(ctx, userIDs); cacheErr != nil {
		s.warn("bulk cache invalidation", cacheErr)
	}
	return assigned, nil
}

// AssignPermissionToUser records a direct grant, optionally conditioned and
// optionally expiring.
func (s *Service) AssignPermissionToUser(ctx context.Context, actorID, userID, permissionID int64, condition *string, expiresAt *time.Time) error {
	if condition != nil && !ValidCondition(*condition) {
		return shared.ErrBadRequest
	}
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	grant := &UserGrant{
		UserID:       userID,
		PermissionID: permissionID,
		Condition:    condition,
		GrantedBy:    actorID,
		ExpiresAt:    expiresAt,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.InsertUserGrant(ctx, grant); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, shared.AuditPermissionGranted, "user_permission",
		strconv.FormatInt(grant.ID, 10), map[string]any{"user_id": userID, "permission_id": permissionID})
	s.invalidateUser(ctx, userID)
	return nil
}

// RevokePermissionFromUser removes a direct grant.
func (s *Service) RevokePermissionFromUser(ctx context.Context, actorID, userID, permissionID int64) error {
	revoked, err := s.repo.RevokeUserGrant(ctx, userID, permissionID, s.now().UTC())
	if err != nil {
		return err
	}
	if !revoked {
		return shared.ErrNotFound
	}
	s.recordAudit(ctx, actorID, shared.AuditPermissionRevoked, "user_permission",
		strconv.FormatInt(userID, 10), map[string]any{"permission_id": permissionID})
	s.invalidateUser(ctx, userID)
	return nil
}

// GetUserRoles lists the roles behind a user's active assignments.
func (s *Service) GetUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	assignments, err := s.repo.ListActiveAssignments(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(assignments))
	for _, a := range assignments {
		role, err := s.repo.GetRole(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

// EffectivePermissions resolves the user's full permission set: every grant
// reachable through active role assignments and their ancestor chains, merged
// with direct grants, deduplicated by (resource, action) with first-seen-wins
// provenance. Reads go cache → store → durable snapshot.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]EffectivePermission, error) {
	cached, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.warn("permission cache read", err)
	}
	if cached != nil {
		s.observeCacheRead("cache")
		return cached, nil
	}

	key := strconv.FormatInt(userID, 10)
	result, err, _ := s.group.Do(key, func() (any, error) {
		return s.computePermissions(ctx, userID)
	})
	if err != nil {
		if perms, ok := s.snapshotFallback(ctx, userID); ok {
			s.observeCacheRead("snapshot")
			return perms, nil
		}
		return nil, err
	}
	s.observeCacheRead("store")
	return result.([]EffectivePermission), nil
}

func (s *Service) computePermissions(ctx context.Context, userID int64) ([]EffectivePermission, error) {
	now := s.now().UTC()
	inherited, err := s.repo.ListInheritedPermissions(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("resolve role permissions: %w", err)
	}
	direct, err := s.repo.ListDirectPermissions(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("resolve direct permissions: %w", err)
	}

	seen := make(map[string]bool, len(inherited)+len(direct))
	merged := make([]EffectivePermission, 0, len(inherited)+len(direct))
	for _, ep := range inherited {
		if seen[ep.Key()] {
			continue
		}
		seen[ep.Key()] = true
		merged = append(merged, ep)
	}
	for _, ep := range direct {
		if seen[ep.Key()] {
			continue
		}
		seen[ep.Key()] = true
		merged = append(merged, ep)
	}

	if err := s.cache.Set(ctx, userID, merged); err != nil {
		s.warn("permission cache write", err)
	}
	if payload, err := json.Marshal(merged); err == nil {
		if err := s.repo.UpsertPermissionSnapshot(ctx, userID, payload, now); err != nil {
			s.warn("permission snapshot write", err)
		}
	}
	return merged, nil
}

// snapshotFallback serves a recent durable snapshot when the live computation
// fails. Staleness is bounded by the snapshot TTL.
func (s *Service) snapshotFallback(ctx context.Context, userID int64) ([]EffectivePermission, bool) {
	payload, computedAt, err := s.repo.GetPermissionSnapshot(ctx, userID)
	if err != nil {
		return nil, false
	}
	if s.now().UTC().Sub(computedAt) > s.cfg.SnapshotTTL {
		return nil, false
	}
	var perms []EffectivePermission
	if err := json.Unmarshal(payload, &perms); err != nil {
		return nil, false
	}
	return perms, true
}

// CheckPermission answers an unconditioned permission check. Match order is
// exact (resource, action), then a wildcard action on the same resource,
// then deny.
func (s *Service) CheckPermission(ctx context.Context, userID int64, resource, action string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	match := findMatch(perms, resource, action)
	allowed := match != nil
	s.observeCheck(allowed)
	return allowed, nil
}

// CheckPermissionWithContext additionally evaluates the grant's condition
// against the request attributes. Conditions attach only to direct user
// grants; role-derived permissions are always unconditioned.
func (s *Service) CheckPermissionWithContext(ctx context.Context, userID int64, resource, action string, ac AccessContext) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	match := findMatch(perms, resource, action)
	if match == nil {
		s.observeCheck(false)
		return false, nil
	}
	if !match.Direct || match.Condition == nil {
		s.observeCheck(true)
		return true, nil
	}
	allowed, err := evaluateCondition(*match.Condition, ac)
	if err != nil {
		return false, err
	}
	s.observeCheck(allowed)
	return allowed, nil
}

func findMatch(perms []EffectivePermission, resource, action string) *EffectivePermission {
	for i := range perms {
		if perms[i].Resource == resource && perms[i].Action == action {
			return &perms[i]
		}
	}
	for i := range perms {
		if perms[i].Resource == resource && perms[i].Action == WildcardAction {
			return &perms[i]
		}
	}
	return nil
}

func evaluateCondition(kind string, ac AccessContext) (bool, error) {
	switch kind {
	case ConditionOwnOrganization:
		return ac.OrganizationID != 0 && ac.OrganizationID == ac.ResourceOrgID, nil
	case ConditionOwnRecord:
		return ac.UserID != 0 && ac.UserID == ac.ResourceOwnerID, nil
	case ConditionDepartment:
		return ac.Department != "" && ac.Department == ac.ResourceDepartment, nil
	case ConditionCustom:
		// Custom rules carry an opaque key the caller must satisfy via the
		// attribute bag; absent attributes deny.
		return ac.Attributes["custom"] == "granted", nil
	}
	return false, shared.ErrBadRequest
}

// InvalidateUserPermissions drops one user's cache entry. Exposed for the
// cleanup job and the cache sweep task.
func (s *Service) InvalidateUserPermissions(ctx context.Context, userID int64) {
	s.invalidateUser(ctx, userID)
}

// InvalidateRoleMembers drops cache entries for everyone affected by a role,
// always inline. The background sweep task lands here, so this path must
// never re-enqueue.
func (s *Service) InvalidateRoleMembers(ctx context.Context, roleID int64) {
	userIDs, err := s.repo.ListAffectedUserIDs(ctx, roleID)
	if err != nil {
		s.warn("affected-user lookup", err)
		return
	}
	if err := s.cache.InvalidateMany(ctx, userIDs); err != nil {
		s.warn("bulk cache invalidation", err)
	}
}

func (s *Service) invalidateUser(ctx context.Context, userID int64) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.warn("cache invalidation", err)
	}
}

// invalidateRoleMembers is best-effort: a failure leaves stale entries for at
// most one cache TTL, which the durable store corrects on the next miss.
// Memberships past sweepInlineLimit defer to the sweep task when a producer
// is installed; enqueue failure falls back to inline invalidation.
func (s *Service) invalidateRoleMembers(ctx context.Context, roleID int64) {
	userIDs, err := s.repo.ListAffectedUserIDs(ctx, roleID)
	if err != nil {
		s.warn("affected-user lookup", err)
		return
	}
	if s.sweeper != nil && len(userIDs) > sweepInlineLimit {
		sweepErr := s.sweeper.EnqueueRoleSweep(ctx, roleID)
		if sweepErr == nil {
			return
		}
		s.warn("cache sweep enqueue", sweepErr)
	}
	if err := s.cache.InvalidateMany(ctx, userIDs); err != nil {
		s.warn("bulk cache invalidation", err)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.warn("audit record", err)
	}
}

func (s *Service) observeCheck(allowed bool) {
	if s.metrics == nil {
		return
	}
	if allowed {
		s.metrics.ObservePermissionCheck("allow")
	} else {
		s.metrics.ObservePermissionCheck("deny")
	}
}

func (s *Service) observeCacheRead(source string) {
	if s.metrics != nil {
		s.metrics.ObserveCacheRead(source)
	}
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}
