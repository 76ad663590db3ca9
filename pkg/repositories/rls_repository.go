package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/database"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

// RLSRepository provides data access for row-level security
// configuration: per-user filters, roles, table permissions and the
// append-only configuration audit trail. Every mutation writes its
// audit row in the same transaction as the change.
type RLSRepository interface {
	UpsertFilter(ctx context.Context, actor models.AuditActor, filter *models.RLSFilter) error
	DeleteFilter(ctx context.Context, actor models.AuditActor, filterID uuid.UUID) error
	ListFilters(ctx context.Context, userID string, connectionID uuid.UUID) ([]models.RLSFilter, error)

	ListRoles(ctx context.Context, userID string, connectionID uuid.UUID) ([]string, error)
	SetRoles(ctx context.Context, actor models.AuditActor, userID string, connectionID uuid.UUID, roles []string) error

	SetTablePermission(ctx context.Context, actor models.AuditActor, userID string, connectionID uuid.UUID, perm models.TablePermission) error
	ListTablePermissions(ctx context.Context, userID string, connectionID uuid.UUID) (map[string]models.TablePermission, error)

	// AppendAudit writes one immutable audit row. There is no update or
	// delete path for audit records.
	AppendAudit(ctx context.Context, record *models.AuditRecord) error
	ListAuditByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditRecord, error)
}

type rlsRepository struct {
	db *database.DB
}

// NewRLSRepository creates a new RLSRepository.
func NewRLSRepository(db *database.DB) RLSRepository {
	return &rlsRepository{db: db}
}

var _ RLSRepository = (*rlsRepository)(nil)

func (r *rlsRepository) UpsertFilter(ctx context.Context, actor models.AuditActor, filter *models.RLSFilter) error {
	if !models.RLSOperators[filter.Operator] {
		return fmt.Errorf("operator %q is not permitted in RLS filters", filter.Operator)
	}

	value, err := jsonbValue(filter.Value)
	if err != nil {
		return err
	}

	return r.db.WithinTx(ctx, func(tx pgx.Tx) error {
		var (
			old      models.RLSFilter
			oldValue []byte
			oldAny   any
		)
		action := models.AuditActionCreate
		err := tx.QueryRow(ctx, `
			SELECT id, value, active FROM engine_rls_filters
			WHERE user_id = $1 AND connection_id = $2
			  AND table_name = $3 AND column_name = $4 AND operator = $5`,
			filter.UserID, filter.ConnectionID, filter.Table, filter.Column, filter.Operator,
		).Scan(&old.ID, &oldValue, &old.Active)
		switch {
		case err == nil:
			action = models.AuditActionUpdate
			old.UserID, old.ConnectionID = filter.UserID, filter.ConnectionID
			old.Table, old.Column, old.Operator = filter.Table, filter.Column, filter.Operator
			if err := scanJSON(oldValue, &old.Value); err != nil {
				return err
			}
			oldAny = &old
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("failed to load existing RLS filter: %w", err)
		}

		now := time.Now()
		err = tx.QueryRow(ctx, `
			INSERT INTO engine_rls_filters (
				user_id, connection_id, table_name, column_name, operator,
				value, active, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, connection_id, table_name, column_name, operator)
			DO UPDATE SET value = $6, active = $7, updated_at = $9
			RETURNING id, created_at, updated_at`,
			filter.UserID, filter.ConnectionID, filter.Table, filter.Column,
			filter.Operator, value, filter.Active, now, now,
		).Scan(&filter.ID, &filter.CreatedAt, &filter.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert RLS filter: %w", err)
		}

		record, err := auditRecord(actor, action, "rls_filter", filter.ID.String(), oldAny, filter)
		if err != nil {
			return err
		}
		return appendAudit(ctx, tx, record)
	})
}

func (r *rlsRepository) DeleteFilter(ctx context.Context, actor models.AuditActor, filterID uuid.UUID) error {
	return r.db.WithinTx(ctx, func(tx pgx.Tx) error {
		var (
			old      models.RLSFilter
			oldValue []byte
		)
		err := tx.QueryRow(ctx, `
			SELECT id, user_id, connection_id, table_name, column_name,
			       operator, value, active
			FROM engine_rls_filters WHERE id = $1`, filterID,
		).Scan(&old.ID, &old.UserID, &old.ConnectionID, &old.Table,
			&old.Column, &old.Operator, &oldValue, &old.Active)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load RLS filter: %w", err)
		}
		if err := scanJSON(oldValue, &old.Value); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM engine_rls_filters WHERE id = $1`, filterID); err != nil {
			return fmt.Errorf("failed to delete RLS filter: %w", err)
		}

		record, err := auditRecord(actor, models.AuditActionDelete, "rls_filter", filterID.String(), &old, nil)
		if err != nil {
			return err
		}
		return appendAudit(ctx, tx, record)
	})
}

func (r *rlsRepository) ListFilters(ctx context.Context, userID string, connectionID uuid.UUID) ([]models.RLSFilter, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, connection_id, table_name, column_name,
		       operator, value, active, created_at, updated_at
		FROM engine_rls_filters
		WHERE user_id = $1 AND connection_id = $2 AND active = true
		ORDER BY table_name, column_name`,
		userID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list RLS filters: %w", err)
	}
	defer rows.Close()

	var filters []models.RLSFilter
	for rows.Next() {
		var (
			f     models.RLSFilter
			value []byte
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.ConnectionID, &f.Table,
			&f.Column, &f.Operator, &value, &f.Active, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan RLS filter: %w", err)
		}
		if err := scanJSON(value, &f.Value); err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

func (r *rlsRepository) ListRoles(ctx context.Context, userID string, connectionID uuid.UUID) ([]string, error) {
	var roles []byte
	err := r.db.QueryRow(ctx, `
		SELECT roles FROM engine_user_roles
		WHERE user_id = $1 AND connection_id = $2`,
		userID, connectionID).Scan(&roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	var out []string
	if err := scanJSON(roles, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *rlsRepository) SetRoles(ctx context.Context, actor models.AuditActor, userID string, connectionID uuid.UUID, roles []string) error {
	value, err := jsonbValue(roles)
	if err != nil {
		return err
	}

	return r.db.WithinTx(ctx, func(tx pgx.Tx) error {
		var (
			oldRaw []byte
			oldAny any
		)
		action := models.AuditActionCreate
		err := tx.QueryRow(ctx, `
			SELECT roles FROM engine_user_roles
			WHERE user_id = $1 AND connection_id = $2`,
			userID, connectionID).Scan(&oldRaw)
		switch {
		case err == nil:
			action = models.AuditActionUpdate
			var oldRoles []string
			if err := scanJSON(oldRaw, &oldRoles); err != nil {
				return err
			}
			oldAny = oldRoles
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("failed to load existing roles: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO engine_user_roles (user_id, connection_id, roles, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (user_id, connection_id)
			DO UPDATE SET roles = $3, updated_at = now()`,
			userID, connectionID, value); err != nil {
			return fmt.Errorf("failed to set roles: %w", err)
		}

		record, err := auditRecord(actor, action, "user_roles",
			fmt.Sprintf("%s/%s", userID, connectionID), oldAny, roles)
		if err != nil {
			return err
		}
		return appendAudit(ctx, tx, record)
	})
}

func (r *rlsRepository) SetTablePermission(ctx context.Context, actor models.AuditActor, userID string, connectionID uuid.UUID, perm models.TablePermission) error {
	allowed, err := jsonbValue(perm.AllowedColumns)
	if err != nil {
		return err
	}
	denied, err := jsonbValue(perm.DeniedColumns)
	if err != nil {
		return err
	}

	return r.db.WithinTx(ctx, func(tx pgx.Tx) error {
		var (
			old        models.TablePermission
			oldAllowed []byte
			oldDenied  []byte
			oldAny     any
		)
		action := models.AuditActionCreate
		err := tx.QueryRow(ctx, `
			SELECT can_read, allowed_columns, denied_columns
			FROM engine_table_permissions
			WHERE user_id = $1 AND connection_id = $2 AND table_name = $3`,
			userID, connectionID, perm.Table).Scan(&old.CanRead, &oldAllowed, &oldDenied)
		switch {
		case err == nil:
			action = models.AuditActionUpdate
			old.Table = perm.Table
			if err := scanJSON(oldAllowed, &old.AllowedColumns); err != nil {
				return err
			}
			if err := scanJSON(oldDenied, &old.DeniedColumns); err != nil {
				return err
			}
			oldAny = &old
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("failed to load existing table permission: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO engine_table_permissions (
				user_id, connection_id, table_name, can_read,
				allowed_columns, denied_columns, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (user_id, connection_id, table_name)
			DO UPDATE SET can_read = $4, allowed_columns = $5,
			              denied_columns = $6, updated_at = now()`,
			userID, connectionID, perm.Table, perm.CanRead, allowed, denied); err != nil {
			return fmt.Errorf("failed to set table permission: %w", err)
		}

		record, err := auditRecord(actor, action, "table_permission",
			fmt.Sprintf("%s/%s/%s", userID, connectionID, perm.Table), oldAny, perm)
		if err != nil {
			return err
		}
		return appendAudit(ctx, tx, record)
	})
}

func (r *rlsRepository) ListTablePermissions(ctx context.Context, userID string, connectionID uuid.UUID) (map[string]models.TablePermission, error) {
	rows, err := r.db.Query(ctx, `
		SELECT table_name, can_read, allowed_columns, denied_columns
		FROM engine_table_permissions
		WHERE user_id = $1 AND connection_id = $2`,
		userID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list table permissions: %w", err)
	}
	defer rows.Close()

	perms := make(map[string]models.TablePermission)
	for rows.Next() {
		var (
			p       models.TablePermission
			allowed []byte
			denied  []byte
		)
		if err := rows.Scan(&p.Table, &p.CanRead, &allowed, &denied); err != nil {
			return nil, fmt.Errorf("failed to scan table permission: %w", err)
		}
		if err := scanJSON(allowed, &p.AllowedColumns); err != nil {
			return nil, err
		}
		if err := scanJSON(denied, &p.DeniedColumns); err != nil {
			return nil, err
		}
		perms[p.Table] = p
	}
	return perms, rows.Err()
}

func (r *rlsRepository) AppendAudit(ctx context.Context, record *models.AuditRecord) error {
	return appendAudit(ctx, r.db, record)
}

func (r *rlsRepository) ListAuditByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, who, occurred_at, action, entity_type, entity_id,
		       old_value, new_value, COALESCE(ip, ''), COALESCE(user_agent, '')
		FROM engine_config_audit
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at DESC
		LIMIT $3`,
		entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Who, &rec.When, &rec.Action,
			&rec.EntityType, &rec.EntityID, &rec.OldValue, &rec.NewValue,
			&rec.IP, &rec.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// rowQuerier is satisfied by both the pool and a transaction, so audit
// rows can land inside the mutation's transaction or on their own.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func appendAudit(ctx context.Context, q rowQuerier, record *models.AuditRecord) error {
	err := q.QueryRow(ctx, `
		INSERT INTO engine_config_audit (
			who, occurred_at, action, entity_type, entity_id,
			old_value, new_value, ip, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		record.Who, record.When, record.Action, record.EntityType,
		record.EntityID, []byte(record.OldValue), []byte(record.NewValue),
		nullString(record.IP), nullString(record.UserAgent),
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// auditRecord builds the audit row for one mutation. oldValue and
// newValue are marshaled as the entity's JSON shape; nil means absent.
func auditRecord(actor models.AuditActor, action, entityType, entityID string, oldValue, newValue any) (*models.AuditRecord, error) {
	record := &models.AuditRecord{
		Who:        actor.UserID,
		When:       time.Now().UTC(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		IP:         actor.IP,
		UserAgent:  actor.UserAgent,
	}
	if oldValue != nil {
		raw, err := json.Marshal(oldValue)
		if err != nil {
			return nil, fmt.Errorf("marshal audit old value: %w", err)
		}
		record.OldValue = raw
	}
	if newValue != nil {
		raw, err := json.Marshal(newValue)
		if err != nil {
			return nil, fmt.Errorf("marshal audit new value: %w", err)
		}
		record.NewValue = raw
	}
	return record, nil
}
