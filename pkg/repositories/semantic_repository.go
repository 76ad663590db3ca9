package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/database"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

// SemanticRepository provides data access for semantic fields and the
// per-connection semantic version counter.
type SemanticRepository interface {
	CreateField(ctx context.Context, field *models.SemanticField) error
	UpdateField(ctx context.Context, field *models.SemanticField) error
	DeactivateField(ctx context.Context, fieldID uuid.UUID) error
	GetField(ctx context.Context, connectionID uuid.UUID, kind, name string) (*models.SemanticField, error)
	GetFieldByID(ctx context.Context, fieldID uuid.UUID) (*models.SemanticField, error)
	ListActiveFields(ctx context.Context, connectionID uuid.UUID) ([]*models.SemanticField, error)
	IncrementUsage(ctx context.Context, fieldID uuid.UUID) error

	// GetVersion returns the current semantic version for a connection,
	// starting at 1 for connections never mutated.
	GetVersion(ctx context.Context, connectionID uuid.UUID) (int64, error)

	// BumpVersion advances the semantic version. Every mutation of the
	// semantic layer calls this so downstream caches invalidate.
	BumpVersion(ctx context.Context, connectionID uuid.UUID) (int64, error)
}

type semanticRepository struct {
	db *database.DB
}

// NewSemanticRepository creates a new SemanticRepository.
func NewSemanticRepository(db *database.DB) SemanticRepository {
	return &semanticRepository{db: db}
}

var _ SemanticRepository = (*semanticRepository)(nil)

const semanticFieldColumns = `
	id, connection_id, kind, name, display_name, description, data_type,
	table_name, column_name, formula, aggregation, format, synonyms,
	default_filters, time_column, usage_count, active, created_at, updated_at`

func (r *semanticRepository) CreateField(ctx context.Context, field *models.SemanticField) error {
	synonyms, err := jsonbValue(field.Synonyms)
	if err != nil {
		return err
	}
	filters, err := jsonbValue(field.DefaultFilters)
	if err != nil {
		return err
	}

	now := time.Now()
	query := `
		INSERT INTO engine_semantic_fields (
			connection_id, kind, name, display_name, description, data_type,
			table_name, column_name, formula, aggregation, format, synonyms,
			default_filters, time_column, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (connection_id, kind, name) DO NOTHING
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		field.ConnectionID,
		field.Kind,
		field.Name,
		field.DisplayName,
		nullString(field.Description),
		nullString(field.DataType),
		nullString(field.Table),
		nullString(field.Column),
		nullString(field.Formula),
		field.Aggregation,
		nullString(field.Format),
		synonyms,
		filters,
		nullString(field.TimeColumn),
		field.Active,
		now,
		now,
	).Scan(&field.ID, &field.CreatedAt, &field.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("field %s/%s: %w", field.Kind, field.Name, apperrors.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create semantic field: %w", err)
	}
	return nil
}

func (r *semanticRepository) UpdateField(ctx context.Context, field *models.SemanticField) error {
	synonyms, err := jsonbValue(field.Synonyms)
	if err != nil {
		return err
	}
	filters, err := jsonbValue(field.DefaultFilters)
	if err != nil {
		return err
	}

	query := `
		UPDATE engine_semantic_fields
		SET display_name = $2, description = $3, data_type = $4,
		    table_name = $5, column_name = $6, formula = $7,
		    aggregation = $8, format = $9, synonyms = $10,
		    default_filters = $11, time_column = $12, active = $13,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = r.db.QueryRow(ctx, query,
		field.ID,
		field.DisplayName,
		nullString(field.Description),
		nullString(field.DataType),
		nullString(field.Table),
		nullString(field.Column),
		nullString(field.Formula),
		field.Aggregation,
		nullString(field.Format),
		synonyms,
		filters,
		nullString(field.TimeColumn),
		field.Active,
	).Scan(&field.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update semantic field: %w", err)
	}
	return nil
}

func (r *semanticRepository) DeactivateField(ctx context.Context, fieldID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE engine_semantic_fields SET active = false, updated_at = now() WHERE id = $1`,
		fieldID)
	if err != nil {
		return fmt.Errorf("failed to deactivate semantic field: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *semanticRepository) GetField(ctx context.Context, connectionID uuid.UUID, kind, name string) (*models.SemanticField, error) {
	query := `SELECT` + semanticFieldColumns + `
		FROM engine_semantic_fields
		WHERE connection_id = $1 AND kind = $2 AND name = $3`
	return r.scanField(r.db.QueryRow(ctx, query, connectionID, kind, name))
}

func (r *semanticRepository) GetFieldByID(ctx context.Context, fieldID uuid.UUID) (*models.SemanticField, error) {
	query := `SELECT` + semanticFieldColumns + `
		FROM engine_semantic_fields
		WHERE id = $1`
	return r.scanField(r.db.QueryRow(ctx, query, fieldID))
}

func (r *semanticRepository) ListActiveFields(ctx context.Context, connectionID uuid.UUID) ([]*models.SemanticField, error) {
	query := `SELECT` + semanticFieldColumns + `
		FROM engine_semantic_fields
		WHERE connection_id = $1 AND active = true
		ORDER BY kind, name`

	rows, err := r.db.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list semantic fields: %w", err)
	}
	defer rows.Close()

	var fields []*models.SemanticField
	for rows.Next() {
		field, err := r.scanField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	return fields, rows.Err()
}

func (r *semanticRepository) IncrementUsage(ctx context.Context, fieldID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE engine_semantic_fields SET usage_count = usage_count + 1 WHERE id = $1`,
		fieldID)
	if err != nil {
		return fmt.Errorf("failed to increment usage count: %w", err)
	}
	return nil
}

func (r *semanticRepository) GetVersion(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx,
		`SELECT version FROM engine_semantic_versions WHERE connection_id = $1`,
		connectionID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read semantic version: %w", err)
	}
	return version, nil
}

func (r *semanticRepository) BumpVersion(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO engine_semantic_versions (connection_id, version, updated_at)
		VALUES ($1, 2, now())
		ON CONFLICT (connection_id)
		DO UPDATE SET version = engine_semantic_versions.version + 1, updated_at = now()
		RETURNING version`,
		connectionID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to bump semantic version: %w", err)
	}
	return version, nil
}

// rowScanner lets scanField work over both QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *semanticRepository) scanField(row rowScanner) (*models.SemanticField, error) {
	var (
		field       models.SemanticField
		description *string
		dataType    *string
		tableName   *string
		columnName  *string
		formula     *string
		format      *string
		timeColumn  *string
		synonyms    []byte
		filters     []byte
	)

	err := row.Scan(
		&field.ID, &field.ConnectionID, &field.Kind, &field.Name,
		&field.DisplayName, &description, &dataType, &tableName,
		&columnName, &formula, &field.Aggregation, &format, &synonyms,
		&filters, &timeColumn, &field.UsageCount, &field.Active,
		&field.CreatedAt, &field.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan semantic field: %w", err)
	}

	if description != nil {
		field.Description = *description
	}
	if dataType != nil {
		field.DataType = *dataType
	}
	if tableName != nil {
		field.Table = *tableName
	}
	if columnName != nil {
		field.Column = *columnName
	}
	if formula != nil {
		field.Formula = *formula
	}
	if format != nil {
		field.Format = *format
	}
	if timeColumn != nil {
		field.TimeColumn = *timeColumn
	}
	if err := scanJSON(synonyms, &field.Synonyms); err != nil {
		return nil, err
	}
	if err := scanJSON(filters, &field.DefaultFilters); err != nil {
		return nil, err
	}
	return &field, nil
}
