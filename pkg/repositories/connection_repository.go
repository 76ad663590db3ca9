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

// ConnectionRepository provides data access for warehouse connections
// and their cached schema snapshots.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *models.Connection) error
	Update(ctx context.Context, conn *models.Connection) error
	Delete(ctx context.Context, connectionID uuid.UUID) error
	GetByID(ctx context.Context, connectionID uuid.UUID) (*models.Connection, error)
	List(ctx context.Context) ([]*models.Connection, error)

	SaveSnapshot(ctx context.Context, snapshot *models.SchemaSnapshot) error
	GetSnapshot(ctx context.Context, connectionID uuid.UUID) (*models.SchemaSnapshot, error)
}

type connectionRepository struct {
	db *database.DB
}

// NewConnectionRepository creates a new ConnectionRepository.
func NewConnectionRepository(db *database.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

var _ ConnectionRepository = (*connectionRepository)(nil)

func (r *connectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	config, err := jsonbValue(conn.Config)
	if err != nil {
		return err
	}

	now := time.Now()
	err = r.db.QueryRow(ctx, `
		INSERT INTO engine_connections (name, dialect, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		conn.Name, conn.Dialect, config, now, now,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) Update(ctx context.Context, conn *models.Connection) error {
	config, err := jsonbValue(conn.Config)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(ctx, `
		UPDATE engine_connections
		SET name = $2, dialect = $3, config = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		conn.ID, conn.Name, conn.Dialect, config,
	).Scan(&conn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) Delete(ctx context.Context, connectionID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM engine_connections WHERE id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) GetByID(ctx context.Context, connectionID uuid.UUID) (*models.Connection, error) {
	var (
		conn   models.Connection
		config []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, name, dialect, config, created_at, updated_at
		FROM engine_connections
		WHERE id = $1`,
		connectionID,
	).Scan(&conn.ID, &conn.Name, &conn.Dialect, &config, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrConnectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if err := scanJSON(config, &conn.Config); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *connectionRepository) List(ctx context.Context) ([]*models.Connection, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, dialect, config, created_at, updated_at
		FROM engine_connections
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		var (
			conn   models.Connection
			config []byte
		)
		if err := rows.Scan(&conn.ID, &conn.Name, &conn.Dialect, &config, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		if err := scanJSON(config, &conn.Config); err != nil {
			return nil, err
		}
		conns = append(conns, &conn)
	}
	return conns, rows.Err()
}

func (r *connectionRepository) SaveSnapshot(ctx context.Context, snapshot *models.SchemaSnapshot) error {
	tables, err := jsonbValue(snapshot.Tables)
	if err != nil {
		return err
	}
	fks, err := jsonbValue(snapshot.ForeignKeys)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO engine_schema_snapshots (connection_id, tables, foreign_keys, captured_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (connection_id)
		DO UPDATE SET tables = $2, foreign_keys = $3, captured_at = $4`,
		snapshot.ConnectionID, tables, fks, snapshot.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to save schema snapshot: %w", err)
	}
	return nil
}

func (r *connectionRepository) GetSnapshot(ctx context.Context, connectionID uuid.UUID) (*models.SchemaSnapshot, error) {
	var (
		snapshot models.SchemaSnapshot
		tables   []byte
		fks      []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT connection_id, tables, foreign_keys, captured_at
		FROM engine_schema_snapshots
		WHERE connection_id = $1`,
		connectionID,
	).Scan(&snapshot.ConnectionID, &tables, &fks, &snapshot.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schema snapshot: %w", err)
	}
	if err := scanJSON(tables, &snapshot.Tables); err != nil {
		return nil, err
	}
	if err := scanJSON(fks, &snapshot.ForeignKeys); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
