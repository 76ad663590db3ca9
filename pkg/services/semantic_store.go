package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/llm"
	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/repositories"
)

// Actor identifies who performs a configuration mutation, for the
// audit trail.
type Actor = models.AuditActor

// SemanticStore manages the semantic layer: canonical metrics and
// dimensions, calculated formulas, and the resolved per-connection
// context the pipeline consumes.
type SemanticStore interface {
	CreateField(ctx context.Context, actor Actor, field *models.SemanticField) error
	UpdateField(ctx context.Context, actor Actor, field *models.SemanticField) error
	DeactivateField(ctx context.Context, actor Actor, fieldID uuid.UUID) error

	// Resolve builds the SemanticContext for a connection against the
	// given schema snapshot. Calculated metrics whose formulas no
	// longer bind to the schema are excluded and logged; they stay
	// stored for repair.
	Resolve(ctx context.Context, connectionID uuid.UUID, schema *models.SchemaSnapshot) (*models.SemanticContext, error)

	// RecordUsage bumps a field's usage counter after a successful
	// query. Part of the learning substrate; never mutates meaning.
	RecordUsage(ctx context.Context, fieldID uuid.UUID) error

	// SuggestFields proposes semantic fields from a schema snapshot so a
	// new connection does not start from an empty layer. Suggestions are
	// drafts; nothing is persisted until CreateField.
	SuggestFields(connectionID uuid.UUID, schema *models.SchemaSnapshot) []*models.SemanticField
}

type semanticStore struct {
	repo     repositories.SemanticRepository
	vectors  repositories.VectorRepository
	rlsRepo  repositories.RLSRepository
	embedder llm.Embedder
	logger   *zap.Logger
}

// NewSemanticStore creates a SemanticStore.
func NewSemanticStore(
	repo repositories.SemanticRepository,
	vectors repositories.VectorRepository,
	rlsRepo repositories.RLSRepository,
	embedder llm.Embedder,
	logger *zap.Logger,
) SemanticStore {
	return &semanticStore{
		repo:     repo,
		vectors:  vectors,
		rlsRepo:  rlsRepo,
		embedder: embedder,
		logger:   logger.Named("semantic"),
	}
}

var _ SemanticStore = (*semanticStore)(nil)

// minSynonymConfidence is the floor below which learned synonyms are
// not loaded into the resolved context.
const minSynonymConfidence = 0.3

func (s *semanticStore) CreateField(ctx context.Context, actor Actor, field *models.SemanticField) error {
	if err := s.checkFormula(field, nil); err != nil {
		return err
	}
	field.Active = true

	if err := s.repo.CreateField(ctx, field); err != nil {
		return err
	}
	s.afterMutation(ctx, actor, models.AuditActionCreate, field, nil)
	return nil
}

func (s *semanticStore) UpdateField(ctx context.Context, actor Actor, field *models.SemanticField) error {
	if err := s.checkFormula(field, nil); err != nil {
		return err
	}

	old, err := s.repo.GetFieldByID(ctx, field.ID)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateField(ctx, field); err != nil {
		return err
	}
	s.afterMutation(ctx, actor, models.AuditActionUpdate, field, old)
	return nil
}

func (s *semanticStore) DeactivateField(ctx context.Context, actor Actor, fieldID uuid.UUID) error {
	old, err := s.repo.GetFieldByID(ctx, fieldID)
	if err != nil {
		return err
	}
	if err := s.repo.DeactivateField(ctx, fieldID); err != nil {
		return err
	}
	if err := s.vectors.DeleteFieldEmbedding(ctx, fieldID); err != nil {
		s.logger.Warn("failed to delete field embedding", zap.Error(err))
	}
	s.audit(ctx, actor, models.AuditActionDeactivate, old, old)
	if _, err := s.repo.BumpVersion(ctx, old.ConnectionID); err != nil {
		return err
	}
	return nil
}

func (s *semanticStore) RecordUsage(ctx context.Context, fieldID uuid.UUID) error {
	return s.repo.IncrementUsage(ctx, fieldID)
}

func (s *semanticStore) Resolve(ctx context.Context, connectionID uuid.UUID, schema *models.SchemaSnapshot) (*models.SemanticContext, error) {
	fields, err := s.repo.ListActiveFields(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	version, err := s.repo.GetVersion(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	sc := &models.SemanticContext{
		ConnectionID: connectionID,
		Version:      version,
		Metrics:      make(map[string]*models.SemanticField),
		Dimensions:   make(map[string]*models.SemanticField),
		Schema:       schema,
	}

	for _, field := range fields {
		if field.IsCalculated() {
			formula, err := ParseFormula(field.Formula)
			if err == nil {
				err = formula.Validate(schema)
			}
			if err != nil {
				s.logger.Warn("calculated metric excluded from context",
					zap.String("name", field.Name),
					zap.String("connection_id", connectionID.String()),
					zap.Error(err))
				continue
			}
		} else if field.Table != "" && !schema.HasTable(field.Table) {
			s.logger.Warn("field excluded, base table missing from schema",
				zap.String("name", field.Name),
				zap.String("table", field.Table))
			continue
		}

		switch field.Kind {
		case models.FieldKindMetric:
			sc.Metrics[field.Name] = field
		case models.FieldKindDimension:
			sc.Dimensions[field.Name] = field
		}
	}

	synonyms, err := s.vectors.ListSynonyms(ctx, connectionID, minSynonymConfidence)
	if err != nil {
		s.logger.Warn("failed to load learned synonyms", zap.Error(err))
	} else {
		sc.Synonyms = synonyms
	}

	return sc, nil
}

// checkFormula parses the formula of a calculated metric and verifies
// the declared base table matches it.
func (s *semanticStore) checkFormula(field *models.SemanticField, schema *models.SchemaSnapshot) error {
	if !field.IsCalculated() {
		return nil
	}
	if field.Formula == "" {
		return fmt.Errorf("calculated metric %q requires a formula", field.Name)
	}
	formula, err := ParseFormula(field.Formula)
	if err != nil {
		return fmt.Errorf("formula for %q: %w", field.Name, err)
	}
	if field.Table == "" {
		field.Table = formula.BaseTable
	} else if field.Table != formula.BaseTable {
		return fmt.Errorf("formula for %q binds to table %q, field declares %q", field.Name, formula.BaseTable, field.Table)
	}
	if schema != nil {
		if err := formula.Validate(schema); err != nil {
			return err
		}
	}
	return nil
}

// afterMutation embeds the field text, writes the audit row and bumps
// the semantic version. Embedding failures are logged, not fatal; the
// field still resolves by exact name.
func (s *semanticStore) afterMutation(ctx context.Context, actor Actor, action string, field, old *models.SemanticField) {
	embedding, err := s.embedder.CreateEmbedding(ctx, field.EmbeddingText())
	if err != nil {
		s.logger.Warn("failed to embed semantic field",
			zap.String("name", field.Name), zap.Error(err))
	} else if err := s.vectors.UpsertFieldEmbedding(ctx, field, embedding); err != nil {
		s.logger.Warn("failed to store field embedding",
			zap.String("name", field.Name), zap.Error(err))
	}

	s.audit(ctx, actor, action, field, old)

	if _, err := s.repo.BumpVersion(ctx, field.ConnectionID); err != nil {
		s.logger.Error("failed to bump semantic version",
			zap.String("connection_id", field.ConnectionID.String()), zap.Error(err))
	}
}

func (s *semanticStore) audit(ctx context.Context, actor Actor, action string, field, old *models.SemanticField) {
	newValue, _ := json.Marshal(field)
	record := &models.AuditRecord{
		Who:        actor.UserID,
		When:       time.Now().UTC(),
		Action:     action,
		EntityType: "semantic_field",
		EntityID:   field.ID.String(),
		NewValue:   newValue,
		IP:         actor.IP,
		UserAgent:  actor.UserAgent,
	}
	if old != nil {
		record.OldValue, _ = json.Marshal(old)
	}
	if err := s.rlsRepo.AppendAudit(ctx, record); err != nil {
		s.logger.Error("failed to append audit record", zap.Error(err))
	}
}

// IsNotFound reports whether err is the repository not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
