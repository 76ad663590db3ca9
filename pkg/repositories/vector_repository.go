package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/lumenbi/lumen-engine/pkg/database"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

// FieldMatch is one vector search hit: a semantic field and its cosine
// similarity to the query embedding.
type FieldMatch struct {
	FieldID    uuid.UUID `json:"field_id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Similarity float64   `json:"similarity"`
}

// VectorRepository provides pgvector-backed storage for field
// embeddings and learned synonyms.
type VectorRepository interface {
	// UpsertFieldEmbedding stores the embedding for a semantic field's
	// descriptive text.
	UpsertFieldEmbedding(ctx context.Context, field *models.SemanticField, embedding []float32) error

	// DeleteFieldEmbedding removes the embedding when a field is
	// deactivated.
	DeleteFieldEmbedding(ctx context.Context, fieldID uuid.UUID) error

	// SearchFields returns fields ordered by cosine similarity to the
	// query embedding, above the threshold.
	SearchFields(ctx context.Context, connectionID uuid.UUID, embedding []float32, threshold float64, limit int) ([]FieldMatch, error)

	// UpsertSynonym stores a learned user-term mapping with its
	// current confidence.
	UpsertSynonym(ctx context.Context, syn *models.LearnedSynonym) error

	// GetSynonym returns the stored mapping for a user term, or nil.
	GetSynonym(ctx context.Context, connectionID uuid.UUID, userTerm string) (*models.LearnedSynonym, error)

	// ListSynonyms returns mappings at or above the confidence floor.
	ListSynonyms(ctx context.Context, connectionID uuid.UUID, minConfidence float64) ([]models.LearnedSynonym, error)

	// InsertQuerySample stores a successful (question, plan) pair with
	// the question's embedding for similar-question retrieval.
	InsertQuerySample(ctx context.Context, connectionID uuid.UUID, question string, plan *models.QueryPlan, embedding []float32) error

	// SearchQuerySamples returns stored questions similar to the query
	// embedding with their plans.
	SearchQuerySamples(ctx context.Context, connectionID uuid.UUID, embedding []float32, threshold float64, limit int) ([]QuerySample, error)
}

// QuerySample is one stored question with its extracted plan.
type QuerySample struct {
	Question   string            `json:"question"`
	Plan       *models.QueryPlan `json:"plan"`
	Similarity float64           `json:"similarity"`
}

type vectorRepository struct {
	db *database.DB
}

// NewVectorRepository creates a new VectorRepository.
func NewVectorRepository(db *database.DB) VectorRepository {
	return &vectorRepository{db: db}
}

var _ VectorRepository = (*vectorRepository)(nil)

func (r *vectorRepository) UpsertFieldEmbedding(ctx context.Context, field *models.SemanticField, embedding []float32) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO engine_field_embeddings (field_id, connection_id, kind, name, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (field_id)
		DO UPDATE SET content = $5, embedding = $6, updated_at = now()`,
		field.ID, field.ConnectionID, field.Kind, field.Name,
		field.EmbeddingText(), pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("failed to upsert field embedding: %w", err)
	}
	return nil
}

func (r *vectorRepository) DeleteFieldEmbedding(ctx context.Context, fieldID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM engine_field_embeddings WHERE field_id = $1`, fieldID)
	if err != nil {
		return fmt.Errorf("failed to delete field embedding: %w", err)
	}
	return nil
}

func (r *vectorRepository) SearchFields(ctx context.Context, connectionID uuid.UUID, embedding []float32, threshold float64, limit int) ([]FieldMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.db.Query(ctx, `
		SELECT field_id, kind, name, 1 - (embedding <=> $2::vector) AS similarity
		FROM engine_field_embeddings
		WHERE connection_id = $1
		  AND 1 - (embedding <=> $2::vector) >= $3
		ORDER BY similarity DESC
		LIMIT $4`,
		connectionID, pgvector.NewVector(embedding), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search field embeddings: %w", err)
	}
	defer rows.Close()

	var matches []FieldMatch
	for rows.Next() {
		var m FieldMatch
		if err := rows.Scan(&m.FieldID, &m.Kind, &m.Name, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan field match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (r *vectorRepository) UpsertSynonym(ctx context.Context, syn *models.LearnedSynonym) error {
	if syn.LastSeen.IsZero() {
		syn.LastSeen = time.Now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO engine_learned_synonyms (connection_id, user_term, canonical_name, confidence, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id, user_term)
		DO UPDATE SET canonical_name = $3, confidence = $4, last_seen = $5`,
		syn.ConnectionID, syn.UserTerm, syn.CanonicalName, syn.Confidence, syn.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert synonym: %w", err)
	}
	return nil
}

func (r *vectorRepository) GetSynonym(ctx context.Context, connectionID uuid.UUID, userTerm string) (*models.LearnedSynonym, error) {
	var syn models.LearnedSynonym
	err := r.db.QueryRow(ctx, `
		SELECT connection_id, user_term, canonical_name, confidence, last_seen
		FROM engine_learned_synonyms
		WHERE connection_id = $1 AND user_term = $2`,
		connectionID, userTerm,
	).Scan(&syn.ConnectionID, &syn.UserTerm, &syn.CanonicalName, &syn.Confidence, &syn.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get synonym: %w", err)
	}
	return &syn, nil
}

func (r *vectorRepository) ListSynonyms(ctx context.Context, connectionID uuid.UUID, minConfidence float64) ([]models.LearnedSynonym, error) {
	rows, err := r.db.Query(ctx, `
		SELECT connection_id, user_term, canonical_name, confidence, last_seen
		FROM engine_learned_synonyms
		WHERE connection_id = $1 AND confidence >= $2
		ORDER BY confidence DESC, user_term`,
		connectionID, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to list synonyms: %w", err)
	}
	defer rows.Close()

	var synonyms []models.LearnedSynonym
	for rows.Next() {
		var syn models.LearnedSynonym
		if err := rows.Scan(&syn.ConnectionID, &syn.UserTerm, &syn.CanonicalName,
			&syn.Confidence, &syn.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan synonym: %w", err)
		}
		synonyms = append(synonyms, syn)
	}
	return synonyms, rows.Err()
}

func (r *vectorRepository) InsertQuerySample(ctx context.Context, connectionID uuid.UUID, question string, plan *models.QueryPlan, embedding []float32) error {
	planJSON, err := jsonbValue(plan)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO engine_query_samples (connection_id, question, plan, embedding, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (connection_id, question)
		DO UPDATE SET plan = $3, embedding = $4, created_at = now()`,
		connectionID, question, planJSON, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("failed to insert query sample: %w", err)
	}
	return nil
}

func (r *vectorRepository) SearchQuerySamples(ctx context.Context, connectionID uuid.UUID, embedding []float32, threshold float64, limit int) ([]QuerySample, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := r.db.Query(ctx, `
		SELECT question, plan, 1 - (embedding <=> $2::vector) AS similarity
		FROM engine_query_samples
		WHERE connection_id = $1
		  AND 1 - (embedding <=> $2::vector) >= $3
		ORDER BY similarity DESC
		LIMIT $4`,
		connectionID, pgvector.NewVector(embedding), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search query samples: %w", err)
	}
	defer rows.Close()

	var samples []QuerySample
	for rows.Next() {
		var (
			s    QuerySample
			plan []byte
		)
		if err := rows.Scan(&s.Question, &plan, &s.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan query sample: %w", err)
		}
		if err := scanJSON(plan, &s.Plan); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
