package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/llm"
	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/repositories"
)

// Vector store tuning. Matches below the threshold are treated as
// misses; confidence moves as an exponential moving average so one
// confirmation never saturates a mapping.
const (
	fieldMatchThreshold  = 0.6
	querySampleThreshold = 0.8
	synonymEMAAlpha      = 0.3
	synonymInitial       = 0.5
)

// VectorStore resolves fuzzy user terms against semantic fields and
// maintains the learned-synonym substrate.
type VectorStore interface {
	// SearchFields embeds the term and returns semantic fields above
	// the similarity threshold, best first.
	SearchFields(ctx context.Context, connectionID uuid.UUID, term string, limit int) ([]repositories.FieldMatch, error)

	// RecordSynonym confirms that userTerm meant canonicalName.
	// Confidence is EMA-updated toward 1 on each confirmation.
	RecordSynonym(ctx context.Context, connectionID uuid.UUID, userTerm, canonicalName string) error

	// RecordQuerySample stores a successful (question, plan) pair.
	RecordQuerySample(ctx context.Context, connectionID uuid.UUID, question string, plan *models.QueryPlan) error

	// SimilarQueries returns previously answered questions close to
	// this one, for prompt few-shot context.
	SimilarQueries(ctx context.Context, connectionID uuid.UUID, question string, limit int) ([]repositories.QuerySample, error)
}

type vectorStore struct {
	repo     repositories.VectorRepository
	embedder llm.Embedder
	logger   *zap.Logger
}

// NewVectorStore creates a VectorStore.
func NewVectorStore(repo repositories.VectorRepository, embedder llm.Embedder, logger *zap.Logger) VectorStore {
	return &vectorStore{repo: repo, embedder: embedder, logger: logger.Named("vectors")}
}

var _ VectorStore = (*vectorStore)(nil)

func (v *vectorStore) SearchFields(ctx context.Context, connectionID uuid.UUID, term string, limit int) ([]repositories.FieldMatch, error) {
	embedding, err := v.embedder.CreateEmbedding(ctx, normalizeTerm(term))
	if err != nil {
		return nil, err
	}
	return v.repo.SearchFields(ctx, connectionID, embedding, fieldMatchThreshold, limit)
}

func (v *vectorStore) RecordSynonym(ctx context.Context, connectionID uuid.UUID, userTerm, canonicalName string) error {
	userTerm = normalizeTerm(userTerm)
	if userTerm == "" || userTerm == canonicalName {
		return nil
	}

	existing, err := v.repo.GetSynonym(ctx, connectionID, userTerm)
	if err != nil {
		return err
	}

	syn := &models.LearnedSynonym{
		ConnectionID:  connectionID,
		UserTerm:      userTerm,
		CanonicalName: canonicalName,
		Confidence:    synonymInitial,
		LastSeen:      time.Now().UTC(),
	}
	if existing != nil {
		if existing.CanonicalName == canonicalName {
			// Confirmation moves confidence toward 1.
			syn.Confidence = existing.Confidence + synonymEMAAlpha*(1-existing.Confidence)
		} else {
			// The term now maps elsewhere; restart low.
			syn.Confidence = synonymInitial * existing.Confidence
			if syn.Confidence < 0.1 {
				syn.Confidence = 0.1
			}
		}
	}

	v.logger.Debug("synonym recorded",
		zap.String("user_term", userTerm),
		zap.String("canonical", canonicalName),
		zap.Float64("confidence", syn.Confidence))
	return v.repo.UpsertSynonym(ctx, syn)
}

func (v *vectorStore) RecordQuerySample(ctx context.Context, connectionID uuid.UUID, question string, plan *models.QueryPlan) error {
	embedding, err := v.embedder.CreateEmbedding(ctx, normalizeTerm(question))
	if err != nil {
		return err
	}
	return v.repo.InsertQuerySample(ctx, connectionID, question, plan, embedding)
}

func (v *vectorStore) SimilarQueries(ctx context.Context, connectionID uuid.UUID, question string, limit int) ([]repositories.QuerySample, error) {
	embedding, err := v.embedder.CreateEmbedding(ctx, normalizeTerm(question))
	if err != nil {
		return nil, err
	}
	return v.repo.SearchQuerySamples(ctx, connectionID, embedding, querySampleThreshold, limit)
}

// normalizeTerm lowercases and collapses whitespace so embeddings and
// synonym keys are stable across trivially different spellings.
func normalizeTerm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
