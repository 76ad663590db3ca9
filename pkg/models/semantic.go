package models

import (
	"time"

	"github.com/google/uuid"
)

// Field kinds distinguish measures from grouping attributes.
const (
	FieldKindMetric    = "metric"
	FieldKindDimension = "dimension"
)

// Aggregation values for semantic metrics.
const (
	AggSum        = "sum"
	AggAvg        = "avg"
	AggMin        = "min"
	AggMax        = "max"
	AggCount      = "count"
	AggCalculated = "calculated"
	AggNone       = "none"
)

// Display formats for semantic fields.
const (
	FormatCurrency   = "currency"
	FormatPercentage = "percentage"
	FormatNumber     = "number"
	FormatDate       = "date"
	FormatText       = "text"
)

// Filter is a predicate attached to a semantic field as a default
// constraint, e.g. status = 'completed' on a revenue metric.
type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// SemanticField is one canonical business field bound to a physical
// column or, for calculated metrics, to a formula.
// Identity is (connection_id, kind, name).
type SemanticField struct {
	ID             uuid.UUID `json:"id"`
	ConnectionID   uuid.UUID `json:"connection_id"`
	Kind           string    `json:"kind"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Description    string    `json:"description,omitempty"`
	DataType       string    `json:"data_type,omitempty"`
	Table          string    `json:"table,omitempty"`
	Column         string    `json:"column,omitempty"`
	Formula        string    `json:"formula,omitempty"`
	Aggregation    string    `json:"aggregation"`
	Format         string    `json:"format,omitempty"`
	Synonyms       []string  `json:"synonyms,omitempty"`
	DefaultFilters []Filter  `json:"default_filters,omitempty"`
	TimeColumn     string    `json:"time_column,omitempty"`
	UsageCount     int       `json:"usage_count"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsCalculated reports whether the metric is defined by a formula
// rather than a (table, column, aggregation) binding.
func (f *SemanticField) IsCalculated() bool {
	return f.Aggregation == AggCalculated
}

// EmbeddingText builds the text embedded into the vector store for
// fuzzy field search: display name, description and synonyms.
func (f *SemanticField) EmbeddingText() string {
	text := f.DisplayName
	if f.Description != "" {
		text += ". " + f.Description
	}
	for _, s := range f.Synonyms {
		text += ". " + s
	}
	return text
}

// SemanticContext is the resolved semantic layer for one connection:
// all active fields plus the schema join graph, tagged with a monotonic
// version used as a cache-key component.
type SemanticContext struct {
	ConnectionID uuid.UUID
	Version      int64
	Metrics      map[string]*SemanticField
	Dimensions   map[string]*SemanticField
	Synonyms     []LearnedSynonym
	Schema       *SchemaSnapshot
}

// Metric returns the named active metric, or nil.
func (c *SemanticContext) Metric(name string) *SemanticField {
	return c.Metrics[name]
}

// Dimension returns the named active dimension, or nil.
func (c *SemanticContext) Dimension(name string) *SemanticField {
	return c.Dimensions[name]
}

// FirstCoreMetric returns the most-used active metric, used as the
// smart default when a question names an entity but no measure.
func (c *SemanticContext) FirstCoreMetric() *SemanticField {
	var best *SemanticField
	for _, m := range c.Metrics {
		if best == nil || m.UsageCount > best.UsageCount ||
			(m.UsageCount == best.UsageCount && m.Name < best.Name) {
			best = m
		}
	}
	return best
}

// LearnedSynonym maps a user's term to a canonical field name with a
// confidence score maintained as an exponential moving average.
type LearnedSynonym struct {
	ConnectionID  uuid.UUID `json:"connection_id"`
	UserTerm      string    `json:"user_term"`
	CanonicalName string    `json:"canonical_name"`
	Confidence    float64   `json:"confidence"`
	LastSeen      time.Time `json:"last_seen"`
}
