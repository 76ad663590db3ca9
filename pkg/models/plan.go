package models

import "time"

// Time grains accepted in query plans. Empty means no truncation.
const (
	GrainDay     = "day"
	GrainWeek    = "week"
	GrainMonth   = "month"
	GrainQuarter = "quarter"
	GrainYear    = "year"
)

// TimeRange is either a named period (resolved by the plan validator)
// or an explicit [Start, End) window in UTC.
type TimeRange struct {
	Period string     `json:"period,omitempty"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
}

// Resolved reports whether the range carries concrete bounds.
func (r *TimeRange) Resolved() bool {
	return r != nil && r.Start != nil && r.End != nil
}

// PlanFilter is a user-requested predicate on a semantic field or a
// raw column of the metric's base table.
type PlanFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// OrderTerm orders results by a metric or dimension name.
type OrderTerm struct {
	Field     string `json:"field"`
	Direction string `json:"direction"` // "asc" or "desc"
}

// QueryPlan is the intermediate representation between the natural
// language question and SQL. Field names refer to semantic layer names,
// never physical columns.
type QueryPlan struct {
	Metric                string       `json:"metric,omitempty"`
	Dimensions            []string     `json:"dimensions,omitempty"`
	TimeRange             *TimeRange   `json:"time_range,omitempty"`
	TimeGrain             string       `json:"time_grain,omitempty"`
	Filters               []PlanFilter `json:"filters,omitempty"`
	OrderBy               []OrderTerm  `json:"order_by,omitempty"`
	Limit                 int          `json:"limit,omitempty"`
	Offset                int          `json:"offset,omitempty"`
	Intent                string       `json:"intent,omitempty"`
	Assumptions           []string     `json:"assumptions,omitempty"`
	NeedsClarification    bool         `json:"needs_clarification,omitempty"`
	ClarificationQuestion string       `json:"clarification_question,omitempty"`
}

// Clone returns a deep copy. Cached plans are cloned on both store and
// load so later normalization of one request's plan never reaches
// through shared pointers into the published cache entry.
func (p *QueryPlan) Clone() *QueryPlan {
	c := *p
	if p.TimeRange != nil {
		tr := *p.TimeRange
		if p.TimeRange.Start != nil {
			start := *p.TimeRange.Start
			tr.Start = &start
		}
		if p.TimeRange.End != nil {
			end := *p.TimeRange.End
			tr.End = &end
		}
		c.TimeRange = &tr
	}
	c.Dimensions = append([]string(nil), p.Dimensions...)
	c.Filters = append([]PlanFilter(nil), p.Filters...)
	c.OrderBy = append([]OrderTerm(nil), p.OrderBy...)
	c.Assumptions = append([]string(nil), p.Assumptions...)
	return &c
}

// ExtractionResult is the intent extractor's output.
type ExtractionResult struct {
	Plan          *QueryPlan `json:"query_plan"`
	Confidence    float64    `json:"confidence"`
	EntitiesFound []string   `json:"entities_found,omitempty"`
	PlanCached    bool       `json:"plan_cached"`

	// ResolvedTerms maps user vocabulary to the canonical field names it
	// resolved to, fed back into the synonym store after success.
	ResolvedTerms map[string]string `json:"-"`
}
