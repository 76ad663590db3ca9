package models

import "github.com/google/uuid"

// Validation levels for the SQL validator.
const (
	ValidationStrict     = "STRICT"
	ValidationModerate   = "MODERATE"
	ValidationPermissive = "PERMISSIVE"
)

// Pagination selects a window of the full result set.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// QueryRequest is a natural-language analytics question.
type QueryRequest struct {
	Question        string      `json:"question"`
	ConnectionID    uuid.UUID   `json:"connection_id"`
	UserID          string      `json:"user_id"`
	Pagination      *Pagination `json:"pagination,omitempty"`
	EnableAnalytics *bool       `json:"enable_analytics,omitempty"`
	EnableCaching   *bool       `json:"enable_caching,omitempty"`
	EnableRLS       *bool       `json:"enable_rls,omitempty"`
	Conversation    []string    `json:"conversation,omitempty"`
	ValidationLevel string      `json:"validation_level,omitempty"`
	ClientIP        string      `json:"-"`
	UserAgent       string      `json:"-"`
}

// Analytics reports whether analytics post-processing is requested.
// Defaults to true.
func (r *QueryRequest) Analytics() bool {
	return r.EnableAnalytics == nil || *r.EnableAnalytics
}

// Caching reports whether plan/result caches may be used. Defaults to
// true.
func (r *QueryRequest) Caching() bool {
	return r.EnableCaching == nil || *r.EnableCaching
}

// RLS reports whether row-level security applies. Defaults to true.
func (r *QueryRequest) RLS() bool {
	return r.EnableRLS == nil || *r.EnableRLS
}

// PageWindow returns the requested page and page size with defaults
// applied (page 1, 100 rows).
func (r *QueryRequest) PageWindow() (page, pageSize int) {
	page, pageSize = 1, 100
	if r.Pagination != nil {
		if r.Pagination.Page > 0 {
			page = r.Pagination.Page
		}
		if r.Pagination.PageSize > 0 {
			pageSize = r.Pagination.PageSize
		}
	}
	return page, pageSize
}

// PageInfo describes the returned window of the full result.
type PageInfo struct {
	Page      int  `json:"page"`
	PageSize  int  `json:"page_size"`
	TotalRows int  `json:"total_rows"`
	HasMore   bool `json:"has_more"`
}

// Performance carries stage timings and cache-hit accounting.
type Performance struct {
	TotalMs        int64            `json:"total_ms"`
	StageTimingsMs map[string]int64 `json:"stage_timings_ms"`
	PlanCached     bool             `json:"plan_cached"`
	ResultCached   bool             `json:"result_cached"`
}

// PipelineError is the typed error surfaced on failed requests.
type PipelineError struct {
	Kind      string         `json:"kind"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	DebugInfo map[string]any `json:"debug_info,omitempty"`
}

// QueryResponse is the pipeline's structured answer.
type QueryResponse struct {
	Success     bool             `json:"success"`
	RequestID   string           `json:"request_id"`
	QueryPlan   *QueryPlan       `json:"query_plan,omitempty"`
	SQL         string           `json:"sql,omitempty"`
	Results     []map[string]any `json:"results,omitempty"`
	Columns     []ColumnInfo     `json:"columns,omitempty"`
	Pagination  *PageInfo        `json:"pagination,omitempty"`
	Analytics   *AnalyticsReport `json:"analytics,omitempty"`
	Performance Performance      `json:"performance"`
	Error       *PipelineError   `json:"error,omitempty"`
}
