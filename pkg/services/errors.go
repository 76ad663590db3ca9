// Package services implements the query orchestration pipeline: intent
// extraction, plan validation, SQL synthesis, validation, row-level
// security injection, governed execution, analytics and pagination.
package services

import "fmt"

// Error kinds surfaced on failed requests.
const (
	KindValidation    = "VALIDATION_ERROR"
	KindPlan          = "PLAN_ERROR"
	KindSQLGeneration = "SQL_GENERATION_ERROR"
	KindExecution     = "EXECUTION_ERROR"
	KindLLM           = "LLM_ERROR"
	KindAnalytics     = "ANALYTICS_ERROR"
	KindAuth          = "AUTH_ERROR"
	KindOverloaded    = "OVERLOADED"
	KindUnknown       = "UNKNOWN_ERROR"
)

// Pipeline stage names, in execution order. They key stage timings and
// locate failures.
const (
	StageSemanticContext   = "semantic_context"
	StageQueryPlanning     = "query_planning"
	StagePlanValidation    = "plan_validation"
	StageSQLGeneration     = "sql_generation"
	StageSQLValidation     = "sql_validation"
	StageRLSInjection      = "rls_injection"
	StageSQLValidationPost = "sql_validation_post"
	StageQueryExecution    = "query_execution"
	StageAnalytics         = "analytics"
	StagePagination        = "pagination"
)

// StageError is a pipeline failure pinned to the stage that raised it.
// Debug carries internals (prompts, raw SQL, validator output) that are
// logged but only exposed to callers in non-production environments.
type StageError struct {
	Kind    string
	Stage   string
	Message string
	Debug   map[string]any
	Cause   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError builds a StageError without debug payload.
func NewStageError(kind, stage, message string, cause error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

// WithDebug attaches one debug key to the error and returns it.
func (e *StageError) WithDebug(key string, value any) *StageError {
	if e.Debug == nil {
		e.Debug = make(map[string]any)
	}
	e.Debug[key] = value
	return e
}
