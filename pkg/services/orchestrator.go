package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/config"
	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/repositories"
	"github.com/lumenbi/lumen-engine/pkg/sqlcheck"
)

// Engine is the query orchestration pipeline. Query never returns an
// error; failures surface as a structured PipelineError on the
// response.
type Engine interface {
	Query(ctx context.Context, req *models.QueryRequest) *models.QueryResponse
}

// EngineParams collects the pipeline's collaborators.
type EngineParams struct {
	Connections repositories.ConnectionRepository
	Schemas     SchemaRegistry
	Semantics   SemanticStore
	Users       UserContextLoader
	Intents     IntentExtractor
	Plans       PlanValidator
	Synth       Synthesizer
	RLS         RLSEngine
	Exec        Executor
	Analytics   AnalyticsEngine
	Vectors     VectorStore
}

type engine struct {
	deps EngineParams

	requestTimeout  time.Duration
	maxRowLimit     int
	validationLevel string
	exposeDebug     bool

	inflight chan struct{}
	logger   *zap.Logger
}

// NewEngine creates the pipeline. The inflight semaphore bounds
// concurrent requests; the request beyond the bound is rejected
// immediately as OVERLOADED rather than queued.
func NewEngine(deps EngineParams, cfg config.EngineConfig, env string, logger *zap.Logger) Engine {
	return &engine{
		deps:            deps,
		requestTimeout:  cfg.RequestTimeout(),
		maxRowLimit:     cfg.MaxRowLimit,
		validationLevel: cfg.ValidationLevel,
		exposeDebug:     env != "production",
		inflight:        make(chan struct{}, cfg.MaxInflight),
		logger:          logger.Named("engine"),
	}
}

var _ Engine = (*engine)(nil)

func (e *engine) Query(ctx context.Context, req *models.QueryRequest) *models.QueryResponse {
	resp := &models.QueryResponse{
		RequestID: uuid.NewString(),
		Performance: models.Performance{
			StageTimingsMs: make(map[string]int64),
		},
	}
	start := time.Now()
	defer func() {
		resp.Performance.TotalMs = time.Since(start).Milliseconds()
	}()

	select {
	case e.inflight <- struct{}{}:
		defer func() { <-e.inflight }()
	default:
		return e.failure(resp, NewStageError(KindOverloaded, StageQueryPlanning,
			"engine is at capacity, try again shortly", nil))
	}

	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	if err := e.run(ctx, req, resp); err != nil {
		return e.failure(resp, err)
	}

	resp.Success = true
	e.logger.Info("query answered",
		zap.String("request_id", resp.RequestID),
		zap.String("user_id", req.UserID),
		zap.Int64("total_ms", resp.Performance.TotalMs),
		zap.Bool("plan_cached", resp.Performance.PlanCached),
		zap.Bool("result_cached", resp.Performance.ResultCached))
	return resp
}

func (e *engine) run(ctx context.Context, req *models.QueryRequest, resp *models.QueryResponse) error {
	var (
		conn       *models.Connection
		uc         *models.UserContext
		sc         *models.SemanticContext
		extraction *models.ExtractionResult
		stmt       *SelectStatement
		rs         *models.ResultSet
	)

	err := e.stage(resp, StageSemanticContext, func() error {
		var err error
		conn, err = e.deps.Connections.GetByID(ctx, req.ConnectionID)
		if err != nil {
			if errors.Is(err, apperrors.ErrConnectionNotFound) {
				return NewStageError(KindValidation, StageSemanticContext,
					"connection not found", err)
			}
			return NewStageError(KindUnknown, StageSemanticContext,
				"connection lookup failed", err)
		}

		uc, err = e.deps.Users.Load(ctx, req.UserID, req.ConnectionID)
		if err != nil {
			return NewStageError(KindAuth, StageSemanticContext,
				"user context could not be loaded", err)
		}

		schema, err := e.deps.Schemas.Snapshot(ctx, req.ConnectionID)
		if err != nil {
			return NewStageError(KindUnknown, StageSemanticContext,
				"schema snapshot unavailable", err)
		}

		sc, err = e.deps.Semantics.Resolve(ctx, req.ConnectionID, schema)
		if err != nil {
			return NewStageError(KindUnknown, StageSemanticContext,
				"semantic layer could not be resolved", err)
		}
		if len(sc.Metrics) == 0 {
			return NewStageError(KindValidation, StageSemanticContext,
				"connection has no semantic metrics defined", nil)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = e.stage(resp, StageQueryPlanning, func() error {
		var err error
		extraction, err = e.deps.Intents.Extract(ctx, req, sc, uc)
		if err != nil {
			return err
		}
		resp.QueryPlan = extraction.Plan
		resp.Performance.PlanCached = extraction.PlanCached
		return nil
	})
	if err != nil {
		return err
	}

	// A clarification request is an answer, not a failure. The plan
	// carries the question back; no SQL is synthesized for it.
	if extraction.Plan.NeedsClarification {
		e.logger.Info("clarification requested",
			zap.String("request_id", resp.RequestID),
			zap.String("question", extraction.Plan.ClarificationQuestion))
		return nil
	}

	if err := e.stage(resp, StagePlanValidation, func() error {
		return e.deps.Plans.Validate(extraction.Plan, sc)
	}); err != nil {
		return err
	}

	err = e.stage(resp, StageSQLGeneration, func() error {
		dialect, err := datasource.DialectFor(conn.Dialect)
		if err != nil {
			return NewStageError(KindSQLGeneration, StageSQLGeneration,
				"dialect has no SQL renderer", err)
		}
		stmt, err = e.deps.Synth.Synthesize(extraction.Plan, sc, dialect)
		return err
	})
	if err != nil {
		return err
	}

	validator := sqlcheck.New(sqlcheck.Config{
		Level:        e.levelFor(req),
		Dialect:      conn.Dialect,
		MaxRowLimit:  e.maxRowLimit,
		RequireLimit: true,
	}, e.logger)

	if err := e.stage(resp, StageSQLValidation, func() error {
		return e.checkSQL(validator, stmt, sc, StageSQLValidation)
	}); err != nil {
		return err
	}

	if req.RLS() {
		if err := e.stage(resp, StageRLSInjection, func() error {
			return e.deps.RLS.Apply(stmt, extraction.Plan, sc, uc)
		}); err != nil {
			return err
		}

		// The statement changed; it must pass the same gate again.
		if err := e.stage(resp, StageSQLValidationPost, func() error {
			return e.checkSQL(validator, stmt, sc, StageSQLValidationPost)
		}); err != nil {
			return err
		}
	}

	err = e.stage(resp, StageQueryExecution, func() error {
		var err error
		rs, err = e.deps.Exec.Execute(ctx, conn, stmt.SQL(), stmt.Params(), uc, sc.Version, req.Caching())
		if err != nil {
			return err
		}
		resp.SQL = stmt.SQL()
		resp.Columns = rs.Columns
		resp.Performance.ResultCached = rs.Cached
		return nil
	})
	if err != nil {
		return err
	}

	// Analytics run over the full result set, before the pagination
	// window; a failure here degrades the response, never fails it.
	if req.Analytics() && rs.RowCount > 0 {
		_ = e.stage(resp, StageAnalytics, func() error {
			report, err := e.deps.Analytics.Analyze(rs, extraction.Plan)
			if err != nil {
				e.logger.Warn("analytics skipped",
					zap.String("request_id", resp.RequestID), zap.Error(err))
				return nil
			}
			resp.Analytics = report
			return nil
		})
	}

	_ = e.stage(resp, StagePagination, func() error {
		resp.Results, resp.Pagination = paginate(rs, req)
		return nil
	})

	e.learn(ctx, req, sc, extraction)
	return nil
}

// checkSQL adapts a validator verdict into a StageError carrying the
// findings as debug payload.
func (e *engine) checkSQL(validator *sqlcheck.Validator, stmt *SelectStatement, sc *models.SemanticContext, stage string) error {
	res := validator.Validate(stmt.SQL(), stmt.Params(), sc.Schema)
	if res.OK {
		return nil
	}
	msg := "generated SQL failed validation"
	if len(res.Errors) > 0 {
		msg = res.Errors[0].Message
	}
	return NewStageError(KindValidation, stage, msg, nil).
		WithDebug("issues", res.Errors).
		WithDebug("sql", stmt.SQL())
}

// learn feeds a successful request back into the learning substrate.
// All of it is best effort; failures are logged and swallowed.
func (e *engine) learn(ctx context.Context, req *models.QueryRequest, sc *models.SemanticContext, extraction *models.ExtractionResult) {
	if extraction.PlanCached {
		return
	}
	plan := extraction.Plan

	if metric := sc.Metric(plan.Metric); metric != nil {
		if err := e.deps.Semantics.RecordUsage(ctx, metric.ID); err != nil {
			e.logger.Warn("usage recording failed", zap.Error(err))
		}
	}
	for _, d := range plan.Dimensions {
		if dim := sc.Dimension(d); dim != nil {
			if err := e.deps.Semantics.RecordUsage(ctx, dim.ID); err != nil {
				e.logger.Warn("usage recording failed", zap.Error(err))
			}
		}
	}

	for term, canonical := range extraction.ResolvedTerms {
		if err := e.deps.Vectors.RecordSynonym(ctx, req.ConnectionID, term, canonical); err != nil {
			e.logger.Warn("synonym recording failed", zap.Error(err))
		}
	}

	if err := e.deps.Vectors.RecordQuerySample(ctx, req.ConnectionID, req.Question, plan); err != nil {
		e.logger.Warn("query sample recording failed", zap.Error(err))
	}
}

// paginate windows the full result set down to the requested page.
func paginate(rs *models.ResultSet, req *models.QueryRequest) ([]map[string]any, *models.PageInfo) {
	page, pageSize := req.PageWindow()

	from := (page - 1) * pageSize
	if from > rs.RowCount {
		from = rs.RowCount
	}
	to := from + pageSize
	if to > rs.RowCount {
		to = rs.RowCount
	}

	info := &models.PageInfo{
		Page:      page,
		PageSize:  pageSize,
		TotalRows: rs.RowCount,
		HasMore:   to < rs.RowCount,
	}
	return rs.Rows[from:to], info
}

func (e *engine) levelFor(req *models.QueryRequest) string {
	switch req.ValidationLevel {
	case models.ValidationStrict, models.ValidationModerate, models.ValidationPermissive:
		return req.ValidationLevel
	default:
		return e.validationLevel
	}
}

// stage times one pipeline stage.
func (e *engine) stage(resp *models.QueryResponse, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	resp.Performance.StageTimingsMs[name] = time.Since(start).Milliseconds()
	return err
}

// failure folds an error into the response. Unexpected error types are
// reported as UNKNOWN_ERROR without internals.
func (e *engine) failure(resp *models.QueryResponse, err error) *models.QueryResponse {
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		stageErr = NewStageError(KindUnknown, StageQueryPlanning, "internal error", err)
	}

	resp.Success = false
	resp.Error = &models.PipelineError{
		Kind:    stageErr.Kind,
		Stage:   stageErr.Stage,
		Message: stageErr.Message,
	}
	if e.exposeDebug && stageErr.Debug != nil {
		resp.Error.DebugInfo = stageErr.Debug
	}

	e.logger.Warn("query failed",
		zap.String("request_id", resp.RequestID),
		zap.String("kind", stageErr.Kind),
		zap.String("stage", stageErr.Stage),
		zap.String("message", stageErr.Message),
		zap.Error(stageErr.Cause))
	return resp
}
