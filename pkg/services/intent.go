package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/cache"
	"github.com/lumenbi/lumen-engine/pkg/llm"
	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/timeperiod"
)

// IntentExtractor turns a natural-language question into a QueryPlan
// grounded in the connection's semantic layer.
type IntentExtractor interface {
	Extract(ctx context.Context, req *models.QueryRequest, sc *models.SemanticContext, uc *models.UserContext) (*models.ExtractionResult, error)
}

type intentExtractor struct {
	completer llm.Completer
	vectors   VectorStore
	planCache *cache.Sharded[*models.QueryPlan]
	fieldCap  int
	logger    *zap.Logger
}

// NewIntentExtractor creates an IntentExtractor with its plan cache.
func NewIntentExtractor(completer llm.Completer, vectors VectorStore, planCache *cache.Sharded[*models.QueryPlan], promptFieldLimit int, logger *zap.Logger) IntentExtractor {
	if promptFieldLimit <= 0 {
		promptFieldLimit = 50
	}
	return &intentExtractor{
		completer: completer,
		vectors:   vectors,
		planCache: planCache,
		fieldCap:  promptFieldLimit,
		logger:    logger.Named("intent"),
	}
}

var _ IntentExtractor = (*intentExtractor)(nil)

const intentSystemMessage = `You are a query planner for a business analytics engine.
Translate the user's question into a JSON query plan using ONLY the metrics and dimensions listed in the prompt.
Respond with a single JSON object and nothing else:
{
  "query_plan": {
    "metric": "<metric name or empty>",
    "dimensions": ["<dimension names>"],
    "time_range": {"period": "<named period like last_month, or empty>"},
    "time_grain": "<day|week|month|quarter|year or empty>",
    "filters": [{"field": "<name>", "operator": "=", "value": "<value>"}],
    "order_by": [{"field": "<name>", "direction": "asc|desc"}],
    "limit": 0,
    "intent": "<one sentence restating the question>",
    "needs_clarification": false,
    "clarification_question": ""
  },
  "confidence": 0.0,
  "entities_found": ["<tokens from the question you matched to fields>"]
}
Never invent field names. If the question is ambiguous, set needs_clarification with a concrete question.`

// llmPlanEnvelope is the strict shape expected back from the model.
type llmPlanEnvelope struct {
	Plan          models.QueryPlan `json:"query_plan"`
	Confidence    float64          `json:"confidence"`
	EntitiesFound []string         `json:"entities_found"`
}

func (e *intentExtractor) Extract(ctx context.Context, req *models.QueryRequest, sc *models.SemanticContext, uc *models.UserContext) (*models.ExtractionResult, error) {
	normalized := normalizeTerm(req.Question)
	if normalized == "" {
		return nil, NewStageError(KindValidation, StageQueryPlanning, "question is empty", nil)
	}

	cacheKey := planCacheKey(req.ConnectionID.String(), normalized, uc.Digest(), sc.Version)
	if req.Caching() {
		if cached, ok := e.planCache.Get(cacheKey); ok {
			return &models.ExtractionResult{Plan: cached.Clone(), Confidence: 1, PlanCached: true}, nil
		}
	}

	prompt := e.buildPrompt(ctx, req, sc)
	envelope, err := e.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	plan := &envelope.Plan
	result := &models.ExtractionResult{
		Plan:          plan,
		Confidence:    envelope.Confidence,
		EntitiesFound: envelope.EntitiesFound,
	}

	applyByClause(normalized, sc, plan)
	e.resolveMetric(ctx, req, sc, plan, result)
	e.resolveDimensions(sc, plan, result)
	applyOrdinal(normalized, plan)
	e.applySmartDefault(sc, plan)

	if plan.Metric == "" && !plan.NeedsClarification {
		plan.NeedsClarification = true
		plan.ClarificationQuestion = "Which metric would you like to see? " + availableMetricHint(sc)
	}

	if req.Caching() && !plan.NeedsClarification {
		e.planCache.Set(cacheKey, plan.Clone())
	}

	e.logger.Debug("plan extracted",
		zap.String("metric", plan.Metric),
		zap.Strings("dimensions", plan.Dimensions),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("needs_clarification", plan.NeedsClarification))
	return result, nil
}

// complete calls the model once and retries a single time with a
// repair instruction when the response fails strict parsing.
func (e *intentExtractor) complete(ctx context.Context, prompt string) (*llmPlanEnvelope, error) {
	raw, err := e.completer.GenerateResponse(ctx, prompt, intentSystemMessage, 0.1)
	if err != nil {
		return nil, NewStageError(KindLLM, StageQueryPlanning, "query planner call failed", err)
	}

	envelope, parseErr := llm.ParseJSONResponse[llmPlanEnvelope](raw)
	if parseErr == nil {
		return &envelope, nil
	}

	repair := prompt + "\n\nYour previous response could not be parsed as JSON (" +
		parseErr.Error() + "). Respond again with ONLY the JSON object."
	raw, err = e.completer.GenerateResponse(ctx, repair, intentSystemMessage, 0)
	if err != nil {
		return nil, NewStageError(KindLLM, StageQueryPlanning, "query planner retry failed", err)
	}
	envelope, parseErr = llm.ParseJSONResponse[llmPlanEnvelope](raw)
	if parseErr != nil {
		return nil, NewStageError(KindLLM, StageQueryPlanning, "query planner returned unparseable output", parseErr).
			WithDebug("raw_response", raw)
	}
	return &envelope, nil
}

func (e *intentExtractor) buildPrompt(ctx context.Context, req *models.QueryRequest, sc *models.SemanticContext) string {
	var b strings.Builder

	b.WriteString("## Metrics\n")
	for _, f := range topFields(sc.Metrics, e.fieldCap) {
		fmt.Fprintf(&b, "- %s", f.Name)
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		if len(f.Synonyms) > 0 {
			fmt.Fprintf(&b, " (also called: %s)", strings.Join(f.Synonyms, ", "))
		}
		b.WriteByte('\n')
	}

	b.WriteString("\n## Dimensions\n")
	for _, f := range topFields(sc.Dimensions, e.fieldCap) {
		fmt.Fprintf(&b, "- %s", f.Name)
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteByte('\n')
	}

	if len(sc.Synonyms) > 0 {
		b.WriteString("\n## Known user vocabulary\n")
		for _, syn := range sc.Synonyms {
			fmt.Fprintf(&b, "- %q means %s\n", syn.UserTerm, syn.CanonicalName)
		}
	}

	fmt.Fprintf(&b, "\n## Named time periods\n%s\n", strings.Join(timeperiod.Names(), ", "))

	if samples, err := e.vectors.SimilarQueries(ctx, req.ConnectionID, req.Question, 2); err == nil && len(samples) > 0 {
		b.WriteString("\n## Similar past questions\n")
		for _, s := range samples {
			fmt.Fprintf(&b, "Q: %s -> metric=%s dimensions=%v\n", s.Question, s.Plan.Metric, s.Plan.Dimensions)
		}
	}

	if turns := recentTurns(req.Conversation); len(turns) > 0 {
		b.WriteString("\n## Conversation so far\n")
		for _, turn := range turns {
			fmt.Fprintf(&b, "- %s\n", turn)
		}
	}

	fmt.Fprintf(&b, "\n## Question\n%s\n", req.Question)
	return b.String()
}

// resolveMetric maps the model's metric token onto a canonical field:
// exact name, declared synonyms, learned synonyms, then vector search.
func (e *intentExtractor) resolveMetric(ctx context.Context, req *models.QueryRequest, sc *models.SemanticContext, plan *models.QueryPlan, result *models.ExtractionResult) {
	token := normalizeTerm(plan.Metric)
	if token == "" {
		return
	}
	if sc.Metric(token) != nil {
		plan.Metric = token
		return
	}

	for _, f := range sc.Metrics {
		for _, syn := range f.Synonyms {
			if normalizeTerm(syn) == token {
				plan.Metric = f.Name
				resolveTerm(result, token, f.Name)
				plan.Assumptions = append(plan.Assumptions,
					fmt.Sprintf("Interpreted %q as %q", token, f.Name))
				return
			}
		}
	}

	for _, syn := range sc.Synonyms {
		if syn.UserTerm == token && sc.Metric(syn.CanonicalName) != nil {
			plan.Metric = syn.CanonicalName
			resolveTerm(result, token, syn.CanonicalName)
			plan.Assumptions = append(plan.Assumptions,
				fmt.Sprintf("Interpreted %q as %q (learned)", token, syn.CanonicalName))
			return
		}
	}

	matches, err := e.vectors.SearchFields(ctx, req.ConnectionID, token, 3)
	if err != nil {
		e.logger.Warn("vector field search failed", zap.Error(err))
	}
	for _, m := range matches {
		if m.Kind == models.FieldKindMetric && sc.Metric(m.Name) != nil {
			plan.Metric = m.Name
			resolveTerm(result, token, m.Name)
			result.Confidence = result.Confidence * m.Similarity
			plan.Assumptions = append(plan.Assumptions,
				fmt.Sprintf("Interpreted %q as %q (similarity %.2f)", token, m.Name, m.Similarity))
			return
		}
	}

	// Unresolvable token: ask rather than guess.
	plan.Metric = ""
	plan.NeedsClarification = true
	plan.ClarificationQuestion = fmt.Sprintf("I don't know a metric called %q. %s", token, availableMetricHint(sc))
}

// resolveDimensions drops dimension tokens that do not exist, noting
// the drop as an assumption.
func (e *intentExtractor) resolveDimensions(sc *models.SemanticContext, plan *models.QueryPlan, result *models.ExtractionResult) {
	var kept []string
	for _, d := range plan.Dimensions {
		token := normalizeTerm(d)
		if sc.Dimension(token) != nil {
			kept = append(kept, token)
			continue
		}
		found := false
		for _, f := range sc.Dimensions {
			for _, syn := range f.Synonyms {
				if normalizeTerm(syn) == token {
					kept = append(kept, f.Name)
					resolveTerm(result, token, f.Name)
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			plan.Assumptions = append(plan.Assumptions,
				fmt.Sprintf("Ignored unknown dimension %q", token))
		}
	}
	plan.Dimensions = kept
}

// applySmartDefault fills in the most-used metric when the question
// named recognizable dimensions but no measure.
func (e *intentExtractor) applySmartDefault(sc *models.SemanticContext, plan *models.QueryPlan) {
	if plan.Metric != "" || plan.NeedsClarification || len(plan.Dimensions) == 0 {
		return
	}
	if def := sc.FirstCoreMetric(); def != nil {
		plan.Metric = def.Name
		plan.Assumptions = append(plan.Assumptions,
			fmt.Sprintf("No metric named; defaulted to %q", def.Name))
	}
}

// ordinalPattern matches "second highest", "3rd largest", "fifth
// lowest" and similar phrasings, in both directions.
var ordinalPattern = regexp.MustCompile(`\b(second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth|(\d+)(?:st|nd|rd|th))\s+(highest|largest|biggest|top|best|most|lowest|smallest|bottom|worst|least)\b`)

var ordinalWords = map[string]int{
	"second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

var ascendingOrdinals = map[string]bool{
	"lowest": true, "smallest": true, "bottom": true, "worst": true, "least": true,
}

// applyOrdinal turns "the Nth highest X" into limit=1 offset=N-1
// ordered on the metric, descending for highest-words and ascending
// for lowest-words.
func applyOrdinal(normalized string, plan *models.QueryPlan) {
	m := ordinalPattern.FindStringSubmatch(normalized)
	if m == nil {
		return
	}
	n := ordinalWords[m[1]]
	if n == 0 && m[2] != "" {
		fmt.Sscanf(m[2], "%d", &n)
	}
	if n < 2 {
		return
	}

	direction := "desc"
	if ascendingOrdinals[m[3]] {
		direction = "asc"
	}

	plan.Limit = 1
	plan.Offset = n - 1
	if plan.Metric != "" && len(plan.OrderBy) == 0 {
		plan.OrderBy = []models.OrderTerm{{Field: plan.Metric, Direction: direction}}
	}
	plan.Assumptions = append(plan.Assumptions,
		fmt.Sprintf("Ordinal request: returning rank %d only", n))
}

// byClausePattern captures the words around "by" in questions shaped
// like "revenue by region".
var byClausePattern = regexp.MustCompile(`\b([a-z_]+)\s+by\s+([a-z_]+)\b`)

// applyByClause enforces the "X by Y" reading deterministically rather
// than trusting the model: when Y names a metric (or a metric synonym)
// the question means metric Y grouped by dimension X; otherwise X is
// the metric and Y the grouping.
func applyByClause(normalized string, sc *models.SemanticContext, plan *models.QueryPlan) {
	m := byClausePattern.FindStringSubmatch(normalized)
	if m == nil {
		return
	}
	x, y := m[1], m[2]

	if metric := metricByToken(sc, y); metric != nil {
		dim := dimensionByToken(sc, x)
		if dim == nil {
			return
		}
		if plan.Metric == metric.Name && containsField(plan.Dimensions, dim.Name) {
			return
		}
		plan.Metric = metric.Name
		plan.Dimensions = swapDimension(plan.Dimensions, []string{metric.Name, y}, dim.Name)
		plan.Assumptions = append(plan.Assumptions,
			fmt.Sprintf("Read %q as metric %q grouped by %q", m[0], metric.Name, dim.Name))
		return
	}

	if metric := metricByToken(sc, x); metric != nil && plan.Metric == "" {
		plan.Metric = metric.Name
	}
	if dim := dimensionByToken(sc, y); dim != nil && !containsField(plan.Dimensions, dim.Name) {
		plan.Dimensions = append(plan.Dimensions, dim.Name)
	}
}

func metricByToken(sc *models.SemanticContext, token string) *models.SemanticField {
	if f := sc.Metric(token); f != nil {
		return f
	}
	for _, f := range sc.Metrics {
		for _, syn := range f.Synonyms {
			if normalizeTerm(syn) == token {
				return f
			}
		}
	}
	return nil
}

func dimensionByToken(sc *models.SemanticContext, token string) *models.SemanticField {
	if f := sc.Dimension(token); f != nil {
		return f
	}
	for _, f := range sc.Dimensions {
		for _, syn := range f.Synonyms {
			if normalizeTerm(syn) == token {
				return f
			}
		}
	}
	return nil
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if normalizeTerm(f) == name {
			return true
		}
	}
	return false
}

// swapDimension drops the tokens the model misplaced as dimensions and
// ensures the real grouping field is present.
func swapDimension(dims []string, drop []string, ensure string) []string {
	var out []string
	for _, d := range dims {
		token := normalizeTerm(d)
		if token == ensure {
			continue
		}
		dropped := false
		for _, r := range drop {
			if token == normalizeTerm(r) {
				dropped = true
				break
			}
		}
		if !dropped {
			out = append(out, d)
		}
	}
	return append(out, ensure)
}

// maxConversationTurns bounds how much chat history reaches the
// planner prompt.
const maxConversationTurns = 3

func recentTurns(turns []string) []string {
	if len(turns) > maxConversationTurns {
		return turns[len(turns)-maxConversationTurns:]
	}
	return turns
}

func resolveTerm(result *models.ExtractionResult, term, canonical string) {
	if result.ResolvedTerms == nil {
		result.ResolvedTerms = make(map[string]string)
	}
	result.ResolvedTerms[term] = canonical
}

func availableMetricHint(sc *models.SemanticContext) string {
	names := make([]string, 0, len(sc.Metrics))
	for name := range sc.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 8 {
		names = names[:8]
	}
	return "Available metrics include: " + strings.Join(names, ", ") + "."
}

// topFields returns active fields sorted by usage then name, capped.
func topFields(fields map[string]*models.SemanticField, limit int) []*models.SemanticField {
	out := make([]*models.SemanticField, 0, len(fields))
	for _, f := range fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// planCacheKey hashes everything that legally affects a plan: the
// connection, the normalized question, the user's RLS digest and the
// semantic layer version.
func planCacheKey(connectionID, normalized, rlsDigest string, semanticVersion int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", connectionID, normalized, rlsDigest, semanticVersion)
	return hex.EncodeToString(h.Sum(nil))
}
