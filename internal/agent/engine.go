// Package agent orchestrates a question through interpretation, one of the
// two answer paths, and response assembly. The flow is an explicit state
// machine with bounded retries: at most one concise re-ask after a
// truncated interpretation, at most one concept search, and at most one SQL
// fallback after a failed statistical procedure.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cohortstack/cohort-engine/internal/metrics"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/recovery"
	"github.com/cohortstack/cohort-engine/internal/repo"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

type state string

const (
	stateReceived     state = "received"
	stateInterpreting state = "interpreting"
	stateSQLPath      state = "sql_path"
	stateAnalysisPath state = "analysis_path"
	stateResponding   state = "responding"
)

// Store is the data-store surface the orchestrator needs.
type Store interface {
	SelectTabular(ctx context.Context, sql string, maxRows int) (columns []string, rows [][]any, truncated bool, err error)
	Explain(ctx context.Context, sql string) ([]repo.Row, error)
	SearchConcepts(ctx context.Context, term string, limit int) ([]models.ConceptInfo, error)
}

// Reasoner is the interpretation surface of the reasoning client.
type Reasoner interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (repo.Completion, error)
	Model() string
}

// Dispatcher runs registered statistical procedures.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, params map[string]any) (models.AnalysisResult, error)
}

// CatalogText supplies the concept inventory for the system prompt.
type CatalogText interface {
	Text() string
}

// ConceptNamer resolves concept IDs to names for response attribution.
type ConceptNamer interface {
	ConceptsUsed(ctx context.Context, ids []int64) []models.ConceptUsed
}

// Engine answers questions end to end.
type Engine struct {
	store    Store
	schema   string
	reasoner Reasoner
	registry Dispatcher
	catalog  CatalogText
	concepts ConceptNamer
	logger   *slog.Logger
	maxRows  int
}

// NewEngine wires the orchestrator. concepts may be nil; responses then omit
// concept attribution.
func NewEngine(store Store, schema string, reasoner Reasoner, registry Dispatcher, catalog CatalogText, concepts ConceptNamer, logger *slog.Logger, maxRows int) *Engine {
	if maxRows <= 0 {
		maxRows = 200
	}
	return &Engine{
		store:    store,
		schema:   schema,
		reasoner: reasoner,
		registry: registry,
		catalog:  catalog,
		concepts: concepts,
		logger:   logger,
		maxRows:  maxRows,
	}
}

// interpretation is the decoded reasoning output.
type interpretation struct {
	ResponseType string
	Thinking     string
	SQL          string
	Explanation  string
	SearchTerm   string
	Analysis     *models.AnalysisRequest
}

func (i interpretation) complete() bool {
	switch i.ResponseType {
	case "sql":
		return strings.TrimSpace(i.SQL) != ""
	case "analysis":
		return i.Analysis != nil && i.Analysis.Type != ""
	case "concept_search":
		return strings.TrimSpace(i.SearchTerm) != ""
	default:
		return false
	}
}

// Answer runs the full pipeline for one question. The response always comes
// back populated; failures are carried in its Error field.
func (e *Engine) Answer(ctx context.Context, question string) models.QueryResponse {
	start := time.Now()
	resp := models.QueryResponse{
		Question:     question,
		Columns:      []string{},
		Rows:         [][]any{},
		ConceptsUsed: []models.ConceptUsed{},
		Model:        e.reasoner.Model(),
	}

	current := stateReceived
	e.transition(&current, stateInterpreting, question)

	interp, err := e.interpret(ctx, question)
	if err != nil {
		resp.Error = friendlyError(err)
		metrics.ObserveQuestion("interpret", metrics.OutcomeError)
		return e.finish(&current, resp, start)
	}
	resp.Thinking = interp.Thinking
	resp.Explanation = interp.Explanation

	switch interp.ResponseType {
	case "analysis":
		e.transition(&current, stateAnalysisPath, interp.Analysis.Type)
		if e.concepts != nil {
			if ids := conceptIDsFromParams(interp.Analysis.Params); len(ids) > 0 {
				resp.ConceptsUsed = e.concepts.ConceptsUsed(ctx, ids)
			}
		}
		result, dispatchErr := e.registry.Dispatch(ctx, interp.Analysis.Type, interp.Analysis.Params)
		if dispatchErr == nil {
			resp.AnalysisResult = &result
			resp.AnalysisQueries = result.QueriesUsed
			metrics.ObserveQuestion("analysis", metrics.OutcomeSuccess)
			return e.finish(&current, resp, start)
		}
		e.logger.Warn("analysis failed, attempting SQL fallback",
			"type", interp.Analysis.Type,
			"error", dispatchErr,
		)

		fallback, fbErr := e.reasonOnce(ctx, sqlFallbackPrompt(question, friendlyError(dispatchErr)))
		if fbErr != nil || fallback.ResponseType != "sql" {
			resp.Error = friendlyError(dispatchErr)
			metrics.ObserveQuestion("analysis", metrics.OutcomeError)
			return e.finish(&current, resp, start)
		}
		e.transition(&current, stateSQLPath, "fallback")
		resp.Warnings = append(resp.Warnings, "statistical procedure unavailable ("+friendlyError(dispatchErr)+"); answered with a plain query instead")
		if fallback.Explanation != "" {
			resp.Explanation = fallback.Explanation
		}
		e.runSQL(ctx, &resp, fallback.SQL)
		metrics.ObserveQuestion("analysis", metrics.OutcomeFallback)
		return e.finish(&current, resp, start)

	case "sql":
		e.transition(&current, stateSQLPath, "")
		e.runSQL(ctx, &resp, interp.SQL)
		outcome := metrics.OutcomeSuccess
		if resp.Error != "" {
			outcome = metrics.OutcomeError
		}
		metrics.ObserveQuestion("sql", outcome)
		return e.finish(&current, resp, start)

	default:
		resp.Error = fmt.Sprintf("interpreter returned unsupported response type %q", interp.ResponseType)
		metrics.ObserveQuestion("interpret", metrics.OutcomeError)
		return e.finish(&current, resp, start)
	}
}

// interpret asks the reasoning service for a structured answer, with one
// concise retry after truncation and one concept-search round trip.
func (e *Engine) interpret(ctx context.Context, question string) (interpretation, error) {
	interp, err := e.reasonOnce(ctx, question)
	if utils.IsTruncatedResponse(err) || (err == nil && !interp.complete()) {
		retry, retryErr := e.reasonOnce(ctx, concisePrompt(question))
		if retryErr == nil && retry.complete() {
			interp, err = retry, nil
		} else if err == nil {
			err = utils.NewValidationError("interpreter response is missing required fields")
		}
	}
	if err != nil {
		return interpretation{}, err
	}

	if interp.ResponseType == "concept_search" {
		followup, searchErr := e.conceptSearch(ctx, question, interp.SearchTerm)
		if searchErr != nil {
			return interpretation{}, searchErr
		}
		interp = followup
	}
	return interp, nil
}

func (e *Engine) reasonOnce(ctx context.Context, userMessage string) (interpretation, error) {
	completion, err := e.reasoner.Complete(ctx, systemPrompt(e.schema, e.catalog.Text()), userMessage)
	if err != nil {
		return interpretation{}, err
	}
	parsed, err := recovery.Parse(completion.Text)
	if err != nil {
		if completion.Truncated() {
			return interpretation{}, utils.NewTruncatedResponseError("interpreter answer stopped at the token limit")
		}
		return interpretation{}, err
	}
	if parsed.Repaired {
		e.logger.Debug("interpreter output needed structural repair")
	}
	interp := decodeInterpretation(parsed.Data)
	// A length-limited answer can still parse after repair; treat it as
	// truncated unless the decoded fields are usable.
	if completion.Truncated() && !interp.complete() {
		return interpretation{}, utils.NewTruncatedResponseError("interpreter answer stopped at the token limit")
	}
	return interp, nil
}

// conceptSearch runs the requested vocabulary lookup and re-prompts once
// with the results. A second search request is refused.
func (e *Engine) conceptSearch(ctx context.Context, question, term string) (interpretation, error) {
	concepts, err := e.store.SearchConcepts(ctx, term, 20)
	if err != nil {
		return interpretation{}, err
	}
	if len(concepts) == 0 {
		return interpretation{}, utils.NewNotFoundError("concept", term)
	}

	var b strings.Builder
	for _, c := range concepts {
		fmt.Fprintf(&b, "- %d: %s (%s, %s)\n", c.ID, c.Name, c.Domain, c.Vocabulary)
	}

	interp, err := e.reasonOnce(ctx, searchFollowupPrompt(question, term, b.String()))
	if err != nil {
		return interpretation{}, err
	}
	if interp.ResponseType == "concept_search" || !interp.complete() {
		return interpretation{}, utils.NewValidationError("interpreter could not resolve concepts after a vocabulary search")
	}
	return interp, nil
}

// runSQL validates, preflights and executes the statement, filling the
// tabular part of the response.
func (e *Engine) runSQL(ctx context.Context, resp *models.QueryResponse, sql string) {
	if err := ValidateSQL(sql); err != nil {
		resp.SQL = sql
		resp.Error = friendlyError(err)
		return
	}
	resp.SQL = strings.TrimSpace(sql)

	if plan, err := e.store.Explain(ctx, resp.SQL); err == nil {
		resp.Warnings = append(resp.Warnings, preflightWarnings(plan)...)
	}

	columns, rows, truncated, err := e.store.SelectTabular(ctx, resp.SQL, e.maxRows)
	if err != nil {
		resp.Error = friendlyError(err)
		return
	}
	resp.Columns = columns
	resp.Rows = rows
	resp.RowCount = len(rows)
	if truncated {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("result truncated to the first %d rows", e.maxRows))
	}
}

func (e *Engine) transition(current *state, next state, detail string) {
	e.logger.Debug("state transition", "from", string(*current), "to", string(next), "detail", detail)
	*current = next
}

func (e *Engine) finish(current *state, resp models.QueryResponse, start time.Time) models.QueryResponse {
	e.transition(current, stateResponding, "")
	resp.ElapsedSeconds = time.Since(start).Seconds()
	return resp
}

func decodeInterpretation(data map[string]any) interpretation {
	interp := interpretation{
		ResponseType: stringField(data, "response_type"),
		Thinking:     stringField(data, "thinking"),
		SQL:          stringField(data, "sql"),
		Explanation:  stringField(data, "explanation"),
		SearchTerm:   stringField(data, "search_term"),
	}
	if raw, ok := data["analysis"].(map[string]any); ok {
		request := models.AnalysisRequest{Type: stringField(raw, "type")}
		if params, ok := raw["params"].(map[string]any); ok {
			request.Params = params
		} else {
			request.Params = map[string]any{}
		}
		interp.Analysis = &request
	}
	// Some models answer with a bare SQL object and no type tag.
	if interp.ResponseType == "" && interp.SQL != "" {
		interp.ResponseType = "sql"
	}
	return interp
}

// conceptIDsFromParams collects every concept ID referenced by an analysis
// request, across all *_concept_ids parameters.
func conceptIDsFromParams(params map[string]any) []int64 {
	var ids []int64
	for key, value := range params {
		if !strings.HasSuffix(key, "concept_ids") {
			continue
		}
		list, ok := value.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			switch v := item.(type) {
			case float64:
				ids = append(ids, int64(v))
			case int64:
				ids = append(ids, v)
			case int:
				ids = append(ids, int64(v))
			}
		}
	}
	return ids
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return strings.TrimSpace(s)
}

// friendlyError rewords store failures the user can do something about and
// keeps taxonomy messages as-is.
func friendlyError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "statement timeout") || strings.Contains(lower, "canceling statement"):
		return "the query exceeded the time limit; try a narrower question"
	case strings.Contains(lower, "read-only"):
		return "the database is read-only; only questions that read data can be answered"
	case strings.Contains(lower, "context deadline exceeded"):
		return "the request timed out before it could finish"
	default:
		return msg
	}
}
