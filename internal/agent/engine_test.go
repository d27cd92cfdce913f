package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/repo"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

type fakeReasoner struct {
	replies  []repo.Completion
	messages []string
}

func (f *fakeReasoner) Complete(_ context.Context, _ string, userMessage string) (repo.Completion, error) {
	f.messages = append(f.messages, userMessage)
	if len(f.replies) == 0 {
		return repo.Completion{}, errors.New("no scripted reply")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func (f *fakeReasoner) Model() string { return "test-model" }

type fakeEngineStore struct {
	columns  []string
	rows     [][]any
	selErr   error
	selects  []string
	concepts []models.ConceptInfo
}

func (f *fakeEngineStore) SelectTabular(_ context.Context, sql string, _ int) ([]string, [][]any, bool, error) {
	f.selects = append(f.selects, sql)
	if f.selErr != nil {
		return nil, nil, false, f.selErr
	}
	return f.columns, f.rows, false, nil
}

func (f *fakeEngineStore) Explain(context.Context, string) ([]repo.Row, error) {
	return nil, nil
}

func (f *fakeEngineStore) SearchConcepts(context.Context, string, int) ([]models.ConceptInfo, error) {
	return f.concepts, nil
}

type fakeDispatcher struct {
	result models.AnalysisResult
	err    error
	calls  int
}

func (f *fakeDispatcher) Dispatch(_ context.Context, name string, _ map[string]any) (models.AnalysisResult, error) {
	f.calls++
	if f.err != nil {
		return models.NewAnalysisResult(name), f.err
	}
	return f.result, nil
}

type staticCatalog string

func (s staticCatalog) Text() string { return string(s) }

func reply(text string) repo.Completion {
	return repo.Completion{Text: text, FinishReason: "stop"}
}

func newTestEngine(store *fakeEngineStore, reasoner *fakeReasoner, dispatcher *fakeDispatcher) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, "cdm", reasoner, dispatcher, staticCatalog("## Condition\n- 201826: Type 2 diabetes mellitus"), nil, logger, 200)
}

func TestAnswerSQLPath(t *testing.T) {
	store := &fakeEngineStore{columns: []string{"n"}, rows: [][]any{{int64(42)}}}
	reasoner := &fakeReasoner{replies: []repo.Completion{
		reply(`{"response_type": "sql", "thinking": "count them", "sql": "SELECT count(*) AS n FROM person", "explanation": "Total persons."}`),
	}}
	engine := newTestEngine(store, reasoner, &fakeDispatcher{})

	resp := engine.Answer(context.Background(), "How many patients are there?")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if resp.RowCount != 1 || len(resp.Columns) != 1 {
		t.Errorf("rows = %v columns = %v", resp.Rows, resp.Columns)
	}
	if resp.Model != "test-model" || resp.ElapsedSeconds < 0 {
		t.Errorf("model = %q elapsed = %v", resp.Model, resp.ElapsedSeconds)
	}
	if len(store.selects) != 1 || !strings.Contains(store.selects[0], "count(*)") {
		t.Errorf("selects = %v", store.selects)
	}
}

func TestAnswerAnalysisPath(t *testing.T) {
	result := models.NewAnalysisResult("odds_ratio")
	result.SetSummary("odds_ratio", 6.0)
	result.QueriesUsed = []string{"SELECT 1"}
	dispatcher := &fakeDispatcher{result: result}
	reasoner := &fakeReasoner{replies: []repo.Completion{
		reply(`{"response_type": "analysis", "explanation": "Odds of stroke.", "analysis": {"type": "odds_ratio", "params": {"exposure_concept_ids": [1], "outcome_concept_ids": [2]}}}`),
	}}
	engine := newTestEngine(&fakeEngineStore{}, reasoner, dispatcher)

	resp := engine.Answer(context.Background(), "Does hypertension raise stroke odds?")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if resp.AnalysisResult == nil || resp.AnalysisResult.AnalysisType != "odds_ratio" {
		t.Fatalf("analysis result = %+v", resp.AnalysisResult)
	}
	if len(resp.AnalysisQueries) != 1 {
		t.Errorf("analysis queries = %v", resp.AnalysisQueries)
	}
	if dispatcher.calls != 1 {
		t.Errorf("dispatcher calls = %d", dispatcher.calls)
	}
}

func TestTruncatedInterpretationRetriesOnce(t *testing.T) {
	store := &fakeEngineStore{columns: []string{"n"}, rows: [][]any{{int64(7)}}}
	reasoner := &fakeReasoner{replies: []repo.Completion{
		{Text: "I think the best approach would be", FinishReason: "length"},
		reply(`{"response_type": "sql", "sql": "SELECT count(*) AS n FROM death"}`),
	}}
	engine := newTestEngine(store, reasoner, &fakeDispatcher{})

	resp := engine.Answer(context.Background(), "How many deaths?")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if len(reasoner.messages) != 2 {
		t.Fatalf("reasoner called %d times, want 2", len(reasoner.messages))
	}
	if !strings.Contains(reasoner.messages[1], "cut off") {
		t.Errorf("retry message = %q", reasoner.messages[1])
	}
}

func TestLengthLimitedParseableAnswerRetries(t *testing.T) {
	store := &fakeEngineStore{columns: []string{"n"}, rows: [][]any{{int64(7)}}}
	// Parses cleanly but the answer stopped at the token limit before the
	// sql field; finish_reason alone must trigger the concise retry.
	reasoner := &fakeReasoner{replies: []repo.Completion{
		{Text: `{"response_type": "sql", "thinking": "counting deaths per year"}`, FinishReason: "length"},
		reply(`{"response_type": "sql", "sql": "SELECT count(*) AS n FROM death"}`),
	}}
	engine := newTestEngine(store, reasoner, &fakeDispatcher{})

	resp := engine.Answer(context.Background(), "How many deaths?")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if len(reasoner.messages) != 2 {
		t.Fatalf("reasoner called %d times, want 2", len(reasoner.messages))
	}
	if !strings.Contains(reasoner.messages[1], "cut off") {
		t.Errorf("retry message = %q", reasoner.messages[1])
	}
}

func TestTruncationRetryIsBounded(t *testing.T) {
	reasoner := &fakeReasoner{replies: []repo.Completion{
		{Text: "still not json", FinishReason: "length"},
		{Text: "and neither is this", FinishReason: "length"},
	}}
	engine := newTestEngine(&fakeEngineStore{}, reasoner, &fakeDispatcher{})

	resp := engine.Answer(context.Background(), "How many deaths?")
	if resp.Error == "" {
		t.Fatal("expected an error after two unusable replies")
	}
	if len(reasoner.messages) != 2 {
		t.Errorf("reasoner called %d times, want exactly 2", len(reasoner.messages))
	}
}

func TestAnalysisFallsBackToSQLOnce(t *testing.T) {
	store := &fakeEngineStore{columns: []string{"n"}, rows: [][]any{{int64(3)}}}
	dispatcher := &fakeDispatcher{err: utils.NewInsufficientDataError("cohort has 2 subjects, need at least 5")}
	reasoner := &fakeReasoner{replies: []repo.Completion{
		reply(`{"response_type": "analysis", "analysis": {"type": "survival", "params": {"concept_ids": [201826]}}}`),
		reply(`{"response_type": "sql", "sql": "SELECT count(*) AS n FROM condition_occurrence", "explanation": "Raw counts instead."}`),
	}}
	engine := newTestEngine(store, reasoner, dispatcher)

	resp := engine.Answer(context.Background(), "Survival after diagnosis?")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if dispatcher.calls != 1 {
		t.Errorf("dispatcher calls = %d, want 1", dispatcher.calls)
	}
	if resp.RowCount != 1 {
		t.Errorf("row count = %d", resp.RowCount)
	}
	found := false
	for _, w := range resp.Warnings {
		if strings.Contains(w, "plain query instead") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want fallback note", resp.Warnings)
	}
	if !strings.Contains(reasoner.messages[1], "could not run") {
		t.Errorf("fallback prompt = %q", reasoner.messages[1])
	}
}

func TestAnalysisFallbackRefusesSecondAnalysis(t *testing.T) {
	dispatcher := &fakeDispatcher{err: utils.NewNotFoundError("analysis", "anova")}
	reasoner := &fakeReasoner{replies: []repo.Completion{
		reply(`{"response_type": "analysis", "analysis": {"type": "anova", "params": {}}}`),
		reply(`{"response_type": "analysis", "analysis": {"type": "anova", "params": {}}}`),
	}}
	engine := newTestEngine(&fakeEngineStore{}, reasoner, dispatcher)

	resp := engine.Answer(context.Background(), "Run an anova")
	if resp.Error == "" {
		t.Fatal("expected an error when the fallback is not SQL")
	}
	if dispatcher.calls != 1 {
		t.Errorf("dispatcher calls = %d, want exactly 1", dispatcher.calls)
	}
}

func TestConceptSearchReprompt(t *testing.T) {
	store := &fakeEngineStore{
		columns:  []string{"n"},
		rows:     [][]any{{int64(12)}},
		concepts: []models.ConceptInfo{{ID: 4329847, Name: "Myocardial infarction", Domain: "Condition", Vocabulary: "SNOMED"}},
	}
	reasoner := &fakeReasoner{replies: []repo.Completion{
		reply(`{"response_type": "concept_search", "search_term": "heart attack"}`),
		reply(`{"response_type": "sql", "sql": "SELECT count(*) AS n FROM condition_occurrence WHERE condition_concept_id = 4329847"}`),
	}}
	engine := newTestEngine(store, reasoner, &fakeDispatcher{})

	resp := engine.Answer(context.Background(), "How many heart attacks?")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if len(reasoner.messages) != 2 {
		t.Fatalf("reasoner called %d times, want 2", len(reasoner.messages))
	}
	if !strings.Contains(reasoner.messages[1], "4329847") || !strings.Contains(reasoner.messages[1], "Myocardial infarction") {
		t.Errorf("followup prompt = %q", reasoner.messages[1])
	}
}

func TestRejectsMutationSQL(t *testing.T) {
	store := &fakeEngineStore{}
	reasoner := &fakeReasoner{replies: []repo.Completion{
		reply(`{"response_type": "sql", "sql": "DROP TABLE person"}`),
	}}
	engine := newTestEngine(store, reasoner, &fakeDispatcher{})

	resp := engine.Answer(context.Background(), "Drop everything")
	if resp.Error == "" {
		t.Fatal("expected validation error")
	}
	if len(store.selects) != 0 {
		t.Errorf("rejected statement still executed: %v", store.selects)
	}
}

func TestFriendlyTimeoutMessage(t *testing.T) {
	store := &fakeEngineStore{selErr: errors.New("ERROR: canceling statement due to statement timeout (SQLSTATE 57014)")}
	reasoner := &fakeReasoner{replies: []repo.Completion{
		reply(`{"response_type": "sql", "sql": "SELECT count(*) FROM measurement"}`),
	}}
	engine := newTestEngine(store, reasoner, &fakeDispatcher{})

	resp := engine.Answer(context.Background(), "Count all measurements")
	if !strings.Contains(resp.Error, "time limit") {
		t.Errorf("error = %q, want friendly timeout wording", resp.Error)
	}
}
