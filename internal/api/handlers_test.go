package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cohortstack/cohort-engine/internal/catalog"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/repo"
)

type fakeEngine struct {
	lastQuestion string
}

func (f *fakeEngine) Answer(_ context.Context, question string) models.QueryResponse {
	f.lastQuestion = question
	return models.QueryResponse{
		Question: question,
		SQL:      "SELECT count(*) FROM person",
		Columns:  []string{"count"},
		Rows:     [][]any{{int64(100)}},
		RowCount: 1,
	}
}

type fakeSQLStore struct {
	ready   bool
	selects []string
}

func (f *fakeSQLStore) SelectTabular(_ context.Context, sql string, _ int) ([]string, [][]any, bool, error) {
	f.selects = append(f.selects, sql)
	return []string{"n"}, [][]any{{int64(5)}}, false, nil
}

func (f *fakeSQLStore) Explain(context.Context, string) ([]repo.Row, error) { return nil, nil }

func (f *fakeSQLStore) Ready(context.Context) bool { return f.ready }

type fakeCatalogStatus struct{}

func (fakeCatalogStatus) Snapshot() (catalog.Status, int, time.Time, string) {
	return catalog.StatusReady, 1234, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ""
}

func newTestServer(engine *fakeEngine, store *fakeSQLStore) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(":0", engine, store, fakeCatalogStatus{}, logger, 200)
}

func TestHandleQuery(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(engine, &fakeSQLStore{ready: true})

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"question": "How many patients?"}`))
	req.Header.Set(echoContentType, echoJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp models.QueryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RowCount != 1 || engine.lastQuestion != "How many patients?" {
		t.Errorf("resp = %+v, question = %q", resp, engine.lastQuestion)
	}
}

func TestHandleQueryRequiresQuestion(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeSQLStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"question": "  "}`))
	req.Header.Set(echoContentType, echoJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSQLValidates(t *testing.T) {
	store := &fakeSQLStore{}
	server := newTestServer(&fakeEngine{}, store)

	req := httptest.NewRequest(http.MethodPost, "/api/sql", strings.NewReader(`{"sql": "DROP TABLE person"}`))
	req.Header.Set(echoContentType, echoJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(store.selects) != 0 {
		t.Errorf("rejected statement reached the store: %v", store.selects)
	}
}

func TestHandleSQLRuns(t *testing.T) {
	store := &fakeSQLStore{}
	server := newTestServer(&fakeEngine{}, store)

	req := httptest.NewRequest(http.MethodPost, "/api/sql", strings.NewReader(`{"sql": "SELECT count(*) AS n FROM death"}`))
	req.Header.Set(echoContentType, echoJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result models.SQLResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.RowCount != 1 || result.Error != "" {
		t.Errorf("result = %+v", result)
	}
}

func TestHandleHealthDegraded(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeSQLStore{ready: false})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleCatalogStatus(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeSQLStore{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/api/catalog-status", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp catalogStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ready" || resp.Concepts != 1234 {
		t.Errorf("resp = %+v", resp)
	}
}

const (
	echoContentType = "Content-Type"
	echoJSON        = "application/json"
)
