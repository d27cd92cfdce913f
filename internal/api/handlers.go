package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cohortstack/cohort-engine/internal/agent"
	"github.com/cohortstack/cohort-engine/internal/models"
)

type questionRequest struct {
	Question string `json:"question"`
}

type sqlRequest struct {
	SQL string `json:"sql"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status    string  `json:"status"`
	Database  bool    `json:"database"`
	P95Millis float64 `json:"p95_ms"`
	Questions int     `json:"questions_sampled"`
}

type catalogStatusResponse struct {
	Status   string `json:"status"`
	Concepts int    `json:"concepts"`
	LoadedAt string `json:"loaded_at,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req questionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "question is required"})
	}

	start := time.Now()
	resp := s.engine.Answer(c.Request().Context(), question)
	s.latency.Observe(time.Since(start))
	return c.JSON(http.StatusOK, resp)
}

// handleSQL runs a validated read-only statement verbatim, the power-user
// path behind the SQL panel. Same guardrails as the interpreter path.
func (s *Server) handleSQL(c echo.Context) error {
	var req sqlRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if err := agent.ValidateSQL(req.SQL); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	start := time.Now()
	result := models.SQLResult{Columns: []string{}, Rows: [][]any{}}
	statement := strings.TrimSpace(req.SQL)

	ctx := c.Request().Context()
	columns, rows, truncated, err := s.store.SelectTabular(ctx, statement, s.maxRows)
	if err != nil {
		result.Error = err.Error()
		result.ElapsedSeconds = time.Since(start).Seconds()
		return c.JSON(http.StatusOK, result)
	}
	result.Columns = columns
	result.Rows = rows
	result.RowCount = len(rows)
	if truncated {
		result.Warnings = append(result.Warnings, "result truncated")
	}
	result.ElapsedSeconds = time.Since(start).Seconds()
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c echo.Context) error {
	dbUp := s.store.Ready(c.Request().Context())
	status := "ok"
	code := http.StatusOK
	if !dbUp {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, healthResponse{
		Status:    status,
		Database:  dbUp,
		P95Millis: float64(s.latency.Percentile(95).Milliseconds()),
		Questions: s.latency.Count(),
	})
}

func (s *Server) handleCatalogStatus(c echo.Context) error {
	status, count, loadedAt, lastErr := s.catalog.Snapshot()
	resp := catalogStatusResponse{
		Status:   string(status),
		Concepts: count,
		Error:    lastErr,
	}
	if !loadedAt.IsZero() {
		resp.LoadedAt = loadedAt.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}
