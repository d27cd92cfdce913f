package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cohortstack/cohort-engine/internal/catalog"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/repo"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

// QueryEngine answers natural-language questions.
type QueryEngine interface {
	Answer(ctx context.Context, question string) models.QueryResponse
}

// SQLStore is the store surface for the raw SQL panel and health check.
type SQLStore interface {
	SelectTabular(ctx context.Context, sql string, maxRows int) (columns []string, rows [][]any, truncated bool, err error)
	Explain(ctx context.Context, sql string) ([]repo.Row, error)
	Ready(ctx context.Context) bool
}

// CatalogStatus reports concept catalog readiness.
type CatalogStatus interface {
	Snapshot() (status catalog.Status, count int, loadedAt time.Time, lastErr string)
}

// Server is the HTTP presentation layer.
type Server struct {
	echo    *echo.Echo
	addr    string
	logger  *slog.Logger
	engine  QueryEngine
	store   SQLStore
	catalog CatalogStatus
	latency *utils.LatencyTracker
	maxRows int
}

// NewServer wires routes and middleware.
func NewServer(addr string, engine QueryEngine, store SQLStore, catalogStatus CatalogStatus, logger *slog.Logger, maxRows int) *Server {
	if maxRows <= 0 {
		maxRows = 200
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:    e,
		addr:    addr,
		logger:  logger,
		engine:  engine,
		store:   store,
		catalog: catalogStatus,
		latency: utils.NewLatencyTracker(512),
		maxRows: maxRows,
	}

	e.POST("/api/query", s.handleQuery)
	e.POST("/api/sql", s.handleSQL)
	e.GET("/api/health", s.handleHealth)
	e.GET("/api/catalog-status", s.handleCatalogStatus)
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.addr)
	return s.echo.Start(s.addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
