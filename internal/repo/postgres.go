package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cohortstack/cohort-engine/internal/config"
	"github.com/cohortstack/cohort-engine/internal/metrics"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

// Row is one result row keyed by lower-cased column name.
type Row map[string]any

// Store provides read-only access to an OMOP CDM Postgres database. Every
// query runs inside a read-only session with a statement timeout; a timeout
// or connectivity failure surfaces as DataAccessError without retry.
type Store struct {
	pool         *pgxpool.Pool
	schema       string
	queryTimeout time.Duration
	logger       *slog.Logger
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open connects a pool against the configured database. The schema name is
// validated as a bare identifier since it is interpolated into search_path
// and table references.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !identPattern.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}

	store := &Store{
		pool:         pool,
		schema:       cfg.Schema,
		queryTimeout: cfg.QueryTimeout,
		logger:       logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, utils.NewDataAccessError("connect", err)
	}

	logger.Info("database pool opened", slog.String("schema", cfg.Schema))
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ready reports whether the store can reach the database right now.
func (s *Store) Ready(ctx context.Context) bool {
	if s == nil || s.pool == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(pingCtx) == nil
}

// Schema returns the active CDM schema name.
func (s *Store) Schema() string { return s.schema }

// Select executes a read-only query and returns all rows as column-keyed
// maps. Parameters are always bound, never interpolated.
func (s *Store) Select(ctx context.Context, sql string, args ...any) ([]Row, error) {
	return s.selectWithTimeout(ctx, s.queryTimeout, sql, args...)
}

func (s *Store) selectWithTimeout(ctx context.Context, timeout time.Duration, sql string, args ...any) ([]Row, error) {
	if s == nil || s.pool == nil {
		return nil, utils.NewDataAccessError("select", errors.New("database pool is not initialised"))
	}

	queryCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := s.pool.Acquire(queryCtx)
	if err != nil {
		return nil, utils.NewDataAccessError("acquire connection", err)
	}
	defer conn.Release()

	if err := s.prepareSession(queryCtx, conn, timeout); err != nil {
		return nil, err
	}

	metrics.ObserveStoreQuery()
	rows, err := conn.Query(queryCtx, sql, args...)
	if err != nil {
		return nil, utils.NewDataAccessError("query", err)
	}
	defer rows.Close()

	out, err := collectRows(rows)
	if err != nil {
		return nil, utils.NewDataAccessError("read rows", err)
	}
	return out, nil
}

func (s *Store) prepareSession(ctx context.Context, conn *pgxpool.Conn, timeout time.Duration) error {
	ms := timeout.Milliseconds()
	if ms <= 0 {
		ms = 30_000
	}
	setup := fmt.Sprintf(
		"SET statement_timeout TO %d; SET default_transaction_read_only TO on; SET search_path TO %s",
		ms, s.schema,
	)
	if _, err := conn.Exec(ctx, setup); err != nil {
		return utils.NewDataAccessError("prepare session", err)
	}
	return nil
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	fields := rows.FieldDescriptions()
	out := make([]Row, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SelectTabular executes a read-only query preserving the column order of
// the statement, for display surfaces. Row output is capped at maxRows;
// truncated reports whether the cap was hit.
func (s *Store) SelectTabular(ctx context.Context, sql string, maxRows int) (columns []string, rows [][]any, truncated bool, err error) {
	if s == nil || s.pool == nil {
		return nil, nil, false, utils.NewDataAccessError("select", errors.New("database pool is not initialised"))
	}
	if maxRows <= 0 {
		maxRows = 500
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	conn, err := s.pool.Acquire(queryCtx)
	if err != nil {
		return nil, nil, false, utils.NewDataAccessError("acquire connection", err)
	}
	defer conn.Release()

	if err := s.prepareSession(queryCtx, conn, s.queryTimeout); err != nil {
		return nil, nil, false, err
	}

	metrics.ObserveStoreQuery()
	result, err := conn.Query(queryCtx, sql)
	if err != nil {
		return nil, nil, false, utils.NewDataAccessError("query", err)
	}
	defer result.Close()

	for _, fd := range result.FieldDescriptions() {
		columns = append(columns, string(fd.Name))
	}
	rows = make([][]any, 0)
	for result.Next() {
		if len(rows) >= maxRows {
			truncated = true
			break
		}
		values, err := result.Values()
		if err != nil {
			return nil, nil, false, utils.NewDataAccessError("read rows", err)
		}
		rows = append(rows, append([]any(nil), values...))
	}
	if err := result.Err(); err != nil {
		return nil, nil, false, utils.NewDataAccessError("read rows", err)
	}
	return columns, rows, truncated, nil
}

// Explain runs an EXPLAIN (FORMAT JSON) preflight for the given statement
// and returns the raw plan document.
func (s *Store) Explain(ctx context.Context, sql string) ([]Row, error) {
	return s.Select(ctx, "EXPLAIN (FORMAT JSON) "+sql)
}

// SearchConcepts looks up standard concepts by name fragment, the fallback
// path when the interpreter cannot resolve a term from the catalog.
func (s *Store) SearchConcepts(ctx context.Context, term string, limit int) ([]models.ConceptInfo, error) {
	if s == nil || s.pool == nil {
		return nil, utils.NewDataAccessError("concept search", errors.New("database pool is not initialised"))
	}
	if limit <= 0 {
		limit = 20
	}
	sql := fmt.Sprintf(`SELECT concept_id, concept_name, domain_id, vocabulary_id, concept_class_id
FROM %s.concept
WHERE concept_name ILIKE $1 AND standard_concept = 'S'
ORDER BY concept_name
LIMIT $2`, s.schema)

	rows, err := s.Select(ctx, sql, "%"+term+"%", limit)
	if err != nil {
		return nil, err
	}

	concepts := make([]models.ConceptInfo, 0, len(rows))
	for _, row := range rows {
		concepts = append(concepts, models.ConceptInfo{
			ID:         toInt64(row["concept_id"]),
			Name:       toString(row["concept_name"]),
			Domain:     toString(row["domain_id"]),
			Vocabulary: toString(row["vocabulary_id"]),
			Class:      toString(row["concept_class_id"]),
		})
	}
	return concepts, nil
}

// catalogDomains lists the clinical tables mined for concepts actually
// present in the data, keyed by a display label.
var catalogDomains = []struct {
	label string
	table string
	col   string
}{
	{"Condition", "condition_occurrence", "condition_concept_id"},
	{"Drug (ingredient)", "drug_era", "drug_concept_id"},
	{"Drug (clinical drug)", "drug_exposure", "drug_concept_id"},
	{"Measurement", "measurement", "measurement_concept_id"},
	{"Observation", "observation", "observation_concept_id"},
	{"Procedure", "procedure_occurrence", "procedure_concept_id"},
}

// FetchConceptCatalog collects every distinct standard concept referenced by
// the clinical event tables. Scans every event table, so run it in the
// background with the catalog timeout.
func (s *Store) FetchConceptCatalog(ctx context.Context, timeout time.Duration) ([]models.ConceptInfo, error) {
	if s == nil || s.pool == nil {
		return nil, utils.NewDataAccessError("catalog fetch", errors.New("database pool is not initialised"))
	}
	all := make([]models.ConceptInfo, 0, 1024)
	for _, d := range catalogDomains {
		sql := fmt.Sprintf(`SELECT DISTINCT t.%s AS concept_id, c.concept_name, c.domain_id, c.vocabulary_id
FROM %s.%s t
JOIN %s.concept c ON t.%s = c.concept_id
WHERE c.standard_concept = 'S'`, d.col, s.schema, d.table, s.schema, d.col)

		rows, err := s.selectWithTimeout(ctx, timeout, sql)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("catalog domain loaded", slog.String("domain", d.label), slog.Int("concepts", len(rows)))
		for _, row := range rows {
			all = append(all, models.ConceptInfo{
				ID:         toInt64(row["concept_id"]),
				Name:       toString(row["concept_name"]),
				Domain:     toString(row["domain_id"]),
				Vocabulary: toString(row["vocabulary_id"]),
			})
		}
	}
	return all, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
