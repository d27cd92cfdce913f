package analysis

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/cohortstack/cohort-engine/internal/cohort"
	"github.com/cohortstack/cohort-engine/internal/metrics"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

// Options tune procedure behaviour.
type Options struct {
	MinCohortSize int
	MaxDetailRows int
}

type procedure func(ctx context.Context, params map[string]any, b *cohort.Builder) (models.AnalysisResult, error)

// Registry owns the closed set of statistical procedures. The set is fixed
// at construction; dispatching an unknown name fails before any builder is
// created, so no query can run for it.
type Registry struct {
	store      cohort.Queryer
	schema     string
	labels     *LabelResolver
	logger     *slog.Logger
	opts       Options
	procedures map[string]procedure
}

// NewRegistry wires the five procedures.
func NewRegistry(store cohort.Queryer, schema string, labels *LabelResolver, logger *slog.Logger, opts Options) *Registry {
	if opts.MinCohortSize <= 0 {
		opts.MinCohortSize = 5
	}
	if opts.MaxDetailRows <= 0 {
		opts.MaxDetailRows = 50
	}
	r := &Registry{
		store:  store,
		schema: schema,
		labels: labels,
		logger: logger,
		opts:   opts,
	}
	r.procedures = map[string]procedure{
		"survival":    r.survival,
		"pre_post":    r.prePost,
		"comparative": r.comparative,
		"odds_ratio":  r.oddsRatio,
		"correlation": r.correlation,
	}
	return r
}

// Names returns the registered procedure names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the named procedure with a fresh per-request builder and
// attaches the audit trail of issued SQL to the result.
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]any) (models.AnalysisResult, error) {
	proc, ok := r.procedures[name]
	if !ok {
		return models.NewAnalysisResult(name), utils.NewNotFoundError("analysis", name)
	}

	builder := cohort.NewBuilder(r.store, r.schema)
	start := time.Now()
	result, err := proc(ctx, params, builder)
	elapsed := time.Since(start)

	result.QueriesUsed = builder.Queries()
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveAnalysis(name, elapsed, outcome)
	r.logger.Info("analysis finished",
		"type", name,
		"queries", len(result.QueriesUsed),
		"warnings", len(result.Warnings),
		"elapsed_ms", elapsed.Milliseconds(),
		"error", err != nil,
	)
	return result, err
}
