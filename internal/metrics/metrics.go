package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels questions answered without error.
	OutcomeSuccess = "success"
	// OutcomeError labels questions that failed (store, reasoning or procedure).
	OutcomeError = "error"
	// OutcomeFallback labels analysis requests answered via the SQL path.
	OutcomeFallback = "fallback"
)

var (
	questionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cohort_engine",
			Name:      "questions_total",
			Help:      "Total questions handled, partitioned by path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cohort_engine",
			Name:      "analyses_total",
			Help:      "Statistical procedures run, partitioned by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cohort_engine",
			Name:      "analysis_seconds",
			Help:      "Statistical procedure latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	storeQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cohort_engine",
			Name:      "store_queries_total",
			Help:      "Read-only queries issued against the clinical data store.",
		},
	)
)

// Register attaches the engine's collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		questionsTotal,
		analysesTotal,
		analysisDurationSeconds,
		storeQueriesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveQuestion records a handled question.
func ObserveQuestion(path, outcome string) {
	questionsTotal.WithLabelValues(path, outcome).Inc()
}

// ObserveAnalysis records a procedure run with its duration.
func ObserveAnalysis(analysisType string, duration time.Duration, outcome string) {
	analysesTotal.WithLabelValues(analysisType, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// ObserveStoreQuery counts one query against the clinical store.
func ObserveStoreQuery() {
	storeQueriesTotal.Inc()
}
