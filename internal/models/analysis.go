package models

import "math"

// AnalysisRequest tags a statistical question with its procedure kind. The
// valid tag set is closed: it is exactly the set of names registered with the
// analysis registry at startup. Params are the raw decoded parameters from
// the interpreter; each procedure validates its own required fields before
// issuing any query.
type AnalysisRequest struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// AnalysisResult is the normalized output of every statistical procedure.
// Summary values are finite numbers or explicit null; SummaryNotes carries
// textual annotations such as test names and group labels. Every DetailRows entry has len(DetailColumns) cells, and
// QueriesUsed lists each SQL literal in issuance order for auditability.
type AnalysisResult struct {
	AnalysisType  string              `json:"analysis_type"`
	Summary       map[string]*float64 `json:"summary"`
	SummaryNotes  map[string]string   `json:"summary_notes,omitempty"`
	DetailColumns []string            `json:"detail_columns"`
	DetailRows    [][]any             `json:"detail_rows"`
	QueriesUsed   []string            `json:"queries_used"`
	Warnings      []string            `json:"warnings"`
}

// NewAnalysisResult returns a result shell with initialized collections so
// the JSON encoding is always [] / {} rather than null.
func NewAnalysisResult(analysisType string) AnalysisResult {
	return AnalysisResult{
		AnalysisType:  analysisType,
		Summary:       make(map[string]*float64),
		SummaryNotes:  make(map[string]string),
		DetailColumns: []string{},
		DetailRows:    [][]any{},
		QueriesUsed:   []string{},
		Warnings:      []string{},
	}
}

// SetSummary stores a summary statistic, mapping NaN and infinities to
// explicit null per the result contract.
func (r *AnalysisResult) SetSummary(key string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		r.Summary[key] = nil
		return
	}
	v := value
	r.Summary[key] = &v
}

// SetSummaryNull records an explicitly absent statistic.
func (r *AnalysisResult) SetSummaryNull(key string) { r.Summary[key] = nil }

// Warn appends a data-quality note.
func (r *AnalysisResult) Warn(msg string) { r.Warnings = append(r.Warnings, msg) }
