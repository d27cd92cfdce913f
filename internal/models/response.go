package models

// QueryResponse is the unified answer shape exposed to the presentation
// layer: the union of a plain SQL answer and a statistical analysis answer.
// Exactly one of SQL/AnalysisResult is meaningfully populated on success;
// Error carries the best available partial explanation on failure.
type QueryResponse struct {
	Question        string          `json:"question"`
	Thinking        string          `json:"thinking,omitempty"`
	SQL             string          `json:"sql,omitempty"`
	Explanation     string          `json:"explanation,omitempty"`
	Columns         []string        `json:"columns"`
	Rows            [][]any         `json:"rows"`
	RowCount        int             `json:"row_count"`
	ConceptsUsed    []ConceptUsed   `json:"concepts_used"`
	AnalysisResult  *AnalysisResult `json:"analysis_result,omitempty"`
	AnalysisQueries []string        `json:"analysis_queries,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Error           string          `json:"error,omitempty"`
	ElapsedSeconds  float64         `json:"elapsed_s"`
	Model           string          `json:"model,omitempty"`
}

// SQLResult is the tabular shape returned by the raw SQL endpoint.
type SQLResult struct {
	Columns        []string `json:"columns"`
	Rows           [][]any  `json:"rows"`
	RowCount       int      `json:"row_count"`
	Error          string   `json:"error,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	ElapsedSeconds float64  `json:"elapsed_s"`
}
