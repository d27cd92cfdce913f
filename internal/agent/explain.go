package agent

import (
	"encoding/json"
	"fmt"

	"github.com/cohortstack/cohort-engine/internal/repo"
)

// seqScanRowThreshold is the estimated row count above which a sequential
// scan is worth a warning. Small dimension tables scan fast regardless.
const seqScanRowThreshold = 100_000

// preflightWarnings inspects an EXPLAIN (FORMAT JSON) result for expensive
// plan shapes. It only ever annotates; a plan is never rejected.
func preflightWarnings(rows []repo.Row) []string {
	if len(rows) == 0 {
		return nil
	}

	var plans []any
	for _, value := range rows[0] {
		switch v := value.(type) {
		case []any:
			plans = v
		case string:
			_ = json.Unmarshal([]byte(v), &plans)
		case []byte:
			_ = json.Unmarshal(v, &plans)
		}
		if plans != nil {
			break
		}
	}

	var warnings []string
	for _, entry := range plans {
		root, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if plan, ok := root["Plan"].(map[string]any); ok {
			walkPlan(plan, &warnings)
		}
	}
	return warnings
}

func walkPlan(node map[string]any, warnings *[]string) {
	nodeType, _ := node["Node Type"].(string)
	planRows, _ := node["Plan Rows"].(float64)
	if nodeType == "Seq Scan" && planRows >= seqScanRowThreshold {
		relation, _ := node["Relation Name"].(string)
		*warnings = append(*warnings, fmt.Sprintf("query plan scans %s sequentially (~%.0f rows); consider narrowing the filter", relation, planRows))
	}
	if children, ok := node["Plans"].([]any); ok {
		for _, child := range children {
			if childPlan, ok := child.(map[string]any); ok {
				walkPlan(childPlan, warnings)
			}
		}
	}
}
