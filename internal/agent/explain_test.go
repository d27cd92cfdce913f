package agent

import (
	"strings"
	"testing"

	"github.com/cohortstack/cohort-engine/internal/repo"
)

func planRow(plan map[string]any) []repo.Row {
	return []repo.Row{{"QUERY PLAN": []any{map[string]any{"Plan": plan}}}}
}

func TestPreflightWarnsOnLargeSeqScan(t *testing.T) {
	rows := planRow(map[string]any{
		"Node Type":     "Seq Scan",
		"Relation Name": "measurement",
		"Plan Rows":     float64(2_500_000),
	})

	warnings := preflightWarnings(rows)
	if len(warnings) != 1 || !strings.Contains(warnings[0], "measurement") {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestPreflightIgnoresSmallScans(t *testing.T) {
	rows := planRow(map[string]any{
		"Node Type":     "Seq Scan",
		"Relation Name": "concept_class",
		"Plan Rows":     float64(420),
	})

	if warnings := preflightWarnings(rows); len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
}

func TestPreflightWalksNestedPlans(t *testing.T) {
	rows := planRow(map[string]any{
		"Node Type": "Hash Join",
		"Plans": []any{
			map[string]any{
				"Node Type":     "Seq Scan",
				"Relation Name": "condition_occurrence",
				"Plan Rows":     float64(900_000),
			},
			map[string]any{
				"Node Type":     "Index Scan",
				"Relation Name": "concept",
				"Plan Rows":     float64(1_000_000),
			},
		},
	})

	warnings := preflightWarnings(rows)
	if len(warnings) != 1 || !strings.Contains(warnings[0], "condition_occurrence") {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestPreflightEmptyPlan(t *testing.T) {
	if warnings := preflightWarnings(nil); warnings != nil {
		t.Fatalf("warnings = %v, want nil", warnings)
	}
}
