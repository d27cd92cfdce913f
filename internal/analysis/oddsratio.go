package analysis

import (
	"context"
	"fmt"

	"github.com/cohortstack/cohort-engine/internal/cohort"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

// oddsRatio cross-tabulates exposure against outcome over the filtered
// population and reports the odds ratio with a Woolf 95% interval. A zero
// cell gets the Haldane-Anscombe half-count correction on every cell so the
// ratio and interval stay defined.
func (r *Registry) oddsRatio(ctx context.Context, params map[string]any, b *cohort.Builder) (models.AnalysisResult, error) {
	result := models.NewAnalysisResult("odds_ratio")

	exposure, err := conceptGroupParam(params, "exposure_concept_ids")
	if err != nil {
		return result, err
	}
	outcome, err := conceptGroupParam(params, "outcome_concept_ids")
	if err != nil {
		return result, err
	}
	filter := populationFilterParam(params)

	table, err := b.ContingencyTable(ctx, exposure, outcome, filter)
	if err != nil {
		return result, err
	}
	if table.Total() < float64(r.opts.MinCohortSize) {
		return result, utils.NewInsufficientDataError(fmt.Sprintf("population has %.0f subjects after filtering, need at least %d", table.Total(), r.opts.MinCohortSize))
	}

	// p-value is computed on the raw counts; the correction only stabilizes
	// the ratio and its interval.
	p, testName := tableP(table)

	cells := contingency{a: table.ExposedOutcome, b: table.ExposedNoOutcome, c: table.UnexposedOutcome, d: table.UnexposedNoOutcome}
	if table.HasZeroCell() {
		cells.a += 0.5
		cells.b += 0.5
		cells.c += 0.5
		cells.d += 0.5
		result.Warn("contingency table has a zero cell; Haldane-Anscombe correction applied")
	}

	or := (cells.a * cells.d) / (cells.b * cells.c)
	lower, upper := woolfCI(cells)

	result.SetSummary("odds_ratio", utils.RoundTo(or, 4))
	result.SetSummary("ci_lower", utils.RoundTo(lower, 4))
	result.SetSummary("ci_upper", utils.RoundTo(upper, 4))
	result.SetSummary("p_value", p)
	result.SetSummary("exposed_outcome", table.ExposedOutcome)
	result.SetSummary("exposed_no_outcome", table.ExposedNoOutcome)
	result.SetSummary("unexposed_outcome", table.UnexposedOutcome)
	result.SetSummary("unexposed_no_outcome", table.UnexposedNoOutcome)
	result.SummaryNotes["test"] = testName
	result.SummaryNotes["exposure"] = r.labels.Resolve(ctx, exposure)
	result.SummaryNotes["outcome"] = r.labels.Resolve(ctx, outcome)

	result.DetailColumns = []string{"group", "outcome", "no_outcome"}
	result.DetailRows = append(result.DetailRows,
		[]any{"exposed", table.ExposedOutcome, table.ExposedNoOutcome},
		[]any{"unexposed", table.UnexposedOutcome, table.UnexposedNoOutcome},
	)
	return result, nil
}
