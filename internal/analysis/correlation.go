package analysis

import (
	"context"
	"fmt"

	"github.com/cohortstack/cohort-engine/internal/cohort"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

const sameDayPairLimit = 10_000

// correlation relates two measurements, pairing either same-day readings or
// per-subject averages. Both Pearson and Spearman coefficients are reported.
func (r *Registry) correlation(ctx context.Context, params map[string]any, b *cohort.Builder) (models.AnalysisResult, error) {
	result := models.NewAnalysisResult("correlation")

	groupA, err := conceptGroupParam(params, "measurement_a_concept_ids")
	if err != nil {
		return result, err
	}
	groupB, err := conceptGroupParam(params, "measurement_b_concept_ids")
	if err != nil {
		return result, err
	}
	mode := stringParam(params, "mode", "same_day")

	var x, y []float64
	switch mode {
	case "same_day":
		pairs, err := b.SameDayPairs(ctx, groupA, groupB, sameDayPairLimit)
		if err != nil {
			return result, err
		}
		x = make([]float64, len(pairs))
		y = make([]float64, len(pairs))
		for i, p := range pairs {
			x[i] = p.ValueA
			y[i] = p.ValueB
		}
	case "average":
		avgA, err := b.AverageValues(ctx, groupA, nil)
		if err != nil {
			return result, err
		}
		avgB, err := b.AverageValues(ctx, groupB, nil)
		if err != nil {
			return result, err
		}
		for subject, va := range avgA {
			if vb, ok := avgB[subject]; ok {
				x = append(x, va)
				y = append(y, vb)
			}
		}
	default:
		return result, utils.NewValidationError(fmt.Sprintf("unknown pairing mode %q, want same_day or average", mode))
	}

	if len(x) < 3 {
		return result, utils.NewInsufficientDataError(fmt.Sprintf("only %d measurement pairs found, need at least 3", len(x)))
	}

	result.SetSummary("n_pairs", float64(len(x)))
	result.SummaryNotes["mode"] = mode
	result.SummaryNotes["measurement_a"] = r.labels.Resolve(ctx, groupA)
	result.SummaryNotes["measurement_b"] = r.labels.Resolve(ctx, groupB)

	if pr, pp, ok := pearsonR(x, y); ok {
		result.SetSummary("pearson_r", utils.RoundTo(pr, 6))
		result.SetSummary("pearson_p", pp)
	} else {
		result.SetSummaryNull("pearson_r")
		result.SetSummaryNull("pearson_p")
		result.Warn("one of the measurements is constant; Pearson correlation undefined")
	}
	if sr, sp, ok := spearmanR(x, y); ok {
		result.SetSummary("spearman_rho", utils.RoundTo(sr, 6))
		result.SetSummary("spearman_p", sp)
	} else {
		result.SetSummaryNull("spearman_rho")
		result.SetSummaryNull("spearman_p")
	}

	result.DetailColumns = []string{"value_a", "value_b"}
	for i := range x {
		if i >= r.opts.MaxDetailRows {
			result.Warn(fmt.Sprintf("detail truncated to %d of %d pairs", r.opts.MaxDetailRows, len(x)))
			break
		}
		result.DetailRows = append(result.DetailRows, []any{utils.RoundTo(x[i], 4), utils.RoundTo(y[i], 4)})
	}
	return result, nil
}
