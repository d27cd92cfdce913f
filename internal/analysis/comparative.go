package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/cohortstack/cohort-engine/internal/cohort"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

// comparative contrasts an outcome between two drug cohorts. Condition
// outcomes compare event rates; measurement outcomes compare per-subject
// averages. Subjects exposed to both drugs are removed from both arms so
// neither group is contaminated.
func (r *Registry) comparative(ctx context.Context, params map[string]any, b *cohort.Builder) (models.AnalysisResult, error) {
	result := models.NewAnalysisResult("comparative")

	groupA, err := conceptGroupParam(params, "group_a_concept_ids")
	if err != nil {
		return result, err
	}
	groupB, err := conceptGroupParam(params, "group_b_concept_ids")
	if err != nil {
		return result, err
	}
	outcomeGroup, err := conceptGroupParam(params, "outcome_concept_ids")
	if err != nil {
		return result, err
	}

	cohortA, err := b.DrugCohort(ctx, groupA, false)
	if err != nil {
		return result, err
	}
	cohortB, err := b.DrugCohort(ctx, groupB, false)
	if err != nil {
		return result, err
	}

	overlap := 0
	for subject := range cohortA.Entries {
		if _, ok := cohortB.Entries[subject]; ok {
			delete(cohortA.Entries, subject)
			delete(cohortB.Entries, subject)
			overlap++
		}
	}
	if overlap > 0 {
		result.Warn(fmt.Sprintf("%d subjects exposed to both drugs were excluded from both groups", overlap))
	}
	if cohortA.Size() < r.opts.MinCohortSize || cohortB.Size() < r.opts.MinCohortSize {
		return result, utils.NewInsufficientDataError(fmt.Sprintf("group sizes %d and %d after overlap removal, need at least %d each", cohortA.Size(), cohortB.Size(), r.opts.MinCohortSize))
	}

	labelA := r.labels.Resolve(ctx, groupA)
	labelB := r.labels.Resolve(ctx, groupB)
	result.SummaryNotes["group_a"] = labelA
	result.SummaryNotes["group_b"] = labelB
	result.SummaryNotes["outcome"] = r.labels.Resolve(ctx, outcomeGroup)
	result.SetSummary("group_a_n", float64(cohortA.Size()))
	result.SetSummary("group_b_n", float64(cohortB.Size()))

	domain, err := b.ConceptDomain(ctx, outcomeGroup)
	if err != nil {
		return result, err
	}
	if strings.EqualFold(domain, "Measurement") {
		return r.compareMeasurement(ctx, result, b, outcomeGroup, cohortA, cohortB)
	}
	return r.compareEventRates(ctx, result, b, outcomeGroup, cohortA, cohortB, labelA, labelB)
}

func (r *Registry) compareMeasurement(ctx context.Context, result models.AnalysisResult, b *cohort.Builder, outcome models.ConceptGroup, cohortA, cohortB models.Cohort) (models.AnalysisResult, error) {
	avgA, err := b.AverageValues(ctx, outcome, cohortA.SubjectIDs())
	if err != nil {
		return result, err
	}
	avgB, err := b.AverageValues(ctx, outcome, cohortB.SubjectIDs())
	if err != nil {
		return result, err
	}

	valuesA := collectValues(avgA)
	valuesB := collectValues(avgB)
	if len(valuesA) < r.opts.MinCohortSize || len(valuesB) < r.opts.MinCohortSize {
		return result, utils.NewInsufficientDataError(fmt.Sprintf("only %d and %d subjects have outcome measurements, need at least %d each", len(valuesA), len(valuesB), r.opts.MinCohortSize))
	}

	result.SummaryNotes["outcome_type"] = "measurement"
	result.SetSummary("group_a_measured", float64(len(valuesA)))
	result.SetSummary("group_b_measured", float64(len(valuesB)))
	result.SetSummary("group_a_mean", utils.RoundTo(stat.Mean(valuesA, nil), 4))
	result.SetSummary("group_b_mean", utils.RoundTo(stat.Mean(valuesB, nil), 4))

	if test, ok := welchTTest(valuesA, valuesB); ok {
		result.SetSummary("t_statistic", utils.RoundTo(test.Statistic, 4))
		result.SetSummary("p_value", test.PValue)
		result.SummaryNotes["test"] = "welch t-test"
	} else {
		result.SetSummaryNull("t_statistic")
		result.SetSummaryNull("p_value")
		result.Warn("outcome values show no variance in either group")
	}

	result.DetailColumns = []string{"group", "n", "mean", "sd"}
	result.DetailRows = append(result.DetailRows,
		[]any{result.SummaryNotes["group_a"], len(valuesA), utils.RoundTo(stat.Mean(valuesA, nil), 4), utils.RoundTo(stat.StdDev(valuesA, nil), 4)},
		[]any{result.SummaryNotes["group_b"], len(valuesB), utils.RoundTo(stat.Mean(valuesB, nil), 4), utils.RoundTo(stat.StdDev(valuesB, nil), 4)},
	)
	return result, nil
}

func (r *Registry) compareEventRates(ctx context.Context, result models.AnalysisResult, b *cohort.Builder, outcome models.ConceptGroup, cohortA, cohortB models.Cohort, labelA, labelB string) (models.AnalysisResult, error) {
	eventsA, err := b.FirstConditionDates(ctx, outcome, cohortA.SubjectIDs())
	if err != nil {
		return result, err
	}
	eventsB, err := b.FirstConditionDates(ctx, outcome, cohortB.SubjectIDs())
	if err != nil {
		return result, err
	}

	// An outcome counts only when it follows the subject's index exposure.
	countA := countEventsAfterIndex(cohortA, eventsA)
	countB := countEventsAfterIndex(cohortB, eventsB)
	nA, nB := cohortA.Size(), cohortB.Size()
	rateA := float64(countA) / float64(nA)
	rateB := float64(countB) / float64(nB)

	result.SummaryNotes["outcome_type"] = "condition"
	result.SetSummary("group_a_events", float64(countA))
	result.SetSummary("group_b_events", float64(countB))
	result.SetSummary("group_a_rate", utils.RoundTo(rateA, 4))
	result.SetSummary("group_b_rate", utils.RoundTo(rateB, 4))
	if rateB > 0 {
		result.SetSummary("relative_risk", utils.RoundTo(rateA/rateB, 4))
	} else {
		result.SetSummaryNull("relative_risk")
		result.Warn("no events in the comparison group; relative risk undefined")
	}

	table := models.ContingencyTable{
		ExposedOutcome:     float64(countA),
		ExposedNoOutcome:   float64(nA - countA),
		UnexposedOutcome:   float64(countB),
		UnexposedNoOutcome: float64(nB - countB),
	}
	p, testName := tableP(table)
	result.SetSummary("p_value", p)
	result.SummaryNotes["test"] = testName

	result.DetailColumns = []string{"group", "n", "events", "event_rate"}
	result.DetailRows = append(result.DetailRows,
		[]any{labelA, nA, countA, utils.RoundTo(rateA, 4)},
		[]any{labelB, nB, countB, utils.RoundTo(rateB, 4)},
	)
	return result, nil
}

func countEventsAfterIndex(c models.Cohort, events map[int64]time.Time) int {
	count := 0
	for subject, date := range events {
		entry, ok := c.Entries[subject]
		if ok && !date.Before(entry.IndexDate) {
			count++
		}
	}
	return count
}

// tableP picks Fisher's exact test for sparse tables and chi-squared
// otherwise, returning the p-value and the test name used.
func tableP(t models.ContingencyTable) (float64, string) {
	if t.MinCell() < 5 {
		return fisherExactP(int(t.ExposedOutcome), int(t.ExposedNoOutcome), int(t.UnexposedOutcome), int(t.UnexposedNoOutcome)), "fisher exact"
	}
	a, bb, c, d := t.ExposedOutcome, t.ExposedNoOutcome, t.UnexposedOutcome, t.UnexposedNoOutcome
	n := t.Total()
	num := n * (a*d - bb*c) * (a*d - bb*c)
	den := (a + bb) * (c + d) * (a + c) * (bb + d)
	if den == 0 {
		return 1, "chi-squared"
	}
	return chiSquaredP(num/den, 1), "chi-squared"
}

func collectValues(byID map[int64]float64) []float64 {
	out := make([]float64, 0, len(byID))
	for _, v := range byID {
		out = append(out, v)
	}
	return out
}
