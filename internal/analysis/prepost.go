package analysis

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/cohortstack/cohort-engine/internal/cohort"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

// prePost compares a measurement before and after each subject's first drug
// exposure with a paired t-test. The baseline is the closest value within
// the window before the index date; the follow-up the closest one after.
func (r *Registry) prePost(ctx context.Context, params map[string]any, b *cohort.Builder) (models.AnalysisResult, error) {
	result := models.NewAnalysisResult("pre_post")

	drugGroup, err := conceptGroupParam(params, "drug_concept_ids")
	if err != nil {
		return result, err
	}
	measGroup, err := conceptGroupParam(params, "measurement_concept_ids")
	if err != nil {
		return result, err
	}
	windowDays := intParam(params, "window_days", 180)
	if windowDays <= 0 {
		return result, utils.NewValidationError("window_days must be positive")
	}

	drugCohort, err := b.DrugCohort(ctx, drugGroup, false)
	if err != nil {
		return result, err
	}
	if drugCohort.Size() < r.opts.MinCohortSize {
		return result, utils.NewInsufficientDataError(fmt.Sprintf("drug cohort has %d subjects, need at least %d", drugCohort.Size(), r.opts.MinCohortSize))
	}

	series, err := b.MeasurementSeries(ctx, measGroup, drugCohort.SubjectIDs())
	if err != nil {
		return result, err
	}

	type pair struct {
		subject int64
		before  float64
		after   float64
	}
	var pairs []pair
	for _, subject := range drugCohort.SubjectIDs() {
		samples := series[subject]
		if len(samples) == 0 {
			continue
		}
		index := drugCohort.Entries[subject].IndexDate
		before, okB := closestSample(samples, index, windowDays, false)
		after, okA := closestSample(samples, index, windowDays, true)
		if okB && okA {
			pairs = append(pairs, pair{subject: subject, before: before, after: after})
		}
	}
	if len(pairs) < r.opts.MinCohortSize {
		return result, utils.NewInsufficientDataError(fmt.Sprintf("only %d subjects have paired measurements, need at least %d", len(pairs), r.opts.MinCohortSize))
	}

	before := make([]float64, len(pairs))
	after := make([]float64, len(pairs))
	for i, p := range pairs {
		before[i] = p.before
		after[i] = p.after
	}
	meanBefore := stat.Mean(before, nil)
	meanAfter := stat.Mean(after, nil)

	result.SetSummary("n_pairs", float64(len(pairs)))
	result.SetSummary("mean_before", utils.RoundTo(meanBefore, 4))
	result.SetSummary("mean_after", utils.RoundTo(meanAfter, 4))
	result.SetSummary("mean_change", utils.RoundTo(meanAfter-meanBefore, 4))

	if test, ok := pairedTTest(before, after); ok {
		result.SetSummary("t_statistic", utils.RoundTo(test.Statistic, 4))
		result.SetSummary("p_value", test.PValue)
		diffs := make([]float64, len(pairs))
		for i := range pairs {
			diffs[i] = after[i] - before[i]
		}
		result.SetSummary("cohens_d", utils.RoundTo(stat.Mean(diffs, nil)/stat.StdDev(diffs, nil), 4))
	} else {
		result.SetSummaryNull("t_statistic")
		result.SetSummaryNull("p_value")
		result.SetSummaryNull("cohens_d")
		result.Warn("paired differences show no variance")
	}
	result.SummaryNotes["drug"] = r.labels.Resolve(ctx, drugGroup)
	result.SummaryNotes["measurement"] = r.labels.Resolve(ctx, measGroup)

	result.DetailColumns = []string{"person_id", "baseline", "followup", "change"}
	for i, p := range pairs {
		if i >= r.opts.MaxDetailRows {
			result.Warn(fmt.Sprintf("detail truncated to %d of %d subjects", r.opts.MaxDetailRows, len(pairs)))
			break
		}
		result.DetailRows = append(result.DetailRows, []any{p.subject, utils.RoundTo(p.before, 4), utils.RoundTo(p.after, 4), utils.RoundTo(p.after-p.before, 4)})
	}
	return result, nil
}

// closestSample picks the sample nearest to the index date on the requested
// side, within the day window. The index day itself counts as follow-up, not
// baseline.
func closestSample(samples []models.MeasurementSample, index time.Time, windowDays int, after bool) (float64, bool) {
	best := math.MaxInt
	var value float64
	found := false
	for _, s := range samples {
		days := utils.DaysBetween(index, s.Date)
		if after {
			if days < 0 || days > windowDays {
				continue
			}
		} else {
			days = -days
			if days <= 0 || days > windowDays {
				continue
			}
		}
		if days < best {
			best = days
			value = s.Value
			found = true
		}
	}
	return value, found
}
