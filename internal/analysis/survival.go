package analysis

import (
	"context"
	"fmt"
	"math"

	"github.com/cohortstack/cohort-engine/internal/cohort"
	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

const daysPerYear = 365.25

// survival estimates a Kaplan-Meier curve for the cohort over a fixed
// horizon, using the mortality table for events and the last observation
// period end as the censoring boundary.
func (r *Registry) survival(ctx context.Context, params map[string]any, b *cohort.Builder) (models.AnalysisResult, error) {
	result := models.NewAnalysisResult("survival")

	group, err := conceptGroupParam(params, "concept_ids")
	if err != nil {
		return result, err
	}
	horizon := floatParam(params, "time_horizon_years", 5)
	if horizon <= 0 {
		return result, utils.NewValidationError("time_horizon_years must be positive")
	}

	cohortSet, err := b.ConditionCohort(ctx, group)
	if err != nil {
		return result, err
	}
	if cohortSet.Size() == 0 {
		// Not every cohort is a diagnosis; retry the group as a drug exposure.
		cohortSet, err = b.DrugCohort(ctx, group, false)
		if err != nil {
			return result, err
		}
	}
	if cohortSet.Size() < r.opts.MinCohortSize {
		return result, utils.NewInsufficientDataError(fmt.Sprintf("cohort has %d subjects, need at least %d", cohortSet.Size(), r.opts.MinCohortSize))
	}

	subjects := cohortSet.SubjectIDs()
	deaths, err := b.DeathDates(ctx, subjects)
	if err != nil {
		return result, err
	}
	ends, err := b.ObservationEnds(ctx, subjects)
	if err != nil {
		return result, err
	}

	var (
		times   []float64
		events  []bool
		dropped int
		nEvents int
	)
	for _, subject := range subjects {
		index := cohortSet.Entries[subject].IndexDate
		var (
			years float64
			event bool
		)
		if death, ok := deaths[subject]; ok {
			// A death on record before the index date means the cohort entry
			// is unusable, not that the subject is censored.
			if death.Before(index) {
				dropped++
				continue
			}
			years = float64(utils.DaysBetween(index, death)) / daysPerYear
			event = true
		} else if end, ok := ends[subject]; ok && end.After(index) {
			years = float64(utils.DaysBetween(index, end)) / daysPerYear
		} else {
			dropped++
			continue
		}
		if years <= 0 {
			dropped++
			continue
		}
		if years > horizon {
			years = horizon
			event = false
		}
		if event {
			nEvents++
		}
		times = append(times, years)
		events = append(events, event)
	}
	if dropped > 0 {
		result.Warn(fmt.Sprintf("%d subjects excluded for missing or non-positive follow-up", dropped))
	}
	if len(times) < r.opts.MinCohortSize {
		return result, utils.NewInsufficientDataError(fmt.Sprintf("only %d subjects have usable follow-up, need at least %d", len(times), r.opts.MinCohortSize))
	}

	curve := kaplanMeier(times, events)

	result.SetSummary("n_subjects", float64(len(times)))
	result.SetSummary("n_events", float64(nEvents))
	for year := 1.0; year <= horizon; year++ {
		result.SetSummary(fmt.Sprintf("survival_%dy", int(year)), survivalAt(curve, year))
	}
	if median, ok := medianSurvival(curve); ok {
		result.SetSummary("median_survival_years", median)
	} else {
		result.SetSummaryNull("median_survival_years")
		result.Warn("median survival not reached within the horizon")
	}
	result.SummaryNotes["cohort"] = r.labels.Resolve(ctx, group)

	result.DetailColumns = []string{"time_years", "survival", "ci_lower", "ci_upper", "at_risk"}
	for t := 0.5; t <= horizon+1e-9; t += 0.5 {
		point := pointAt(curve, t, len(times))
		result.DetailRows = append(result.DetailRows, []any{
			utils.RoundTo(t, 1),
			utils.RoundTo(point.Survival, 4),
			utils.RoundTo(point.Lower, 4),
			utils.RoundTo(point.Upper, 4),
			point.AtRisk,
		})
	}
	return result, nil
}

// medianSurvival returns the first time the curve drops to 0.5 or below.
func medianSurvival(points []kmPoint) (float64, bool) {
	for _, p := range points {
		if p.Survival <= 0.5 {
			return p.Time, true
		}
	}
	return 0, false
}

// pointAt reads the step function at time t, carrying the confidence bounds
// of the last event at or before t.
func pointAt(points []kmPoint, t float64, initialAtRisk int) kmPoint {
	current := kmPoint{Survival: 1, Lower: 1, Upper: 1, AtRisk: initialAtRisk}
	for _, p := range points {
		if p.Time > t+1e-9 {
			break
		}
		current = p
	}
	if math.IsNaN(current.Lower) {
		current.Lower = 0
	}
	return current
}
