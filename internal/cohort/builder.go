package cohort

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/repo"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

// Queryer is the read-only query surface the builder needs from the store.
type Queryer interface {
	Select(ctx context.Context, sql string, args ...any) ([]repo.Row, error)
}

// Builder resolves concept groups into cohorts against one CDM schema. A
// Builder is created per analysis request and records every SQL literal it
// issues, in order, so procedures can expose them for audit. Not safe for
// concurrent use; requests each get their own.
type Builder struct {
	store   Queryer
	schema  string
	queries []string
}

// NewBuilder binds a builder to a store and schema.
func NewBuilder(store Queryer, schema string) *Builder {
	return &Builder{store: store, schema: schema}
}

// Queries returns the SQL issued so far, in issuance order.
func (b *Builder) Queries() []string {
	return append([]string(nil), b.queries...)
}

func (b *Builder) query(ctx context.Context, sql string, args ...any) ([]repo.Row, error) {
	b.queries = append(b.queries, sql)
	rows, err := b.store.Select(ctx, sql, args...)
	if err != nil {
		if utils.IsDataAccess(err) {
			return nil, err
		}
		return nil, utils.NewDataAccessError("cohort query", err)
	}
	return rows, nil
}

// ConditionCohort builds the set of subjects with any condition occurrence
// matching the group (self or descendant), indexed by first occurrence.
// Inclusion through concept_ancestor covers exact matches automatically
// since every concept is its own ancestor at distance zero.
func (b *Builder) ConditionCohort(ctx context.Context, group models.ConceptGroup) (models.Cohort, error) {
	sql := fmt.Sprintf(`SELECT co.person_id, MIN(co.condition_start_date) AS index_date
FROM %s.condition_occurrence co
JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = co.condition_concept_id
WHERE ca.ancestor_concept_id = ANY($1)
GROUP BY co.person_id`, b.schema, b.schema)

	rows, err := b.query(ctx, sql, group.IDs)
	if err != nil {
		return models.Cohort{}, err
	}
	return cohortFromRows(rows, "index_date")
}

// DrugCohort builds the set of subjects with a matching drug era, indexed by
// first era start. With eachOccurrence set, every era start date is kept as
// an event date alongside the index.
func (b *Builder) DrugCohort(ctx context.Context, group models.ConceptGroup, eachOccurrence bool) (models.Cohort, error) {
	if !eachOccurrence {
		sql := fmt.Sprintf(`SELECT de.person_id, MIN(de.drug_era_start_date) AS index_date
FROM %s.drug_era de
JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = de.drug_concept_id
WHERE ca.ancestor_concept_id = ANY($1)
GROUP BY de.person_id`, b.schema, b.schema)

		rows, err := b.query(ctx, sql, group.IDs)
		if err != nil {
			return models.Cohort{}, err
		}
		return cohortFromRows(rows, "index_date")
	}

	sql := fmt.Sprintf(`SELECT de.person_id, de.drug_era_start_date AS event_date
FROM %s.drug_era de
JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = de.drug_concept_id
WHERE ca.ancestor_concept_id = ANY($1)`, b.schema, b.schema)

	rows, err := b.query(ctx, sql, group.IDs)
	if err != nil {
		return models.Cohort{}, err
	}

	cohort := models.NewCohort()
	for _, row := range rows {
		subject := asInt64(row["person_id"])
		date, ok := asTime(row["event_date"])
		if subject == 0 || !ok {
			continue
		}
		entry := cohort.Entries[subject]
		entry.EventDates = append(entry.EventDates, date)
		cohort.Entries[subject] = entry
	}
	for subject, entry := range cohort.Entries {
		sort.Slice(entry.EventDates, func(i, j int) bool { return entry.EventDates[i].Before(entry.EventDates[j]) })
		entry.IndexDate = entry.EventDates[0]
		cohort.Entries[subject] = entry
	}
	return cohort, nil
}

// FirstConditionDates returns the first matching condition date per subject,
// restricted to the given subjects. Used for outcome events over a cohort.
func (b *Builder) FirstConditionDates(ctx context.Context, group models.ConceptGroup, subjects []int64) (map[int64]time.Time, error) {
	sql := fmt.Sprintf(`SELECT co.person_id, MIN(co.condition_start_date) AS outcome_date
FROM %s.condition_occurrence co
JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = co.condition_concept_id
WHERE ca.ancestor_concept_id = ANY($1) AND co.person_id = ANY($2)
GROUP BY co.person_id`, b.schema, b.schema)

	rows, err := b.query(ctx, sql, group.IDs, subjects)
	if err != nil {
		return nil, err
	}
	return dateMapFromRows(rows, "outcome_date"), nil
}

// DeathDates returns the death date for each subject with a mortality record.
func (b *Builder) DeathDates(ctx context.Context, subjects []int64) (map[int64]time.Time, error) {
	sql := fmt.Sprintf(`SELECT person_id, death_date
FROM %s.death
WHERE person_id = ANY($1)`, b.schema)

	rows, err := b.query(ctx, sql, subjects)
	if err != nil {
		return nil, err
	}
	return dateMapFromRows(rows, "death_date"), nil
}

// ObservationEnds returns each subject's last observation period end, the
// censoring boundary for subjects with no mortality record.
func (b *Builder) ObservationEnds(ctx context.Context, subjects []int64) (map[int64]time.Time, error) {
	sql := fmt.Sprintf(`SELECT person_id, MAX(observation_period_end_date) AS end_date
FROM %s.observation_period
WHERE person_id = ANY($1)
GROUP BY person_id`, b.schema)

	rows, err := b.query(ctx, sql, subjects)
	if err != nil {
		return nil, err
	}
	return dateMapFromRows(rows, "end_date"), nil
}

// MeasurementSeries returns dated numeric values for the measurement group,
// restricted to subjects. Null-valued rows are excluded in SQL, never
// coerced.
func (b *Builder) MeasurementSeries(ctx context.Context, group models.ConceptGroup, subjects []int64) (models.MeasurementSeries, error) {
	sql := fmt.Sprintf(`SELECT m.person_id, m.value_as_number::float8 AS value, m.measurement_date
FROM %s.measurement m
JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = m.measurement_concept_id
WHERE ca.ancestor_concept_id = ANY($1) AND m.person_id = ANY($2)
  AND m.value_as_number IS NOT NULL`, b.schema, b.schema)

	rows, err := b.query(ctx, sql, group.IDs, subjects)
	if err != nil {
		return nil, err
	}

	series := make(models.MeasurementSeries)
	for _, row := range rows {
		subject := asInt64(row["person_id"])
		date, ok := asTime(row["measurement_date"])
		value, okV := asFloat(row["value"])
		if subject == 0 || !ok || !okV {
			continue
		}
		series[subject] = append(series[subject], models.MeasurementSample{Date: date, Value: value})
	}
	return series, nil
}

// AverageValues returns each subject's mean value for the measurement group.
// An empty subjects slice means the whole population.
func (b *Builder) AverageValues(ctx context.Context, group models.ConceptGroup, subjects []int64) (map[int64]float64, error) {
	var (
		sql  string
		args []any
	)
	if len(subjects) > 0 {
		sql = fmt.Sprintf(`SELECT m.person_id, AVG(m.value_as_number)::float8 AS avg_value
FROM %s.measurement m
JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = m.measurement_concept_id
WHERE ca.ancestor_concept_id = ANY($1) AND m.person_id = ANY($2)
  AND m.value_as_number IS NOT NULL
GROUP BY m.person_id`, b.schema, b.schema)
		args = []any{group.IDs, subjects}
	} else {
		sql = fmt.Sprintf(`SELECT m.person_id, AVG(m.value_as_number)::float8 AS avg_value
FROM %s.measurement m
JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = m.measurement_concept_id
WHERE ca.ancestor_concept_id = ANY($1)
  AND m.value_as_number IS NOT NULL
GROUP BY m.person_id`, b.schema, b.schema)
		args = []any{group.IDs}
	}

	rows, err := b.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	averages := make(map[int64]float64, len(rows))
	for _, row := range rows {
		subject := asInt64(row["person_id"])
		value, ok := asFloat(row["avg_value"])
		if subject == 0 || !ok {
			continue
		}
		averages[subject] = value
	}
	return averages, nil
}

// SameDayPairs returns value pairs where both measurements were recorded for
// the same subject on the same date.
func (b *Builder) SameDayPairs(ctx context.Context, groupA, groupB models.ConceptGroup, limit int) ([]models.ValuePair, error) {
	if limit <= 0 {
		limit = 10_000
	}
	sql := fmt.Sprintf(`SELECT a.person_id, a.value_as_number::float8 AS value_a, b.value_as_number::float8 AS value_b
FROM %s.measurement a
JOIN %s.concept_ancestor ca_a ON ca_a.descendant_concept_id = a.measurement_concept_id
JOIN %s.measurement b ON b.person_id = a.person_id AND b.measurement_date = a.measurement_date
JOIN %s.concept_ancestor ca_b ON ca_b.descendant_concept_id = b.measurement_concept_id
WHERE ca_a.ancestor_concept_id = ANY($1) AND ca_b.ancestor_concept_id = ANY($2)
  AND a.value_as_number IS NOT NULL AND b.value_as_number IS NOT NULL
LIMIT $3`, b.schema, b.schema, b.schema, b.schema)

	rows, err := b.query(ctx, sql, groupA.IDs, groupB.IDs, limit)
	if err != nil {
		return nil, err
	}

	pairs := make([]models.ValuePair, 0, len(rows))
	for _, row := range rows {
		a, okA := asFloat(row["value_a"])
		bv, okB := asFloat(row["value_b"])
		if !okA || !okB {
			continue
		}
		pairs = append(pairs, models.ValuePair{Subject: asInt64(row["person_id"]), ValueA: a, ValueB: bv})
	}
	return pairs, nil
}

const (
	genderConceptMale   = 8507
	genderConceptFemale = 8532
)

// ContingencyTable cross-tabulates exposure against outcome over the full
// filtered population in a single query.
func (b *Builder) ContingencyTable(ctx context.Context, exposure, outcome models.ConceptGroup, filter *models.PopulationFilter) (models.ContingencyTable, error) {
	args := []any{exposure.IDs, outcome.IDs}
	var predicates []string
	if !filter.IsZero() {
		switch strings.ToLower(filter.Sex) {
		case "male", "m":
			args = append(args, genderConceptMale)
			predicates = append(predicates, fmt.Sprintf("p.gender_concept_id = $%d", len(args)))
		case "female", "f":
			args = append(args, genderConceptFemale)
			predicates = append(predicates, fmt.Sprintf("p.gender_concept_id = $%d", len(args)))
		}
		if filter.MinAge != nil {
			args = append(args, *filter.MinAge)
			predicates = append(predicates, fmt.Sprintf("EXTRACT(YEAR FROM CURRENT_DATE) - p.year_of_birth >= $%d", len(args)))
		}
		if filter.MaxAge != nil {
			args = append(args, *filter.MaxAge)
			predicates = append(predicates, fmt.Sprintf("EXTRACT(YEAR FROM CURRENT_DATE) - p.year_of_birth <= $%d", len(args)))
		}
	}
	where := ""
	if len(predicates) > 0 {
		where = "\n    WHERE " + strings.Join(predicates, " AND ")
	}

	sql := fmt.Sprintf(`WITH total_patients AS (
    SELECT p.person_id FROM %s.person p%s
),
exposed AS (
    SELECT DISTINCT co.person_id
    FROM %s.condition_occurrence co
    JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = co.condition_concept_id
    WHERE ca.ancestor_concept_id = ANY($1)
),
outcome AS (
    SELECT DISTINCT co.person_id
    FROM %s.condition_occurrence co
    JOIN %s.concept_ancestor ca ON ca.descendant_concept_id = co.condition_concept_id
    WHERE ca.ancestor_concept_id = ANY($2)
)
SELECT
    COUNT(*) FILTER (WHERE e.person_id IS NOT NULL AND o.person_id IS NOT NULL) AS exposed_outcome,
    COUNT(*) FILTER (WHERE e.person_id IS NOT NULL AND o.person_id IS NULL) AS exposed_no_outcome,
    COUNT(*) FILTER (WHERE e.person_id IS NULL AND o.person_id IS NOT NULL) AS unexposed_outcome,
    COUNT(*) FILTER (WHERE e.person_id IS NULL AND o.person_id IS NULL) AS unexposed_no_outcome
FROM total_patients tp
LEFT JOIN exposed e ON tp.person_id = e.person_id
LEFT JOIN outcome o ON tp.person_id = o.person_id`,
		b.schema, where, b.schema, b.schema, b.schema, b.schema)

	rows, err := b.query(ctx, sql, args...)
	if err != nil {
		return models.ContingencyTable{}, err
	}
	if len(rows) == 0 {
		return models.ContingencyTable{}, utils.NewDataAccessError("contingency table", fmt.Errorf("no aggregate row returned"))
	}

	row := rows[0]
	return models.ContingencyTable{
		ExposedOutcome:     float64(asInt64(row["exposed_outcome"])),
		ExposedNoOutcome:   float64(asInt64(row["exposed_no_outcome"])),
		UnexposedOutcome:   float64(asInt64(row["unexposed_outcome"])),
		UnexposedNoOutcome: float64(asInt64(row["unexposed_no_outcome"])),
	}, nil
}

// ConceptDomain returns the vocabulary domain of the group's first concept,
// used to auto-detect condition vs measurement outcomes.
func (b *Builder) ConceptDomain(ctx context.Context, group models.ConceptGroup) (string, error) {
	sql := fmt.Sprintf(`SELECT domain_id FROM %s.concept WHERE concept_id = ANY($1) LIMIT 1`, b.schema)

	rows, err := b.query(ctx, sql, group.IDs)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "Condition", nil
	}
	if domain, ok := rows[0]["domain_id"].(string); ok && domain != "" {
		return domain, nil
	}
	return "Condition", nil
}

func cohortFromRows(rows []repo.Row, dateCol string) (models.Cohort, error) {
	cohort := models.NewCohort()
	for _, row := range rows {
		subject := asInt64(row["person_id"])
		date, ok := asTime(row[dateCol])
		if subject == 0 || !ok {
			continue
		}
		cohort.Entries[subject] = models.CohortEntry{IndexDate: date}
	}
	return cohort, nil
}

func dateMapFromRows(rows []repo.Row, dateCol string) map[int64]time.Time {
	out := make(map[int64]time.Time, len(rows))
	for _, row := range rows {
		subject := asInt64(row["person_id"])
		date, ok := asTime(row[dateCol])
		if subject == 0 || !ok {
			continue
		}
		out[subject] = date
	}
	return out
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok && !t.IsZero()
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
