package models

import (
	"sort"
	"time"
)

// CohortEntry holds the event dates for one subject. IndexDate is the first
// qualifying occurrence; EventDates carries every occurrence when the cohort
// was built in each-occurrence mode (drug exposures), otherwise it is nil.
type CohortEntry struct {
	IndexDate  time.Time
	EventDates []time.Time
}

// Cohort maps subject identifiers to their event dates. Subjects are unique
// by construction and every date is non-null. An empty cohort is a valid
// value, not an error; procedures decide whether the sample is sufficient.
type Cohort struct {
	Entries map[int64]CohortEntry
}

// NewCohort returns an empty cohort ready for population.
func NewCohort() Cohort {
	return Cohort{Entries: make(map[int64]CohortEntry)}
}

// Size returns the number of subjects.
func (c Cohort) Size() int { return len(c.Entries) }

// SubjectIDs returns the subject identifiers in ascending order.
func (c Cohort) SubjectIDs() []int64 {
	ids := make([]int64, 0, len(c.Entries))
	for id := range c.Entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IndexDate returns the subject's index date and whether the subject belongs
// to the cohort.
func (c Cohort) IndexDate(subject int64) (time.Time, bool) {
	e, ok := c.Entries[subject]
	return e.IndexDate, ok
}

// MeasurementSample is one (date, value) observation for a subject. Values
// are always numeric; null-valued rows are filtered before the series is
// built, never coerced to zero.
type MeasurementSample struct {
	Date  time.Time
	Value float64
}

// MeasurementSeries maps subject identifiers to their observations for a
// single measurement concept group.
type MeasurementSeries map[int64][]MeasurementSample

// ValuePair is one matched observation of two measurements for the same
// subject, recorded on the same day.
type ValuePair struct {
	Subject int64
	ValueA  float64
	ValueB  float64
}

// ContingencyTable is the 2x2 exposure-by-outcome cross tabulation used for
// odds ratio computation.
type ContingencyTable struct {
	ExposedOutcome     float64
	ExposedNoOutcome   float64
	UnexposedOutcome   float64
	UnexposedNoOutcome float64
}

// Total returns the table's grand total.
func (t ContingencyTable) Total() float64 {
	return t.ExposedOutcome + t.ExposedNoOutcome + t.UnexposedOutcome + t.UnexposedNoOutcome
}

// MinCell returns the smallest cell count, used to choose the significance test.
func (t ContingencyTable) MinCell() float64 {
	min := t.ExposedOutcome
	for _, v := range []float64{t.ExposedNoOutcome, t.UnexposedOutcome, t.UnexposedNoOutcome} {
		if v < min {
			min = v
		}
	}
	return min
}

// HasZeroCell reports whether any cell is zero.
func (t ContingencyTable) HasZeroCell() bool { return t.MinCell() == 0 }
