package models

import "sort"

// ConceptGroup is an ordered set of OMOP concept identifiers describing one
// clinical idea (a condition, a drug ingredient, a measurement type).
// IncludeDescendants records that the upstream interpreter intends the group
// hierarchically; the builder always joins through concept_ancestor, where
// every concept is its own ancestor at distance zero, so exact matches are
// covered either way.
type ConceptGroup struct {
	IDs                []int64
	IncludeDescendants bool
}

// NewConceptGroup builds a group from raw identifiers, dropping duplicates
// and non-positive values while preserving first-seen order.
func NewConceptGroup(ids []int64) ConceptGroup {
	seen := make(map[int64]struct{}, len(ids))
	cleaned := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	return ConceptGroup{IDs: cleaned, IncludeDescendants: true}
}

// Empty reports whether the group carries no identifiers.
func (g ConceptGroup) Empty() bool { return len(g.IDs) == 0 }

// SortedIDs returns the identifiers in ascending order, for stable cache keys.
func (g ConceptGroup) SortedIDs() []int64 {
	dup := append([]int64(nil), g.IDs...)
	sort.Slice(dup, func(i, j int) bool { return dup[i] < dup[j] })
	return dup
}

// PopulationFilter restricts the denominator population for procedures that
// reason over everyone in the data store (odds ratio). Nil pointer fields
// mean "no constraint".
type PopulationFilter struct {
	Sex    string
	MinAge *int
	MaxAge *int
}

// IsZero reports whether the filter constrains nothing.
func (f *PopulationFilter) IsZero() bool {
	return f == nil || (f.Sex == "" && f.MinAge == nil && f.MaxAge == nil)
}

// ConceptInfo describes one standard concept from the vocabulary tables.
type ConceptInfo struct {
	ID         int64
	Name       string
	Domain     string
	Vocabulary string
	Class      string
}

// ConceptUsed names a concept the interpreter resolved for a question.
type ConceptUsed struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
