package analysis

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cohortstack/cohort-engine/internal/models"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

// Parameter decoding for reasoning-service output. The values arrive as
// generic JSON, so numbers may be float64, strings, or lists of either.
// Every decoding failure is a ValidationError raised before any query runs.

func conceptGroupParam(params map[string]any, key string) (models.ConceptGroup, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return models.ConceptGroup{}, utils.NewValidationError(fmt.Sprintf("missing required parameter %q", key))
	}
	ids, err := int64List(raw)
	if err != nil {
		return models.ConceptGroup{}, utils.NewValidationError(fmt.Sprintf("parameter %q: %v", key, err))
	}
	group := models.NewConceptGroup(ids)
	if group.Empty() {
		return models.ConceptGroup{}, utils.NewValidationError(fmt.Sprintf("parameter %q contains no valid concept IDs", key))
	}
	return group, nil
}

func int64List(raw any) ([]int64, error) {
	switch v := raw.(type) {
	case []any:
		out := make([]int64, 0, len(v))
		for _, item := range v {
			id, err := asID(item)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	case []int64:
		return v, nil
	default:
		id, err := asID(raw)
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil
	}
}

func asID(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not a concept ID: %q", n)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("not a concept ID: %v", v)
	}
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback
	}
	switch n := raw.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	return int(floatParam(params, key, float64(fallback)))
}

func stringParam(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return fallback
}

func populationFilterParam(params map[string]any) *models.PopulationFilter {
	filter := &models.PopulationFilter{Sex: stringParam(params, "sex", "")}
	if _, ok := params["min_age"]; ok {
		v := intParam(params, "min_age", 0)
		filter.MinAge = &v
	}
	if _, ok := params["max_age"]; ok {
		v := intParam(params, "max_age", 0)
		filter.MaxAge = &v
	}
	if filter.IsZero() {
		return nil
	}
	return filter
}
