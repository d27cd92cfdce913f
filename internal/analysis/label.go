package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cohortstack/cohort-engine/internal/cache"
	"github.com/cohortstack/cohort-engine/internal/cohort"
	"github.com/cohortstack/cohort-engine/internal/models"
)

// QuickCompleter is the small-prompt surface of the reasoning client used
// for labelling. Kept narrow so tests can fake it.
type QuickCompleter interface {
	QuickComplete(ctx context.Context, prompt string) (string, error)
}

// LabelResolver turns concept groups into short human-readable labels for
// result summaries. Labels are presentation only; a resolver failure never
// fails an analysis.
type LabelResolver struct {
	store    cohort.Queryer
	schema   string
	reasoner QuickCompleter
	cache    cache.Provider
	ttl      time.Duration
	logger   *slog.Logger
}

// NewLabelResolver builds a resolver. reasoner and provider may be nil; the
// resolver then degrades to joined concept names.
func NewLabelResolver(store cohort.Queryer, schema string, reasoner QuickCompleter, provider cache.Provider, ttl time.Duration, logger *slog.Logger) *LabelResolver {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &LabelResolver{
		store:    store,
		schema:   schema,
		reasoner: reasoner,
		cache:    provider,
		ttl:      ttl,
		logger:   logger,
	}
}

// Resolve returns a label for the group. Single concepts use the concept
// name directly. Multi-concept groups ask the utility model for a short
// umbrella term, falling back to the joined names when that fails.
func (r *LabelResolver) Resolve(ctx context.Context, group models.ConceptGroup) string {
	names := r.conceptNames(ctx, group.SortedIDs())
	if len(names) == 0 {
		return fallbackLabel(group)
	}
	if len(names) == 1 {
		return names[0]
	}

	key := labelCacheKey(group)
	if cached, err := r.cache.Get(ctx, key); err == nil && len(cached) > 0 {
		return string(cached)
	}

	joined := strings.Join(names, " + ")
	if r.reasoner == nil {
		return joined
	}

	prompt := fmt.Sprintf("Give a short clinical umbrella term (2-5 words) covering these related concepts: %s. Reply with only the term.", strings.Join(names, ", "))
	label, err := r.reasoner.QuickComplete(ctx, prompt)
	if err != nil || strings.TrimSpace(label) == "" {
		if err != nil {
			r.logger.Debug("label completion failed, using joined names", "error", err)
		}
		return joined
	}
	label = strings.Trim(strings.TrimSpace(label), `"'`)
	if err := r.cache.Set(ctx, key, []byte(label), r.ttl); err != nil {
		r.logger.Debug("label cache write failed", "error", err)
	}
	return label
}

// ConceptsUsed returns id/name pairs for all IDs, for response attribution.
func (r *LabelResolver) ConceptsUsed(ctx context.Context, ids []int64) []models.ConceptUsed {
	group := models.NewConceptGroup(ids)
	names := r.conceptNameMap(ctx, group.SortedIDs())
	out := make([]models.ConceptUsed, 0, len(ids))
	for _, id := range group.SortedIDs() {
		name := names[id]
		if name == "" {
			name = fmt.Sprintf("concept %d", id)
		}
		out = append(out, models.ConceptUsed{ID: id, Name: name})
	}
	return out
}

func (r *LabelResolver) conceptNames(ctx context.Context, ids []int64) []string {
	byID := r.conceptNameMap(ctx, ids)
	names := make([]string, 0, len(byID))
	for _, id := range ids {
		if name, ok := byID[id]; ok {
			names = append(names, name)
		}
	}
	return names
}

func (r *LabelResolver) conceptNameMap(ctx context.Context, ids []int64) map[int64]string {
	if len(ids) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`SELECT concept_id, concept_name FROM %s.concept WHERE concept_id = ANY($1)`, r.schema)
	rows, err := r.store.Select(ctx, sql, ids)
	if err != nil {
		r.logger.Debug("concept name lookup failed", "error", err)
		return nil
	}
	out := make(map[int64]string, len(rows))
	for _, row := range rows {
		id, ok := row["concept_id"].(int64)
		if !ok {
			if id32, ok32 := row["concept_id"].(int32); ok32 {
				id = int64(id32)
			} else {
				continue
			}
		}
		if name, ok := row["concept_name"].(string); ok && name != "" {
			out[id] = name
		}
	}
	return out
}

func labelCacheKey(group models.ConceptGroup) string {
	ids := group.SortedIDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "label:" + strings.Join(parts, ",")
}

func fallbackLabel(group models.ConceptGroup) string {
	ids := group.SortedIDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "concepts " + strings.Join(parts, "+")
}
