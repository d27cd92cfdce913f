// Package catalog maintains the process-scoped inventory of concepts that
// actually occur in the connected data store. The inventory is loaded once
// in the background at startup and rendered into the interpreter's system
// prompt so the model picks concept IDs that exist in the data.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cohortstack/cohort-engine/internal/models"
)

// Status describes the catalog lifecycle.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Source fetches the concept inventory. Implemented by repo.Store.
type Source interface {
	FetchConceptCatalog(ctx context.Context, timeout time.Duration) ([]models.ConceptInfo, error)
}

// Catalog holds the rendered concept text and its load state. Reads are
// cheap and concurrent; loading replaces the content atomically.
type Catalog struct {
	mu       sync.RWMutex
	status   Status
	text     string
	count    int
	loadedAt time.Time
	lastErr  string

	source  Source
	timeout time.Duration
	logger  *slog.Logger
}

// New builds an idle catalog.
func New(source Source, timeout time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{
		status:  StatusIdle,
		source:  source,
		timeout: timeout,
		logger:  logger,
	}
}

// Load fetches and renders the inventory, replacing any previous content.
// Concurrent Load calls coalesce: only the first proceeds.
func (c *Catalog) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusLoading {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusLoading
	c.mu.Unlock()

	start := time.Now()
	concepts, err := c.source.FetchConceptCatalog(ctx, c.timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.status = StatusError
		c.lastErr = err.Error()
		c.logger.Error("concept catalog load failed", "error", err)
		return err
	}
	c.text = renderCatalog(concepts)
	c.count = len(concepts)
	c.status = StatusReady
	c.loadedAt = time.Now()
	c.lastErr = ""
	c.logger.Info("concept catalog loaded",
		"concepts", c.count,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// LoadAsync runs Load on its own goroutine.
func (c *Catalog) LoadAsync(ctx context.Context) {
	go func() {
		// Failure is recorded in the catalog state for the status endpoint.
		_ = c.Load(ctx)
	}()
}

// Text returns the rendered catalog, empty until the first successful load.
func (c *Catalog) Text() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.text
}

// Snapshot reports the load state for the status endpoint.
func (c *Catalog) Snapshot() (status Status, count int, loadedAt time.Time, lastErr string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.count, c.loadedAt, c.lastErr
}

// renderCatalog groups concepts by domain, one line per concept, domains and
// names sorted for a stable prompt.
func renderCatalog(concepts []models.ConceptInfo) string {
	byDomain := make(map[string][]models.ConceptInfo)
	for _, concept := range concepts {
		domain := concept.Domain
		if domain == "" {
			domain = "Other"
		}
		byDomain[domain] = append(byDomain[domain], concept)
	}

	domains := make([]string, 0, len(byDomain))
	for domain := range byDomain {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	var b strings.Builder
	for _, domain := range domains {
		list := byDomain[domain]
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		fmt.Fprintf(&b, "## %s\n", domain)
		for _, concept := range list {
			fmt.Fprintf(&b, "- %d: %s\n", concept.ID, concept.Name)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
