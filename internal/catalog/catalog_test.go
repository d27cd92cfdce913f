package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cohortstack/cohort-engine/internal/models"
)

type fakeSource struct {
	concepts []models.ConceptInfo
	err      error
}

func (f *fakeSource) FetchConceptCatalog(context.Context, time.Duration) ([]models.ConceptInfo, error) {
	return f.concepts, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadGroupsByDomain(t *testing.T) {
	source := &fakeSource{concepts: []models.ConceptInfo{
		{ID: 201826, Name: "Type 2 diabetes mellitus", Domain: "Condition"},
		{ID: 1503297, Name: "metformin", Domain: "Drug"},
		{ID: 3004249, Name: "Systolic blood pressure", Domain: "Measurement"},
	}}
	c := New(source, time.Minute, discardLogger())

	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	status, count, _, _ := c.Snapshot()
	if status != StatusReady || count != 3 {
		t.Fatalf("status=%v count=%d", status, count)
	}
	text := c.Text()
	for _, want := range []string{"## Condition", "## Drug", "201826: Type 2 diabetes mellitus", "1503297: metformin"} {
		if !strings.Contains(text, want) {
			t.Errorf("catalog text missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "## Condition") > strings.Index(text, "## Drug") {
		t.Error("domains are not sorted")
	}
}

func TestLoadErrorKeepsStatus(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	c := New(source, time.Minute, discardLogger())

	if err := c.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	status, _, _, lastErr := c.Snapshot()
	if status != StatusError {
		t.Errorf("status = %v, want error", status)
	}
	if !strings.Contains(lastErr, "connection refused") {
		t.Errorf("lastErr = %q", lastErr)
	}
	if c.Text() != "" {
		t.Error("failed load should not publish text")
	}
}

func TestReloadReplacesContent(t *testing.T) {
	source := &fakeSource{concepts: []models.ConceptInfo{{ID: 1, Name: "old concept", Domain: "Condition"}}}
	c := New(source, time.Minute, discardLogger())
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	source.concepts = []models.ConceptInfo{{ID: 2, Name: "new concept", Domain: "Condition"}}
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if text := c.Text(); strings.Contains(text, "old concept") || !strings.Contains(text, "new concept") {
		t.Errorf("text = %q", text)
	}
}
