package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cohortstack/cohort-engine/internal/config"
)

func newTestClient(url string) *ReasoningClient {
	return NewReasoningClient(config.ReasoningConfig{
		BaseURL:      url,
		Model:        "main-model",
		UtilityModel: "utility-model",
		Timeout:      2 * time.Second,
		LabelTimeout: time.Second,
		MaxTokens:    256,
	})
}

func TestCompleteReturnsFinishReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["model"] != "main-model" {
			t.Fatalf("model = %v", req["model"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"sql": "SELECT 1"}`}, "finish_reason": "length"},
			},
		})
	}))
	defer server.Close()

	completion, err := newTestClient(server.URL).Complete(context.Background(), "system", "question")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !completion.Truncated() {
		t.Fatalf("expected truncated completion, finish reason %q", completion.FinishReason)
	}
	if completion.Text == "" {
		t.Fatal("expected completion text")
	}
}

func TestQuickCompleteUsesUtilityModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "utility-model" {
			t.Fatalf("model = %v", req["model"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  Type 2 diabetes \n"}, "finish_reason": "stop"},
			},
		})
	}))
	defer server.Close()

	label, err := newTestClient(server.URL).QuickComplete(context.Background(), "summarise")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if label != "Type 2 diabetes" {
		t.Fatalf("label = %q", label)
	}
}

func TestCompleteErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusBadGateway)
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestCompleteNoBaseURL(t *testing.T) {
	client := NewReasoningClient(config.ReasoningConfig{})
	if _, err := client.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error without base URL")
	}
}
