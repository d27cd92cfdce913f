package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatResponse struct {
	Choices []choice `json:"choices"`
}

type choice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Canned interpretations so the engine can be exercised without a real
// reasoning service. The last user message picks the shape: anything
// mentioning "survival" gets an analysis plan, everything else a count query.
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		question := ""
		for _, m := range req.Messages {
			if m.Role == "user" {
				question = m.Content
			}
		}

		content := `{"response_type": "sql", "thinking": "Count rows.", "sql": "SELECT count(*) AS n FROM person", "explanation": "Total persons in the database."}`
		if strings.Contains(strings.ToLower(question), "survival") {
			content = `{"response_type": "analysis", "thinking": "Kaplan-Meier over the diabetes cohort.", "explanation": "Five year survival after diagnosis.", "analysis": {"type": "survival", "params": {"concept_ids": [201826], "time_horizon_years": 5}}}`
		}

		var resp chatResponse
		var c choice
		c.Message.Content = content
		c.FinishReason = "stop"
		resp.Choices = []choice{c}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	log.Println("mock reasoning service listening on :9090")
	log.Fatal(http.ListenAndServe(":9090", mux))
}
