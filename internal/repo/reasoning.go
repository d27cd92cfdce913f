package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cohortstack/cohort-engine/internal/config"
)

// Completion carries the reasoning service's text and its completion status,
// so callers can tell a finished answer from one cut off by a length limit.
type Completion struct {
	Text         string
	FinishReason string
}

// Truncated reports whether the service stopped because of a length limit.
func (c Completion) Truncated() bool { return c.FinishReason == "length" }

// ReasoningClient wraps an OpenAI-compatible chat completion API. Complete
// uses the main model and timeout; QuickComplete uses the cheaper utility
// model with its own short timeout so an auxiliary call cannot stall the main
// request.
type ReasoningClient struct {
	baseURL          string
	apiKey           string
	model            string
	utilityModel     string
	maxTokens        int
	utilityMaxTokens int
	httpClient       *http.Client
	quickClient      *http.Client
}

// NewReasoningClient constructs a client from the reasoning configuration.
func NewReasoningClient(cfg config.ReasoningConfig) *ReasoningClient {
	return &ReasoningClient{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		model:            cfg.Model,
		utilityModel:     cfg.UtilityModel,
		maxTokens:        cfg.MaxTokens,
		utilityMaxTokens: cfg.UtilityMaxTokens,
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		quickClient:      &http.Client{Timeout: cfg.LabelTimeout},
	}
}

// Model returns the main model identifier for response attribution.
func (c *ReasoningClient) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends a full interpretation request with a system prompt.
func (c *ReasoningClient) Complete(ctx context.Context, systemPrompt, userMessage string) (Completion, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
		MaxTokens: c.maxTokens,
	}
	return c.post(ctx, c.httpClient, req)
}

// QuickComplete sends a lightweight prompt to the utility model. Used for
// label generation; failures here degrade presentation, never correctness.
func (c *ReasoningClient) QuickComplete(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model:     c.utilityModel,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: c.utilityMaxTokens,
	}
	completion, err := c.post(ctx, c.quickClient, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(completion.Text), nil
}

func (c *ReasoningClient) post(ctx context.Context, client *http.Client, payload chatRequest) (Completion, error) {
	if c.baseURL == "" {
		return Completion{}, fmt.Errorf("reasoning service base URL not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("reasoning request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("reasoning service returned %s", resp.Status)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, fmt.Errorf("reasoning service returned no choices")
	}

	choice := decoded.Choices[0]
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return Completion{Text: choice.Message.Content, FinishReason: finish}, nil
}
