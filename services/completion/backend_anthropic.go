package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// DefaultAnthropicConfig returns the stock registration config for Anthropic.
func DefaultAnthropicConfig() BackendConfig {
	return BackendConfig{
		ID:   "anthropic",
		Name: "Anthropic",
		Models: []string{
			"claude-sonnet-4-20250514",
			"claude-3-5-sonnet-20241022",
			"claude-3-5-haiku-20241022",
		},
		DefaultModel:       "claude-3-5-sonnet-20241022",
		CostPer1K:          0.025,
		SupportsStreaming:  true,
		SupportsStructured: true,
	}
}

// AnthropicBackend implements the Backend interface for Anthropic.
type AnthropicBackend struct {
	cfg        BackendConfig
	apiKey     string
	baseURL    string
	httpClient httpDoer
}

// NewAnthropicBackend creates a new Anthropic backend.
func NewAnthropicBackend(cfg BackendConfig, apiKey string) *AnthropicBackend {
	return &AnthropicBackend{
		cfg:        cfg,
		apiKey:     apiKey,
		baseURL:    anthropicBaseURL,
		httpClient: &http.Client{},
	}
}

func (b *AnthropicBackend) ID() string {
	return b.cfg.ID
}

func (b *AnthropicBackend) Available(ctx context.Context) bool {
	return b.apiKey != ""
}

// Anthropic API types
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID      string                  `json:"id"`
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   anthropicUsage          `json:"usage"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *AnthropicBackend) Complete(ctx context.Context, r Request) (*Response, error) {
	model := r.ModelID
	if model == "" {
		model = b.cfg.DefaultModel
	}

	// max_tokens is required by the API
	maxTokens := r.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	reqBody := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []anthropicMessage{{Role: "user", Content: r.Prompt}},
		Temperature: r.Temperature,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, transportError(b.cfg.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(b.cfg.ID, err)
	}

	if resp.StatusCode != http.StatusOK {
		message := fmt.Sprintf("status %d", resp.StatusCode)
		var apiErr anthropicError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return nil, &BackendError{
			Backend: b.cfg.ID,
			Kind:    kindFromStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: message,
		}
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(respBody, &anthropicResp); err != nil {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "invalid response body", Err: err}
	}

	var content string
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "no text content in response"}
	}

	usage := anthropicResp.Usage
	totalTokens := usage.InputTokens + usage.OutputTokens
	return &Response{
		Text:        content,
		BackendUsed: b.cfg.ID,
		ModelUsed:   anthropicResp.Model,
		TokensIn:    usage.InputTokens,
		TokensOut:   usage.OutputTokens,
		CostUSD:     float64(totalTokens) / 1000.0 * b.cfg.CostPer1K,
	}, nil
}
