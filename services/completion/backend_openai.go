package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const openAIBaseURL = "https://api.openai.com/v1"

// DefaultOpenAIConfig returns the stock registration config for OpenAI.
func DefaultOpenAIConfig() BackendConfig {
	return BackendConfig{
		ID:   "openai",
		Name: "OpenAI",
		Models: []string{
			"gpt-4o",
			"gpt-4o-mini",
			"gpt-4-turbo",
			"gpt-4",
			"gpt-3.5-turbo",
		},
		DefaultModel:       "gpt-4o-mini",
		CostPer1K:          0.03,
		SupportsStreaming:  true,
		SupportsStructured: true,
	}
}

// OpenAIBackend implements the Backend interface for OpenAI.
type OpenAIBackend struct {
	cfg        BackendConfig
	apiKey     string
	baseURL    string
	httpClient httpDoer
}

// NewOpenAIBackend creates a new OpenAI backend.
func NewOpenAIBackend(cfg BackendConfig, apiKey string) *OpenAIBackend {
	return &OpenAIBackend{
		cfg:        cfg,
		apiKey:     apiKey,
		baseURL:    openAIBaseURL,
		httpClient: &http.Client{},
	}
}

func (b *OpenAIBackend) ID() string {
	return b.cfg.ID
}

func (b *OpenAIBackend) Available(ctx context.Context) bool {
	return b.apiKey != ""
}

// OpenAI API types
type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (b *OpenAIBackend) Complete(ctx context.Context, r Request) (*Response, error) {
	model := r.ModelID
	if model == "" {
		model = b.cfg.DefaultModel
	}

	reqBody := openAIRequest{
		Model:       model,
		Messages:    []openAIMessage{{Role: "user", Content: r.Prompt}},
		Temperature: r.Temperature,
		MaxTokens:   r.MaxOutputTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+b.apiKey)
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
		var apiErr openAIError
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

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "invalid response body", Err: err}
	}

	if len(openAIResp.Choices) == 0 {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "no choices in response"}
	}

	usage := openAIResp.Usage
	return &Response{
		Text:        openAIResp.Choices[0].Message.Content,
		BackendUsed: b.cfg.ID,
		ModelUsed:   openAIResp.Model,
		TokensIn:    usage.PromptTokens,
		TokensOut:   usage.CompletionTokens,
		CostUSD:     float64(usage.TotalTokens) / 1000.0 * b.cfg.CostPer1K,
	}, nil
}
