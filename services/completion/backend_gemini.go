package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultGeminiConfig returns the stock registration config for Google
// Gemini.
func DefaultGeminiConfig() BackendConfig {
	return BackendConfig{
		ID:   "gemini",
		Name: "Google Gemini",
		Models: []string{
			"gemini-1.5-pro",
			"gemini-1.5-flash",
			"gemini-1.5-flash-8b",
		},
		DefaultModel:       "gemini-1.5-flash",
		CostPer1K:          0.02,
		SupportsStreaming:  true,
		SupportsStructured: true,
	}
}

// GeminiBackend implements the Backend interface for Google Gemini.
type GeminiBackend struct {
	cfg        BackendConfig
	apiKey     string
	baseURL    string
	httpClient httpDoer
}

// NewGeminiBackend creates a new Gemini backend.
func NewGeminiBackend(cfg BackendConfig, apiKey string) *GeminiBackend {
	return &GeminiBackend{
		cfg:        cfg,
		apiKey:     apiKey,
		baseURL:    geminiBaseURL,
		httpClient: &http.Client{},
	}
}

func (b *GeminiBackend) ID() string {
	return b.cfg.ID
}

func (b *GeminiBackend) Available(ctx context.Context) bool {
	return b.apiKey != ""
}

// Gemini API types
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (b *GeminiBackend) Complete(ctx context.Context, r Request) (*Response, error) {
	model := r.ModelID
	if model == "" {
		model = b.cfg.DefaultModel
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: r.Prompt}}},
		},
	}
	if r.Temperature > 0 || r.MaxOutputTokens > 0 {
		reqBody.GenerationConfig = &geminiGenerationConfig{
			Temperature:     r.Temperature,
			MaxOutputTokens: r.MaxOutputTokens,
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", b.baseURL, model, b.apiKey)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

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
		var apiErr geminiError
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

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "invalid response body", Err: err}
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "no candidates in response"}
	}

	var content string
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		content += part.Text
	}

	var tokensIn, tokensOut, totalTokens int
	if geminiResp.UsageMetadata != nil {
		tokensIn = geminiResp.UsageMetadata.PromptTokenCount
		tokensOut = geminiResp.UsageMetadata.CandidatesTokenCount
		totalTokens = geminiResp.UsageMetadata.TotalTokenCount
	}

	return &Response{
		Text:        content,
		BackendUsed: b.cfg.ID,
		ModelUsed:   model,
		TokensIn:    tokensIn,
		TokensOut:   tokensOut,
		CostUSD:     float64(totalTokens) / 1000.0 * b.cfg.CostPer1K,
	}, nil
}
