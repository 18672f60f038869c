package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

// DefaultOllamaConfig returns the stock registration config for Ollama.
// Local inference is free.
func DefaultOllamaConfig() BackendConfig {
	return BackendConfig{
		ID:   "ollama",
		Name: "Ollama",
		Models: []string{
			"llama3.2",
			"llama3.1",
			"mistral",
		},
		DefaultModel:       "llama3.2",
		CostPer1K:          0,
		SupportsStreaming:  true,
		SupportsStructured: false,
	}
}

// OllamaBackend implements the Backend interface for Ollama (local LLMs).
type OllamaBackend struct {
	cfg        BackendConfig
	baseURL    string
	httpClient httpDoer
}

// NewOllamaBackend creates a new Ollama backend.
func NewOllamaBackend(cfg BackendConfig, baseURL string) *OllamaBackend {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaBackend{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// Long timeout for local inference
		httpClient: &http.Client{Timeout: 300 * time.Second},
	}
}

func (b *OllamaBackend) ID() string {
	return b.cfg.ID
}

// Available always reports true: local backends need no credential, and a
// down daemon surfaces as a connection failure on the attempt itself.
func (b *OllamaBackend) Available(ctx context.Context) bool {
	return true
}

// Ollama API types
type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaError struct {
	Error string `json:"error"`
}

func (b *OllamaBackend) Complete(ctx context.Context, r Request) (*Response, error) {
	model := r.ModelID
	if model == "" {
		model = b.cfg.DefaultModel
	}

	reqBody := ollamaRequest{
		Model:    model,
		Messages: []ollamaMessage{{Role: "user", Content: r.Prompt}},
		Stream:   false,
	}
	if r.Temperature > 0 || r.MaxOutputTokens > 0 {
		reqBody.Options = &ollamaOptions{
			Temperature: r.Temperature,
			NumPredict:  r.MaxOutputTokens,
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/api/chat", bytes.NewReader(body))
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
		var apiErr ollamaError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return nil, &BackendError{
			Backend: b.cfg.ID,
			Kind:    kindFromStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: message,
		}
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "invalid response body", Err: err}
	}

	return &Response{
		Text:        ollamaResp.Message.Content,
		BackendUsed: b.cfg.ID,
		ModelUsed:   ollamaResp.Model,
		TokensIn:    ollamaResp.PromptEvalCount,
		TokensOut:   ollamaResp.EvalCount,
		CostUSD:     0,
	}, nil
}
