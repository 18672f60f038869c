package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultAzureAPIVersion = "2024-06-01"

// DefaultAzureOpenAIConfig returns the stock registration config for Azure
// OpenAI. Models are deployment names chosen by the subscription owner.
func DefaultAzureOpenAIConfig() BackendConfig {
	return BackendConfig{
		ID:   "azureopenai",
		Name: "Azure OpenAI",
		Models: []string{
			"gpt-4o",
			"gpt-4o-mini",
			"gpt-4",
			"gpt-35-turbo",
		},
		DefaultModel:       "gpt-4o-mini",
		CostPer1K:          0.035,
		SupportsStreaming:  true,
		SupportsStructured: true,
	}
}

// AzureOpenAIBackend implements the Backend interface for Azure OpenAI
// deployments. Azure serves the OpenAI chat completion wire format behind a
// per-deployment URL and an api-key header.
type AzureOpenAIBackend struct {
	cfg        BackendConfig
	apiKey     string
	endpoint   string
	deployment string
	apiVersion string
	httpClient httpDoer
}

// NewAzureOpenAIBackend creates a new Azure OpenAI backend. deployment and
// apiVersion may be empty; the config's default model and the current stable
// API version are used.
func NewAzureOpenAIBackend(cfg BackendConfig, apiKey, endpoint, deployment, apiVersion string) *AzureOpenAIBackend {
	if deployment == "" {
		deployment = cfg.DefaultModel
	}
	if apiVersion == "" {
		apiVersion = defaultAzureAPIVersion
	}
	return &AzureOpenAIBackend{
		cfg:        cfg,
		apiKey:     apiKey,
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		deployment: deployment,
		apiVersion: apiVersion,
		httpClient: &http.Client{},
	}
}

func (b *AzureOpenAIBackend) ID() string {
	return b.cfg.ID
}

func (b *AzureOpenAIBackend) Available(ctx context.Context) bool {
	return b.apiKey != "" && b.endpoint != ""
}

func (b *AzureOpenAIBackend) Complete(ctx context.Context, r Request) (*Response, error) {
	deployment := r.ModelID
	if deployment == "" {
		deployment = b.deployment
	}

	reqBody := openAIRequest{
		Model:       deployment,
		Messages:    []openAIMessage{{Role: "user", Content: r.Prompt}},
		Temperature: r.Temperature,
		MaxTokens:   r.MaxOutputTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		b.endpoint, deployment, b.apiVersion)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("api-key", b.apiKey)
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

	var azureResp openAIResponse
	if err := json.Unmarshal(respBody, &azureResp); err != nil {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "invalid response body", Err: err}
	}

	if len(azureResp.Choices) == 0 {
		return nil, &BackendError{Backend: b.cfg.ID, Kind: ErrorKindServer, Message: "no choices in response"}
	}

	model := azureResp.Model
	if model == "" {
		model = deployment
	}

	usage := azureResp.Usage
	return &Response{
		Text:        azureResp.Choices[0].Message.Content,
		BackendUsed: b.cfg.ID,
		ModelUsed:   model,
		TokensIn:    usage.PromptTokens,
		TokensOut:   usage.CompletionTokens,
		CostUSD:     float64(usage.TotalTokens) / 1000.0 * b.cfg.CostPer1K,
	}, nil
}
