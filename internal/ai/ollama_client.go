package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OllamaClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// OllamaClient calls /api/generate without streaming.
type OllamaClient struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewOllamaClient(config OllamaClientConfig) *OllamaClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &OllamaClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}
}

func (c *OllamaClient) Available() bool {
	return c.baseURL != ""
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	NumPredict       int     `json:"num_predict,omitempty"`
	Temperature      float64 `json:"temperature"`
	TopK             int     `json:"top_k,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *OllamaClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrInferenceUnavailable
	}
	if err := validateRequest(request); err != nil {
		return GenerateResult{}, err
	}

	encoded, err := json.Marshal(ollamaRequest{
		Model:  request.Model,
		Prompt: request.Input,
		System: strings.TrimSpace(request.Instructions),
		Stream: false,
		Options: ollamaOptions{
			NumPredict:       request.MaxOutputTokens,
			Temperature:      request.Temperature,
			TopK:             request.TopK,
			TopP:             request.TopP,
			FrequencyPenalty: request.FrequencyPenalty,
		},
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal ollama payload: %w", err)
	}

	return withRetry(ctx, c.maxRetries, "ollama", func() (GenerateResult, error) {
		return c.callGenerateAPI(ctx, encoded, request.Model)
	})
}

func (c *OllamaClient) callGenerateAPI(ctx context.Context, payload []byte, requestedModel string) (GenerateResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("create ollama request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return GenerateResult{}, fmt.Errorf("ollama timeout: %w", err)
		}
		return GenerateResult{}, fmt.Errorf("ollama transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("read ollama body: %w", err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		return GenerateResult{}, newProviderHTTPError("ollama", httpResponse.StatusCode, body)
	}

	var raw ollamaResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return GenerateResult{}, fmt.Errorf("decode ollama response: %w", err)
	}
	text := strings.TrimSpace(raw.Response)
	if text == "" {
		return GenerateResult{}, errors.New("ollama response without text output")
	}

	return GenerateResult{
		Text:    text,
		ModelID: providerFirstNonEmpty(raw.Model, requestedModel),
		Usage: TokenUsage{
			InputTokens:  raw.PromptEvalCount,
			OutputTokens: raw.EvalCount,
			TotalTokens:  raw.PromptEvalCount + raw.EvalCount,
		},
	}, nil
}
