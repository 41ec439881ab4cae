package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/pipeline"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client talks to OpenAI or any API-compatible gateway. It implements
// pipeline.LLMProvider; transport failures, timeouts, and 5xx/429 responses
// surface as pipeline.ErrProviderUnavailable so the gate can retry once and
// the stages can fall back.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	models     map[string]config.LLMModel
	httpClient *http.Client
}

// New creates a client from one configured provider entry.
func New(name string, cfg config.LLMProvider) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("provider %s: api_key is required", name)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		name:       name,
		apiKey:     cfg.APIKey,
		baseURL:    base,
		models:     cfg.Models,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate generates text using the LLM.
func (c *Client) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	text, _, _, err := c.GenerateWithTokens(ctx, prompt, model, options)
	return text, err
}

// GenerateWithTokens generates text and returns input/output token usage.
func (c *Client) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	m := c.models[model]
	apiName := model
	if m.APIName != "" {
		apiName = m.APIName
	}

	reqBody := chatRequest{
		Model:       apiName,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: optFloat(options, "temperature", m.Temperature),
		MaxTokens:   optInt(options, "max_tokens", m.MaxTokens),
	}

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", reqBody, &resp); err != nil {
		return "", 0, 0, err
	}
	if len(resp.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
}

// Embed generates vector embeddings for the provided inputs.
func (c *Client) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, nil
	}
	reqBody := map[string]interface{}{
		"model": model,
		"input": input,
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", reqBody, &resp); err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, nil
}

// GetAvailableModels returns the configured model names.
func (c *Client) GetAvailableModels() []string {
	out := make([]string, 0, len(c.models))
	for name := range c.models {
		out = append(out, name)
	}
	return out
}

// GetModelInfo returns information about a specific model.
func (c *Client) GetModelInfo(model string) (pipeline.ModelInfo, error) {
	m, ok := c.models[model]
	if !ok {
		return pipeline.ModelInfo{}, fmt.Errorf("unknown model %s", model)
	}
	return pipeline.ModelInfo{
		Name:            model,
		Provider:        c.name,
		MaxTokens:       m.MaxTokens,
		CostPer1KInput:  m.CostPer1K,
		CostPer1KOutput: m.CostPer1KOutput,
		Capabilities:    m.Capabilities,
	}, nil
}

// CalculateCost calculates the cost for a given number of tokens.
func (c *Client) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := c.models[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*m.CostPer1K + float64(outputTokens)/1000*m.CostPer1KOutput
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pipeline.ErrProviderUnavailable{Provider: c.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return pipeline.ErrProviderUnavailable{
			Provider: c.name,
			Err:      fmt.Errorf("API returned status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func optFloat(options map[string]interface{}, key string, def float64) float64 {
	if v, ok := options[key].(float64); ok {
		return v
	}
	return def
}

func optInt(options map[string]interface{}, key string, def int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
