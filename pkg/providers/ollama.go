package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// OllamaClient implements ProcessingClient against a local Ollama server.
// Ollama enforces structured output through the "format" field, which
// accepts a JSON schema directly.
type OllamaClient struct {
	baseClient
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(cfg *Config) *OllamaClient {
	return &OllamaClient{baseClient: newBaseClient(cfg, "ollama")}
}

// Available is true when an endpoint is configured. Ollama needs no key;
// reachability is discovered on first call.
func (c *OllamaClient) Available() bool {
	return c.config.BaseURL != ""
}

// Structured sends a chat request with a schema-constrained format.
func (c *OllamaClient) Structured(ctx context.Context, system, user string, schema *Schema, out any) error {
	if !c.Available() {
		return fmt.Errorf("ollama: %w", ErrUnavailable)
	}

	reqBody := ollamaChatRequest{
		Model: c.config.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Format: schema.Raw,
		Stream: false,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyDefaults(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if chatResp.Message.Content == "" {
		return fmt.Errorf("%w: empty content", ErrMalformed)
	}

	if err := json.Unmarshal([]byte(chatResp.Message.Content), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Ollama wire types.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Format   json.RawMessage `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}
