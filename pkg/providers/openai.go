package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// OpenAIClient implements ProcessingClient against the OpenAI chat
// completions API, or any OpenAI-compatible endpoint via BaseURL.
type OpenAIClient struct {
	baseClient
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg *Config) *OpenAIClient {
	return &OpenAIClient{baseClient: newBaseClient(cfg, "openai")}
}

// Available checks if the API key is configured.
func (c *OpenAIClient) Available() bool {
	return c.config.APIKey != ""
}

// Structured sends a structured-output request and unmarshals the result.
func (c *OpenAIClient) Structured(ctx context.Context, system, user string, schema *Schema, out any) error {
	if !c.Available() {
		return fmt.Errorf("openai: %w", ErrUnavailable)
	}
	return c.structuredCall(ctx, c.config.BaseURL+"/chat/completions", c.authHeaders(), system, user, schema, out)
}

func (c *OpenAIClient) authHeaders() map[string]string {
	h := map[string]string{"Authorization": "Bearer " + c.config.APIKey}
	if c.config.Organization != "" {
		h["OpenAI-Organization"] = c.config.Organization
	}
	if c.config.Project != "" {
		h["OpenAI-Project"] = c.config.Project
	}
	return h
}

// structuredCall runs one chat completion with a strict json_schema response
// format. Shared with the Azure adapter, which differs only in URL and auth.
func (c *baseClient) structuredCall(ctx context.Context, url string, headers map[string]string, system, user string, schema *Schema, out any) error {
	reqBody := openAIChatRequest{
		Model: c.config.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   schema.Name,
				Strict: true,
				Schema: schema.Raw,
			},
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	attempts := c.config.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = c.doStructured(ctx, url, headers, body, out)
		if lastErr == nil || !isRetryableHTTP(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *baseClient) doStructured(ctx context.Context, url string, headers map[string]string, body []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	c.applyDefaults(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &httpError{status: 0, err: fmt.Errorf("execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return &httpError{
			status: resp.StatusCode,
			err:    fmt.Errorf("%s error (status %d): %s", c.config.Name, resp.StatusCode, string(bodyBytes)),
		}
	}

	var chatResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return fmt.Errorf("%w: no choices in response", ErrMalformed)
	}

	choice := chatResp.Choices[0]
	if choice.Message.Refusal != "" {
		return fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	}
	if choice.Message.Content == "" {
		return fmt.Errorf("%w: empty content", ErrMalformed)
	}

	if err := json.Unmarshal([]byte(choice.Message.Content), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// httpError wraps an HTTP failure with its status for retry decisions.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

// isRetryableHTTP reports whether the error is a transient transport or
// server-side failure worth retrying.
func isRetryableHTTP(err error) bool {
	he, ok := err.(*httpError)
	if !ok {
		return false
	}
	return he.status == 0 || he.status == http.StatusTooManyRequests || he.status >= 500
}

// OpenAI wire types.
type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
	Temperature    float64               `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
