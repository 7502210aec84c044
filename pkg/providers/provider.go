// Package providers contains the ProcessingClient interface the memory core
// uses for structured categorization and planning, plus concrete adapters
// for OpenAI-compatible endpoints, Azure OpenAI, and Ollama. All provider
// coupling lives here; the core depends only on the interface.
package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Security limits to prevent unbounded memory usage.
const (
	// MaxErrorBodySize limits how much error response body we read (1MB).
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseBodySize limits total response size (10MB).
	MaxResponseBodySize = 10 * 1024 * 1024
)

var (
	// ErrRefused indicates the model declined to produce the requested
	// structure. Callers degrade to their rule-based paths.
	ErrRefused = errors.New("provider refused structured output")

	// ErrUnavailable indicates the client is not configured or reachable.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrMalformed indicates the response did not match the requested schema.
	ErrMalformed = errors.New("provider returned malformed structured output")
)

// ProcessingClient is the narrow interface the core calls to obtain
// structured outputs from an LLM. Structured sends a system+user prompt pair
// with a strict response schema and unmarshals the result into out.
type ProcessingClient interface {
	Structured(ctx context.Context, system, user string, schema *Schema, out any) error

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the client is configured and usable.
	Available() bool
}

// Config contains configuration for a provider adapter.
type Config struct {
	// Name identifies the provider (openai, azure, ollama, custom).
	Name string

	// BaseURL is the API base URL.
	BaseURL string

	// APIKey for authentication.
	APIKey string

	// Model is the model used for categorization and planning.
	Model string

	// AzureEndpoint, AzureDeployment and APIVersion apply to Azure only.
	AzureEndpoint   string
	AzureDeployment string
	APIVersion      string

	// Organization and Project are forwarded as OpenAI headers when set.
	Organization string
	Project      string

	// DefaultHeaders are attached to every request.
	DefaultHeaders map[string]string

	// DefaultQuery parameters are attached to every request URL.
	DefaultQuery map[string]string

	// Timeout for API calls.
	Timeout time.Duration

	// MaxRetries on transient HTTP failures.
	MaxRetries int
}

// DefaultConfig returns sensible defaults for a provider.
func DefaultConfig(name string) *Config {
	switch name {
	case "openai":
		return &Config{
			Name:       "openai",
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			Timeout:    30 * time.Second,
			MaxRetries: 2,
		}
	case "azure":
		return &Config{
			Name:       "azure",
			APIVersion: "2024-10-21",
			Model:      "gpt-4o-mini",
			Timeout:    30 * time.Second,
			MaxRetries: 2,
		}
	case "ollama":
		return &Config{
			Name:    "ollama",
			BaseURL: "http://127.0.0.1:11434",
			Model:   "llama3.2",
			Timeout: 2 * time.Minute,
		}
	default:
		return &Config{
			Name:    name,
			Timeout: 30 * time.Second,
		}
	}
}

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
// Used for error responses to prevent unbounded memory allocation.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// baseClient provides common functionality for HTTP-based adapters.
type baseClient struct {
	config *Config
	client *http.Client
}

func newBaseClient(cfg *Config, name string) baseClient {
	if cfg == nil {
		cfg = DefaultConfig(name)
	}

	defaults := DefaultConfig(name)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaults.APIVersion
	}
	cfg.Name = name

	return baseClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseClient) Name() string {
	return b.config.Name
}

// applyDefaults attaches configured default headers and query parameters.
func (b *baseClient) applyDefaults(req *http.Request) {
	for k, v := range b.config.DefaultHeaders {
		req.Header.Set(k, v)
	}
	if len(b.config.DefaultQuery) > 0 {
		q := req.URL.Query()
		for k, v := range b.config.DefaultQuery {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
}
