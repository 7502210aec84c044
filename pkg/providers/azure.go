package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// AzureClient implements ProcessingClient against Azure OpenAI deployments.
// The wire format matches OpenAI; only the URL scheme and auth header differ.
type AzureClient struct {
	baseClient
}

// NewAzureClient creates a new Azure OpenAI client.
func NewAzureClient(cfg *Config) *AzureClient {
	return &AzureClient{baseClient: newBaseClient(cfg, "azure")}
}

// Available checks that endpoint, deployment, and key are all configured.
func (c *AzureClient) Available() bool {
	return c.config.APIKey != "" && c.config.AzureEndpoint != "" && c.config.AzureDeployment != ""
}

// Structured sends a structured-output request to the configured deployment.
func (c *AzureClient) Structured(ctx context.Context, system, user string, schema *Schema, out any) error {
	if !c.Available() {
		return fmt.Errorf("azure: %w", ErrUnavailable)
	}

	endpoint := strings.TrimSuffix(c.config.AzureEndpoint, "/")
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpoint, url.PathEscape(c.config.AzureDeployment), url.QueryEscape(c.config.APIVersion))

	headers := map[string]string{"api-key": c.config.APIKey}
	return c.structuredCall(ctx, u, headers, system, user, schema, out)
}
