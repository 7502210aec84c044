package providers

import "context"

// RuleBasedStub is a ProcessingClient that never produces output. Wiring it
// in forces every consumer onto its deterministic rule-based path, which is
// useful for offline operation and for tests.
type RuleBasedStub struct{}

// NewRuleBasedStub returns the stub client.
func NewRuleBasedStub() *RuleBasedStub { return &RuleBasedStub{} }

func (s *RuleBasedStub) Structured(context.Context, string, string, *Schema, any) error {
	return ErrUnavailable
}

func (s *RuleBasedStub) Name() string    { return "rule-based" }
func (s *RuleBasedStub) Available() bool { return false }

// New constructs a ProcessingClient from config. Unrecognized api_type
// values fall through to an OpenAI-compatible client pointed at BaseURL,
// which covers LiteLLM proxies and self-hosted gateways.
func New(apiType string, cfg *Config) ProcessingClient {
	switch apiType {
	case "azure":
		return NewAzureClient(cfg)
	case "ollama":
		return NewOllamaClient(cfg)
	case "rule-based", "stub", "none":
		return NewRuleBasedStub()
	default:
		return NewOpenAIClient(cfg)
	}
}
