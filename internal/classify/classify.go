// Package classify turns recorded exchanges into structured ProcessedMemory
// records. The primary path asks a ProcessingClient for a strict-schema
// assessment; any failure degrades to a deterministic rule-based fallback so
// recording never blocks on provider health.
package classify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vishalbelsare/memori-sub000/pkg/providers"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// classifyTimeout bounds one provider call. The queue consumer keeps its own
// deadline; this one protects against providers that ignore context.
const classifyTimeout = 30 * time.Second

var processedSchema = providers.MustSchemaFor[types.ProcessedMemory]("processed_memory")

// Classifier wraps a ProcessingClient with validation and fallback.
type Classifier struct {
	client    providers.ProcessingClient
	userCtx   types.UserContext
	logger    zerolog.Logger
	fallbacks atomic.Int64
}

func New(client providers.ProcessingClient, userCtx types.UserContext, logger zerolog.Logger) *Classifier {
	return &Classifier{client: client, userCtx: userCtx, logger: logger}
}

// Classify produces a normalized assessment of one exchange. The returned
// memory always passes Normalize invariants; callers may persist it directly.
func (c *Classifier) Classify(ctx context.Context, userInput, aiOutput string) types.ProcessedMemory {
	if c.client == nil || !c.client.Available() {
		return c.fallback(userInput, aiOutput, "provider unavailable", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	var pm types.ProcessedMemory
	err := c.client.Structured(ctx, systemPrompt, buildUserPrompt(userInput, aiOutput, c.userCtx), processedSchema, &pm)
	if err != nil {
		return c.fallback(userInput, aiOutput, "provider call failed", err)
	}

	pm.Normalize()
	return pm
}

func (c *Classifier) fallback(userInput, aiOutput, reason string, err error) types.ProcessedMemory {
	c.fallbacks.Add(1)
	c.logger.Debug().Err(err).Str("reason", reason).Msg("classifier falling back to rule-based path")
	return Fallback(userInput, aiOutput)
}

// FallbackCount returns how many classifications used the rule-based path.
func (c *Classifier) FallbackCount() int64 {
	return c.fallbacks.Load()
}
