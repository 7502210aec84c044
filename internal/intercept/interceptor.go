package intercept

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vishalbelsare/memori-sub000/internal/session"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// ChatClient is the conversational surface applications already hold. The
// layer wraps it; it never implements provider transports itself. The
// returned Completion carries the reply plus the model identifier and token
// accounting the capture side persists with the exchange.
type ChatClient interface {
	Complete(ctx context.Context, msgs []types.Message) (types.Completion, error)
}

// PrepareFunc augments the outgoing messages with memory context.
type PrepareFunc func(ctx context.Context, sessionID string, msgs []types.Message) []types.Message

// RecordFunc captures a completed exchange.
type RecordFunc func(sessionID, userInput string, reply types.Completion)

// Wrapped decorates a ChatClient with context injection before each call and
// capture after it. Failures of either side never fail the underlying call.
type Wrapped struct {
	inner     ChatClient
	sessionID string
	prepare   PrepareFunc
	record    RecordFunc
	logger    zerolog.Logger
}

// Wrap builds the decorated client with a fresh session identity.
func Wrap(inner ChatClient, prepare PrepareFunc, record RecordFunc, logger zerolog.Logger) *Wrapped {
	return &Wrapped{
		inner:     inner,
		sessionID: session.NewID(),
		prepare:   prepare,
		record:    record,
		logger:    logger,
	}
}

// SessionID returns the session identity this wrapper injects under.
func (w *Wrapped) SessionID() string { return w.sessionID }

// Complete injects context, forwards the call, and records the exchange.
// Calls carrying the planner-scope marker pass straight through, which is
// what keeps the retrieval planner's own LLM traffic out of memory.
func (w *Wrapped) Complete(ctx context.Context, msgs []types.Message) (types.Completion, error) {
	if session.InPlannerScope(ctx) {
		return w.inner.Complete(ctx, msgs)
	}

	injected := w.prepare(ctx, w.sessionID, msgs)

	reply, err := w.inner.Complete(ctx, injected)
	if err != nil {
		return reply, err
	}

	if user := types.LastUserContent(msgs); user != "" {
		w.record(w.sessionID, user, reply)
	}
	return reply, nil
}
