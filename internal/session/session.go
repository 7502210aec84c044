// Package session tracks per-session state for the interception layer: which
// sessions have already received their one-shot working-set priming, and
// whether a call originates from the retrieval planner itself.
package session

import (
	"context"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type ctxKey int

const plannerScopeKey ctxKey = iota

// WithPlannerScope marks ctx as originating inside the retrieval planner.
// Intercepted clients skip recording and injection under this scope, which
// is what prevents planner LLM calls from recursing through the layer.
func WithPlannerScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, plannerScopeKey, true)
}

// InPlannerScope reports whether ctx carries the planner marker.
func InPlannerScope(ctx context.Context) bool {
	v, _ := ctx.Value(plannerScopeKey).(bool)
	return v
}

// NewID returns a fresh session identifier.
func NewID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "session_fallback"
	}
	return "session_" + id
}

// Tracker remembers which sessions were primed with the working set.
// Priming happens at most once per session regardless of how many calls the
// session makes.
type Tracker struct {
	mu     sync.Mutex
	primed map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{primed: make(map[string]bool)}
}

// MarkPrimed records the priming attempt and reports whether this call won
// the race. Only the winner injects the working set.
func (t *Tracker) MarkPrimed(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.primed[sessionID] {
		return false
	}
	t.primed[sessionID] = true
	return true
}

// Primed reports whether the session has already been primed.
func (t *Tracker) Primed(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primed[sessionID]
}

// Reset forgets a session, so the next call primes again. Used when the
// working set is rebuilt by a manual analysis trigger.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.primed, sessionID)
}

// ResetAll forgets every session.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.primed = make(map[string]bool)
}
