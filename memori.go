// Package memori is a conversational memory layer that sits between an
// application and its LLM provider. It records exchanges, classifies them
// into structured memories, and re-injects the relevant ones into later
// prompts: a promoted working set once per session, plus per-call retrieval
// planned against each outgoing prompt.
package memori

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vishalbelsare/memori-sub000/internal/classify"
	"github.com/vishalbelsare/memori-sub000/internal/conscious"
	"github.com/vishalbelsare/memori-sub000/internal/inject"
	"github.com/vishalbelsare/memori-sub000/internal/intercept"
	"github.com/vishalbelsare/memori-sub000/internal/logging"
	"github.com/vishalbelsare/memori-sub000/internal/retrieval"
	"github.com/vishalbelsare/memori-sub000/internal/search"
	"github.com/vishalbelsare/memori-sub000/internal/session"
	"github.com/vishalbelsare/memori-sub000/internal/store"
	"github.com/vishalbelsare/memori-sub000/pkg/providers"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// Coordinator lifecycle states.
type state int

const (
	stateConfigured state = iota
	stateEnabled
	stateDisabled
)

// jobCycleTimeout bounds one background job cycle.
const jobCycleTimeout = 30 * time.Second

// Memori coordinates the full layer: storage, classification, retrieval,
// injection, and background maintenance. One instance serves one namespace.
type Memori struct {
	cfg    *Config
	logger zerolog.Logger

	mu    sync.Mutex
	st    state
	store store.Store

	client     providers.ProcessingClient
	classifier *classify.Classifier
	engine     *search.Engine
	analyzer   *conscious.Analyzer
	planner    *retrieval.Planner
	injector   *inject.Injector
	pipeline   *intercept.Pipeline
	tracker    *session.Tracker

	jobs     *errgroup.Group
	jobsStop chan struct{}
}

// New validates the configuration and returns a configured, not yet enabled,
// coordinator. No storage is touched until Enable.
func New(cfg *Config) (*Memori, error) {
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Structured: cfg.Logging.Structured,
		FilePath:   cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	return &Memori{
		cfg:     cfg,
		logger:  logging.Component(logger, "memori"),
		st:      stateConfigured,
		tracker: session.NewTracker(),
	}, nil
}

// Enable opens storage, builds the processing components, and starts the
// capture pipeline and background jobs. Idempotent: enabling an enabled
// coordinator is a no-op.
func (m *Memori) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.st {
	case stateEnabled:
		return nil
	case stateDisabled:
		return ErrClosed
	}

	st, err := store.Open(store.Options{
		ConnectionString: m.cfg.Database.ConnectionString,
		PoolSize:         m.cfg.Database.PoolSize,
		MaxRetries:       m.cfg.Database.MaxRetries,
		EchoSQL:          m.cfg.Database.EchoSQL,
	}, logging.Component(m.logger, "store"))
	if err != nil {
		return err
	}
	m.store = st

	m.client = providers.New(m.cfg.Agent.APIType, m.providerConfig())
	m.classifier = classify.New(m.client, m.cfg.Memory.UserContext, logging.Component(m.logger, "classify"))
	m.engine = search.NewEngine(st, logging.Component(m.logger, "search"))
	m.analyzer = conscious.NewAnalyzer(st, m.cfg.Memory.WorkingSetSize, logging.Component(m.logger, "conscious"))
	m.planner = retrieval.NewPlanner(m.client, m.engine, logging.Component(m.logger, "retrieval"))
	m.injector = inject.New(m.cfg.Memory.TokenBudget, logging.Component(m.logger, "inject"))
	m.pipeline = intercept.NewPipeline(st, m.classifier, m.cfg.Memory.QueueSize, m.cfg.Memory.Workers,
		logging.Component(m.logger, "intercept"))

	m.st = stateEnabled
	m.startJobs(ctx)

	m.logger.Info().Str("namespace", m.cfg.Memory.Namespace).
		Str("provider", m.client.Name()).Msg("memory layer enabled")
	return nil
}

// Disable flushes the capture queue (bounded grace), stops background jobs,
// and closes storage. The coordinator cannot be re-enabled afterwards.
func (m *Memori) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Disabling anything but an enabled coordinator is a no-op; a
	// configured instance stays enableable.
	if m.st != stateEnabled {
		return nil
	}
	m.st = stateDisabled

	m.pipeline.Stop()
	close(m.jobsStop)
	m.jobs.Wait()

	err := m.store.Close()
	m.logger.Info().Msg("memory layer disabled")
	return err
}

func (m *Memori) providerConfig() *providers.Config {
	pc := providers.DefaultConfig(m.cfg.Agent.APIType)
	if m.cfg.Agent.APIKey != "" {
		pc.APIKey = m.cfg.Agent.APIKey
	}
	if m.cfg.Agent.BaseURL != "" {
		pc.BaseURL = m.cfg.Agent.BaseURL
	}
	if m.cfg.Agent.Model != "" {
		pc.Model = m.cfg.Agent.Model
	}
	if m.cfg.Agent.AzureEndpoint != "" {
		pc.AzureEndpoint = m.cfg.Agent.AzureEndpoint
	}
	if m.cfg.Agent.AzureDeployment != "" {
		pc.AzureDeployment = m.cfg.Agent.AzureDeployment
	}
	if m.cfg.Agent.APIVersion != "" {
		pc.APIVersion = m.cfg.Agent.APIVersion
	}
	if m.cfg.Agent.Organization != "" {
		pc.Organization = m.cfg.Agent.Organization
	}
	if m.cfg.Agent.Project != "" {
		pc.Project = m.cfg.Agent.Project
	}
	if m.cfg.Agent.TimeoutSec > 0 {
		pc.Timeout = time.Duration(m.cfg.Agent.TimeoutSec) * time.Second
	}
	return pc
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECORDING
// ═══════════════════════════════════════════════════════════════════════════════

// Record persists one exchange synchronously: the chat row is written, the
// exchange classified, and any resulting memory stored before Record
// returns. Use WrapClient for the non-blocking capture path.
func (m *Memori) Record(ctx context.Context, userInput, aiOutput, model string) (string, error) {
	if err := m.requireEnabled(); err != nil {
		return "", err
	}
	ns := m.cfg.Memory.Namespace

	chatID, err := m.store.PutChat(ctx, &types.ChatRecord{
		UserInput: userInput,
		AIOutput:  aiOutput,
		Model:     model,
		Namespace: ns,
	})
	if err != nil {
		return "", err
	}

	pm := m.classifier.Classify(ctx, userInput, aiOutput)
	if !pm.ShouldStore {
		return chatID, nil
	}

	row, entities := classify.BuildRow(ns, chatID, pm)
	if _, err := m.store.PutMemory(ctx, &row, entities); err != nil {
		return chatID, err
	}
	return chatID, nil
}

// WrapClient decorates a chat client with injection and capture under a
// fresh session. The wrapped client's failures pass through untouched;
// memory work never fails the conversation.
func (m *Memori) WrapClient(inner intercept.ChatClient) (*intercept.Wrapped, error) {
	if err := m.requireEnabled(); err != nil {
		return nil, err
	}
	return intercept.Wrap(inner, m.prepareMessages, m.capture,
		logging.Component(m.logger, "intercept")), nil
}

// capture is the wrapped client's record side: enqueue only, never block.
func (m *Memori) capture(sessionID, userInput string, reply types.Completion) {
	m.pipeline.Enqueue(intercept.Job{
		Namespace:  m.cfg.Memory.Namespace,
		SessionID:  sessionID,
		Model:      reply.Model,
		UserInput:  userInput,
		AIOutput:   reply.Message.Content,
		TokensUsed: reply.TokensUsed,
		Metadata:   reply.Metadata,
	})
}

// prepareMessages assembles injected context for one outgoing call: active
// rules always, the working set once per session when conscious ingest is
// on, and planned retrieval per call when auto ingest is on.
func (m *Memori) prepareMessages(ctx context.Context, sessionID string, msgs []types.Message) []types.Message {
	ns := m.cfg.Memory.Namespace

	rules, err := m.store.GetRules(ctx, ns, true)
	if err != nil {
		m.logger.Warn().Err(err).Msg("rule lookup failed, injecting without rules")
		rules = nil
	}

	var primed []types.MemoryRow
	if m.cfg.Memory.ConsciousIngest && m.tracker.MarkPrimed(sessionID) {
		primed, err = m.store.ListShortTerm(ctx, ns, m.cfg.Memory.WorkingSetSize)
		if err != nil {
			m.logger.Warn().Err(err).Msg("working set lookup failed, priming skipped")
			primed = nil
		}
	}

	var auto []types.MemoryHit
	if m.cfg.Memory.AutoIngest {
		if prompt := types.LastUserContent(msgs); prompt != "" {
			auto = m.planner.Retrieve(ctx, ns, prompt)
			inject.SortHits(auto)
			m.touchHits(ctx, auto)
		}
	}

	return m.injector.Inject(msgs, rules, primed, auto)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RETRIEVAL AND ANALYSIS
// ═══════════════════════════════════════════════════════════════════════════════

// RetrieveContext plans and runs retrieval for a prompt, returning ranked
// hits. It never returns an error; retrieval degrades to empty.
func (m *Memori) RetrieveContext(ctx context.Context, prompt string) ([]types.MemoryHit, error) {
	if err := m.requireEnabled(); err != nil {
		return nil, err
	}
	hits := m.planner.Retrieve(ctx, m.cfg.Memory.Namespace, prompt)
	m.touchHits(ctx, hits)
	return hits, nil
}

// SearchMemories runs a direct search without planning.
func (m *Memori) SearchMemories(ctx context.Context, q types.SearchQuery) ([]types.MemoryHit, error) {
	if err := m.requireEnabled(); err != nil {
		return nil, err
	}
	q.Namespace = m.cfg.Memory.Namespace
	hits := m.engine.Search(ctx, q)
	m.touchHits(ctx, hits)
	return hits, nil
}

// touchHits bumps access_count and last_accessed for every memory handed
// back to a caller or injected into a prompt. Best effort; a failed touch
// never degrades the result.
func (m *Memori) touchHits(ctx context.Context, hits []types.MemoryHit) {
	ns := m.cfg.Memory.Namespace
	for _, h := range hits {
		if err := m.store.TouchMemory(ctx, ns, h.MemoryID); err != nil {
			m.logger.Debug().Err(err).Str("memory_id", h.MemoryID).Msg("access touch failed")
		}
	}
}

// TriggerConsciousAnalysis re-runs working-set promotion immediately and
// re-primes future sessions with the result.
func (m *Memori) TriggerConsciousAnalysis(ctx context.Context) (int, error) {
	if err := m.requireEnabled(); err != nil {
		return 0, err
	}
	n, err := m.analyzer.Analyze(ctx, m.cfg.Memory.Namespace)
	if err != nil {
		return n, err
	}
	m.tracker.ResetAll()
	return n, nil
}

// GetEssentialConversations returns the current working set, most important
// first.
func (m *Memori) GetEssentialConversations(ctx context.Context, limit int) ([]types.MemoryRow, error) {
	if err := m.requireEnabled(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.cfg.Memory.WorkingSetSize
	}
	return m.store.ListShortTerm(ctx, m.cfg.Memory.Namespace, limit)
}

// GetMemoryStats combines stored counts with the layer's degradation
// counters.
func (m *Memori) GetMemoryStats(ctx context.Context) (types.MemoryStats, error) {
	if err := m.requireEnabled(); err != nil {
		return types.MemoryStats{}, err
	}
	stats, err := m.store.Stats(ctx, m.cfg.Memory.Namespace)
	if err != nil {
		return stats, err
	}
	stats.QueueDrops = m.pipeline.DropCount()
	stats.ClassifierFallbacks = m.classifier.FallbackCount()
	stats.PlannerTimeouts = m.planner.TimeoutCount()
	stats.ContextInjections = m.injector.InjectionCount()
	return stats, nil
}

// Health reports storage connectivity and capabilities.
func (m *Memori) Health(ctx context.Context) (types.Health, error) {
	if err := m.requireEnabled(); err != nil {
		return types.Health{}, err
	}
	return m.store.Health(ctx), nil
}

// OnMemoryStored registers a hook run after each memory persisted by the
// capture pipeline. Hooks run on pipeline workers.
func (m *Memori) OnMemoryStored(hook intercept.StoredHook) error {
	if err := m.requireEnabled(); err != nil {
		return err
	}
	m.pipeline.OnStored(hook)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RULES AND RELATIONSHIPS
// ═══════════════════════════════════════════════════════════════════════════════

// AddRule stores an always-injected directive. Priority runs 1..10.
func (m *Memori) AddRule(ctx context.Context, text string, ruleType types.RuleType, priority int) error {
	if err := m.requireEnabled(); err != nil {
		return err
	}
	return m.store.PutRule(ctx, &types.Rule{
		Text:      text,
		Type:      ruleType,
		Priority:  priority,
		Active:    true,
		Namespace: m.cfg.Memory.Namespace,
	})
}

// GetRules lists the namespace's active rules, highest priority first.
func (m *Memori) GetRules(ctx context.Context) ([]types.Rule, error) {
	if err := m.requireEnabled(); err != nil {
		return nil, err
	}
	return m.store.GetRules(ctx, m.cfg.Memory.Namespace, true)
}

// LinkMemories stores a typed edge between two memories.
func (m *Memori) LinkMemories(ctx context.Context, sourceID, targetID string, relType types.RelationshipType, strength float64) error {
	if err := m.requireEnabled(); err != nil {
		return err
	}
	return m.store.PutRelationship(ctx, &types.Relationship{
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      relType,
		Strength:  strength,
		Namespace: m.cfg.Memory.Namespace,
	})
}

// RelatedMemories lists edges touching a memory, strongest first.
func (m *Memori) RelatedMemories(ctx context.Context, memoryID string, limit int) ([]types.Relationship, error) {
	if err := m.requireEnabled(); err != nil {
		return nil, err
	}
	return m.store.ListRelated(ctx, m.cfg.Memory.Namespace, memoryID, limit)
}

// ═══════════════════════════════════════════════════════════════════════════════
// BACKGROUND JOBS
// ═══════════════════════════════════════════════════════════════════════════════

// startJobs launches the startup analysis, the periodic analysis loop, and
// the retention sweep. Callers hold m.mu.
func (m *Memori) startJobs(ctx context.Context) {
	m.jobsStop = make(chan struct{})
	m.jobs = &errgroup.Group{}
	ns := m.cfg.Memory.Namespace

	if m.cfg.Memory.ConsciousIngest {
		m.jobs.Go(func() error {
			cctx, cancel := context.WithTimeout(context.Background(), jobCycleTimeout)
			defer cancel()
			if _, err := m.analyzer.Analyze(cctx, ns); err != nil {
				m.logger.Warn().Err(err).Msg("startup conscious analysis failed")
			}
			return nil
		})
	}

	if interval := m.cfg.Memory.AnalysisIntervalMin; interval > 0 && m.cfg.Memory.ConsciousIngest {
		m.jobs.Go(func() error {
			return m.runTicker(time.Duration(interval)*time.Minute, func(cctx context.Context) {
				if _, err := m.analyzer.Analyze(cctx, ns); err != nil {
					m.logger.Warn().Err(err).Msg("periodic conscious analysis failed")
				}
			})
		})
	}

	if interval := m.cfg.Memory.ExpiryIntervalMin; interval > 0 {
		m.jobs.Go(func() error {
			return m.runTicker(time.Duration(interval)*time.Minute, m.sweep)
		})
	}
}

// runTicker drives one background job until Disable, each cycle bounded by
// jobCycleTimeout.
func (m *Memori) runTicker(interval time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.jobsStop:
			return nil
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), jobCycleTimeout)
			fn(ctx)
			cancel()
		}
	}
}

// sweep expires short-term rows and applies the long-term retention policy.
func (m *Memori) sweep(ctx context.Context) {
	ns := m.cfg.Memory.Namespace
	now := types.Now()

	if n, err := m.store.ExpireShortTerm(ctx, ns, now); err != nil {
		m.logger.Warn().Err(err).Msg("short-term expiry sweep failed")
	} else if n > 0 {
		m.logger.Debug().Int64("removed", n).Msg("short-term memories expired")
	}

	if maxAge, ok := m.cfg.RetentionMaxAge(); ok {
		if n, err := m.store.ApplyRetentionPolicy(ctx, ns, maxAge, now); err != nil {
			m.logger.Warn().Err(err).Msg("retention sweep failed")
		} else if n > 0 {
			m.logger.Debug().Int64("removed", n).Msg("long-term memories pruned by retention policy")
		}
	}
}

func (m *Memori) requireEnabled() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.st {
	case stateEnabled:
		return nil
	case stateDisabled:
		return ErrClosed
	default:
		return ErrNotEnabled
	}
}
