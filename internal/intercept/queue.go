// Package intercept is the capture side of the memory layer. The hot path
// only enqueues; a single consumer persists chat history in arrival order
// and fans classification out to a small worker pool. A full queue sheds the
// exchange with a counter rather than slowing the caller's conversation.
package intercept

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vishalbelsare/memori-sub000/internal/classify"
	"github.com/vishalbelsare/memori-sub000/internal/store"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

const (
	// DefaultQueueSize bounds pending captures.
	DefaultQueueSize = 256

	// DefaultWorkers is the classification pool size.
	DefaultWorkers = 2

	// stopGrace bounds the drain on shutdown. Jobs still pending after it
	// are dropped and counted.
	stopGrace = 5 * time.Second

	// jobTimeout bounds persistence plus classification for one exchange.
	jobTimeout = 60 * time.Second
)

// Job is one captured exchange awaiting persistence and classification.
type Job struct {
	Namespace  string
	SessionID  string
	Model      string
	UserInput  string
	AIOutput   string
	TokensUsed int
	Metadata   map[string]string
}

// StoredHook runs after a classified memory is persisted. Hooks run on the
// worker goroutine; slow hooks slow classification, not the caller.
type StoredHook func(chatID string, row types.MemoryRow)

// classified pairs a persisted chat with its pending classification work.
type classified struct {
	chatID string
	job    Job
}

// Pipeline owns the capture queue and its consumers.
type Pipeline struct {
	store      store.Store
	classifier *classify.Classifier
	logger     zerolog.Logger

	jobs    chan Job
	pending chan classified
	group   *errgroup.Group

	drops    atomic.Int64
	stopOnce sync.Once
	stopped  chan struct{}

	mu    sync.RWMutex
	hooks []StoredHook
}

// NewPipeline starts the consumer stage and classification workers.
func NewPipeline(st store.Store, classifier *classify.Classifier, queueSize, workers int, logger zerolog.Logger) *Pipeline {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	p := &Pipeline{
		store:      st,
		classifier: classifier,
		logger:     logger,
		jobs:       make(chan Job, queueSize),
		pending:    make(chan classified, queueSize),
		stopped:    make(chan struct{}),
	}

	p.group = &errgroup.Group{}
	p.group.Go(p.consume)
	for i := 0; i < workers; i++ {
		p.group.Go(p.classifyWorker)
	}
	return p
}

// Enqueue hands an exchange to the pipeline without blocking. Returns false
// when the queue is full or the pipeline is stopped; the exchange is then
// dropped and counted, never surfaced to the caller as an error.
func (p *Pipeline) Enqueue(job Job) bool {
	select {
	case <-p.stopped:
		p.drops.Add(1)
		return false
	default:
	}

	select {
	case p.jobs <- job:
		return true
	default:
		p.drops.Add(1)
		p.logger.Warn().Str("namespace", job.Namespace).Msg("capture queue full, exchange dropped")
		return false
	}
}

// consume is the single chat-history writer. Running alone preserves the
// arrival order of chat rows; only classification fans out. The jobs channel
// is never closed (producers may race a shutdown); consume drains whatever
// is buffered once stop is signalled, then exits.
func (p *Pipeline) consume() error {
	defer close(p.pending)
	for {
		select {
		case job := <-p.jobs:
			p.persistChat(job)
		case <-p.stopped:
			for {
				select {
				case job := <-p.jobs:
					p.persistChat(job)
				default:
					return nil
				}
			}
		}
	}
}

func (p *Pipeline) persistChat(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	chatID, err := p.store.PutChat(ctx, &types.ChatRecord{
		UserInput:  job.UserInput,
		AIOutput:   job.AIOutput,
		Model:      job.Model,
		SessionID:  job.SessionID,
		Namespace:  job.Namespace,
		TokensUsed: job.TokensUsed,
		Metadata:   job.Metadata,
	})
	cancel()
	if err != nil {
		p.logger.Warn().Err(err).Msg("chat persistence failed, exchange skipped")
		return
	}
	p.pending <- classified{chatID: chatID, job: job}
}

func (p *Pipeline) classifyWorker() error {
	for c := range p.pending {
		p.process(c)
	}
	return nil
}

func (p *Pipeline) process(c classified) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	pm := p.classifier.Classify(ctx, c.job.UserInput, c.job.AIOutput)
	if !pm.ShouldStore {
		p.logger.Debug().Str("chat_id", c.chatID).Msg("exchange classified as not worth storing")
		return
	}

	row, entities := classify.BuildRow(c.job.Namespace, c.chatID, pm)
	if _, err := p.store.PutMemory(ctx, &row, entities); err != nil {
		p.logger.Warn().Err(err).Str("chat_id", c.chatID).Msg("memory persistence failed")
		return
	}

	p.logger.Debug().Str("chat_id", c.chatID).Str("memory_id", row.MemoryID).
		Str("category", string(row.Category)).Msg("memory recorded")

	p.mu.RLock()
	hooks := p.hooks
	p.mu.RUnlock()
	for _, hook := range hooks {
		hook(c.chatID, row)
	}
}

// OnStored registers a callback invoked after each persisted memory.
func (p *Pipeline) OnStored(hook StoredHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, hook)
}

// Stop drains the queue for up to five seconds, then abandons whatever is
// left. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)

		done := make(chan struct{})
		go func() {
			p.group.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(stopGrace):
			p.logger.Warn().Msg("capture pipeline drain timed out")
		}
	})
}

// DropCount reports how many exchanges were shed.
func (p *Pipeline) DropCount() int64 { return p.drops.Load() }
