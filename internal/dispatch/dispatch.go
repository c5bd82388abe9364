// Package dispatch runs background jobs on a fixed pool of workers fed by a
// bounded queue. Jobs are routed to handlers by topic.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/dispatch")

// Topics handled by incidentd.
const (
	TopicIncident = "incident.process"
	TopicVoice    = "voice.recording"
)

const (
	defaultWorkers    = 4
	defaultQueueSize  = 256
	defaultJobTimeout = 5 * time.Minute
)

var (
	// ErrQueueFull is returned when a job cannot be queued without blocking.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrStopped is returned once the pool has begun shutting down.
	ErrStopped = errors.New("dispatch pool is stopped")
	// ErrUnknownTopic is returned when no handler is registered for a topic.
	ErrUnknownTopic = errors.New("no handler for topic")
)

// Job is one unit of queued work.
type Job struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob wraps payload as a job with a fresh id.
func NewJob(topic string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return Job{
		ID:         ulid.Make().String(),
		Topic:      topic,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Handler processes one job. Returned errors are logged and counted; jobs
// are not retried.
type Handler func(ctx context.Context, job Job) error

// Enqueuer accepts work for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload any) (jobID string, err error)
}

// Options configures a Pool.
type Options struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// Pool is a fixed-size worker pool.
type Pool struct {
	opts     Options
	logger   log.Logger
	metrics  *Metrics
	queue    chan Job
	handlers map[string]Handler

	mu      sync.RWMutex
	stopped bool
	running bool
}

// NewPool creates a pool. Zero option values select defaults.
func NewPool(opts Options, logger log.Logger, metrics *Metrics) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pool{
		opts:     opts,
		logger:   logger.With("component", "dispatch"),
		metrics:  metrics,
		queue:    make(chan Job, opts.QueueSize),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for topic. It must be called before Run.
func (p *Pool) Handle(topic string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = h
}

// Topics lists registered topics.
func (p *Pool) Topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	return out
}

// Enqueue wraps payload in a job and queues it without blocking.
func (p *Pool) Enqueue(_ context.Context, topic string, payload any) (string, error) {
	job, err := NewJob(topic, payload)
	if err != nil {
		return "", err
	}
	if err := p.Submit(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Submit queues job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.acceptLocked(job); err != nil {
		return err
	}
	select {
	case p.queue <- job:
		p.metrics.depth(len(p.queue))
		return nil
	default:
		p.metrics.rejected(job.Topic)
		return ErrQueueFull
	}
}

// SubmitWait queues job, waiting for space until ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	for {
		err := p.Submit(job)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (p *Pool) acceptLocked(job Job) error {
	if p.stopped {
		return ErrStopped
	}
	if _, ok := p.handlers[job.Topic]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, job.Topic)
	}
	return nil
}

// Len returns the number of queued jobs.
func (p *Pool) Len() int { return len(p.queue) }

// Run starts the workers and blocks until ctx is cancelled and every queued
// job has been handled. Jobs run on a context detached from ctx so shutdown
// does not abort work that was already accepted.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("dispatch pool already started")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info(ctx, "dispatch pool started", "workers", p.opts.Workers, "queue_size", p.opts.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()
		return nil
	})

	base := context.WithoutCancel(ctx)
	for i := range p.opts.Workers {
		g.Go(func() error {
			for job := range p.queue {
				p.metrics.depth(len(p.queue))
				p.run(base, i, job)
			}
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info(base, "dispatch pool drained")
	return err
}

func (p *Pool) run(base context.Context, worker int, job Job) {
	p.mu.RLock()
	h := p.handlers[job.Topic]
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(base, p.opts.JobTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "dispatch.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.topic", job.Topic),
		attribute.Int("job.worker", worker),
	))
	defer span.End()

	L := p.logger.With("job_id", job.ID, "topic", job.Topic)
	ctx = log.WithContext(ctx, L)

	start := time.Now()
	outcome := "ok"
	err := p.safeCall(ctx, h, job)
	var pe *panicError
	switch {
	case err == nil:
	case errors.As(err, &pe):
		outcome = "panic"
		L.Error(ctx, err, "job handler panicked", "stack", string(pe.stack))
	default:
		outcome = "error"
		L.Error(ctx, err, "job failed")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.job(job.Topic, outcome, time.Since(start).Seconds())
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (p *Pool) safeCall(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h(ctx, job)
}

// Decode unmarshals a job payload into v.
func Decode[T any](job Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s job %s: %w", job.Topic, job.ID, err)
	}
	return v, nil
}
