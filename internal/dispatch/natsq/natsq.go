// Package natsq carries dispatch jobs over NATS so several incidentd
// processes can share one stream of work. Publishers write to
// <prefix>.<topic>; every process consumes through the same queue group and
// feeds its local dispatch.Pool.
package natsq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/dispatch"
)

// Defaults for subject prefix and queue group.
const (
	DefaultPrefix = "incidentd.jobs"
	DefaultQueue  = "incidentd-workers"

	// MsgIDHeader carries a per-publish idempotency token.
	MsgIDHeader = "Nats-Msg-Id"

	submitTimeout = 30 * time.Second
)

// Config controls the connection and subject layout.
type Config struct {
	URL    string
	Name   string
	Prefix string
	Queue  string
}

// Connect dials NATS with reconnects enabled and connection events logged.
func Connect(cfg Config, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	name := cfg.Name
	if name == "" {
		name = "incidentd"
	}
	ctx := context.Background()
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Publisher is the subset of *nats.Conn used to send jobs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Transport publishes jobs and consumes them into a local pool.
type Transport struct {
	nc     *nats.Conn
	pub    Publisher
	pool   *dispatch.Pool
	prefix string
	queue  string
	logger log.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New creates a Transport on nc. pool receives consumed jobs.
func New(nc *nats.Conn, pool *dispatch.Pool, cfg Config, logger log.Logger) *Transport {
	if pool == nil {
		panic(xerrors.New("natsq requires a dispatch pool"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	t := &Transport{
		nc:     nc,
		pool:   pool,
		prefix: cfg.Prefix,
		queue:  cfg.Queue,
		logger: logger.With("component", "natsq"),
	}
	if nc != nil {
		t.pub = nc
	}
	return t
}

// Subject returns the NATS subject for topic.
func (t *Transport) Subject(topic string) string {
	return t.prefix + "." + topic
}

// Enqueue publishes payload as a job on topic.
func (t *Transport) Enqueue(_ context.Context, topic string, payload any) (string, error) {
	if t.pub == nil {
		return "", errors.New("natsq: not connected")
	}
	job, err := dispatch.NewJob(topic, payload)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("natsq: encode job: %w", err)
	}
	msg := nats.NewMsg(t.Subject(topic))
	msg.Data = data
	msg.Header.Set(MsgIDHeader, uuid.NewString())
	if err := t.pub.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("natsq: publish %s: %w", msg.Subject, err)
	}
	return job.ID, nil
}

// Start subscribes to every topic registered on the pool.
func (t *Transport) Start() error {
	if t.nc == nil {
		return errors.New("natsq: not connected")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range t.pool.Topics() {
		subject := t.Subject(topic)
		sub, err := t.nc.QueueSubscribe(subject, t.queue, t.handle)
		if err != nil {
			return fmt.Errorf("natsq: subscribe %s: %w", subject, err)
		}
		t.subs = append(t.subs, sub)
		t.logger.Info(context.Background(), "consuming jobs", "subject", subject, "queue", t.queue)
	}
	return nil
}

// handle moves one message into the local pool, waiting for queue space so
// slow workers push back on the subscription instead of dropping work.
func (t *Transport) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	var job dispatch.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		t.logger.Error(ctx, err, "dropping malformed job message", "subject", msg.Subject)
		return
	}
	if err := t.pool.SubmitWait(ctx, job); err != nil {
		t.logger.Error(ctx, err, "failed to queue consumed job",
			"subject", msg.Subject,
			"job_id", job.ID,
			"msg_id", msg.Header.Get(MsgIDHeader),
		)
	}
}

// Close drains subscriptions so in-flight messages reach the pool.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, s := range t.subs {
		if err := s.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.subs = nil
	return errors.Join(errs...)
}
