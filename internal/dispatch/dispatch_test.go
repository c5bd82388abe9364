package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"
)

type payload struct {
	Name string `json:"name"`
}

func startPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not drain")
		}
	}
}

func TestPool_RoutesByTopic(t *testing.T) {
	t.Parallel()

	p := NewPool(Options{Workers: 2, QueueSize: 8}, log.Nop(), nil)

	var (
		mu   sync.Mutex
		seen = map[string][]string{}
	)
	record := func(topic string) Handler {
		return func(_ context.Context, job Job) error {
			v, err := Decode[payload](job)
			if err != nil {
				return err
			}
			mu.Lock()
			seen[topic] = append(seen[topic], v.Name)
			mu.Unlock()
			return nil
		}
	}
	p.Handle(TopicIncident, record(TopicIncident))
	p.Handle(TopicVoice, record(TopicVoice))

	stop := startPool(t, p)
	for _, n := range []string{"a", "b", "c"} {
		if _, err := p.Enqueue(context.Background(), TopicIncident, payload{Name: n}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := p.Enqueue(context.Background(), TopicVoice, payload{Name: "v"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen[TopicIncident]) != 3 || len(seen[TopicVoice]) != 1 {
		t.Errorf("seen = %v", seen)
	}
}

func TestPool_UnknownTopic(t *testing.T) {
	t.Parallel()

	p := NewPool(Options{}, log.Nop(), nil)
	_, err := p.Enqueue(context.Background(), "nope", payload{})
	if !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("err = %v, want ErrUnknownTopic", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := NewPool(Options{Workers: 1, QueueSize: 2}, log.Nop(), m)
	p.Handle(TopicIncident, func(context.Context, Job) error { return nil })

	// Not running: nothing drains the queue.
	for i := range 2 {
		if _, err := p.Enqueue(context.Background(), TopicIncident, payload{}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if _, err := p.Enqueue(context.Background(), TopicIncident, payload{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := testutil.ToFloat64(m.Rejected.WithLabelValues(TopicIncident)); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}
}

func TestPool_RecoversPanicsAndCountsOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := NewPool(Options{Workers: 1, QueueSize: 8}, log.Nop(), m)

	var ran atomic.Int32
	p.Handle("boom", func(context.Context, Job) error { panic("kaboom") })
	p.Handle("fail", func(context.Context, Job) error { return errors.New("nope") })
	p.Handle("ok", func(context.Context, Job) error { ran.Add(1); return nil })

	stop := startPool(t, p)
	for _, topic := range []string{"boom", "fail", "ok", "boom", "ok"} {
		if _, err := p.Enqueue(context.Background(), topic, payload{}); err != nil {
			t.Fatalf("Enqueue %s: %v", topic, err)
		}
	}
	stop()

	if ran.Load() != 2 {
		t.Errorf("ok handler ran %d times, want 2 (worker must survive panics)", ran.Load())
	}
	tests := []struct {
		topic, outcome string
		want           float64
	}{
		{"boom", "panic", 2},
		{"fail", "error", 1},
		{"ok", "ok", 2},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues(tt.topic, tt.outcome)); got != tt.want {
			t.Errorf("jobs{%s,%s} = %v, want %v", tt.topic, tt.outcome, got, tt.want)
		}
	}
}

func TestPool_DrainsQueuedJobsOnShutdown(t *testing.T) {
	t.Parallel()

	p := NewPool(Options{Workers: 1, QueueSize: 16}, log.Nop(), nil)
	var handled atomic.Int32
	p.Handle(TopicIncident, func(ctx context.Context, _ Job) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil
	})

	for range 10 {
		if _, err := p.Enqueue(context.Background(), TopicIncident, payload{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled.Load() != 10 {
		t.Errorf("handled %d, want 10", handled.Load())
	}

	if _, err := p.Enqueue(context.Background(), TopicIncident, payload{}); !errors.Is(err, ErrStopped) {
		t.Errorf("err after stop = %v, want ErrStopped", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestPool_JobTimeout(t *testing.T) {
	t.Parallel()

	p := NewPool(Options{Workers: 1, QueueSize: 1, JobTimeout: 10 * time.Millisecond}, log.Nop(), nil)
	got := make(chan error, 1)
	p.Handle(TopicVoice, func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})
	stop := startPool(t, p)
	if _, err := p.Enqueue(context.Background(), TopicVoice, payload{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ctx err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job context never expired")
	}
	stop()
}

func TestSubmitWait(t *testing.T) {
	t.Parallel()

	p := NewPool(Options{Workers: 1, QueueSize: 1}, log.Nop(), nil)
	p.Handle(TopicIncident, func(context.Context, Job) error { return nil })

	job, err := NewJob(TopicIncident, payload{Name: "first"})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := p.Submit(job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.SubmitWait(ctx, job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SubmitWait on full queue = %v, want deadline", err)
	}

	stop := startPool(t, p)
	defer stop()
	if err := p.SubmitWait(context.Background(), job); err != nil {
		t.Errorf("SubmitWait after drain: %v", err)
	}
}

func TestDecode_BadPayload(t *testing.T) {
	t.Parallel()

	_, err := Decode[payload](Job{ID: "j", Topic: "t", Payload: []byte(`[1,2]`)})
	if err == nil {
		t.Error("expected decode error")
	}
}
