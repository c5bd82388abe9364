package knowledge

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

	"github.com/linnemanlabs/incidentd/internal/retry"
)

var fastRetry = retry.Policy{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type failingEmbedder struct {
	calls atomic.Int32
}

func (f *failingEmbedder) Embed(context.Context, string) ([]float64, error) {
	f.calls.Add(1)
	return nil, errors.New("embedding service unavailable")
}

type brokenIndex struct {
	*MemIndex
	mu          sync.Mutex
	nearestErr  error
	allErr      error
	usageErr    error
	nearestCall int
}

func (b *brokenIndex) Nearest(ctx context.Context, vec []float64, k int) ([]Match, error) {
	b.mu.Lock()
	b.nearestCall++
	err := b.nearestErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.MemIndex.Nearest(ctx, vec, k)
}

func (b *brokenIndex) All(ctx context.Context) ([]Entry, error) {
	if b.allErr != nil {
		return nil, b.allErr
	}
	return b.MemIndex.All(ctx)
}

func (b *brokenIndex) IncrementUsage(ctx context.Context, id string) error {
	if b.usageErr != nil {
		return b.usageErr
	}
	return b.MemIndex.IncrementUsage(ctx, id)
}

func seeded(t *testing.T, emb Embedder, idx Index) (*Retriever, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	r := NewRetriever(emb, idx, log.Nop(), m).WithRetryPolicy(fastRetry)
	n, err := Seed(context.Background(), r, log.Nop())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != len(SampleEntries()) {
		t.Fatalf("Seed added %d, want %d", n, len(SampleEntries()))
	}
	return r, m
}

func TestSearch_VectorFindsClosestEntry(t *testing.T) {
	t.Parallel()
	r, m := seeded(t, NewHashEmbedder(0), NewMemIndex())

	got := r.Search(context.Background(), "Database Disk Space Full database writes failing disk space alerts", 3)
	if len(got) == 0 {
		t.Fatal("expected matches")
	}
	if len(got) > 3 {
		t.Fatalf("len = %d, want <= 3", len(got))
	}
	if got[0].Entry.ID != "database-disk-full" {
		t.Errorf("top match = %q, want database-disk-full", got[0].Entry.ID)
	}
	for i, mt := range got {
		if mt.Score < 0 || mt.Score > 1 {
			t.Errorf("match %d score %v out of range", i, mt.Score)
		}
		if i > 0 && got[i-1].Score < mt.Score {
			t.Errorf("matches not sorted at %d", i)
		}
	}
	if v := testutil.ToFloat64(m.SearchesTotal.WithLabelValues("vector")); v != 1 {
		t.Errorf("vector searches = %v, want 1", v)
	}
}

func TestSearch_ExactTextScoresAboveThreshold(t *testing.T) {
	t.Parallel()
	r, _ := seeded(t, NewHashEmbedder(0), NewMemIndex())

	var target Entry
	for _, e := range SampleEntries() {
		if e.ID == "auth-service-down" {
			target = e
		}
	}
	got := r.Search(context.Background(), target.Text(), 1)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Entry.ID != target.ID {
		t.Errorf("top = %q, want %q", got[0].Entry.ID, target.ID)
	}
	if got[0].Score < 0.99 {
		t.Errorf("score = %v, want ~1 for identical text", got[0].Score)
	}
}

func TestSearch_EmptyInputs(t *testing.T) {
	t.Parallel()
	r, _ := seeded(t, NewHashEmbedder(0), NewMemIndex())

	if got := r.Search(context.Background(), "   ", 3); len(got) != 0 {
		t.Errorf("blank query returned %d matches", len(got))
	}
	if got := r.Search(context.Background(), "database", 0); len(got) != 0 {
		t.Errorf("k=0 returned %d matches", len(got))
	}
}

func TestSearch_EmbedderDownFallsBackToLexical(t *testing.T) {
	t.Parallel()
	idx := NewMemIndex()
	for _, e := range SampleEntries() {
		if err := idx.Upsert(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	emb := &failingEmbedder{}
	m := NewMetrics(prometheus.NewRegistry())
	r := NewRetriever(emb, idx, log.Nop(), m).WithRetryPolicy(fastRetry)

	got := r.Search(context.Background(), "network connectivity latency", 3)
	if len(got) == 0 {
		t.Fatal("expected lexical matches")
	}
	if got[0].Entry.ID != "network-connectivity-loss" {
		t.Errorf("top = %q, want network-connectivity-loss", got[0].Entry.ID)
	}
	if emb.calls.Load() != int32(fastRetry.MaxTries) {
		t.Errorf("embed calls = %d, want %d", emb.calls.Load(), fastRetry.MaxTries)
	}
	if v := testutil.ToFloat64(m.SearchesTotal.WithLabelValues("lexical")); v != 1 {
		t.Errorf("lexical searches = %v, want 1", v)
	}
}

func TestSearch_IndexDownReturnsEmpty(t *testing.T) {
	t.Parallel()
	idx := &brokenIndex{MemIndex: NewMemIndex(), nearestErr: errors.New("connection refused")}
	m := NewMetrics(prometheus.NewRegistry())
	r := NewRetriever(NewHashEmbedder(64), idx, log.Nop(), m).WithRetryPolicy(fastRetry)

	got := r.Search(context.Background(), "database timeout", 3)
	if got == nil || len(got) != 0 {
		t.Fatalf("got %v, want empty non-nil slice", got)
	}
	if idx.nearestCall != int(fastRetry.MaxTries) {
		t.Errorf("nearest calls = %d, want %d", idx.nearestCall, fastRetry.MaxTries)
	}
	if v := testutil.ToFloat64(m.SearchesTotal.WithLabelValues("error")); v != 1 {
		t.Errorf("error searches = %v, want 1", v)
	}
}

func TestSearch_BothDownReturnsEmpty(t *testing.T) {
	t.Parallel()
	idx := &brokenIndex{MemIndex: NewMemIndex(), allErr: errors.New("boom")}
	r := NewRetriever(&failingEmbedder{}, idx, log.Nop(), nil).WithRetryPolicy(fastRetry)

	if got := r.Search(context.Background(), "database timeout", 3); len(got) != 0 {
		t.Errorf("got %d matches, want 0", len(got))
	}
}

func TestAdd(t *testing.T) {
	t.Parallel()

	t.Run("assigns id and embeds", func(t *testing.T) {
		t.Parallel()
		idx := NewMemIndex()
		r := NewRetriever(NewHashEmbedder(64), idx, log.Nop(), nil)
		e, err := r.Add(context.Background(), Entry{Title: "Cert expiry", Solution: "Rotate the certificate"})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if e.ID == "" || e.CreatedAt.IsZero() {
			t.Errorf("id/createdAt not assigned: %+v", e)
		}
		if len(e.Embedding) != 64 {
			t.Errorf("embedding len = %d, want 64", len(e.Embedding))
		}
		if n, _ := idx.Count(context.Background()); n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
	})

	t.Run("rejects incomplete entry", func(t *testing.T) {
		t.Parallel()
		r := NewRetriever(NewHashEmbedder(64), NewMemIndex(), log.Nop(), nil)
		if _, err := r.Add(context.Background(), Entry{Title: "no solution"}); !errors.Is(err, ErrInvalidEntry) {
			t.Errorf("err = %v, want ErrInvalidEntry", err)
		}
	})

	t.Run("stores without vector when embedder fails", func(t *testing.T) {
		t.Parallel()
		idx := NewMemIndex()
		r := NewRetriever(&failingEmbedder{}, idx, log.Nop(), nil).WithRetryPolicy(fastRetry)
		e, err := r.Add(context.Background(), Entry{Title: "Queue backlog", Solution: "Scale consumers"})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if e.Embedding != nil {
			t.Errorf("embedding = %v, want nil", e.Embedding)
		}
		if n, _ := idx.Count(context.Background()); n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
	})
}

func TestSeed_SkipsNonEmptyIndex(t *testing.T) {
	t.Parallel()
	idx := NewMemIndex()
	r := NewRetriever(NewHashEmbedder(64), idx, log.Nop(), nil)
	if _, err := r.Add(context.Background(), Entry{Title: "x", Solution: "y"}); err != nil {
		t.Fatal(err)
	}
	n, err := Seed(context.Background(), r, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("seeded %d, want 0", n)
	}
}

func TestRecordUsage(t *testing.T) {
	t.Parallel()
	idx := &brokenIndex{MemIndex: NewMemIndex()}
	r := NewRetriever(NewHashEmbedder(64), idx, log.Nop(), nil)
	e, err := r.Add(context.Background(), Entry{Title: "x", Solution: "y"})
	if err != nil {
		t.Fatal(err)
	}
	r.RecordUsage(context.Background(), e.ID)
	r.RecordUsage(context.Background(), e.ID)

	all, _ := idx.All(context.Background())
	if all[0].UsageCount != 2 {
		t.Errorf("usage = %d, want 2", all[0].UsageCount)
	}

	idx.usageErr = errors.New("down")
	r.RecordUsage(context.Background(), e.ID) // must not panic
}

func TestLexicalScore(t *testing.T) {
	t.Parallel()
	e := &Entry{
		Title:       "Database Connection Timeout",
		Symptoms:    "Connection timeouts, slow queries",
		Solution:    "Restart connection pool",
		PatternType: "DATABASE_CONNECTION_ERROR",
	}
	tests := []struct {
		name  string
		query string
		min   float64
		max   float64
	}{
		{"empty", "", 0, 0},
		{"no overlap", "printer toner", 0, 0},
		{"half overlap", "connection printer", 0.5, 0.5},
		{"verbatim phrase", "slow queries", 1, 1},
		{"pattern type bonus", "database connection error now", 0.7, 0.71},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LexicalScore(tt.query, e)
			if got < tt.min || got > tt.max {
				t.Errorf("LexicalScore(%q) = %v, want [%v,%v]", tt.query, got, tt.min, tt.max)
			}
		})
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2}, []float64{1, 2}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite clamps to zero", []float64{1, 0}, []float64{-1, 0}, 0},
		{"length mismatch", []float64{1}, []float64{1, 0}, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if d := got - tt.want; d > 1e-9 || d < -1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	t.Parallel()
	in := []Match{
		{Entry: Entry{ID: "b"}, Score: 0.5},
		{Entry: Entry{ID: "a"}, Score: 0.5},
		{Entry: Entry{ID: "c"}, Score: 0.9},
	}
	got := TopK(in, 2)
	if len(got) != 2 || got[0].Entry.ID != "c" || got[1].Entry.ID != "a" {
		t.Errorf("TopK = %+v", got)
	}
}

func TestNewRetriever_Panics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on nil index")
		}
	}()
	NewRetriever(NewHashEmbedder(8), nil, nil, nil)
}
