package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/retry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/knowledge")

// minLexicalScore drops lexical fallback hits that share almost nothing with the query.
const minLexicalScore = 0.3

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Index stores entries and answers nearest-neighbour queries.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	Nearest(ctx context.Context, vec []float64, k int) ([]Match, error)
	All(ctx context.Context) ([]Entry, error)
	IncrementUsage(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// Retriever answers similarity queries over an Index. Search never fails:
// an unreachable embedder falls back to lexical scoring and an unreachable
// index yields no matches.
type Retriever struct {
	embedder Embedder
	index    Index
	logger   log.Logger
	metrics  *Metrics
	policy   retry.Policy
	now      func() time.Time
}

// NewRetriever wires an embedder to an index.
func NewRetriever(embedder Embedder, index Index, logger log.Logger, metrics *Metrics) *Retriever {
	if embedder == nil {
		panic(xerrors.New("knowledge embedder is required"))
	}
	if index == nil {
		panic(xerrors.New("knowledge index is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		logger:   logger,
		metrics:  metrics,
		policy:   retry.Default,
		now:      time.Now,
	}
}

// WithRetryPolicy overrides the retry policy for embedder and index calls.
func (r *Retriever) WithRetryPolicy(p retry.Policy) *Retriever {
	r.policy = p
	return r
}

// Search returns at most k matches for query, best first, each scored in [0,1].
func (r *Retriever) Search(ctx context.Context, query string, k int) []Match {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return []Match{}
	}

	ctx, span := tracer.Start(ctx, "knowledge.Search", trace.WithAttributes(
		attribute.Int("knowledge.k", k),
	))
	defer span.End()

	start := time.Now()
	mode := "vector"
	defer func() {
		span.SetAttributes(attribute.String("knowledge.mode", mode))
		r.metrics.search(mode, time.Since(start).Seconds())
	}()

	vec, err := retry.Do(ctx, r.policy, func() ([]float64, error) {
		return r.embedder.Embed(ctx, query)
	})
	if err != nil {
		r.logger.Warn(ctx, "query embedding failed, falling back to lexical search", "error", err)
		mode = "lexical"
		matches, lerr := r.lexical(ctx, query, k)
		if lerr != nil {
			mode = "error"
			r.logger.Error(ctx, lerr, "lexical knowledge search failed")
			span.RecordError(lerr)
			return []Match{}
		}
		return matches
	}

	matches, err := retry.Do(ctx, r.policy, func() ([]Match, error) {
		return r.index.Nearest(ctx, vec, k)
	})
	if err != nil {
		mode = "error"
		r.logger.Error(ctx, err, "knowledge index query failed")
		span.RecordError(err)
		return []Match{}
	}

	for i := range matches {
		matches[i].Score = clamp01(matches[i].Score)
	}
	matches = TopK(matches, k)
	span.SetAttributes(attribute.Int("knowledge.matches", len(matches)))
	return matches
}

func (r *Retriever) lexical(ctx context.Context, query string, k int) ([]Match, error) {
	entries, err := r.index.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	out := make([]Match, 0, len(entries))
	for i := range entries {
		if s := LexicalScore(query, &entries[i]); s >= minLexicalScore {
			e := entries[i]
			e.Embedding = nil
			out = append(out, Match{Entry: e, Score: s})
		}
	}
	return TopK(out, k), nil
}

// Add indexes e, assigning an id and creation time when missing. An entry
// whose embedding cannot be computed is still stored so lexical search can find it.
func (r *Retriever) Add(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Title) == "" || strings.TrimSpace(e.Solution) == "" {
		return Entry{}, ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = strings.ToLower(ulid.Make().String())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.ConfidenceScore == 0 {
		e.ConfidenceScore = 0.9
	}

	vec, err := retry.Do(ctx, r.policy, func() ([]float64, error) {
		return r.embedder.Embed(ctx, e.Text())
	})
	if err != nil {
		r.logger.Warn(ctx, "failed to embed knowledge entry, storing without vector",
			"entry_id", e.ID,
			"title", e.Title,
			"error", err,
		)
	} else {
		e.Embedding = vec
	}

	if _, err := retry.Do(ctx, r.policy, func() (struct{}, error) {
		return struct{}{}, r.index.Upsert(ctx, e)
	}); err != nil {
		return Entry{}, fmt.Errorf("index entry %s: %w", e.ID, err)
	}
	r.metrics.added()
	return e, nil
}

// RecordUsage bumps the usage counter of an entry. Failures are logged only.
func (r *Retriever) RecordUsage(ctx context.Context, id string) {
	if err := r.index.IncrementUsage(ctx, id); err != nil {
		r.logger.Warn(ctx, "failed to record knowledge usage", "entry_id", id, "error", err)
	}
}
