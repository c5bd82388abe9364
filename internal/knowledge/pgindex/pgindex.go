// Package pgindex stores knowledge entries in PostgreSQL. Vectors are kept
// as float8 arrays and ranked in process, which is adequate for catalogues
// of a few thousand entries.
package pgindex

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/incidentd/internal/knowledge"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/knowledge/pgindex")

//go:embed schema.sql
var schema string

const columns = `id, title, pattern_type, symptoms, root_cause, solution, severity,
	confidence_score, tags, environments, technologies, usage_count, embedding, created_at`

// Index implements knowledge.Index on a pgx pool.
type Index struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Index. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Index, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply knowledge schema: %w", err)
	}
	return &Index{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Upsert inserts e or replaces the entry with the same id. Usage counts are preserved.
func (x *Index) Upsert(ctx context.Context, e knowledge.Entry) error {
	ctx, span := startSpan(ctx, "pgindex.Upsert", "INSERT")
	defer span.End()

	_, err := x.pool.Exec(ctx, `INSERT INTO knowledge_entries (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			pattern_type = EXCLUDED.pattern_type,
			symptoms = EXCLUDED.symptoms,
			root_cause = EXCLUDED.root_cause,
			solution = EXCLUDED.solution,
			severity = EXCLUDED.severity,
			confidence_score = EXCLUDED.confidence_score,
			tags = EXCLUDED.tags,
			environments = EXCLUDED.environments,
			technologies = EXCLUDED.technologies,
			embedding = EXCLUDED.embedding`,
		e.ID, e.Title, e.PatternType, e.Symptoms, e.RootCause, e.Solution, e.Severity,
		e.ConfidenceScore, nonNil(e.Tags), nonNil(e.Environments), nonNil(e.Technologies),
		e.UsageCount, e.Embedding, e.CreatedAt,
	)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("upsert knowledge entry %s: %w", e.ID, err)
	}
	return nil
}

// Nearest ranks every embedded entry by cosine similarity to vec.
func (x *Index) Nearest(ctx context.Context, vec []float64, k int) ([]knowledge.Match, error) {
	ctx, span := startSpan(ctx, "pgindex.Nearest", "SELECT")
	defer span.End()

	entries, err := x.query(ctx, `SELECT `+columns+` FROM knowledge_entries WHERE embedding IS NOT NULL`)
	if err != nil {
		fail(span, err)
		return nil, err
	}
	out := make([]knowledge.Match, 0, len(entries))
	for _, e := range entries {
		score := knowledge.Cosine(vec, e.Embedding)
		e.Embedding = nil
		out = append(out, knowledge.Match{Entry: e, Score: score})
	}
	span.SetAttributes(attribute.Int("knowledge.candidates", len(out)))
	return knowledge.TopK(out, k), nil
}

// All returns every entry.
func (x *Index) All(ctx context.Context) ([]knowledge.Entry, error) {
	ctx, span := startSpan(ctx, "pgindex.All", "SELECT")
	defer span.End()

	entries, err := x.query(ctx, `SELECT `+columns+` FROM knowledge_entries ORDER BY created_at, id`)
	if err != nil {
		fail(span, err)
		return nil, err
	}
	return entries, nil
}

// IncrementUsage bumps usage_count for id. Unknown ids are ignored.
func (x *Index) IncrementUsage(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "pgindex.IncrementUsage", "UPDATE")
	defer span.End()

	if _, err := x.pool.Exec(ctx, `UPDATE knowledge_entries SET usage_count = usage_count + 1 WHERE id = $1`, id); err != nil {
		fail(span, err)
		return fmt.Errorf("increment usage %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored entries.
func (x *Index) Count(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "pgindex.Count", "SELECT")
	defer span.End()

	var n int
	if err := x.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_entries`).Scan(&n); err != nil {
		fail(span, err)
		return 0, fmt.Errorf("count knowledge entries: %w", err)
	}
	return n, nil
}

// Get returns one entry by id.
func (x *Index) Get(ctx context.Context, id string) (knowledge.Entry, bool, error) {
	ctx, span := startSpan(ctx, "pgindex.Get", "SELECT")
	defer span.End()

	e, err := scanEntry(x.pool.QueryRow(ctx, `SELECT `+columns+` FROM knowledge_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return knowledge.Entry{}, false, nil
	}
	if err != nil {
		fail(span, err)
		return knowledge.Entry{}, false, err
	}
	return e, true, nil
}

func (x *Index) query(ctx context.Context, sql string) ([]knowledge.Entry, error) {
	rows, err := x.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query knowledge entries: %w", err)
	}
	defer rows.Close()

	var out []knowledge.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge entries: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (knowledge.Entry, error) {
	var e knowledge.Entry
	err := row.Scan(
		&e.ID, &e.Title, &e.PatternType, &e.Symptoms, &e.RootCause, &e.Solution, &e.Severity,
		&e.ConfidenceScore, &e.Tags, &e.Environments, &e.Technologies, &e.UsageCount,
		&e.Embedding, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan knowledge entry: %w", err)
	}
	return e, nil
}
