package postgres

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type ctxKey string

const (
	ctxKeyQuery  ctxKey = "pgx.query"
	ctxKeySource ctxKey = "db.source"
)

type dbStatsKey struct{}

type queryObserverHolder struct{ QueryObserver }

// queryInfo is stashed between TraceQueryStart and TraceQueryEnd.
type queryInfo struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// QueryObserver receives per-query timings (wired by main for Prometheus).
// source is the HTTP route or job topic that issued the query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, source, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, source, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, source, outcome string, dur time.Duration) {
	f(ctx, operation, source, outcome, dur)
}

// SetQueryObserver sets the global query observer. nil clears it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithSource labels queries issued under ctx, e.g. "job:incident.process".
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeySource, source)
}

// sourceFromContext prefers an explicit source, then the chi route pattern.
func sourceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySource).(string); ok {
		return v
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "background"
}

// QueryStats accumulates database work done on behalf of one request or job.
type QueryStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *QueryStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the current totals.
func (s *QueryStats) Snapshot() (count int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// WithQueryStats attaches an empty QueryStats to ctx.
func WithQueryStats(ctx context.Context) (context.Context, *QueryStats) {
	s := &QueryStats{}
	return context.WithValue(ctx, dbStatsKey{}, s), s
}

// QueryStatsFromContext returns the QueryStats attached to ctx, if any.
func QueryStatsFromContext(ctx context.Context) (*QueryStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*QueryStats)
	return s, ok
}

// RequestStats is HTTP middleware that totals the queries a request issued
// and records them on the request span.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, stats := WithQueryStats(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))

		n, total, errs := stats.Snapshot()
		if n == 0 {
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.query_count", n),
			attribute.Float64("db.total_duration_seconds", total.Seconds()),
			attribute.Int("db.error_count", errs),
		)
	})
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line and observer callback per query.
type loggingTracer struct {
	inner pgx.QueryTracer
	// slow suppresses log lines for successful queries faster than this; 0 logs all.
	slow time.Duration
}

func wrapQueryTracer(inner pgx.QueryTracer, slow time.Duration) pgx.QueryTracer {
	return loggingTracer{inner: inner, slow: slow}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := &queryInfo{sql: data.SQL, args: data.Args, start: time.Now()}
	info.caller, info.handler = findDBCallerAndHandler()

	// otelpgx creates its span first so the attributes below land on it.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, 3)
		attrs = append(attrs, attribute.String("db.source", sourceFromContext(ctx)))
		if info.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", info.caller))
		}
		if info.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", info.handler))
		}
		span.SetAttributes(attrs...)
	}
	return context.WithValue(ctx, ctxKeyQuery, info)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if info == nil {
		info = &queryInfo{}
	}
	var dur time.Duration
	if !info.start.IsZero() {
		dur = time.Since(info.start)
	}

	if s, ok := QueryStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	op := operationName(data.CommandTag.String(), info.sql)
	source := sourceFromContext(ctx)

	if obs := getQueryObserver(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, op, source, outcome, dur)
	}

	if t.slow > 0 && dur < t.slow && data.Err == nil {
		return
	}

	fields := []any{
		"db.statement", info.sql,
		"db.args_count", len(info.args),
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
		"db.source", source,
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}
	if info.handler != "" {
		fields = append(fields, "db.handler", info.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	if t.slow > 0 {
		L.Warn(ctx, "slow db query", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// operationName prefers the command tag and falls back to the first SQL keyword.
func operationName(tag, sql string) string {
	for _, s := range []string{tag, sql} {
		if f := strings.Fields(s); len(f) > 0 {
			return strings.ToUpper(f[0])
		}
	}
	return "UNKNOWN"
}

// storePackages issue queries on behalf of the services above them; the
// handler is the first frame outside them.
var storePackages = []string{
	"/internal/incident/pgstore.",
	"/internal/knowledge/pgindex.",
	"/internal/postgres.",
}

// findDBCallerAndHandler walks the stack to find the function issuing the
// query (caller) and the first frame above the storage layer (handler).
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "loggingTracer.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case !inStorePackage(fn):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func inStorePackage(fn string) bool {
	for _, p := range storePackages {
		if strings.Contains(fn, p) {
			return true
		}
	}
	return false
}

// shortenFuncName trims the import path, keeping package-relative receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
