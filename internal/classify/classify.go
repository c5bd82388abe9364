// Package classify assigns severity, confidence, reasoning and a remediation
// suggestion to an incident. Close knowledge matches are answered directly;
// everything else goes to an LLM with the best matches as context.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/knowledge"
	"github.com/linnemanlabs/incidentd/internal/llm"
	"github.com/linnemanlabs/incidentd/internal/retry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/classify")

const (
	// DefaultMatchThreshold is the knowledge score above which the LLM is skipped.
	DefaultMatchThreshold = 0.85
	// DefaultTopK is how many knowledge matches are retrieved per incident.
	DefaultTopK = 3

	fallbackSuggestion = "Manual review required"
)

var errNoProvider = errors.New("no language model configured")

// Searcher retrieves knowledge matches.
type Searcher interface {
	Search(ctx context.Context, query string, k int) []knowledge.Match
	RecordUsage(ctx context.Context, id string)
}

// Provider is a single-turn LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// Options tunes the classifier.
type Options struct {
	MatchThreshold float64
	TopK           int
	MaxTokens      int64
	Temperature    float64
	Retry          retry.Policy
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		MatchThreshold: DefaultMatchThreshold,
		TopK:           DefaultTopK,
		MaxTokens:      1024,
		Temperature:    0.3,
		Retry:          retry.Default,
	}
}

// Classifier implements incident.Classifier.
type Classifier struct {
	searcher Searcher
	provider Provider
	logger   log.Logger
	metrics  *Metrics
	opts     Options
}

// New creates a Classifier. provider may be nil, in which case only
// knowledge short-circuits produce a real verdict.
func New(searcher Searcher, provider Provider, logger log.Logger, metrics *Metrics, opts Options) *Classifier {
	if searcher == nil {
		panic(xerrors.New("classify searcher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = DefaultMatchThreshold
	}
	return &Classifier{
		searcher: searcher,
		provider: provider,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
	}
}

// Classify never fails: provider errors, malformed output and panics all
// yield the UNKNOWN sentinel.
func (c *Classifier) Classify(ctx context.Context, inc *incident.Incident) (out incident.Classification) {
	ctx, span := tracer.Start(ctx, "classify.Classify", trace.WithAttributes(
		attribute.String("incident.external_id", inc.ExternalID),
	))
	defer span.End()

	L := c.logger.With("external_id", inc.ExternalID)
	start := time.Now()
	path := "llm"

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			L.Error(ctx, err, "classifier panicked")
			out = Sentinel(err)
			path = "error"
		}
		span.SetAttributes(
			attribute.String("classify.path", path),
			attribute.String("incident.severity", string(out.Severity)),
		)
		c.metrics.observe(path, out.Severity, time.Since(start).Seconds())
	}()

	query := strings.TrimSpace(inc.Description + " " + string(inc.Type))
	matches := c.searcher.Search(ctx, query, c.opts.TopK)

	if len(matches) > 0 && matches[0].Score > c.opts.MatchThreshold {
		path = "knowledge"
		best := matches[0]
		c.searcher.RecordUsage(ctx, best.Entry.ID)
		L.Info(ctx, "classified from knowledge base",
			"entry_id", best.Entry.ID,
			"score", best.Score,
		)
		return fromMatch(best)
	}

	if c.provider == nil {
		path = "error"
		return Sentinel(errNoProvider)
	}

	req := &llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(inc, matches),
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	}
	resp, err := retry.Do(ctx, c.opts.Retry, func() (*llm.Response, error) {
		return c.provider.Complete(ctx, req)
	})
	if err != nil {
		path = "error"
		L.Error(ctx, err, "llm classification failed", "provider", c.provider.Name())
		span.RecordError(err)
		return Sentinel(err)
	}

	result, err := Parse(resp.Text)
	if err != nil {
		path = "error"
		L.Warn(ctx, "unparseable llm classification", "provider", c.provider.Name(), "error", err)
		return Sentinel(err)
	}

	L.Info(ctx, "classified by llm",
		"provider", c.provider.Name(),
		"severity", result.Severity,
		"confidence", result.Confidence,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return result
}

// Sentinel is the verdict used whenever classification could not complete.
func Sentinel(cause error) incident.Classification {
	return incident.Classification{
		Severity:   incident.SeverityUnknown,
		Confidence: 0,
		Reasoning:  "AI Error: " + cause.Error(),
		Suggestion: fallbackSuggestion,
	}
}

func fromMatch(m knowledge.Match) incident.Classification {
	sev, ok := incident.ParseSeverity(m.Entry.Severity)
	if !ok {
		sev = incident.SeverityUnknown
	}
	return incident.Classification{
		Severity:   sev,
		Confidence: m.Score,
		Reasoning:  "Exact match found in Knowledge Base: " + m.Entry.Title,
		Suggestion: m.Entry.Solution,
	}
}

const systemPrompt = `You are an incident response assistant for an operations team.
Classify incidents by severity and give concrete remediation steps.

HIGH: outages, security breaches, production database failures, data loss, payment or auth failures.
MEDIUM: partial degradation, resource exhaustion in production, API or deployment issues with moderate impact.
LOW: minor issues, development or test environments, monitoring noise.

Weigh environment (production over staging over development), user impact and service criticality.

Respond with a single JSON object and nothing else:
{"severity":"LOW|MEDIUM|HIGH|CRITICAL","confidence":0.0-1.0,"reasoning":"...","suggestion":"..."}`

func buildPrompt(inc *incident.Incident, matches []knowledge.Match) string {
	var b strings.Builder
	b.WriteString("INCIDENT\n")
	fmt.Fprintf(&b, "- ID: %s\n", inc.ExternalID)
	fmt.Fprintf(&b, "- Type: %s\n", inc.Type)
	fmt.Fprintf(&b, "- Description: %s\n", inc.Description)
	fmt.Fprintf(&b, "- Source: %s\n", inc.Source)
	if !inc.ReportedAt.IsZero() {
		fmt.Fprintf(&b, "- Reported: %s\n", inc.ReportedAt.UTC().Format(time.RFC3339))
	}
	meta := "{}"
	if len(inc.Metadata) > 0 {
		if raw, err := json.Marshal(inc.Metadata); err == nil {
			meta = string(raw)
		}
	}
	fmt.Fprintf(&b, "- Metadata: %s\n", meta)

	if len(matches) > 0 {
		b.WriteString("\nSIMILAR PAST INCIDENTS\n")
		for _, m := range matches {
			fmt.Fprintf(&b, "- %s: %s\n", m.Entry.Title, m.Entry.Solution)
		}
	}
	return b.String()
}
