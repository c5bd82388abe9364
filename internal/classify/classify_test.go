package classify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/knowledge"
	"github.com/linnemanlabs/incidentd/internal/llm"
	"github.com/linnemanlabs/incidentd/internal/retry"
)

type fakeSearcher struct {
	mu      sync.Mutex
	matches []knowledge.Match
	queries []string
	used    []string
}

func (f *fakeSearcher) Search(_ context.Context, q string, k int) []knowledge.Match {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.matches) > k {
		return append([]knowledge.Match(nil), f.matches[:k]...)
	}
	return append([]knowledge.Match(nil), f.matches...)
}

func (f *fakeSearcher) RecordUsage(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, id)
}

type fakeProvider struct {
	mu       sync.Mutex
	text     string
	errs     []error
	panicMsg string
	calls    int
	lastReq  *llm.Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &llm.Response{Text: f.text, StopReason: llm.StopEnd}, nil
}

var fastRetry = retry.Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func newClassifier(s Searcher, p Provider) (*Classifier, *Metrics) {
	m := NewMetrics(prometheus.NewRegistry())
	opts := DefaultOptions()
	opts.Retry = fastRetry
	return New(s, p, log.Nop(), m, opts), m
}

func testIncident() *incident.Incident {
	return &incident.Incident{
		ExternalID:  "INC-1",
		Type:        incident.TypeDatabaseConnectionError,
		Description: "Primary database refusing connections",
		Source:      "monitoring",
		Metadata:    map[string]any{"environment": "production"},
	}
}

func match(id, title, sev string, score float64) knowledge.Match {
	return knowledge.Match{
		Entry: knowledge.Entry{ID: id, Title: title, Severity: sev, Solution: "fix " + id},
		Score: score,
	}
}

func TestClassify_KnowledgeShortCircuit(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{matches: []knowledge.Match{match("db-timeout", "Database Connection Timeout", "HIGH", 0.91)}}
	p := &fakeProvider{text: `{"severity":"LOW"}`}
	c, m := newClassifier(s, p)

	got := c.Classify(context.Background(), testIncident())

	want := incident.Classification{
		Severity:   incident.SeverityHigh,
		Confidence: 0.91,
		Reasoning:  "Exact match found in Knowledge Base: Database Connection Timeout",
		Suggestion: "fix db-timeout",
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if p.calls != 0 {
		t.Errorf("provider calls = %d, want 0", p.calls)
	}
	if len(s.used) != 1 || s.used[0] != "db-timeout" {
		t.Errorf("usage recorded = %v", s.used)
	}
	if s.queries[0] != "Primary database refusing connections DATABASE_CONNECTION_ERROR" {
		t.Errorf("query = %q", s.queries[0])
	}
	if v := testutil.ToFloat64(m.ClassificationsTotal.WithLabelValues("knowledge", "HIGH")); v != 1 {
		t.Errorf("knowledge metric = %v", v)
	}
}

func TestClassify_ThresholdIsStrict(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{matches: []knowledge.Match{match("a", "A", "HIGH", 0.85)}}
	p := &fakeProvider{text: `{"severity":"medium","confidence":0.6,"reasoning":"r","suggestion":"s"}`}
	c, _ := newClassifier(s, p)

	got := c.Classify(context.Background(), testIncident())
	if p.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 at exactly the threshold", p.calls)
	}
	if got.Severity != incident.SeverityMedium || got.Confidence != 0.6 {
		t.Errorf("got %+v", got)
	}
}

func TestClassify_UnknownEntrySeverity(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{matches: []knowledge.Match{match("a", "A", "catastrophic", 0.95)}}
	c, _ := newClassifier(s, &fakeProvider{})

	got := c.Classify(context.Background(), testIncident())
	if got.Severity != incident.SeverityUnknown {
		t.Errorf("severity = %q, want UNKNOWN", got.Severity)
	}
	if got.Confidence != 0.95 {
		t.Errorf("confidence = %v", got.Confidence)
	}
}

func TestClassify_LLMPromptCarriesContext(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{matches: []knowledge.Match{
		match("a", "Disk Full", "CRITICAL", 0.5),
		match("b", "Conn Pool", "HIGH", 0.4),
	}}
	p := &fakeProvider{text: "Here you go:\n```json\n{\"severity\":\"HIGH\",\"confidence\":\"0.8\",\"reasoning\":\"prod db\",\"suggestion\":\"restart pool\"}\n```"}
	c, _ := newClassifier(s, p)

	got := c.Classify(context.Background(), testIncident())

	want := incident.Classification{Severity: incident.SeverityHigh, Confidence: 0.8, Reasoning: "prod db", Suggestion: "restart pool"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	prompt := p.lastReq.Prompt
	for _, frag := range []string{
		"- Type: DATABASE_CONNECTION_ERROR",
		"- Source: monitoring",
		`"environment":"production"`,
		"- Disk Full: fix a",
		"- Conn Pool: fix b",
	} {
		if !strings.Contains(prompt, frag) {
			t.Errorf("prompt missing %q:\n%s", frag, prompt)
		}
	}
	if p.lastReq.System == "" {
		t.Error("system prompt not set")
	}
}

func TestClassify_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		text: `{"severity":"LOW","confidence":0.4,"reasoning":"dev","suggestion":"ignore"}`,
		errs: []error{errors.New("429"), errors.New("503")},
	}
	c, _ := newClassifier(&fakeSearcher{}, p)

	got := c.Classify(context.Background(), testIncident())
	if got.Severity != incident.SeverityLow {
		t.Errorf("got %+v", got)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
}

func TestClassify_Sentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider *fakeProvider
		reason   string
	}{
		{"provider down", &fakeProvider{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}, "AI Error: "},
		{"garbage output", &fakeProvider{text: "I cannot help with that"}, "AI Error: model output is not a classification"},
		{"panic", &fakeProvider{panicMsg: "nil map"}, "AI Error: panic: nil map"},
		{"no provider", nil, "AI Error: no language model configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p Provider
			if tt.provider != nil {
				p = tt.provider
			}
			c, m := newClassifier(&fakeSearcher{}, p)
			got := c.Classify(context.Background(), testIncident())

			if got.Severity != incident.SeverityUnknown || got.Confidence != 0 {
				t.Errorf("got %+v", got)
			}
			if !strings.HasPrefix(got.Reasoning, tt.reason) {
				t.Errorf("reasoning = %q, want prefix %q", got.Reasoning, tt.reason)
			}
			if got.Suggestion != "Manual review required" {
				t.Errorf("suggestion = %q", got.Suggestion)
			}
			if v := testutil.ToFloat64(m.ClassificationsTotal.WithLabelValues("error", "UNKNOWN")); v != 1 {
				t.Errorf("error metric = %v", v)
			}
		})
	}
}

func TestNew_PanicsWithoutSearcher(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New(nil, nil, nil, nil, DefaultOptions())
}
