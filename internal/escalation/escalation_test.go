package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/incident/memstore"
	"github.com/linnemanlabs/incidentd/internal/voice/twilio"
)

type fakeDialer struct {
	mu    sync.Mutex
	calls []dialed
	err   error
	done  chan struct{}
}

type dialed struct {
	to, url string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{done: make(chan struct{}, 8)}
}

func (d *fakeDialer) PlaceCall(_ context.Context, to, twimlURL string) (*twilio.Call, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dialed{to: to, url: twimlURL})
	err := d.err
	d.mu.Unlock()
	d.done <- struct{}{}
	if err != nil {
		return nil, err
	}
	return &twilio.Call{SID: "CA-out-1", Status: "queued"}, nil
}

func (d *fakeDialer) dialed() []dialed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dialed(nil), d.calls...)
}

func seed(t *testing.T, st *memstore.Store, sev incident.Severity, status incident.Status) *incident.Incident {
	t.Helper()
	inc, _, err := st.CreateOrGet(context.Background(), &incident.Incident{
		ExternalID:  "INC-" + string(sev) + "-" + string(status),
		Type:        incident.TypeDatabaseConnectionError,
		Severity:    sev,
		Status:      status,
		Description: "database connection timeouts",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return inc
}

func testConfig() Config {
	return Config{OnCallNumber: "+15550100", PublicBaseURL: "https://incidentd.example.com/"}
}

func TestSchedule_PlacesCallForOpenHighIncident(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	inc := seed(t, st, incident.SeverityHigh, incident.StatusProcessing)
	d := newFakeDialer()
	s := New(st, st, d, testConfig(), log.Nop(), nil)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	if !s.Schedule(inc.ID, time.Millisecond) {
		t.Fatal("first Schedule should arm")
	}
	<-d.done
	s.Stop() // waits for the in-flight call to finish recording

	got := d.dialed()
	if len(got) != 1 {
		t.Fatalf("dialed %d times, want 1", len(got))
	}
	want := "https://incidentd.example.com/api/twilio/outbound/twiml?incidentId=" + inc.ExternalID
	if got[0].to != "+15550100" || got[0].url != want {
		t.Errorf("dialed %+v, want to=+15550100 url=%s", got[0], want)
	}

	rec, ok, err := st.GetCall(context.Background(), "CA-out-1")
	if err != nil || !ok {
		t.Fatalf("outbound call not recorded: ok=%v err=%v", ok, err)
	}
	if rec.Direction != incident.DirectionOutbound || rec.IncidentID == nil || *rec.IncidentID != inc.ID {
		t.Errorf("recorded call = %+v", rec)
	}
	if !rec.CreatedAt.Equal(at) || !rec.UpdatedAt.Equal(at) {
		t.Errorf("call timestamps = %v / %v, want %v", rec.CreatedAt, rec.UpdatedAt, at)
	}
}

func TestSchedule_Skips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sev    incident.Severity
		status incident.Status
	}{
		{"downgraded", incident.SeverityMedium, incident.StatusProcessing},
		{"resolved", incident.SeverityHigh, incident.StatusResolved},
		{"closed", incident.SeverityHigh, incident.StatusClosed},
		{"failed", incident.SeverityHigh, incident.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := memstore.New()
			inc := seed(t, st, tt.sev, tt.status)
			d := newFakeDialer()
			s := New(st, st, d, testConfig(), log.Nop(), nil)

			s.Schedule(inc.ID, time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			s.Stop()

			if n := len(d.dialed()); n != 0 {
				t.Errorf("dialed %d times, want 0", n)
			}
		})
	}
}

func TestSchedule_MissingIncident(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	d := newFakeDialer()
	s := New(st, st, d, testConfig(), log.Nop(), nil)

	s.Schedule(404, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if n := len(d.dialed()); n != 0 {
		t.Errorf("dialed %d times, want 0", n)
	}
}

func TestSchedule_ArmsOncePerIncident(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	inc := seed(t, st, incident.SeverityHigh, incident.StatusProcessing)
	d := newFakeDialer()
	s := New(st, st, d, testConfig(), log.Nop(), nil)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		armed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Schedule(inc.ID, 5*time.Millisecond) {
				mu.Lock()
				armed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if armed != 1 {
		t.Fatalf("armed %d times, want 1", armed)
	}

	<-d.done
	s.Stop()
	if s.Schedule(inc.ID, time.Millisecond) {
		t.Error("re-arming after fire should be refused")
	}
	if n := len(d.dialed()); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
}

func TestSchedule_ReleasesIncidentAfterFire(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	inc := seed(t, st, incident.SeverityHigh, incident.StatusProcessing)
	d := newFakeDialer()
	s := New(st, st, d, testConfig(), log.Nop(), nil)

	for round := 1; round <= 2; round++ {
		if !s.Schedule(inc.ID, time.Millisecond) {
			t.Fatalf("round %d: Schedule should arm once the previous timer fired", round)
		}
		<-d.done
		deadline := time.Now().Add(time.Second)
		for s.Pending() != 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	s.Stop()

	s.mu.Lock()
	left := len(s.armed)
	s.mu.Unlock()
	if left != 0 {
		t.Errorf("armed entries after fire = %d, want 0", left)
	}
	if n := len(d.dialed()); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestStop_DropsPendingTimers(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	inc := seed(t, st, incident.SeverityHigh, incident.StatusProcessing)
	d := newFakeDialer()
	s := New(st, st, d, testConfig(), log.Nop(), nil)

	s.Schedule(inc.ID, time.Hour)
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
	s.Stop()
	if s.Pending() != 0 {
		t.Errorf("pending after stop = %d, want 0", s.Pending())
	}
	if s.Schedule(inc.ID+1, time.Millisecond) {
		t.Error("Schedule after Stop should be refused")
	}
	if n := len(d.dialed()); n != 0 {
		t.Errorf("dialed %d times, want 0", n)
	}
}

func TestSchedule_DialFailureIsNotRecorded(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	inc := seed(t, st, incident.SeverityHigh, incident.StatusInProgress)
	d := newFakeDialer()
	d.err = errors.New("twilio: place call returned 401")
	s := New(st, st, d, testConfig(), log.Nop(), nil)

	s.Schedule(inc.ID, time.Millisecond)
	<-d.done
	s.Stop()

	if _, ok, _ := st.GetCall(context.Background(), "CA-out-1"); ok {
		t.Error("failed dial must not create a call record")
	}
}

func TestSchedule_Unconfigured(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	inc := seed(t, st, incident.SeverityHigh, incident.StatusProcessing)
	s := New(st, st, nil, Config{}, log.Nop(), nil)

	if !s.Schedule(inc.ID, time.Millisecond) {
		t.Fatal("Schedule should arm even without a dialer")
	}
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}

func TestTwiMLURL_EscapesExternalID(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	s := New(st, st, nil, Config{PublicBaseURL: "https://h"}, log.Nop(), nil)
	got := s.TwiMLURL("INC 7&x")
	want := "https://h/api/twilio/outbound/twiml?incidentId=INC+7%26x"
	if got != want {
		t.Errorf("TwiMLURL = %q, want %q", got, want)
	}
}

func TestNew_PanicsWithoutStores(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New(nil, memstore.New(), nil, Config{}, log.Nop(), nil)
}

func TestFire_CreatesSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	st := memstore.New()
	inc := seed(t, st, incident.SeverityHigh, incident.StatusProcessing)
	d := newFakeDialer()
	s := New(st, st, d, testConfig(), log.Nop(), nil)
	s.Schedule(inc.ID, time.Millisecond)
	<-d.done
	s.Stop()

	var found bool
	for _, sp := range exporter.GetSpans() {
		if sp.Name != "escalation.fire" {
			continue
		}
		found = true
		for _, a := range sp.Attributes {
			if a.Key == "escalation.outcome" && a.Value.AsString() != OutcomePlaced {
				t.Errorf("outcome = %q, want %q", a.Value.AsString(), OutcomePlaced)
			}
		}
	}
	if !found {
		t.Error("no escalation.fire span recorded")
	}
}
