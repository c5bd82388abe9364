// Package escalation places deferred on-call phone calls for high-severity
// incidents that are still open when their timer fires.
package escalation

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/voice/twilio"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/escalation")

// TwiMLPath serves the spoken incident brief for outbound calls.
const TwiMLPath = "/api/twilio/outbound/twiml"

const defaultCallTimeout = 30 * time.Second

// Outcomes recorded for each fired timer.
const (
	OutcomePlaced       = "placed"
	OutcomeMissing      = "missing"
	OutcomeNotHigh      = "not_high"
	OutcomeTerminal     = "terminal"
	OutcomeUnconfigured = "unconfigured"
	OutcomeFailed       = "failed"
)

// Dialer places an outbound call that fetches its instructions from twimlURL.
type Dialer interface {
	PlaceCall(ctx context.Context, to, twimlURL string) (*twilio.Call, error)
}

// Config controls who is called and how the callback URL is built.
type Config struct {
	OnCallNumber  string
	PublicBaseURL string
	CallTimeout   time.Duration
}

// Scheduler arms one-shot escalation timers. An incident holds at most one
// pending timer; once it fires, the incident's EscalationArmedAt marker is
// what keeps it from being armed again.
type Scheduler struct {
	incidents incident.Store
	calls     incident.CallStore
	dialer    Dialer
	cfg       Config
	logger    log.Logger
	metrics   *Metrics
	now       func() time.Time

	mu      sync.Mutex
	armed   map[int64]struct{}
	timers  map[int64]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. dialer may be nil, in which case fired timers are
// logged and counted as unconfigured.
func New(incidents incident.Store, calls incident.CallStore, dialer Dialer, cfg Config, logger log.Logger, metrics *Metrics) *Scheduler {
	if incidents == nil {
		panic(xerrors.New("escalation incident store is required"))
	}
	if calls == nil {
		panic(xerrors.New("escalation call store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Scheduler{
		incidents: incidents,
		calls:     calls,
		dialer:    dialer,
		cfg:       cfg,
		logger:    logger.With("component", "escalation"),
		metrics:   metrics,
		now:       time.Now,
		armed:     make(map[int64]struct{}),
		timers:    make(map[int64]*time.Timer),
	}
}

// Schedule arms a timer for incidentID. It reports false when a timer for the
// incident is still pending or the scheduler is stopped.
func (s *Scheduler) Schedule(incidentID int64, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.armed[incidentID]; ok {
		return false
	}
	s.armed[incidentID] = struct{}{}
	s.wg.Add(1)
	s.timers[incidentID] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, incidentID)
		delete(s.armed, incidentID)
		s.mu.Unlock()
		s.fire(incidentID)
	})
	s.metrics.setPending(s.pendingLocked())
	return true
}

// Pending returns the number of timers that have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Scheduler) pendingLocked() int { return len(s.timers) }

// Stop drops pending timers and waits for calls already in flight.
// Schedule returns false afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	dropped := 0
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
			dropped++
		}
		delete(s.timers, id)
		delete(s.armed, id)
	}
	s.metrics.setPending(0)
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Info(context.Background(), "dropped pending escalations", "count", dropped)
	}
	s.wg.Wait()
}

func (s *Scheduler) fire(incidentID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "escalation.fire", trace.WithAttributes(
		attribute.Int64("incident.id", incidentID),
	))
	defer span.End()

	L := s.logger.With("incident_id", incidentID)
	ctx = log.WithContext(ctx, L)

	outcome, err := s.escalate(ctx, L, incidentID)
	span.SetAttributes(attribute.String("escalation.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "escalation call failed")
	}
	s.metrics.fired(outcome)
	s.metrics.setPending(s.Pending())
}

func (s *Scheduler) escalate(ctx context.Context, L log.Logger, incidentID int64) (string, error) {
	inc, ok, err := s.incidents.Get(ctx, incidentID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load incident: %w", err)
	}
	if !ok {
		L.Warn(ctx, "escalation target no longer exists")
		return OutcomeMissing, nil
	}
	L = L.With("external_id", inc.ExternalID)

	if inc.Severity != incident.SeverityHigh {
		L.Info(ctx, "escalation skipped, severity changed", "severity", string(inc.Severity))
		return OutcomeNotHigh, nil
	}
	if incident.IsTerminal(inc.Status) {
		L.Info(ctx, "escalation skipped, incident closed", "status", string(inc.Status))
		return OutcomeTerminal, nil
	}
	if s.dialer == nil || s.cfg.OnCallNumber == "" {
		L.Warn(ctx, "escalation due but telephony is not configured")
		return OutcomeUnconfigured, nil
	}

	twimlURL := s.TwiMLURL(inc.ExternalID)
	call, err := s.dialer.PlaceCall(ctx, s.cfg.OnCallNumber, twimlURL)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("place call: %w", err)
	}

	id := inc.ID
	now := s.now().UTC()
	rec := &incident.VoiceCall{
		ConversationUUID: call.SID,
		CallSID:          call.SID,
		Direction:        incident.DirectionOutbound,
		PhoneNumber:      s.cfg.OnCallNumber,
		ProcessingStatus: incident.CallReceived,
		IncidentID:       &id,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, _, err := s.calls.CreateCall(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to record outbound call", "call_sid", call.SID)
	}
	L.Info(ctx, "escalation call placed", "call_sid", call.SID, "call_status", call.Status)
	return OutcomePlaced, nil
}

// TwiMLURL is the callback Twilio fetches when the on-call phone answers.
func (s *Scheduler) TwiMLURL(externalID string) string {
	return s.cfg.PublicBaseURL + TwiMLPath + "?incidentId=" + url.QueryEscape(externalID)
}
