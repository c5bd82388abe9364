package voiceapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/incidentd/internal/dispatch"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/voice"
)

type fakeService struct {
	mu          sync.Mutex
	incidents   map[string]*incident.Incident
	statusCalls []incident.Status
	escalations []string
}

func newFakeService() *fakeService {
	return &fakeService{incidents: map[string]*incident.Incident{
		"INC-1": {
			ID: 1, ExternalID: "INC-1", Severity: incident.SeverityHigh, Status: incident.StatusProcessing,
			Description: "Database connection pool exhausted", AISuggestion: "Restart the pool",
		},
	}}
}

func (s *fakeService) Status(_ context.Context, ext string) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[ext]
	return inc, ok, nil
}

func (s *fakeService) UpdateStatus(_ context.Context, ext string, st incident.Status) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls = append(s.statusCalls, st)
	inc, ok := s.incidents[ext]
	if ok {
		inc.Status = st
	}
	return inc, ok, nil
}

func (s *fakeService) RequestEscalation(_ context.Context, ext, who string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations = append(s.escalations, ext+"|"+who)
	_, ok := s.incidents[ext]
	return ok, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*voice.RecordingJob
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, topic string, payload any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	if topic != dispatch.TopicVoice {
		return "", errors.New("unexpected topic " + topic)
	}
	q.jobs = append(q.jobs, payload.(*voice.RecordingJob))
	return "job-1", nil
}

func newRouter(svc *fakeService, q *fakeQueue) chi.Router {
	r := chi.NewRouter()
	New(log.Nop(), svc, q, "").RegisterRoutes(r)
	return r
}

func post(h http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func assertTwiML(t *testing.T, rec *httptest.ResponseRecorder, contains ...string) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, s := range contains {
		if !strings.Contains(body, s) {
			t.Errorf("body missing %q:\n%s", s, body)
		}
	}
}

func TestIncoming(t *testing.T) {
	t.Parallel()

	r := newRouter(newFakeService(), &fakeQueue{})
	rec := post(r, IncomingPath, url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}})
	assertTwiML(t, rec, "incident reporting hotline", `action="`+RecordingPath+`"`, `maxLength="60"`, "<Hangup>")
}

func TestRecording_QueuesJob(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	r := newRouter(newFakeService(), q)
	rec := post(r, RecordingPath, url.Values{
		"RecordingUrl": {"https://api.twilio.com/rec/RE1"},
		"CallSid":      {"CA1"},
		"From":         {"+15550001"},
	})
	assertTwiML(t, rec, "Thank you")

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) != 1 {
		t.Fatalf("queued %d jobs", len(q.jobs))
	}
	want := voice.RecordingJob{RecordingURL: "https://api.twilio.com/rec/RE1", ConversationID: "CA1", Caller: "+15550001"}
	if *q.jobs[0] != want {
		t.Errorf("job = %+v, want %+v", *q.jobs[0], want)
	}
}

func TestRecording_AlwaysAcks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		form url.Values
		err  error
	}{
		{"missing recording url", url.Values{"CallSid": {"CA1"}}, nil},
		{"missing call sid", url.Values{"RecordingUrl": {"https://x"}}, nil},
		{"queue full", url.Values{"RecordingUrl": {"https://x"}, "CallSid": {"CA2"}}, dispatch.ErrQueueFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := &fakeQueue{err: tt.err}
			rec := post(newRouter(newFakeService(), q), RecordingPath, tt.form)
			assertTwiML(t, rec, "Thank you")
			q.mu.Lock()
			defer q.mu.Unlock()
			if len(q.jobs) != 0 {
				t.Errorf("queued %d jobs, want 0", len(q.jobs))
			}
		})
	}
}

func TestStatusCallback(t *testing.T) {
	t.Parallel()

	rec := post(newRouter(newFakeService(), &fakeQueue{}), StatusPath, url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}})
	assertTwiML(t, rec, "<Response></Response>")
}

func TestOutboundTwiML(t *testing.T) {
	t.Parallel()

	r := newRouter(newFakeService(), &fakeQueue{})

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/api/twilio/outbound/twiml?incidentId=INC-1", http.NoBody)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assertTwiML(t, rec,
			"high severity incident",
			"Database connection pool exhausted",
			"Suggested action: Restart the pool",
			`action="/api/twilio/outbound/response?incidentId=INC-1"`,
		)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/twilio/outbound/twiml?incidentId=NOPE", http.NoBody))
	assertTwiML(t, rec, "could not be found")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/twilio/outbound/twiml", http.NoBody))
	assertTwiML(t, rec, "could not be found")
}

func TestResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		digits         string
		wantBody       string
		wantStatus     []incident.Status
		wantEscalation []string
	}{
		{"acknowledge", "1", "Thank you for acknowledging", []incident.Status{incident.StatusInProgress}, nil},
		{"escalate", "2", "escalated to the next level", nil, []string{"INC-1|+15550100"}},
		{"invalid", "7", "<Redirect", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := newFakeService()
			r := newRouter(svc, &fakeQueue{})
			rec := post(r, ResponsePath+"?incidentId=INC-1", url.Values{"Digits": {tt.digits}, "To": {"+15550100"}})
			assertTwiML(t, rec, tt.wantBody)

			svc.mu.Lock()
			defer svc.mu.Unlock()
			if len(svc.statusCalls) != len(tt.wantStatus) || (len(tt.wantStatus) > 0 && svc.statusCalls[0] != tt.wantStatus[0]) {
				t.Errorf("status calls = %v, want %v", svc.statusCalls, tt.wantStatus)
			}
			if len(svc.escalations) != len(tt.wantEscalation) || (len(tt.wantEscalation) > 0 && svc.escalations[0] != tt.wantEscalation[0]) {
				t.Errorf("escalations = %v, want %v", svc.escalations, tt.wantEscalation)
			}
		})
	}
}

func TestResponse_InvalidDigitRedirectsToBriefing(t *testing.T) {
	t.Parallel()

	rec := post(newRouter(newFakeService(), &fakeQueue{}), ResponsePath+"?incidentId=INC-1", url.Values{"Digits": {"#"}})
	assertTwiML(t, rec, "Invalid response received.", "/api/twilio/outbound/twiml?incidentId=INC-1")
}

func TestNew_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(log.Nop(), nil, &fakeQueue{}, "")
}
