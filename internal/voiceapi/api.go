// Package voiceapi serves the Twilio voice webhooks: inbound incident
// hotline calls and the keypad responses of outbound escalation calls.
package voiceapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/dispatch"
	"github.com/linnemanlabs/incidentd/internal/escalation"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/voice"
)

// Webhook paths, relative to the router root.
const (
	IncomingPath  = "/api/twilio/voice/incoming"
	RecordingPath = "/api/twilio/voice/recording"
	StatusPath    = "/api/twilio/voice/status"
	ResponsePath  = "/api/twilio/outbound/response"
)

const defaultHotline = "incident reporting hotline"

// IncidentService is the subset of the incident service the outbound call flow needs.
type IncidentService interface {
	Status(ctx context.Context, externalID string) (*incident.Incident, bool, error)
	UpdateStatus(ctx context.Context, externalID string, status incident.Status) (*incident.Incident, bool, error)
	RequestEscalation(ctx context.Context, externalID, requestedBy string) (bool, error)
}

// API holds dependencies for the webhook handlers.
type API struct {
	logger  log.Logger
	svc     IncidentService
	queue   dispatch.Enqueuer
	hotline string
}

// New creates the webhook handlers. hotline is spoken in the greeting.
func New(logger log.Logger, svc IncidentService, queue dispatch.Enqueuer, hotline string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	if queue == nil {
		panic(xerrors.New("job queue is required"))
	}
	if strings.TrimSpace(hotline) == "" {
		hotline = defaultHotline
	}
	return &API{logger: logger, svc: svc, queue: queue, hotline: hotline}
}

// RegisterRoutes attaches the webhooks to r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post(IncomingPath, a.handleIncoming)
	r.Post(RecordingPath, a.handleRecording)
	r.Post(StatusPath, a.handleStatus)
	r.Get(escalation.TwiMLPath, a.handleOutboundTwiML)
	r.Post(escalation.TwiMLPath, a.handleOutboundTwiML)
	r.Post(ResponsePath, a.handleResponse)
}

func writeTwiML(w http.ResponseWriter, doc *voice.Response) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(doc.Bytes())
}

func (a *API) handleIncoming(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	a.logger.Info(r.Context(), "incoming hotline call",
		"call_sid", r.PostForm.Get("CallSid"),
		"from", r.PostForm.Get("From"),
	)
	writeTwiML(w, voice.IncomingCall(a.hotline, RecordingPath))
}

// handleRecording always acknowledges so the caller hears the confirmation;
// queueing failures are only logged.
func (a *API) handleRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.logger.Warn(r.Context(), "malformed recording webhook", "error", err)
		writeTwiML(w, voice.RecordingAck())
		return
	}
	job := voice.RecordingJob{
		RecordingURL:   r.PostForm.Get("RecordingUrl"),
		ConversationID: r.PostForm.Get("CallSid"),
		Caller:         r.PostForm.Get("From"),
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("incidentd.voice.call_sid", job.ConversationID))

	L := a.logger.With("call_sid", job.ConversationID)
	switch {
	case job.RecordingURL == "" || job.ConversationID == "":
		L.Warn(r.Context(), "recording webhook missing RecordingUrl or CallSid")
	default:
		jobID, err := a.queue.Enqueue(r.Context(), dispatch.TopicVoice, &job)
		if err != nil {
			L.Error(r.Context(), err, "failed to queue recording")
			break
		}
		L.Info(r.Context(), "recording queued", "job_id", jobID)
	}
	writeTwiML(w, voice.RecordingAck())
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	a.logger.Info(r.Context(), "call status update",
		"call_sid", r.PostForm.Get("CallSid"),
		"call_status", r.PostForm.Get("CallStatus"),
		"duration", r.PostForm.Get("CallDuration"),
	)
	writeTwiML(w, voice.Empty())
}

func (a *API) handleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	ext := r.URL.Query().Get("incidentId")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("incidentd.incident.external_id", ext))

	inc, ok, err := a.lookup(r.Context(), ext)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load incident for escalation call", "external_id", ext)
	}
	if !ok {
		writeTwiML(w, voice.IncidentNotFound())
		return
	}
	writeTwiML(w, voice.EscalationCall(inc, withIncident(ResponsePath, ext)))
}

func (a *API) handleResponse(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	ext := r.URL.Query().Get("incidentId")
	digits := strings.TrimSpace(r.PostForm.Get("Digits"))
	L := a.logger.With("external_id", ext, "digits", digits, "call_sid", r.PostForm.Get("CallSid"))

	switch digits {
	case "1":
		if _, ok, err := a.svc.UpdateStatus(r.Context(), ext, incident.StatusInProgress); err != nil {
			L.Error(r.Context(), err, "failed to acknowledge incident from call")
		} else if !ok {
			L.Warn(r.Context(), "acknowledged incident not found")
		} else {
			L.Info(r.Context(), "incident acknowledged by phone")
		}
	case "2":
		who := r.PostForm.Get("To")
		if who == "" {
			who = "on-call responder"
		}
		if ok, err := a.svc.RequestEscalation(r.Context(), ext, who); err != nil {
			L.Error(r.Context(), err, "failed to escalate incident from call")
		} else if !ok {
			L.Warn(r.Context(), "escalated incident not found")
		}
	default:
		L.Info(r.Context(), "invalid keypress on escalation call")
	}

	retry := ""
	if ext != "" {
		retry = withIncident(escalation.TwiMLPath, ext)
	}
	writeTwiML(w, voice.Digit(digits, retry))
}

func (a *API) lookup(ctx context.Context, ext string) (*incident.Incident, bool, error) {
	if ext == "" {
		return nil, false, nil
	}
	return a.svc.Status(ctx, ext)
}

func withIncident(path, ext string) string {
	return path + "?incidentId=" + url.QueryEscape(ext)
}
