package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/incidentd/internal/dispatch"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

const (
	defaultPageSize    = 20
	maxPageSize        = 100
	defaultStatsWindow = 24 * time.Hour
)

type submitResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ExternalID string `json:"externalId"`
	JobID      string `json:"jobId,omitempty"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIntakeBody)

	var sub incident.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("incidentd.incident.external_id", sub.ID))

	jobID, err := a.queue.Enqueue(r.Context(), dispatch.TopicIncident, &sub)
	switch {
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrStopped):
		a.logger.Warn(r.Context(), "incident rejected, dispatcher unavailable", "external_id", sub.ID, "error", err)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "incident queue is full, retry later")
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to enqueue incident", "external_id", sub.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.logger.Info(r.Context(), "incident accepted", "external_id", sub.ID, "job_id", jobID)
	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:     "ACCEPTED",
		Message:    "Incident accepted for processing",
		ExternalID: sub.ID,
		JobID:      jobID,
	})
}

type statusResponse struct {
	ID           string            `json:"id"`
	Status       incident.Status   `json:"status"`
	Severity     incident.Severity `json:"severity"`
	Suggestion   string            `json:"suggestion"`
	JiraKey      string            `json:"jiraKey"`
	SlackChannel string            `json:"slackChannel"`
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "externalID")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("incidentd.incident.external_id", ext))

	inc, ok, err := a.svc.Status(r.Context(), ext)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "external_id", ext)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("incidentd.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, statusResponse{
		ID:           inc.ExternalID,
		Status:       inc.Status,
		Severity:     inc.Severity,
		Suggestion:   inc.AISuggestion,
		JiraKey:      inc.TicketKey,
		SlackChannel: inc.ChatChannelID,
	})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "externalID")
	r.Body = http.MaxBytesReader(w, r.Body, maxIntakeBody)

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	inc, ok, err := a.svc.UpdateStatus(r.Context(), ext, incident.Status(req.Status))
	switch {
	case errors.Is(err, incident.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to update incident status", "external_id", ext)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	case !ok:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type page struct {
	Content       []*incident.Incident `json:"content"`
	TotalElements int                  `json:"totalElements"`
	TotalPages    int                  `json:"totalPages"`
	Page          int                  `json:"page"`
	Size          int                  `json:"size"`
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f incident.Filter
	if v := q.Get("type"); v != "" {
		t, ok := incident.ParseType(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid type")
			return
		}
		f.Type = t
	}
	if v := q.Get("severity"); v != "" {
		s, ok := incident.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid severity")
			return
		}
		f.Severity = s
	}
	if v := q.Get("status"); v != "" {
		s, ok := incident.ParseStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		f.Status = s
	}
	f.Source = q.Get("source")

	pageNum := intParam(q.Get("page"), 0)
	size := intParam(q.Get("size"), defaultPageSize)
	if size > maxPageSize {
		size = maxPageSize
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if pageNum < 0 {
		pageNum = 0
	}

	all, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := page{
		Content:       []*incident.Incident{},
		TotalElements: len(all),
		TotalPages:    (len(all) + size - 1) / size,
		Page:          pageNum,
		Size:          size,
	}
	if start := pageNum * size; start < len(all) {
		end := min(start+size, len(all))
		resp.Content = all[start:end]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}

	stats, err := a.svc.Stats(r.Context(), window)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to compute incident stats")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
