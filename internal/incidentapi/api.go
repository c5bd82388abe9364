// Package incidentapi serves the incident intake and query endpoints under /api/v1.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/dispatch"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

// maxIntakeBody caps webhook payloads.
const maxIntakeBody = 1 << 20

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	Status(ctx context.Context, externalID string) (*incident.Incident, bool, error)
	List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error)
	Stats(ctx context.Context, window time.Duration) (incident.Stats, error)
	UpdateStatus(ctx context.Context, externalID string, status incident.Status) (*incident.Incident, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	queue  dispatch.Enqueuer
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService, queue dispatch.Enqueuer) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	if queue == nil {
		panic(xerrors.New("job queue is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		queue:  queue,
	}
}

// RegisterRoutes attaches API endpoints to r, which is expected to be
// mounted at /api/v1.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/incidents", func(r chi.Router) {
		r.Post("/", a.handleSubmit)
		r.Get("/", a.handleList)
		r.Get("/stats", a.handleStats)
		r.Get("/{externalID}/status", a.handleGetStatus)
		r.Put("/{externalID}/status", a.handleUpdateStatus)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
