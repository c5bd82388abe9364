// Package knowledgeapi exposes the knowledge base over HTTP.
package knowledgeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/knowledge"
)

const (
	defaultK = 5
	maxK     = 20
	maxBody  = 256 << 10
)

// Retriever is the knowledge base surface the API needs.
type Retriever interface {
	Search(ctx context.Context, query string, k int) []knowledge.Match
	Add(ctx context.Context, e knowledge.Entry) (knowledge.Entry, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	kb     Retriever
}

// New creates a new API handler.
func New(logger log.Logger, kb Retriever) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if kb == nil {
		panic(xerrors.New("knowledge retriever is required"))
	}
	return &API{logger: logger, kb: kb}
}

// RegisterRoutes attaches endpoints to r, which is expected to be mounted at /api/v1.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/knowledge", a.handleAdd)
	r.Get("/knowledge/search", a.handleSearch)
}

func (a *API) handleAdd(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var e knowledge.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	// Ids, usage and timestamps are server-assigned.
	e.ID = ""
	e.UsageCount = 0
	e.CreatedAt = time.Time{}

	stored, err := a.kb.Add(r.Context(), e)
	switch {
	case errors.Is(err, knowledge.ErrInvalidEntry):
		http.Error(w, `{"error":"title and solution are required"}`, http.StatusBadRequest)
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to add knowledge entry", "title", e.Title)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	a.logger.Info(r.Context(), "knowledge entry added", "entry_id", stored.ID, "title", stored.Title)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(stored)
}

type searchResponse struct {
	Query   string            `json:"query"`
	Matches []knowledge.Match `json:"matches"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
		return
	}
	k := defaultK
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"k must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		k = min(n, maxK)
	}

	matches := a.kb.Search(r.Context(), q, k)
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("incidentd.knowledge.matches", len(matches)),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(searchResponse{Query: q, Matches: matches})
}
