// Package memstore provides an in-memory implementation of incident.Store
// and incident.CallStore.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// Store holds incidents and voice calls in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	incidents map[int64]*incident.Incident
	byExt     map[string]int64 // external id -> incident id (dedup)

	nextCallID int64
	calls      map[string]*incident.VoiceCall // conversation uuid -> call
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[int64]*incident.Incident),
		byExt:     make(map[string]int64),
		calls:     make(map[string]*incident.VoiceCall),
	}
}

// CreateOrGet stores a copy of inc unless its external id is already known.
func (s *Store) CreateOrGet(_ context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byExt[inc.ExternalID]; ok {
		return s.incidents[id].Clone(), false, nil
	}
	s.nextID++
	cp := inc.Clone()
	cp.ID = s.nextID
	s.incidents[cp.ID] = cp
	s.byExt[cp.ExternalID] = cp.ID
	return cp.Clone(), true, nil
}

// Get retrieves an incident by id. Returns a copy.
func (s *Store) Get(_ context.Context, id int64) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// GetByExternalID retrieves an incident by its caller-supplied id. Returns a copy.
func (s *Store) GetByExternalID(_ context.Context, ext string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExt[ext]
	if !ok {
		return nil, false, nil
	}
	return s.incidents[id].Clone(), true, nil
}

// Mutate applies fn to a copy and swaps it in only if fn succeeds.
func (s *Store) Mutate(_ context.Context, id int64, fn incident.MutateFunc) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := cur.Clone()
	if err := fn(cp); err != nil {
		return nil, false, err
	}
	// identity fields are immutable
	cp.ID, cp.ExternalID, cp.CreatedAt = cur.ID, cur.ExternalID, cur.CreatedAt
	s.incidents[id] = cp
	return cp.Clone(), true, nil
}

// List returns matching incidents, newest first.
func (s *Store) List(_ context.Context, f incident.Filter) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if !matches(inc, f) {
			continue
		}
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(inc *incident.Incident, f incident.Filter) bool {
	if f.Type != "" && inc.Type != f.Type {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.Source != "" && !strings.EqualFold(inc.Source, f.Source) {
		return false
	}
	return true
}

// Stats aggregates counts over all incidents; Recent counts those created at or after since.
func (s *Store) Stats(_ context.Context, since time.Time) (incident.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st incident.Stats
	for _, inc := range s.incidents {
		st.Total++
		if incident.IsActive(inc.Status) {
			st.Active++
		}
		if inc.Severity == incident.SeverityHigh {
			st.HighSeverity++
		}
		if inc.Status == incident.StatusResolved {
			st.Resolved++
		}
		if !inc.CreatedAt.Before(since) {
			st.Recent++
		}
	}
	return st, nil
}

// CreateCall stores a copy of c unless its conversation id is already known.
func (s *Store) CreateCall(_ context.Context, c *incident.VoiceCall) (*incident.VoiceCall, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.calls[c.ConversationUUID]; ok {
		return cloneCall(existing), false, nil
	}
	s.nextCallID++
	cp := cloneCall(c)
	cp.ID = s.nextCallID
	s.calls[cp.ConversationUUID] = cp
	return cloneCall(cp), true, nil
}

// UpdateCall overwrites the stored call with the same conversation id.
func (s *Store) UpdateCall(_ context.Context, c *incident.VoiceCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.calls[c.ConversationUUID]
	if !ok {
		return nil
	}
	cp := cloneCall(c)
	cp.ID, cp.CreatedAt = existing.ID, existing.CreatedAt
	s.calls[cp.ConversationUUID] = cp
	return nil
}

// GetCall retrieves a voice call by conversation id. Returns a copy.
func (s *Store) GetCall(_ context.Context, uuid string) (*incident.VoiceCall, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[uuid]
	if !ok {
		return nil, false, nil
	}
	return cloneCall(c), true, nil
}

func cloneCall(c *incident.VoiceCall) *incident.VoiceCall {
	cp := *c
	if c.IncidentID != nil {
		id := *c.IncidentID
		cp.IncidentID = &id
	}
	if c.ProcessedAt != nil {
		t := *c.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}
