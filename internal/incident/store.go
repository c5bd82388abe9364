package incident

import (
	"context"
	"time"
)

// MutateFunc edits an incident in place inside an atomic store update.
// Returning an error aborts the update.
type MutateFunc func(inc *Incident) error

// Store is the persistence interface for incidents.
type Store interface {
	// CreateOrGet inserts inc, or returns the existing row with the same
	// ExternalID. created is false when the row already existed. It never
	// produces two rows for one ExternalID, even under concurrent calls.
	CreateOrGet(ctx context.Context, inc *Incident) (stored *Incident, created bool, err error)
	Get(ctx context.Context, id int64) (*Incident, bool, error)
	GetByExternalID(ctx context.Context, externalID string) (*Incident, bool, error)
	// Mutate applies fn to the current row and writes the result as one
	// atomic update. Concurrent readers never see a partially applied fn.
	Mutate(ctx context.Context, id int64, fn MutateFunc) (*Incident, bool, error)
	List(ctx context.Context, f Filter) ([]*Incident, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

// CallStore is the persistence interface for voice calls.
type CallStore interface {
	// CreateCall inserts c, or returns the existing call with the same
	// ConversationUUID (created=false).
	CreateCall(ctx context.Context, c *VoiceCall) (stored *VoiceCall, created bool, err error)
	UpdateCall(ctx context.Context, c *VoiceCall) error
	GetCall(ctx context.Context, conversationUUID string) (*VoiceCall, bool, error)
}
