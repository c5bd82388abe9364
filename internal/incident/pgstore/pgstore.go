// Package pgstore provides a PostgreSQL implementation of incident.Store and
// incident.CallStore.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents and voice calls in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, external_id, type, severity, status, description, source, reported_at,
	metadata, ai_confidence, ai_reasoning, ai_suggestion, chat_channel_id, ticket_key,
	channel_archived_at, escalation_armed_at, created_at, updated_at, resolved_at`

const callColumns = `id, conversation_uuid, call_sid, direction, caller_number, phone_number,
	recording_url, transcription, transcription_service, processing_status, error_message,
	incident_id, created_at, updated_at, processed_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CreateOrGet inserts inc or returns the row that already owns its external id.
func (s *Store) CreateOrGet(ctx context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateOrGet", "INSERT")
	defer span.End()

	meta, err := marshalMetadata(inc.Metadata)
	if err != nil {
		fail(span, err)
		return nil, false, err
	}

	query := `INSERT INTO incidents (
		external_id, type, severity, status, description, source, reported_at, metadata,
		ai_confidence, ai_reasoning, ai_suggestion, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (external_id) DO NOTHING
	RETURNING ` + incidentColumns

	stored, err := scanIncident(s.pool.QueryRow(ctx, query,
		inc.ExternalID, string(inc.Type), string(inc.Severity), string(inc.Status),
		inc.Description, inc.Source, inc.ReportedAt, meta,
		inc.AIConfidence, inc.AIReasoning, inc.AISuggestion, inc.CreatedAt, inc.UpdatedAt,
	))
	if err != nil {
		fail(span, err)
		return nil, false, fmt.Errorf("insert incident: %w", err)
	}
	if stored != nil {
		return stored, true, nil
	}

	// lost the race or a genuine repeat: the row exists now
	existing, ok, err := s.GetByExternalID(ctx, inc.ExternalID)
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if !ok {
		err := fmt.Errorf("incident %q vanished after conflict", inc.ExternalID)
		fail(span, err)
		return nil, false, err
	}
	span.SetAttributes(attribute.Bool("incident.duplicate", true))
	return existing, false, nil
}

// Get retrieves an incident by id.
func (s *Store) Get(ctx context.Context, id int64) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	return inc, inc != nil, nil
}

// GetByExternalID retrieves an incident by its caller-supplied id.
func (s *Store) GetByExternalID(ctx context.Context, ext string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByExternalID", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE external_id = $1`, ext))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	return inc, inc != nil, nil
}

// Mutate locks the row, applies fn and writes every mutable column back in one transaction.
func (s *Store) Mutate(ctx context.Context, id int64, fn incident.MutateFunc) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Mutate", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		fail(span, err)
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	cur, err := scanIncident(tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if cur == nil {
		return nil, false, nil
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, false, err
	}

	meta, err := marshalMetadata(next.Metadata)
	if err != nil {
		fail(span, err)
		return nil, false, err
	}

	updated, err := scanIncident(tx.QueryRow(ctx, `UPDATE incidents SET
		type = $2, severity = $3, status = $4, description = $5, source = $6, metadata = $7,
		ai_confidence = $8, ai_reasoning = $9, ai_suggestion = $10,
		chat_channel_id = $11, ticket_key = $12,
		channel_archived_at = $13, escalation_armed_at = $14,
		updated_at = $15, resolved_at = $16
	WHERE id = $1
	RETURNING `+incidentColumns,
		id, string(next.Type), string(next.Severity), string(next.Status), next.Description, next.Source, meta,
		next.AIConfidence, next.AIReasoning, next.AISuggestion,
		next.ChatChannelID, next.TicketKey,
		next.ChannelArchivedAt, next.EscalationArmedAt,
		next.UpdatedAt, next.ResolvedAt,
	))
	if err != nil {
		fail(span, err)
		return nil, false, fmt.Errorf("update incident: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		fail(span, err)
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return updated, updated != nil, nil
}

// List returns matching incidents, newest first.
func (s *Store) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Source != "" {
		add("lower(source) = lower($%d)", f.Source)
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

// Stats aggregates counts in a single scan.
func (s *Store) Stats(ctx context.Context, since time.Time) (incident.Stats, error) {
	ctx, span := startSpan(ctx, "pgstore.Stats", "SELECT")
	defer span.End()

	var st incident.Stats
	err := s.pool.QueryRow(ctx, `SELECT
		count(*),
		count(*) FILTER (WHERE status IN ('RECEIVED','CLASSIFYING','PROCESSING','IN_PROGRESS')),
		count(*) FILTER (WHERE severity = 'HIGH'),
		count(*) FILTER (WHERE status = 'RESOLVED'),
		count(*) FILTER (WHERE created_at >= $1)
	FROM incidents`, since).Scan(&st.Total, &st.Active, &st.HighSeverity, &st.Resolved, &st.Recent)
	if err != nil {
		fail(span, err)
		return incident.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// CreateCall inserts c or returns the call that already owns its conversation id.
func (s *Store) CreateCall(ctx context.Context, c *incident.VoiceCall) (*incident.VoiceCall, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateCall", "INSERT")
	defer span.End()

	stored, err := scanCall(s.pool.QueryRow(ctx, `INSERT INTO voice_calls (
		conversation_uuid, call_sid, direction, caller_number, phone_number, recording_url,
		transcription, transcription_service, processing_status, error_message, incident_id,
		created_at, updated_at, processed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (conversation_uuid) DO NOTHING
	RETURNING `+callColumns,
		c.ConversationUUID, c.CallSID, c.Direction, c.CallerNumber, c.PhoneNumber, c.RecordingURL,
		c.Transcription, c.TranscriptionService, string(c.ProcessingStatus), c.ErrorMessage, c.IncidentID,
		c.CreatedAt, c.UpdatedAt, c.ProcessedAt,
	))
	if err != nil {
		fail(span, err)
		return nil, false, fmt.Errorf("insert voice call: %w", err)
	}
	if stored != nil {
		return stored, true, nil
	}

	existing, ok, err := s.GetCall(ctx, c.ConversationUUID)
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if !ok {
		err := fmt.Errorf("voice call %q vanished after conflict", c.ConversationUUID)
		fail(span, err)
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateCall writes the mutable columns of c, keyed by conversation id.
func (s *Store) UpdateCall(ctx context.Context, c *incident.VoiceCall) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateCall", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx, `UPDATE voice_calls SET
		call_sid = $2, caller_number = $3, phone_number = $4, recording_url = $5,
		transcription = $6, transcription_service = $7, processing_status = $8,
		error_message = $9, incident_id = $10, updated_at = $11, processed_at = $12
	WHERE conversation_uuid = $1`,
		c.ConversationUUID, c.CallSID, c.CallerNumber, c.PhoneNumber, c.RecordingURL,
		c.Transcription, c.TranscriptionService, string(c.ProcessingStatus),
		c.ErrorMessage, c.IncidentID, c.UpdatedAt, c.ProcessedAt,
	)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("update voice call: %w", err)
	}
	return nil
}

// GetCall retrieves a voice call by conversation id.
func (s *Store) GetCall(ctx context.Context, uuid string) (*incident.VoiceCall, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCall", "SELECT")
	defer span.End()

	c, err := scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM voice_calls WHERE conversation_uuid = $1`, uuid))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	return c, c != nil, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

// scanIncident scans one row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc                   incident.Incident
		typ, severity, status string
		meta                  []byte
	)
	err := row.Scan(
		&inc.ID, &inc.ExternalID, &typ, &severity, &status, &inc.Description, &inc.Source, &inc.ReportedAt,
		&meta, &inc.AIConfidence, &inc.AIReasoning, &inc.AISuggestion, &inc.ChatChannelID, &inc.TicketKey,
		&inc.ChannelArchivedAt, &inc.EscalationArmedAt, &inc.CreatedAt, &inc.UpdatedAt, &inc.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.Type = incident.Type(typ)
	inc.Severity = incident.Severity(severity)
	inc.Status = incident.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &inc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &inc, nil
}

// scanCall scans one row. Returns (nil, nil) when no row is found.
func scanCall(row pgx.Row) (*incident.VoiceCall, error) {
	var (
		c      incident.VoiceCall
		status string
	)
	err := row.Scan(
		&c.ID, &c.ConversationUUID, &c.CallSID, &c.Direction, &c.CallerNumber, &c.PhoneNumber,
		&c.RecordingURL, &c.Transcription, &c.TranscriptionService, &status, &c.ErrorMessage,
		&c.IncidentID, &c.CreatedAt, &c.UpdatedAt, &c.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan voice call: %w", err)
	}
	c.ProcessingStatus = incident.ProcessingStatus(status)
	return &c, nil
}
