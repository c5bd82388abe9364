// Package sqlstore provides a single-node SQLite implementation of
// incident.Store and incident.CallStore on top of gorm.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/incident/sqlstore")

var errNotFound = errors.New("not found")

// Store persists incidents and voice calls in SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; serialising on one connection keeps
	// insert-or-fetch and row mutations free of SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	return New(ctx, db)
}

// New migrates db and returns a ready Store.
func New(ctx context.Context, db *gorm.DB) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&incidentRow{}, &voiceCallRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type incidentRow struct {
	ID                int64     `gorm:"primaryKey;autoIncrement"`
	ExternalID        string    `gorm:"uniqueIndex;not null"`
	Type              string    `gorm:"not null;default:'OTHER'"`
	Severity          string    `gorm:"not null;default:'UNKNOWN';index"`
	Status            string    `gorm:"not null;default:'RECEIVED';index"`
	Description       string    `gorm:"not null;default:''"`
	Source            string    `gorm:"not null;default:''"`
	ReportedAt        time.Time `gorm:"not null"`
	Metadata          string    `gorm:"not null;default:'{}'"`
	AIConfidence      float64   `gorm:"column:ai_confidence;not null;default:0"`
	AIReasoning       string    `gorm:"column:ai_reasoning;not null;default:''"`
	AISuggestion      string    `gorm:"column:ai_suggestion;not null;default:''"`
	ChatChannelID     string    `gorm:"not null;default:''"`
	TicketKey         string    `gorm:"not null;default:''"`
	ChannelArchivedAt *time.Time
	EscalationArmedAt *time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime:false;not null"`
	CreatedUnix       int64     `gorm:"index;not null"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false;not null"`
	ResolvedAt        *time.Time
}

func (incidentRow) TableName() string { return "incidents" }

type voiceCallRow struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement"`
	ConversationUUID     string    `gorm:"column:conversation_uuid;uniqueIndex;not null"`
	CallSID              string    `gorm:"column:call_sid;not null;default:''"`
	Direction            string    `gorm:"not null;default:'inbound'"`
	CallerNumber         string    `gorm:"not null;default:''"`
	PhoneNumber          string    `gorm:"not null;default:''"`
	RecordingURL         string    `gorm:"column:recording_url;not null;default:''"`
	Transcription        string    `gorm:"not null;default:''"`
	TranscriptionService string    `gorm:"not null;default:''"`
	ProcessingStatus     string    `gorm:"not null;default:'RECEIVED'"`
	ErrorMessage         string    `gorm:"not null;default:''"`
	IncidentID           *int64    `gorm:"index"`
	CreatedAt            time.Time `gorm:"autoCreateTime:false;not null"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime:false;not null"`
	ProcessedAt          *time.Time
}

func (voiceCallRow) TableName() string { return "voice_calls" }

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("db.system", "sqlite")))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CreateOrGet inserts inc or returns the row that already owns its external id.
func (s *Store) CreateOrGet(ctx context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "sqlstore.CreateOrGet")
	defer span.End()

	row, err := toIncidentRow(inc)
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	row.ID = 0

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		fail(span, res.Error)
		return nil, false, fmt.Errorf("insert incident: %w", res.Error)
	}
	if res.RowsAffected == 1 && row.ID != 0 {
		out, err := fromIncidentRow(&row)
		return out, true, err
	}

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
	return existing, false, nil
}

// Get retrieves an incident by id.
func (s *Store) Get(ctx context.Context, id int64) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "sqlstore.Get")
	defer span.End()
	return s.takeIncident(ctx, span, s.db.Where("id = ?", id))
}

// GetByExternalID retrieves an incident by its caller-supplied id.
func (s *Store) GetByExternalID(ctx context.Context, ext string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "sqlstore.GetByExternalID")
	defer span.End()
	return s.takeIncident(ctx, span, s.db.Where("external_id = ?", ext))
}

func (s *Store) takeIncident(ctx context.Context, span trace.Span, q *gorm.DB) (*incident.Incident, bool, error) {
	var row incidentRow
	if err := q.WithContext(ctx).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		fail(span, err)
		return nil, false, fmt.Errorf("query incident: %w", err)
	}
	inc, err := fromIncidentRow(&row)
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	return inc, true, nil
}

// Mutate applies fn and writes the row back inside one transaction.
func (s *Store) Mutate(ctx context.Context, id int64, fn incident.MutateFunc) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "sqlstore.Mutate")
	defer span.End()

	var out *incident.Incident
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row incidentRow
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errNotFound
			}
			return fmt.Errorf("query incident: %w", err)
		}
		cur, err := fromIncidentRow(&row)
		if err != nil {
			return err
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID, next.ExternalID, next.CreatedAt = cur.ID, cur.ExternalID, cur.CreatedAt

		nr, err := toIncidentRow(next)
		if err != nil {
			return err
		}
		if err := tx.Save(&nr).Error; err != nil {
			return fmt.Errorf("update incident: %w", err)
		}
		out, err = fromIncidentRow(&nr)
		return err
	})
	switch {
	case errors.Is(err, errNotFound):
		return nil, false, nil
	case err != nil:
		fail(span, err)
		return nil, false, err
	}
	return out, true, nil
}

// List returns matching incidents, newest first.
func (s *Store) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "sqlstore.List")
	defer span.End()

	q := s.db.WithContext(ctx).Model(&incidentRow{})
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", string(f.Severity))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Source != "" {
		q = q.Where("lower(source) = lower(?)", f.Source)
	}
	q = q.Order("created_unix DESC").Order("id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []incidentRow
	if err := q.Find(&rows).Error; err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query incidents: %w", err)
	}

	out := make([]*incident.Incident, 0, len(rows))
	for i := range rows {
		inc, err := fromIncidentRow(&rows[i])
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

// Stats aggregates counts in a single scan.
func (s *Store) Stats(ctx context.Context, since time.Time) (incident.Stats, error) {
	ctx, span := startSpan(ctx, "sqlstore.Stats")
	defer span.End()

	var r struct {
		Total        int
		Active       int
		HighSeverity int
		Resolved     int
		Recent       int
	}
	err := s.db.WithContext(ctx).Raw(`SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN status IN ('RECEIVED','CLASSIFYING','PROCESSING','IN_PROGRESS') THEN 1 ELSE 0 END), 0) AS active,
		COALESCE(SUM(CASE WHEN severity = 'HIGH' THEN 1 ELSE 0 END), 0) AS high_severity,
		COALESCE(SUM(CASE WHEN status = 'RESOLVED' THEN 1 ELSE 0 END), 0) AS resolved,
		COALESCE(SUM(CASE WHEN created_unix >= ? THEN 1 ELSE 0 END), 0) AS recent
	FROM incidents`, since.UnixNano()).Scan(&r).Error
	if err != nil {
		fail(span, err)
		return incident.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return incident.Stats{
		Total:        r.Total,
		Active:       r.Active,
		HighSeverity: r.HighSeverity,
		Resolved:     r.Resolved,
		Recent:       r.Recent,
	}, nil
}

// CreateCall inserts c or returns the call that already owns its conversation id.
func (s *Store) CreateCall(ctx context.Context, c *incident.VoiceCall) (*incident.VoiceCall, bool, error) {
	ctx, span := startSpan(ctx, "sqlstore.CreateCall")
	defer span.End()

	row := toCallRow(c)
	row.ID = 0
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_uuid"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		fail(span, res.Error)
		return nil, false, fmt.Errorf("insert voice call: %w", res.Error)
	}
	if res.RowsAffected == 1 && row.ID != 0 {
		return fromCallRow(&row), true, nil
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
	ctx, span := startSpan(ctx, "sqlstore.UpdateCall")
	defer span.End()

	err := s.db.WithContext(ctx).Model(&voiceCallRow{}).
		Where("conversation_uuid = ?", c.ConversationUUID).
		Updates(map[string]any{
			"call_sid":              c.CallSID,
			"caller_number":         c.CallerNumber,
			"phone_number":          c.PhoneNumber,
			"recording_url":         c.RecordingURL,
			"transcription":         c.Transcription,
			"transcription_service": c.TranscriptionService,
			"processing_status":     string(c.ProcessingStatus),
			"error_message":         c.ErrorMessage,
			"incident_id":           c.IncidentID,
			"updated_at":            c.UpdatedAt.UTC(),
			"processed_at":          utcPtr(c.ProcessedAt),
		}).Error
	if err != nil {
		fail(span, err)
		return fmt.Errorf("update voice call: %w", err)
	}
	return nil
}

// GetCall retrieves a voice call by conversation id.
func (s *Store) GetCall(ctx context.Context, uuid string) (*incident.VoiceCall, bool, error) {
	ctx, span := startSpan(ctx, "sqlstore.GetCall")
	defer span.End()

	var row voiceCallRow
	if err := s.db.WithContext(ctx).Where("conversation_uuid = ?", uuid).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		fail(span, err)
		return nil, false, fmt.Errorf("query voice call: %w", err)
	}
	return fromCallRow(&row), true, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func toIncidentRow(inc *incident.Incident) (incidentRow, error) {
	meta := "{}"
	if inc.Metadata != nil {
		b, err := json.Marshal(inc.Metadata)
		if err != nil {
			return incidentRow{}, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	return incidentRow{
		ID:                inc.ID,
		ExternalID:        inc.ExternalID,
		Type:              string(inc.Type),
		Severity:          string(inc.Severity),
		Status:            string(inc.Status),
		Description:       inc.Description,
		Source:            inc.Source,
		ReportedAt:        inc.ReportedAt.UTC(),
		Metadata:          meta,
		AIConfidence:      inc.AIConfidence,
		AIReasoning:       inc.AIReasoning,
		AISuggestion:      inc.AISuggestion,
		ChatChannelID:     inc.ChatChannelID,
		TicketKey:         inc.TicketKey,
		ChannelArchivedAt: utcPtr(inc.ChannelArchivedAt),
		EscalationArmedAt: utcPtr(inc.EscalationArmedAt),
		CreatedAt:         inc.CreatedAt.UTC(),
		CreatedUnix:       inc.CreatedAt.UnixNano(),
		UpdatedAt:         inc.UpdatedAt.UTC(),
		ResolvedAt:        utcPtr(inc.ResolvedAt),
	}, nil
}

func fromIncidentRow(r *incidentRow) (*incident.Incident, error) {
	inc := &incident.Incident{
		ID:                r.ID,
		ExternalID:        r.ExternalID,
		Type:              incident.Type(r.Type),
		Severity:          incident.Severity(r.Severity),
		Status:            incident.Status(r.Status),
		Description:       r.Description,
		Source:            r.Source,
		ReportedAt:        r.ReportedAt,
		AIConfidence:      r.AIConfidence,
		AIReasoning:       r.AIReasoning,
		AISuggestion:      r.AISuggestion,
		ChatChannelID:     r.ChatChannelID,
		TicketKey:         r.TicketKey,
		ChannelArchivedAt: r.ChannelArchivedAt,
		EscalationArmedAt: r.EscalationArmedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		ResolvedAt:        r.ResolvedAt,
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &inc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return inc, nil
}

func toCallRow(c *incident.VoiceCall) voiceCallRow {
	return voiceCallRow{
		ID:                   c.ID,
		ConversationUUID:     c.ConversationUUID,
		CallSID:              c.CallSID,
		Direction:            c.Direction,
		CallerNumber:         c.CallerNumber,
		PhoneNumber:          c.PhoneNumber,
		RecordingURL:         c.RecordingURL,
		Transcription:        c.Transcription,
		TranscriptionService: c.TranscriptionService,
		ProcessingStatus:     string(c.ProcessingStatus),
		ErrorMessage:         c.ErrorMessage,
		IncidentID:           c.IncidentID,
		CreatedAt:            c.CreatedAt.UTC(),
		UpdatedAt:            c.UpdatedAt.UTC(),
		ProcessedAt:          utcPtr(c.ProcessedAt),
	}
}

func fromCallRow(r *voiceCallRow) *incident.VoiceCall {
	return &incident.VoiceCall{
		ID:                   r.ID,
		ConversationUUID:     r.ConversationUUID,
		CallSID:              r.CallSID,
		Direction:            r.Direction,
		CallerNumber:         r.CallerNumber,
		PhoneNumber:          r.PhoneNumber,
		RecordingURL:         r.RecordingURL,
		Transcription:        r.Transcription,
		TranscriptionService: r.TranscriptionService,
		ProcessingStatus:     incident.ProcessingStatus(r.ProcessingStatus),
		ErrorMessage:         r.ErrorMessage,
		IncidentID:           r.IncidentID,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		ProcessedAt:          r.ProcessedAt,
	}
}
