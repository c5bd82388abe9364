// Package voice turns recorded phone reports into incident submissions:
// download, transcription, keyword extraction and call bookkeeping, plus
// the TwiML documents the telephony webhooks answer with.
package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/voice")

// PlaceholderTranscript stands in when no transcriber is configured or it fails.
const PlaceholderTranscript = "System Down database connection error production environment"

// Result statuses.
const (
	ResultProcessed = "PROCESSED"
	ResultDuplicate = "DUPLICATE"
)

// Fetcher downloads recorded audio.
type Fetcher interface {
	FetchRecording(ctx context.Context, url string) (audio []byte, contentType string, err error)
}

// Transcriber converts audio to text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
}

// RecordingResult is the outcome of one ProcessRecording call. Draft is nil
// for duplicates.
type RecordingResult struct {
	Status string
	Call   *incident.VoiceCall
	Draft  *incident.Submission
}

// RecordingJob is the queued payload for one recording webhook.
type RecordingJob struct {
	RecordingURL   string `json:"recording_url"`
	ConversationID string `json:"conversation_id"`
	Caller         string `json:"caller,omitempty"`
}

// Pipeline processes inbound recordings. It never calls the orchestrator.
type Pipeline struct {
	calls       incident.CallStore
	fetcher     Fetcher
	transcriber Transcriber
	logger      log.Logger
	metrics     *Metrics
	now         func() time.Time
}

// NewPipeline creates a Pipeline. transcriber may be nil, in which case the
// placeholder transcript is used.
func NewPipeline(calls incident.CallStore, fetcher Fetcher, transcriber Transcriber, logger log.Logger, metrics *Metrics) *Pipeline {
	if calls == nil {
		panic(xerrors.New("voice call store is required"))
	}
	if fetcher == nil {
		panic(xerrors.New("voice recording fetcher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		calls:       calls,
		fetcher:     fetcher,
		transcriber: transcriber,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// ProcessRecording downloads, transcribes and parses one recording. A
// conversation id seen before yields DUPLICATE without any transcription.
// Download failures mark the call ERROR and are returned.
func (p *Pipeline) ProcessRecording(ctx context.Context, recordingURL, conversationID, caller string) (*RecordingResult, error) {
	ctx, span := tracer.Start(ctx, "voice.ProcessRecording", trace.WithAttributes(
		attribute.String("voice.conversation_id", conversationID),
	))
	defer span.End()

	L := p.logger.With("conversation_id", conversationID)

	now := p.now().UTC()
	call, created, err := p.calls.CreateCall(ctx, &incident.VoiceCall{
		ConversationUUID: conversationID,
		CallSID:          conversationID,
		Direction:        incident.DirectionInbound,
		CallerNumber:     caller,
		RecordingURL:     recordingURL,
		ProcessingStatus: incident.CallReceived,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		p.metrics.recording("store_error")
		return nil, fmt.Errorf("record voice call: %w", err)
	}
	if !created {
		L.Info(ctx, "duplicate recording webhook ignored", "status", call.ProcessingStatus)
		p.metrics.recording("duplicate")
		span.SetAttributes(attribute.Bool("voice.duplicate", true))
		return &RecordingResult{Status: ResultDuplicate, Call: call}, nil
	}

	p.advance(ctx, L, call, incident.CallDownloading, nil)
	audio, contentType, err := p.fetcher.FetchRecording(ctx, recordingURL)
	if err != nil {
		p.advance(ctx, L, call, incident.CallError, func(c *incident.VoiceCall) {
			c.ErrorMessage = "download failed: " + err.Error()
		})
		p.metrics.recording("download_error")
		span.RecordError(err)
		return nil, fmt.Errorf("download recording %s: %w", conversationID, err)
	}

	p.advance(ctx, L, call, incident.CallTranscribing, nil)
	transcript, service := p.transcribe(ctx, L, audio, contentType)

	draft := Draft(conversationID, caller, transcript)
	p.advance(ctx, L, call, incident.CallProcessed, func(c *incident.VoiceCall) {
		t := p.now().UTC()
		c.Transcription = transcript
		c.TranscriptionService = service
		c.ProcessedAt = &t
	})
	p.metrics.recording("processed")

	L.Info(ctx, "voice recording processed",
		"transcription_service", service,
		"type", draft.Type,
		"audio_bytes", len(audio),
	)
	return &RecordingResult{Status: ResultProcessed, Call: call, Draft: draft}, nil
}

func (p *Pipeline) transcribe(ctx context.Context, L log.Logger, audio []byte, contentType string) (text, service string) {
	if p.transcriber == nil {
		return PlaceholderTranscript, "placeholder"
	}
	text, err := p.transcriber.Transcribe(ctx, audio, contentType)
	if err != nil {
		L.Warn(ctx, "transcription failed, using placeholder", "service", p.transcriber.Name(), "error", err)
		return PlaceholderTranscript, "placeholder"
	}
	if strings.TrimSpace(text) == "" {
		L.Warn(ctx, "empty transcription, using placeholder", "service", p.transcriber.Name())
		return PlaceholderTranscript, "placeholder"
	}
	return text, p.transcriber.Name()
}

// advance moves the call to status and persists it. Persistence failures
// are logged; the in-memory call still advances.
func (p *Pipeline) advance(ctx context.Context, L log.Logger, call *incident.VoiceCall, status incident.ProcessingStatus, fn func(*incident.VoiceCall)) {
	call.ProcessingStatus = status
	call.UpdatedAt = p.now().UTC()
	if fn != nil {
		fn(call)
	}
	if err := p.calls.UpdateCall(ctx, call); err != nil {
		L.Error(ctx, err, "failed to persist voice call status", "status", status)
	}
}

// LinkIncident records which incident a processed call produced.
func (p *Pipeline) LinkIncident(ctx context.Context, conversationID string, incidentID int64) error {
	call, ok, err := p.calls.GetCall(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load voice call: %w", err)
	}
	if !ok {
		return fmt.Errorf("voice call %q not found", conversationID)
	}
	call.IncidentID = &incidentID
	call.UpdatedAt = p.now().UTC()
	return p.calls.UpdateCall(ctx, call)
}
