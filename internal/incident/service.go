package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/incident")

// Integration names used in logs and metrics.
const (
	integrationTicket     = "ticket"
	integrationChannel    = "chat_channel"
	integrationAlert      = "chat_alert"
	integrationPage       = "chat_page"
	integrationChatFollow = "chat_message"
	integrationArchive    = "chat_archive"
)

var (
	errEscalationArmed = errors.New("escalation already armed")
	errIncidentClosed  = errors.New("incident reached a terminal status")
)

// Classifier produces a classification for an incident. It must not fail:
// internal errors are reported through the returned Classification.
type Classifier interface {
	Classify(ctx context.Context, inc *Incident) Classification
}

// TicketRequest carries the fields a ticketing system needs.
type TicketRequest struct {
	Summary     string
	Description string
	Type        Type
	Severity    Severity
}

// Ticketer opens tickets in an external tracker and returns the ticket key.
type Ticketer interface {
	CreateTicket(ctx context.Context, req TicketRequest) (string, error)
}

// ChatNotifier manages the per-incident chat channel.
type ChatNotifier interface {
	EnsureChannel(ctx context.Context, inc *Incident) (string, error)
	PostAlert(ctx context.Context, channelID string, inc *Incident, suggestion string) error
	NotifyStakeholders(ctx context.Context, channelID string, inc *Incident) error
	PostMessage(ctx context.Context, channelID, text string) error
	ArchiveChannel(ctx context.Context, channelID string) error
}

// Escalator arms the deferred escalation call. Schedule reports whether a
// new job was armed.
type Escalator interface {
	Schedule(incidentID int64, delay time.Duration) bool
}

// Integrations groups the optional fan-out collaborators. Nil members are skipped.
type Integrations struct {
	Tickets   Ticketer
	Chat      ChatNotifier
	Escalator Escalator
}

// Options tunes orchestration behaviour.
type Options struct {
	EscalationDelay time.Duration
	CallTimeout     time.Duration
	Now             func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		EscalationDelay: 60 * time.Second,
		CallTimeout:     30 * time.Second,
		Now:             time.Now,
	}
}

// Service is the business boundary for incident operations.
type Service struct {
	store      Store
	classifier Classifier
	integ      Integrations
	logger     log.Logger
	metrics    *Metrics
	opts       Options
}

// NewService creates a new incident service.
func NewService(store Store, classifier Classifier, logger log.Logger, metrics *Metrics, integ Integrations, opts Options) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if classifier == nil {
		panic(xerrors.New("classifier is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	def := DefaultOptions()
	if opts.EscalationDelay <= 0 {
		opts.EscalationDelay = def.EscalationDelay
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	return &Service{
		store:      store,
		classifier: classifier,
		integ:      integ,
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
	}
}

// Process runs the full intake pipeline for one submission.
//
// A submission whose external id already exists resolves to the stored
// incident without reprocessing. Only store failures while creating the
// record are returned; every later step is best effort and the incident is
// returned in whatever state the fan-out reached.
func (s *Service) Process(ctx context.Context, sub *Submission) (*Incident, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "incident.Process", trace.WithAttributes(
		attribute.String("incident.external_id", sub.ID),
	))
	defer span.End()

	start := s.opts.Now()
	L := s.logger.With("external_id", sub.ID)

	inc, created, err := s.store.CreateOrGet(ctx, s.newIncident(sub))
	if err != nil {
		s.metrics.submit("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create incident: %w", err)
	}
	if !created {
		s.metrics.submit("duplicate")
		L.Warn(ctx, "incident already exists, returning stored record",
			"incident_id", inc.ID,
			"status", inc.Status,
		)
		span.SetAttributes(attribute.Bool("incident.duplicate", true))
		return inc, nil
	}
	s.metrics.submit("created")

	L = L.With("incident_id", inc.ID)
	span.SetAttributes(attribute.Int64("incident.id", inc.ID))
	L.Info(ctx, "incident created", "source", inc.Source)

	inc = s.classify(ctx, L, inc, sub)
	inc = s.openTicket(ctx, L, inc)
	inc = s.notifyChat(ctx, L, inc)
	inc = s.armEscalation(ctx, L, inc)

	span.SetAttributes(
		attribute.String("incident.severity", string(inc.Severity)),
		attribute.String("incident.status", string(inc.Status)),
	)
	dur := s.opts.Now().Sub(start).Seconds()
	s.metrics.processed(inc.Severity, dur)

	L.Info(ctx, "incident processed",
		"status", inc.Status,
		"severity", inc.Severity,
		"ticket", inc.TicketKey,
		"channel", inc.ChatChannelID,
		"duration", dur,
	)
	return inc, nil
}

func (s *Service) newIncident(sub *Submission) *Incident {
	now := s.opts.Now()
	reported := now
	if sub.Timestamp != nil && !sub.Timestamp.IsZero() {
		reported = *sub.Timestamp
	}
	meta := make(map[string]any, len(sub.Metadata))
	for k, v := range sub.Metadata {
		meta[k] = v
	}
	return &Incident{
		ExternalID:  strings.TrimSpace(sub.ID),
		Type:        TypeOther,
		Severity:    SeverityUnknown,
		Status:      StatusReceived,
		Description: sub.Description,
		Source:      sub.Source,
		ReportedAt:  reported,
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Service) classify(ctx context.Context, L log.Logger, inc *Incident, sub *Submission) *Incident {
	inc = s.update(ctx, L, inc, "classifying status", func(i *Incident) error {
		s.advance(i, StatusClassifying)
		return nil
	})

	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	c := s.classifier.Classify(cctx, inc.Clone())
	cancel()

	reqType := TypeOther
	typeSet := false
	if strings.TrimSpace(sub.Type) != "" {
		if t, ok := ParseType(sub.Type); ok {
			reqType, typeSet = t, true
		} else {
			s.metrics.invalidEnum("type")
			L.Warn(ctx, "ignoring unknown incident type, keeping previous value",
				"requested_type", sub.Type,
				"type", inc.Type,
			)
		}
	}

	// classification and the PROCESSING transition land in one write
	inc = s.update(ctx, L, inc, "classification", func(i *Incident) error {
		i.Severity = c.Severity
		i.AIConfidence = c.Confidence
		i.AIReasoning = c.Reasoning
		i.AISuggestion = c.Suggestion
		if typeSet {
			i.Type = reqType
		}
		i.UpdatedAt = s.opts.Now()
		s.advance(i, StatusProcessing)
		return nil
	})
	s.metrics.classified(inc.Severity)

	L.Info(ctx, "incident classified",
		"severity", inc.Severity,
		"confidence", inc.AIConfidence,
		"type", inc.Type,
	)
	return inc
}

// advance moves the intake pipeline forward. A status set by an operator
// while the pipeline runs (IN_PROGRESS, RESOLVED, ...) is left alone.
func (s *Service) advance(i *Incident, to Status) {
	switch i.Status {
	case StatusReceived, StatusClassifying:
		Transition(i, to, s.opts.Now())
	}
}

func (s *Service) openTicket(ctx context.Context, L log.Logger, inc *Incident) *Incident {
	if s.integ.Tickets == nil {
		s.metrics.integration(integrationTicket, "skipped", 0)
		return inc
	}
	if inc.TicketKey != "" {
		return inc
	}

	req := TicketRequest{
		Summary: "Incident: " + inc.ExternalID,
		Description: fmt.Sprintf("%s\n\nAI Analysis:\n%s\n\nSuggestion:\n%s",
			inc.Description, inc.AIReasoning, inc.AISuggestion),
		Type:     inc.Type,
		Severity: inc.Severity,
	}

	var key string
	ok := s.call(ctx, L, integrationTicket, func(ctx context.Context) error {
		k, err := s.integ.Tickets.CreateTicket(ctx, req)
		key = k
		return err
	})
	if !ok || key == "" {
		return inc
	}

	L.Info(ctx, "ticket created", "ticket", key)
	return s.update(ctx, L, inc, "ticket key", func(i *Incident) error {
		if i.TicketKey == "" {
			i.TicketKey = key
			i.UpdatedAt = s.opts.Now()
		}
		return nil
	})
}

func (s *Service) notifyChat(ctx context.Context, L log.Logger, inc *Incident) *Incident {
	chat := s.integ.Chat
	if chat == nil {
		s.metrics.integration(integrationChannel, "skipped", 0)
		return inc
	}
	if IsTerminal(inc.Status) {
		s.metrics.integration(integrationChannel, "skipped", 0)
		L.Info(ctx, "incident closed before fan-out, not opening a channel", "status", inc.Status)
		return inc
	}

	var channelID string
	ok := s.call(ctx, L, integrationChannel, func(ctx context.Context) error {
		id, err := chat.EnsureChannel(ctx, inc.Clone())
		channelID = id
		return err
	})
	if !ok || channelID == "" {
		return inc
	}

	// closedMeanwhile is set when the incident was resolved or closed while
	// the channel was being created; the archive step it missed runs here.
	var closedMeanwhile bool
	inc = s.update(ctx, L, inc, "chat channel", func(i *Incident) error {
		closedMeanwhile = false
		if i.ChatChannelID == "" {
			i.ChatChannelID = channelID
		}
		if i.Metadata == nil {
			i.Metadata = make(map[string]any)
		}
		i.Metadata["chat_channel_id"] = i.ChatChannelID
		now := s.opts.Now()
		i.UpdatedAt = now
		if closesChannel(i.Status) && i.ChannelArchivedAt == nil {
			i.ChannelArchivedAt = &now
			closedMeanwhile = true
		}
		return nil
	})
	channelID = inc.ChatChannelID

	if closedMeanwhile {
		L.Info(ctx, "incident closed while opening channel, archiving", "status", inc.Status)
		s.archiveChannel(ctx, L, channelID, inc.Status)
		return inc
	}

	s.call(ctx, L, integrationAlert, func(ctx context.Context) error {
		return chat.PostAlert(ctx, channelID, inc.Clone(), inc.AISuggestion)
	})
	s.call(ctx, L, integrationPage, func(ctx context.Context) error {
		return chat.NotifyStakeholders(ctx, channelID, inc.Clone())
	})
	if inc.TicketKey != "" {
		s.call(ctx, L, integrationChatFollow, func(ctx context.Context) error {
			return chat.PostMessage(ctx, channelID, fmt.Sprintf("\U0001f3ab *Ticket created:* %s", inc.TicketKey))
		})
	}
	return inc
}

func (s *Service) armEscalation(ctx context.Context, L log.Logger, inc *Incident) *Incident {
	if s.integ.Escalator == nil || inc.Severity != SeverityHigh || strings.TrimSpace(inc.AISuggestion) == "" {
		return inc
	}
	if inc.EscalationArmedAt != nil || IsTerminal(inc.Status) {
		return inc
	}

	updated, ok, err := s.store.Mutate(ctx, inc.ID, func(i *Incident) error {
		if i.EscalationArmedAt != nil {
			return errEscalationArmed
		}
		if IsTerminal(i.Status) {
			return errIncidentClosed
		}
		now := s.opts.Now()
		i.EscalationArmedAt = &now
		i.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errEscalationArmed):
		L.Info(ctx, "escalation already armed elsewhere")
		return inc
	case errors.Is(err, errIncidentClosed):
		L.Info(ctx, "incident closed before escalation could be armed")
		return inc
	case err != nil:
		// the in-process scheduler still guards against double arming
		L.Error(ctx, err, "failed to persist escalation marker")
	case !ok:
		L.Warn(ctx, "incident vanished before escalation could be armed")
		return inc
	default:
		inc = updated
	}

	if s.integ.Escalator.Schedule(inc.ID, s.opts.EscalationDelay) {
		s.metrics.escalationArmed()
		L.Info(ctx, "escalation armed", "delay", s.opts.EscalationDelay.String())
	}
	return inc
}

// call runs one best-effort integration step under the per-call timeout.
// Failures are logged and counted, never returned.
func (s *Service) call(ctx context.Context, L log.Logger, name string, fn func(context.Context) error) bool {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	outcome := "success"
	if err != nil {
		outcome = "error"
		L.Error(ctx, err, "integration call failed", "integration", name)
	}
	s.metrics.integration(name, outcome, time.Since(start).Seconds())
	return err == nil
}

// update persists fn atomically. When the write fails, fn is applied to a
// local copy so the remaining steps still see the intended state.
func (s *Service) update(ctx context.Context, L log.Logger, inc *Incident, what string, fn MutateFunc) *Incident {
	updated, ok, err := s.store.Mutate(ctx, inc.ID, fn)
	if err == nil && ok {
		return updated
	}
	if err != nil {
		L.Error(ctx, err, "failed to persist "+what)
	} else {
		L.Warn(ctx, "incident vanished while persisting "+what)
	}
	local := inc.Clone()
	_ = fn(local)
	return local
}

// Get retrieves an incident by internal id.
func (s *Service) Get(ctx context.Context, id int64) (*Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// Status retrieves an incident by external id.
func (s *Service) Status(ctx context.Context, externalID string) (*Incident, bool, error) {
	return s.store.GetByExternalID(ctx, externalID)
}

// List returns incidents matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Incident, error) {
	return s.store.List(ctx, f)
}

// Stats aggregates counts; Recent covers incidents created within window.
func (s *Service) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	return s.store.Stats(ctx, s.opts.Now().Add(-window))
}

// UpdateStatus sets an incident's status from any prior status. The chat
// channel is archived on the first entry into RESOLVED or CLOSED.
func (s *Service) UpdateStatus(ctx context.Context, externalID string, status Status) (*Incident, bool, error) {
	to, ok := ParseStatus(string(status))
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	ctx, span := tracer.Start(ctx, "incident.UpdateStatus", trace.WithAttributes(
		attribute.String("incident.external_id", externalID),
		attribute.String("incident.status", string(to)),
	))
	defer span.End()

	cur, found, err := s.store.GetByExternalID(ctx, externalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	L := s.logger.With("external_id", externalID, "incident_id", cur.ID)

	var archive bool
	var from Status
	updated, found, err := s.store.Mutate(ctx, cur.ID, func(i *Incident) error {
		from = i.Status
		archive = Transition(i, to, s.opts.Now())
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("update status: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	s.metrics.transition(to)
	L.Info(ctx, "incident status updated", "from", from, "to", to)

	if archive && s.integ.Chat != nil {
		s.archiveChannel(ctx, L, updated.ChatChannelID, to)
	}
	return updated, true, nil
}

// archiveChannel posts the closing notice and archives the channel.
func (s *Service) archiveChannel(ctx context.Context, L log.Logger, channelID string, status Status) {
	if s.integ.Chat == nil || channelID == "" {
		return
	}
	text := fmt.Sprintf("Incident %s. Archiving channel.", strings.ToLower(string(status)))
	s.call(ctx, L, integrationChatFollow, func(ctx context.Context) error {
		return s.integ.Chat.PostMessage(ctx, channelID, text)
	})
	s.call(ctx, L, integrationArchive, func(ctx context.Context) error {
		return s.integ.Chat.ArchiveChannel(ctx, channelID)
	})
}

// RequestEscalation records an on-call escalation request in the incident's
// chat channel. It reports false when the incident does not exist.
func (s *Service) RequestEscalation(ctx context.Context, externalID, requestedBy string) (bool, error) {
	inc, found, err := s.store.GetByExternalID(ctx, externalID)
	if err != nil || !found {
		return false, err
	}

	L := s.logger.With("external_id", externalID, "incident_id", inc.ID)
	L.Warn(ctx, "escalation requested", "requested_by", requestedBy)

	if s.integ.Chat == nil || inc.ChatChannelID == "" {
		return true, nil
	}
	text := fmt.Sprintf("\U0001f6a8 *Escalation requested* by %s for %s (%s). Paging the next responder.",
		requestedBy, inc.ExternalID, inc.Severity)
	s.call(ctx, L, integrationChatFollow, func(ctx context.Context) error {
		return s.integ.Chat.PostMessage(ctx, inc.ChatChannelID, text)
	})
	return true, nil
}
