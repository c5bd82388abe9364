package incident

import (
	"strings"
	"time"
)

// Type is the category an incident is classified into.
type Type string

const (
	TypeDatabaseConnectionError Type = "DATABASE_CONNECTION_ERROR"
	TypeHighCPU                 Type = "HIGH_CPU"
	TypeDiskFull                Type = "DISK_FULL"
	TypeMemoryLeak              Type = "MEMORY_LEAK"
	TypeNetworkIssue            Type = "NETWORK_ISSUE"
	TypeServiceDown             Type = "SERVICE_DOWN"
	TypeSecurityBreach          Type = "SECURITY_BREACH"
	TypeDataCorruption          Type = "DATA_CORRUPTION"
	TypeAPIFailure              Type = "API_FAILURE"
	TypeDeploymentFailure       Type = "DEPLOYMENT_FAILURE"
	TypeInfrastructureFailure   Type = "INFRASTRUCTURE_FAILURE"
	TypeOther                   Type = "OTHER"
)

var knownTypes = []Type{
	TypeDatabaseConnectionError, TypeHighCPU, TypeDiskFull, TypeMemoryLeak,
	TypeNetworkIssue, TypeServiceDown, TypeSecurityBreach, TypeDataCorruption,
	TypeAPIFailure, TypeDeploymentFailure, TypeInfrastructureFailure, TypeOther,
}

// ParseType resolves a type name case-insensitively.
func ParseType(s string) (Type, bool) {
	want := Type(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range knownTypes {
		if t == want {
			return t, true
		}
	}
	return "", false
}

// Severity ranks how urgent an incident is.
type Severity string

const (
	SeverityUnknown  Severity = "UNKNOWN"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity resolves a severity name case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch v := Severity(strings.ToUpper(strings.TrimSpace(s))); v {
	case SeverityUnknown, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return v, true
	}
	return "", false
}

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	StatusReceived    Status = "RECEIVED"
	StatusClassifying Status = "CLASSIFYING"
	StatusProcessing  Status = "PROCESSING"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusResolved    Status = "RESOLVED"
	StatusClosed      Status = "CLOSED"
	StatusFailed      Status = "FAILED"
)

// ParseStatus resolves a status name case-insensitively.
func ParseStatus(s string) (Status, bool) {
	switch v := Status(strings.ToUpper(strings.TrimSpace(s))); v {
	case StatusReceived, StatusClassifying, StatusProcessing, StatusInProgress,
		StatusResolved, StatusClosed, StatusFailed:
		return v, true
	}
	return "", false
}

// Incident is the unit of work tracked from intake through resolution.
type Incident struct {
	ID          int64          `json:"id"`
	ExternalID  string         `json:"external_id"`
	Type        Type           `json:"type"`
	Severity    Severity       `json:"severity"`
	Status      Status         `json:"status"`
	Description string         `json:"description"`
	Source      string         `json:"source,omitempty"`
	ReportedAt  time.Time      `json:"reported_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	AIConfidence float64 `json:"ai_confidence"`
	AIReasoning  string  `json:"ai_reasoning,omitempty"`
	AISuggestion string  `json:"ai_suggestion,omitempty"`

	ChatChannelID     string     `json:"chat_channel_id,omitempty"`
	TicketKey         string     `json:"ticket_key,omitempty"`
	ChannelArchivedAt *time.Time `json:"channel_archived_at,omitempty"`
	EscalationArmedAt *time.Time `json:"escalation_armed_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy so callers never share the metadata map or time pointers.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	if i.Metadata != nil {
		cp.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.ChannelArchivedAt = cloneTime(i.ChannelArchivedAt)
	cp.EscalationArmedAt = cloneTime(i.EscalationArmedAt)
	cp.ResolvedAt = cloneTime(i.ResolvedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Submission is the raw intake payload, from the webhook API or a transcribed call.
type Submission struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Type        string         `json:"type,omitempty"`
	Source      string         `json:"source,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate reports synchronous intake errors.
func (s *Submission) Validate() error {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return ErrMissingID
	}
	return nil
}

// Classification is the classifier's verdict for one incident.
type Classification struct {
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Suggestion string   `json:"suggestion"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type     Type
	Severity Severity
	Status   Status
	Source   string
	Limit    int
}

// Stats aggregates incident counts.
type Stats struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	HighSeverity int `json:"highSeverity"`
	Resolved     int `json:"resolved"`
	Recent       int `json:"recent"`
}

// ProcessingStatus tracks a voice call through the intake pipeline.
type ProcessingStatus string

const (
	CallReceived     ProcessingStatus = "RECEIVED"
	CallDownloading  ProcessingStatus = "DOWNLOADING"
	CallTranscribing ProcessingStatus = "TRANSCRIBING"
	CallProcessed    ProcessingStatus = "PROCESSED"
	CallError        ProcessingStatus = "ERROR"
)

// Call directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// VoiceCall is one inbound or outbound telephony interaction.
type VoiceCall struct {
	ID                   int64            `json:"id"`
	ConversationUUID     string           `json:"conversation_uuid"`
	CallSID              string           `json:"call_sid,omitempty"`
	Direction            string           `json:"direction"`
	CallerNumber         string           `json:"caller_number,omitempty"`
	PhoneNumber          string           `json:"phone_number,omitempty"`
	RecordingURL         string           `json:"recording_url,omitempty"`
	Transcription        string           `json:"transcription,omitempty"`
	TranscriptionService string           `json:"transcription_service,omitempty"`
	ProcessingStatus     ProcessingStatus `json:"processing_status"`
	ErrorMessage         string           `json:"error_message,omitempty"`
	IncidentID           *int64           `json:"incident_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	ProcessedAt          *time.Time       `json:"processed_at,omitempty"`
}
