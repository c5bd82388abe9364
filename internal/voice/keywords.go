package voice

import (
	"strings"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// ExtractType maps transcript keywords to an incident type.
func ExtractType(text string) incident.Type {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "database") || strings.Contains(t, "connection"):
		return incident.TypeDatabaseConnectionError
	case strings.Contains(t, "network"):
		return incident.TypeNetworkIssue
	case strings.Contains(t, "security"):
		return incident.TypeSecurityBreach
	default:
		return incident.TypeOther
	}
}

// ExtractEnvironment reports production, staging or unknown.
func ExtractEnvironment(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "production"):
		return "production"
	case strings.Contains(t, "staging"):
		return "staging"
	default:
		return "unknown"
	}
}

// Draft builds the submission for a transcribed call.
func Draft(conversationID, caller, transcript string) *incident.Submission {
	return &incident.Submission{
		ID:          "VOICE-" + conversationID,
		Description: transcript,
		Type:        string(ExtractType(transcript)),
		Source:      "voice",
		Metadata: map[string]any{
			"caller_number":     caller,
			"environment":       ExtractEnvironment(transcript),
			"conversation_uuid": conversationID,
		},
	}
}
