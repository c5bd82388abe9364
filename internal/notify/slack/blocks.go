package slack

import (
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

func alertBlocks(inc *incident.Incident, suggestion string) []map[string]any {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": severityEmoji(inc.Severity) + " NEW INCIDENT ALERT",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				mrkdwn(fmt.Sprintf("*Type:*\n%s", inc.Type)),
				mrkdwn(fmt.Sprintf("*Severity:*\n%s", inc.Severity)),
				mrkdwn(fmt.Sprintf("*Source:*\n%s", orDash(inc.Source))),
				mrkdwn(fmt.Sprintf("*Created:*\n%s", inc.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))),
			},
		},
		{
			"type": "section",
			"text": mrkdwn(fmt.Sprintf("*Description:*\n%s", truncate(orDash(inc.Description), maxTextLen))),
		},
	}
	if strings.TrimSpace(suggestion) != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": mrkdwn(fmt.Sprintf("\U0001f916 *AI Analysis & Suggestions:*\n%s", truncate(suggestion, maxTextLen))),
		})
	}
	blocks = append(blocks, map[string]any{
		"type": "context",
		"elements": []map[string]any{
			mrkdwn(fmt.Sprintf("incidentd • %s • incident %d", inc.ExternalID, inc.ID)),
		},
	})
	return blocks
}

func stakeholderText(groups []string) string {
	mentions := make([]string, len(groups))
	for i, g := range groups {
		mentions[i] = "@" + g
	}
	return "\U0001f4e2 *Notifying Stakeholders:* " + strings.Join(mentions, " ") + "\nPlease review the incident above."
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func severityEmoji(s incident.Severity) string {
	switch s {
	case incident.SeverityHigh, incident.SeverityCritical:
		return "\U0001f525" // fire
	default:
		return "⚠️" // warning sign
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func asAPIError(err error, target **APIError) bool {
	return err != nil && errors.As(err, target)
}
