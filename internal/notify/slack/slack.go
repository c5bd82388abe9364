// Package slack drives per-incident Slack channels through the Web API:
// channel creation, alerts, stakeholder pages, follow-ups and archiving.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/notify"
)

const (
	// DefaultBaseURL is the Slack Web API root.
	DefaultBaseURL = "https://slack.com/api"

	maxTextLen  = 2900
	httpTimeout = 10 * time.Second
	listLimit   = 200
	maxListPage = 20
)

// APIError is a Web API response with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack: %s: %s", e.Method, e.Code)
}

// Client implements incident.ChatNotifier.
type Client struct {
	token   string
	baseURL string
	routing *notify.Routing
	client  *http.Client
	logger  log.Logger
}

// New creates a Slack client authenticated with a bot token. An empty
// baseURL selects DefaultBaseURL; a nil routing selects notify.DefaultRouting.
func New(token, baseURL string, routing *notify.Routing, logger log.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if routing == nil {
		routing = notify.DefaultRouting()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		routing: routing,
		client:  &http.Client{Timeout: httpTimeout},
		logger:  logger,
	}
}

// ChannelName is the deterministic channel for an incident. The full id is
// kept so every incident gets its own channel; the longest int64 still fits
// well inside Slack's 80 character name limit.
func ChannelName(inc *incident.Incident) string {
	return "incident-" + strconv.FormatInt(inc.ID, 10)
}

// EnsureChannel creates the incident channel, or finds it when the name is
// already taken, and sets its topic.
func (c *Client) EnsureChannel(ctx context.Context, inc *incident.Incident) (string, error) {
	name := ChannelName(inc)

	var created struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	err := c.post(ctx, "conversations.create", map[string]any{"name": name, "is_private": false}, &created)
	id := created.Channel.ID

	var apiErr *APIError
	switch {
	case err == nil:
	case asAPIError(err, &apiErr) && apiErr.Code == "name_taken":
		id, err = c.findChannel(ctx, name)
		if err != nil {
			return "", err
		}
	default:
		return "", err
	}

	topic := fmt.Sprintf("Incident: %s | Type: %s | Severity: %s", inc.ExternalID, inc.Type, inc.Severity)
	if err := c.post(ctx, "conversations.setTopic", map[string]any{"channel": id, "topic": topic}, nil); err != nil {
		c.logger.Warn(ctx, "failed to set channel topic", "channel_id", id, "error", err)
	}
	return id, nil
}

func (c *Client) findChannel(ctx context.Context, name string) (string, error) {
	cursor := ""
	for page := 0; page < maxListPage; page++ {
		q := url.Values{}
		q.Set("exclude_archived", "true")
		q.Set("types", "public_channel")
		q.Set("limit", strconv.Itoa(listLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out struct {
			Channels []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"channels"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.get(ctx, "conversations.list", q, &out); err != nil {
			return "", err
		}
		for _, ch := range out.Channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		if out.Metadata.NextCursor == "" {
			break
		}
		cursor = out.Metadata.NextCursor
	}
	return "", fmt.Errorf("slack: channel %q taken but not found", name)
}

// PostAlert posts the new-incident alert with the classifier's suggestion.
func (c *Client) PostAlert(ctx context.Context, channelID string, inc *incident.Incident, suggestion string) error {
	deliveryID := uuid.NewString()
	msg := map[string]any{
		"channel": channelID,
		"text":    fmt.Sprintf("%s NEW INCIDENT ALERT: %s", severityEmoji(inc.Severity), inc.ExternalID),
		"blocks":  alertBlocks(inc, suggestion),
		"metadata": map[string]any{
			"event_type": "incident_alert",
			"event_payload": map[string]any{
				"incident_id": inc.ExternalID,
				"delivery_id": deliveryID,
			},
		},
	}
	if err := c.post(ctx, "chat.postMessage", msg, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, "posted incident alert", "channel_id", channelID, "delivery_id", deliveryID)
	return nil
}

// NotifyStakeholders pages the groups routed for the incident. Nothing is
// sent when no group matches.
func (c *Client) NotifyStakeholders(ctx context.Context, channelID string, inc *incident.Incident) error {
	groups := c.routing.Stakeholders(inc.Type, inc.Severity)
	if len(groups) == 0 {
		return nil
	}
	return c.PostMessage(ctx, channelID, stakeholderText(groups))
}

// PostMessage posts plain mrkdwn text.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	return c.post(ctx, "chat.postMessage", map[string]any{
		"channel": channelID,
		"text":    truncate(text, maxTextLen),
	}, nil)
}

// ArchiveChannel archives the channel. An already archived channel is success.
func (c *Client) ArchiveChannel(ctx context.Context, channelID string) error {
	err := c.post(ctx, "conversations.archive", map[string]any{"channel": channelID}, nil)
	var apiErr *APIError
	if asAPIError(err, &apiErr) && apiErr.Code == "already_archived" {
		return nil
	}
	return err
}

func (c *Client) post(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.do(req, method, out)
}

func (c *Client) get(ctx context.Context, method string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+method+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req) //nolint:gosec // G704: base URL is from trusted config
	if err != nil {
		return fmt.Errorf("slack: %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("slack: read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack: %s returned %d: %s", method, resp.StatusCode, truncate(string(raw), 512))
	}

	var env struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("slack: decode %s response: %w", method, err)
	}
	if !env.OK {
		return &APIError{Method: method, Code: env.Error}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("slack: decode %s response: %w", method, err)
		}
	}
	return nil
}
