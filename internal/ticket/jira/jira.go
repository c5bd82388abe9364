// Package jira files incident tickets through the Jira REST API v2.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/notify"
)

const (
	httpTimeout      = 15 * time.Second
	summaryPrefixLen = 50
	maxSummaryLen    = 255
)

// Config addresses a Jira project.
type Config struct {
	URL       string
	User      string
	Token     string
	Project   string
	IssueType string
}

// Configured reports whether enough is set to create tickets.
func (c Config) Configured() bool {
	return c.URL != "" && c.User != "" && c.Token != ""
}

// Client implements incident.Ticketer.
type Client struct {
	cfg     Config
	routing *notify.Routing
	client  *http.Client
}

// New creates a Jira client. Project defaults to INC and issue type to Bug.
func New(cfg Config, routing *notify.Routing) *Client {
	if cfg.Project == "" {
		cfg.Project = "INC"
	}
	if cfg.IssueType == "" {
		cfg.IssueType = "Bug"
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if routing == nil {
		routing = notify.DefaultRouting()
	}
	return &Client{
		cfg:     cfg,
		routing: routing,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// CreateTicket files an issue and returns its key.
func (c *Client) CreateTicket(ctx context.Context, req incident.TicketRequest) (string, error) {
	sev := string(req.Severity)
	payload := map[string]any{
		"fields": map[string]any{
			"project":     map[string]any{"key": c.cfg.Project},
			"summary":     Summary(sev, req.Summary),
			"description": fmt.Sprintf("Incident Type: %s\nSeverity: %s\n\n%s", req.Type, sev, req.Description),
			"issuetype":   map[string]any{"name": c.cfg.IssueType},
			"priority":    map[string]any{"name": c.routing.Priority(req.Severity)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("jira: marshal issue: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("jira: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(c.cfg.User, c.cfg.Token)

	resp, err := c.client.Do(httpReq) //nolint:gosec // G704: Jira URL is from trusted config
	if err != nil {
		return "", fmt.Errorf("jira: create issue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("jira: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("jira: create issue returned %d: %s", resp.StatusCode, errorDetail(raw))
	}

	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("jira: decode response: %w", err)
	}
	if out.Key == "" {
		return "", fmt.Errorf("jira: response carried no issue key")
	}
	return out.Key, nil
}

// Summary formats "[SEVERITY] <first 50 chars>..." capped at Jira's 255 limit.
func Summary(severity, summary string) string {
	s := fmt.Sprintf("[%s] %s...", severity, runePrefix(summary, summaryPrefixLen))
	return runePrefix(s, maxSummaryLen)
}

func runePrefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func errorDetail(raw []byte) string {
	var e struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if json.Unmarshal(raw, &e) == nil && (len(e.ErrorMessages) > 0 || len(e.Errors) > 0) {
		parts := append([]string(nil), e.ErrorMessages...)
		for _, field := range slices.Sorted(maps.Keys(e.Errors)) {
			parts = append(parts, field+": "+e.Errors[field])
		}
		return strings.Join(parts, "; ")
	}
	return runePrefix(string(raw), 512)
}
