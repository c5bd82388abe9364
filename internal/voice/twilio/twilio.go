// Package twilio downloads call recordings and places outbound calls through
// the Twilio REST API.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the Twilio REST API root.
	DefaultBaseURL = "https://api.twilio.com"

	httpTimeout   = 30 * time.Second
	maxRecording  = 25 << 20
	maxErrorBytes = 512
)

// Config holds account credentials and the caller id for outbound calls.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

// Configured reports whether credentials are present.
func (c Config) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

// Client talks to Twilio with account basic auth.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Twilio client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, client: &http.Client{Timeout: httpTimeout}}
}

// FetchRecording downloads recorded audio. Twilio serves WAV when the
// recording URL carries no extension.
func (c *Client) FetchRecording(ctx context.Context, recordingURL string) ([]byte, string, error) {
	if recordingURL == "" {
		return nil, "", fmt.Errorf("twilio: empty recording url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("twilio: create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.client.Do(req) //nolint:gosec // G704: recording URLs come from signed Twilio webhooks
	if err != nil {
		return nil, "", fmt.Errorf("twilio: fetch recording: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, "", fmt.Errorf("twilio: fetch recording returned %d: %s", resp.StatusCode, string(body))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxRecording))
	if err != nil {
		return nil, "", fmt.Errorf("twilio: read recording: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("twilio: recording is empty")
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/wav"
	}
	return audio, ct, nil
}

// Call is a placed outbound call.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall dials to and fetches call instructions from twimlURL.
func (c *Client) PlaceCall(ctx context.Context, to, twimlURL string) (*Call, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Url", twimlURL)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.client.Do(req) //nolint:gosec // G704: base URL is from trusted config
	if err != nil {
		return nil, fmt.Errorf("twilio: place call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("twilio: place call returned %d: %s", resp.StatusCode, truncate(string(body), maxErrorBytes))
	}
	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("twilio: decode call: %w", err)
	}
	if call.SID == "" {
		return nil, fmt.Errorf("twilio: response carried no call sid")
	}
	return &call, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
