// Package deepgram transcribes recorded audio with the Deepgram listen API.
package deepgram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the Deepgram API root.
	DefaultBaseURL = "https://api.deepgram.com"
	// DefaultModel is the speech model requested when none is configured.
	DefaultModel = "nova-2"

	httpTimeout    = 60 * time.Second
	transcriptPath = "results.channels.0.alternatives.0.transcript"
)

// Client implements voice.Transcriber.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// New creates a Deepgram client. Empty baseURL and model select the defaults.
func New(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// Name identifies the service in call records.
func (c *Client) Name() string { return "deepgram" }

// Transcribe returns the top transcript alternative for audio.
func (c *Client) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	q := url.Values{}
	q.Set("model", c.model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("deepgram: create request: %w", err)
	}
	if contentType == "" {
		contentType = "audio/wav"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.client.Do(req) //nolint:gosec // G704: base URL is from trusted config
	if err != nil {
		return "", fmt.Errorf("deepgram: listen: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("deepgram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("deepgram: listen returned %d: %s", resp.StatusCode, gjson.GetBytes(body, "err_msg").String())
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("deepgram: invalid response body")
	}
	r := gjson.GetBytes(body, transcriptPath)
	if !r.Exists() {
		return "", fmt.Errorf("deepgram: response has no transcript")
	}
	return strings.TrimSpace(r.String()), nil
}
