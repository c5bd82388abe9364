package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/linnemanlabs/incidentd/internal/llm"
)

type recorded struct {
	mu     sync.Mutex
	path   string
	auth   string
	body   map[string]any
	status int
	reply  string
}

func (r *recorded) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		raw, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.path = req.URL.Path
		r.auth = req.Header.Get("Authorization")
		_ = json.Unmarshal(raw, &r.body)
		status, reply := r.status, r.reply
		r.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}
}

func newTestClient(t *testing.T, rec *recorded) *Client {
	t.Helper()
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)
	return New(Config{
		APIKey:         "sk-test",
		BaseURL:        srv.URL + "/openai/v1/",
		ChatModel:      "llama-test",
		EmbeddingModel: "embed-test",
	})
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	rec := &recorded{reply: `{"object":"list","model":"embed-test",
		"data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],
		"usage":{"prompt_tokens":3,"total_tokens":3}}`}
	c := newTestClient(t, rec)

	vec, err := c.Embed(context.Background(), "database timeout")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("vec = %v", vec)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.path != "/openai/v1/embeddings" {
		t.Errorf("path = %q", rec.path)
	}
	if rec.auth != "Bearer sk-test" {
		t.Errorf("auth = %q", rec.auth)
	}
	if rec.body["model"] != "embed-test" || rec.body["input"] != "database timeout" {
		t.Errorf("body = %v", rec.body)
	}
}

func TestEmbed_EmptyData(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &recorded{reply: `{"object":"list","model":"m","data":[],"usage":{"prompt_tokens":0,"total_tokens":0}}`})
	if _, err := c.Embed(context.Background(), "x"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	rec := &recorded{reply: `{"id":"c1","object":"chat.completion","created":1,"model":"llama-test",
		"choices":[{"index":0,"finish_reason":"stop","logprobs":null,
			"message":{"role":"assistant","content":"{\"severity\":\"HIGH\"}","refusal":null}}],
		"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`}
	c := newTestClient(t, rec)

	resp, err := c.Complete(context.Background(), &llm.Request{System: "sys", Prompt: "classify", Temperature: 0.3})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"severity":"HIGH"}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.StopReason != llm.StopEnd {
		t.Errorf("stop = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.path != "/openai/v1/chat/completions" {
		t.Errorf("path = %q", rec.path)
	}
	msgs, _ := rec.body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", rec.body["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message = %v", first)
	}
	if rec.body["temperature"] != 0.3 {
		t.Errorf("temperature = %v", rec.body["temperature"])
	}
}

func TestComplete_LengthStop(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &recorded{reply: `{"id":"c1","object":"chat.completion","created":1,"model":"m",
		"choices":[{"index":0,"finish_reason":"length","logprobs":null,"message":{"role":"assistant","content":"{\"sev","refusal":null}}],
		"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`})
	resp, err := c.Complete(context.Background(), &llm.Request{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StopReason != llm.StopMaxTokens {
		t.Errorf("stop = %q, want max_tokens", resp.StopReason)
	}
}

func TestComplete_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		reply  string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`},
		{"no choices", http.StatusOK, `{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, &recorded{status: tt.status, reply: tt.reply})
			if _, err := c.Complete(context.Background(), &llm.Request{Prompt: "x"}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
