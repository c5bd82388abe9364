package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestFetchRecording(t *testing.T) {
	t.Parallel()

	var (
		mu         sync.Mutex
		user, pass string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		user, pass, _ = r.BasicAuth()
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/x-wav")
		_, _ = w.Write([]byte("RIFF....WAVE"))
	}))
	t.Cleanup(srv.Close)

	c := New(Config{AccountSID: "AC1", AuthToken: "secret"})
	audio, ct, err := c.FetchRecording(context.Background(), srv.URL+"/Recordings/RE1")
	if err != nil {
		t.Fatalf("FetchRecording: %v", err)
	}
	if string(audio) != "RIFF....WAVE" || ct != "audio/x-wav" {
		t.Errorf("audio=%q ct=%q", audio, ct)
	}
	mu.Lock()
	defer mu.Unlock()
	if user != "AC1" || pass != "secret" {
		t.Errorf("basic auth = %q/%q", user, pass)
	}
}

func TestFetchRecording_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"not found", http.StatusNotFound, "missing", "404"},
		{"empty", http.StatusOK, "", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			_, _, err := New(Config{AccountSID: "a", AuthToken: "b"}).FetchRecording(context.Background(), srv.URL)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}

	if _, _, err := New(Config{}).FetchRecording(context.Background(), ""); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestPlaceCall(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		path string
		form map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		path = r.URL.Path
		form = map[string]string{"To": r.PostForm.Get("To"), "From": r.PostForm.Get("From"), "Url": r.PostForm.Get("Url")}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
	}))
	t.Cleanup(srv.Close)

	c := New(Config{AccountSID: "AC1", AuthToken: "t", FromNumber: "+15550001", BaseURL: srv.URL})
	call, err := c.PlaceCall(context.Background(), "+15550002", "https://h/api/twilio/outbound/twiml?incidentId=INC-1")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if call.SID != "CA42" || call.Status != "queued" {
		t.Errorf("call = %+v", call)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/2010-04-01/Accounts/AC1/Calls.json" {
		t.Errorf("path = %q", path)
	}
	if form["To"] != "+15550002" || form["From"] != "+15550001" || form["Url"] != "https://h/api/twilio/outbound/twiml?incidentId=INC-1" {
		t.Errorf("form = %v", form)
	}
}

func TestPlaceCall_Rejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"invalid To"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{AccountSID: "a", AuthToken: "b", BaseURL: srv.URL}).PlaceCall(context.Background(), "bad", "u")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("err = %v", err)
	}
}

func TestConfigured(t *testing.T) {
	t.Parallel()

	if (Config{AccountSID: "a"}).Configured() {
		t.Error("missing token should be unconfigured")
	}
	if !(Config{AccountSID: "a", AuthToken: "b"}).Configured() {
		t.Error("expected configured")
	}
}
