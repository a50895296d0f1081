package adminchan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExecDecodesJSONOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var req execRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Command != "server info" {
			t.Fatalf("unexpected command %q", req.Command)
		}
		json.NewEncoder(w).Encode(execResponse{Output: "Connected players: 5."})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, AuthToken: "sekrit"}, Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out, err := client.Exec(context.Background(), "server info")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "Connected players: 5." {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestExecRawTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain console text"))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out, err := client.Exec(context.Background(), "server info")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "plain console text" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestExecErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Exec(context.Background(), "server info"); err == nil {
		t.Fatalf("expected error for non-2xx status")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}, Dependencies{}); err == nil {
		t.Fatalf("expected error for missing base URL")
	}
}
