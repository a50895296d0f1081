package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gamepulsehq/relay/internal/bridge"
	"github.com/gamepulsehq/relay/internal/logging"
	"github.com/gamepulsehq/relay/internal/player"
	"github.com/gamepulsehq/relay/internal/queue"
	"github.com/gamepulsehq/relay/internal/recorder"
	"github.com/gamepulsehq/relay/pkg/types"
)

type stubDeadLetters struct {
	items []queue.DeadLetter
}

func (s *stubDeadLetters) DeadLetters() []queue.DeadLetter { return s.items }

type stubChecker struct {
	ready   bool
	reasons []string
}

func (s *stubChecker) Ready(time.Time) (bool, []string) { return s.ready, s.reasons }

type stubPlayer struct {
	loaded types.Recording
	speed  float64
	calls  []string
}

func (p *stubPlayer) Load(rec types.Recording) error {
	p.loaded = rec
	p.calls = append(p.calls, "load")
	return nil
}
func (p *stubPlayer) Play() error  { p.calls = append(p.calls, "play"); return nil }
func (p *stubPlayer) Pause() error { p.calls = append(p.calls, "pause"); return nil }
func (p *stubPlayer) Seek(time.Duration) error {
	p.calls = append(p.calls, "seek")
	return nil
}
func (p *stubPlayer) SetSpeed(m float64) error {
	p.speed = m
	p.calls = append(p.calls, "speed")
	return nil
}
func (p *stubPlayer) Status() player.Status { return player.Status{State: "paused", Speed: p.speed} }

func newTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()
	deps.Logger = logging.Discard()
	return New(Config{AdminBearerToken: "token"}, deps)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth {
		req.Header.Set("Authorization", "Bearer token")
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	checker := &stubChecker{ready: true}
	srv := newTestServer(t, Dependencies{Checker: checker})

	if rr := doJSON(t, srv, http.MethodGet, "/healthz", nil, false); rr.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rr.Code)
	}
	if rr := doJSON(t, srv, http.MethodGet, "/readyz", nil, false); rr.Code != http.StatusOK {
		t.Fatalf("readyz status %d", rr.Code)
	}

	checker.ready = false
	checker.reasons = []string{"source realm-1 degraded"}
	rr := doJSON(t, srv, http.MethodGet, "/readyz", nil, false)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status %d, want 503", rr.Code)
	}
	var payload struct {
		Ready   bool     `json:"ready"`
		Reasons []string `json:"reasons"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if payload.Ready || len(payload.Reasons) != 1 {
		t.Fatalf("unexpected readyz payload: %+v", payload)
	}
}

func TestAdminEndpointsRequireBearerToken(t *testing.T) {
	srv := newTestServer(t, Dependencies{Queue: &stubDeadLetters{}})

	if rr := doJSON(t, srv, http.MethodGet, "/api/v1/deadletters", nil, false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deadletters", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status %d, want 401", rr.Code)
	}
}

func TestDeadLettersEndpoint(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := newTestServer(t, Dependencies{Queue: &stubDeadLetters{items: []queue.DeadLetter{{
		Event:      types.Event{ID: "ev-1", Type: types.EventChatMessage},
		Reason:     queue.ReasonEvicted,
		RecordedAt: ts,
	}}}})

	rr := doJSON(t, srv, http.MethodGet, "/api/v1/deadletters", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var payload struct {
		Items []queue.DeadLetter `json:"items"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Event.ID != "ev-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestSourcesEndpoint(t *testing.T) {
	srv := newTestServer(t, Dependencies{Sources: func() []bridge.Status {
		return []bridge.Status{{SourceID: "realm-1", State: bridge.StateConnected}}
	}})

	rr := doJSON(t, srv, http.MethodGet, "/api/v1/sources", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var payload struct {
		Items []bridge.Status `json:"items"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].SourceID != "realm-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	store, err := recorder.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rec, err := recorder.New(recorder.Config{}, recorder.Dependencies{Store: store, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	srv := newTestServer(t, Dependencies{Recorder: rec, Recordings: store})

	rr := doJSON(t, srv, http.MethodPost, "/api/v1/recordings", map[string]string{"name": "raid"}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start status %d: %s", rr.Code, rr.Body.String())
	}
	var started struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if started.ID == "" {
		t.Fatal("start returned empty id")
	}

	// A second start while one is active conflicts.
	if rr := doJSON(t, srv, http.MethodPost, "/api/v1/recordings", map[string]string{"name": "other"}, true); rr.Code != http.StatusConflict {
		t.Fatalf("double start status %d, want 409", rr.Code)
	}

	rec.Observe(types.Event{ID: "ev-1", Type: types.EventChatMessage, SourceID: "realm-1", Timestamp: time.Now().UTC()})

	rr = doJSON(t, srv, http.MethodDelete, "/api/v1/recordings/current", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop status %d: %s", rr.Code, rr.Body.String())
	}
	var sealed types.Recording
	if err := json.NewDecoder(rr.Body).Decode(&sealed); err != nil {
		t.Fatalf("decode sealed: %v", err)
	}
	if sealed.ID != started.ID || len(sealed.Events) != 1 {
		t.Fatalf("unexpected sealed recording: %+v", sealed.Metadata)
	}

	rr = doJSON(t, srv, http.MethodGet, "/api/v1/recordings", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status %d", rr.Code)
	}
	var list struct {
		Items []recordingSummary `json:"items"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Metadata.EventCount != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}

	rr = doJSON(t, srv, http.MethodGet, "/api/v1/recordings/"+started.ID, nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status %d", rr.Code)
	}

	rr = doJSON(t, srv, http.MethodDelete, "/api/v1/recordings/"+started.ID, nil, true)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rr.Code)
	}
	if rr := doJSON(t, srv, http.MethodGet, "/api/v1/recordings/"+started.ID, nil, true); rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status %d, want 404", rr.Code)
	}
}

func TestReplayEndpoints(t *testing.T) {
	store, err := recorder.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	saved := types.Recording{
		ID:        "rec-1",
		Name:      "raid",
		StartedAt: base,
		EndedAt:   base.Add(time.Minute),
		Events:    []types.Event{{ID: "ev-1", Type: types.EventChatMessage, SourceID: "realm-1", Timestamp: base}},
	}
	saved.Metadata = types.BuildMetadata(saved.Events)
	if err := store.Save(context.Background(), saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	p := &stubPlayer{}
	srv := newTestServer(t, Dependencies{Recordings: store, Player: p})

	rr := doJSON(t, srv, http.MethodPost, "/api/v1/replays", map[string]any{"recording_id": "missing"}, true)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing recording status %d, want 404", rr.Code)
	}

	rr = doJSON(t, srv, http.MethodPost, "/api/v1/replays", map[string]any{"recording_id": "rec-1", "speed": 2.0}, true)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("replay status %d: %s", rr.Code, rr.Body.String())
	}
	if p.loaded.ID != "rec-1" || p.speed != 2 {
		t.Fatalf("player state: loaded=%q speed=%v", p.loaded.ID, p.speed)
	}
	wantCalls := []string{"load", "speed", "play"}
	if len(p.calls) != len(wantCalls) {
		t.Fatalf("player calls = %v, want %v", p.calls, wantCalls)
	}
	for i, call := range wantCalls {
		if p.calls[i] != call {
			t.Fatalf("player calls = %v, want %v", p.calls, wantCalls)
		}
	}

	rr = doJSON(t, srv, http.MethodPatch, "/api/v1/replays", map[string]any{"action": "pause"}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("pause status %d", rr.Code)
	}
	if p.calls[len(p.calls)-1] != "pause" {
		t.Fatalf("last call = %q, want pause", p.calls[len(p.calls)-1])
	}

	if rr := doJSON(t, srv, http.MethodPatch, "/api/v1/replays", map[string]any{"action": "rewind"}, true); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown action status %d, want 400", rr.Code)
	}

	if rr := doJSON(t, srv, http.MethodGet, "/api/v1/replays", nil, true); rr.Code != http.StatusOK {
		t.Fatalf("status endpoint %d", rr.Code)
	}
}
