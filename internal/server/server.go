package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/gamepulsehq/relay/internal/bridge"
	"github.com/gamepulsehq/relay/internal/player"
	"github.com/gamepulsehq/relay/internal/queue"
	"github.com/gamepulsehq/relay/internal/recorder"
	"github.com/gamepulsehq/relay/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	AdminBearerToken string
}

// WSHandler serves the websocket upgrade. The broadcast hub satisfies it.
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// DeadLetterSource exposes the queue's dead-letter store for inspection.
type DeadLetterSource interface {
	DeadLetters() []queue.DeadLetter
}

// ReadyChecker evaluates process readiness.
type ReadyChecker interface {
	Ready(now time.Time) (bool, []string)
}

// Recorder is the recording control surface.
type Recorder interface {
	Start(name string) (string, error)
	Stop(ctx context.Context) (types.Recording, error)
	Active() (id string, events int, ok bool)
}

// Player is the replay control surface.
type Player interface {
	Load(rec types.Recording) error
	Play() error
	Pause() error
	Seek(offset time.Duration) error
	SetSpeed(multiplier float64) error
	Status() player.Status
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger     zerolog.Logger
	Hub        WSHandler
	Queue      DeadLetterSource
	Sources    func() []bridge.Status
	Checker    ReadyChecker
	Metrics    http.Handler
	Recorder   Recorder
	Recordings recorder.Store
	Player     Player
	Now        func() time.Time
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

// New constructs the relay's HTTP surface: the websocket endpoint, probes,
// metrics, and the admin API.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := mux.NewRouter()
	if deps.Hub != nil {
		r.HandleFunc("/ws", deps.Hub.HandleWS).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", readyHandler(deps)).Methods(http.MethodGet)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/v1/deadletters", deadLettersHandler(cfg, deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sources", sourcesHandler(cfg, deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/recordings", startRecordingHandler(cfg, deps)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/recordings", listRecordingsHandler(cfg, deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/recordings/current", stopRecordingHandler(cfg, deps)).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/recordings/{id}", getRecordingHandler(cfg, deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/recordings/{id}", deleteRecordingHandler(cfg, deps)).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/replays", startReplayHandler(cfg, deps)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/replays", replayStatusHandler(cfg, deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/replays", controlReplayHandler(cfg, deps)).Methods(http.MethodPatch)

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ready := true
		var reasons []string
		if deps.Checker != nil {
			ready, reasons = deps.Checker.Ready(deps.Now())
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Ready   bool     `json:"ready"`
			Reasons []string `json:"reasons,omitempty"`
		}{Ready: ready, Reasons: reasons})
	}
}

func deadLettersHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var items []queue.DeadLetter
		if deps.Queue != nil {
			items = deps.Queue.DeadLetters()
		}
		writeJSON(w, deps, struct {
			Items []queue.DeadLetter `json:"items"`
		}{Items: items})
	}
}

func sourcesHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var items []bridge.Status
		if deps.Sources != nil {
			items = deps.Sources()
		}
		writeJSON(w, deps, struct {
			Items []bridge.Status `json:"items"`
		}{Items: items})
	}
}

func startRecordingHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if deps.Recorder == nil {
			http.Error(w, "recording disabled", http.StatusNotImplemented)
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		id, err := deps.Recorder.Start(req.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			ID string `json:"id"`
		}{ID: id})
	}
}

func stopRecordingHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if deps.Recorder == nil {
			http.Error(w, "recording disabled", http.StatusNotImplemented)
			return
		}
		sealed, err := deps.Recorder.Stop(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, deps, sealed)
	}
}

// recordingSummary is the listing shape: everything but the event array.
type recordingSummary struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	StartedAt time.Time               `json:"started_at"`
	EndedAt   time.Time               `json:"ended_at"`
	Metadata  types.RecordingMetadata `json:"metadata"`
}

func listRecordingsHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if deps.Recordings == nil {
			http.Error(w, "recording disabled", http.StatusNotImplemented)
			return
		}
		recs, err := deps.Recordings.List(r.Context())
		if err != nil {
			deps.Logger.Error().Err(err).Msg("list recordings")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		items := make([]recordingSummary, 0, len(recs))
		for _, rec := range recs {
			items = append(items, recordingSummary{
				ID:        rec.ID,
				Name:      rec.Name,
				StartedAt: rec.StartedAt,
				EndedAt:   rec.EndedAt,
				Metadata:  rec.Metadata,
			})
		}
		writeJSON(w, deps, struct {
			Items []recordingSummary `json:"items"`
		}{Items: items})
	}
}

func getRecordingHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if deps.Recordings == nil {
			http.Error(w, "recording disabled", http.StatusNotImplemented)
			return
		}
		rec, err := deps.Recordings.Load(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			if errors.Is(err, recorder.ErrRecordingNotFound) {
				http.Error(w, "recording not found", http.StatusNotFound)
			} else {
				deps.Logger.Error().Err(err).Msg("load recording")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}
		writeJSON(w, deps, rec)
	}
}

func deleteRecordingHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if deps.Recordings == nil {
			http.Error(w, "recording disabled", http.StatusNotImplemented)
			return
		}
		if err := deps.Recordings.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
			if errors.Is(err, recorder.ErrRecordingNotFound) {
				http.Error(w, "recording not found", http.StatusNotFound)
			} else {
				deps.Logger.Error().Err(err).Msg("delete recording")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func startReplayHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if deps.Player == nil || deps.Recordings == nil {
			http.Error(w, "replay disabled", http.StatusNotImplemented)
			return
		}
		var req struct {
			RecordingID string  `json:"recording_id"`
			Speed       float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.RecordingID == "" {
			http.Error(w, "recording_id is required", http.StatusBadRequest)
			return
		}

		rec, err := deps.Recordings.Load(r.Context(), req.RecordingID)
		if err != nil {
			if errors.Is(err, recorder.ErrRecordingNotFound) {
				http.Error(w, "recording not found", http.StatusNotFound)
			} else {
				deps.Logger.Error().Err(err).Msg("load recording for replay")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}
		if err := deps.Player.Load(rec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Speed > 0 {
			if err := deps.Player.SetSpeed(req.Speed); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if err := deps.Player.Play(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(deps.Player.Status())
	}
}

func replayStatusHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if deps.Player == nil {
			http.Error(w, "replay disabled", http.StatusNotImplemented)
			return
		}
		writeJSON(w, deps, deps.Player.Status())
	}
}

func controlReplayHandler(cfg Config, deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if deps.Player == nil {
			http.Error(w, "replay disabled", http.StatusNotImplemented)
			return
		}
		var req struct {
			Action   string  `json:"action"`
			OffsetMS int64   `json:"offset_ms"`
			Speed    float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		var err error
		switch req.Action {
		case "play":
			err = deps.Player.Play()
		case "pause":
			err = deps.Player.Pause()
		case "seek":
			err = deps.Player.Seek(time.Duration(req.OffsetMS) * time.Millisecond)
		case "speed":
			err = deps.Player.SetSpeed(req.Speed)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, deps, deps.Player.Status())
	}
}

func writeJSON(w http.ResponseWriter, deps Dependencies, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		deps.Logger.Error().Err(err).Msg("encode response")
	}
}

func authorizeAdmin(r *http.Request, token string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(value, prefix)) == token
}
