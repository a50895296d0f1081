package broadcast

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gamepulsehq/relay/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the session until it closes. A
// client that does not authenticate within the grace period is dropped.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s := newSession(uuid.NewString(), conn, h.cfg.OutboundBuffer, h.newLimiter(), h.deps.Logger, h.deps.Now)
	s.setState(StateAuthenticating)
	h.addSession(s)

	grace := time.AfterFunc(h.cfg.AuthGrace, func() {
		if s.State() != StateActive {
			h.removeSession(s, types.CloseAuthTimeout)
		}
	})
	defer grace.Stop()

	go func() {
		if err := s.writePump(r.Context()); err != nil {
			h.removeSession(s, types.CloseWriteFailed)
		}
	}()

	h.readPump(conn, s)
	h.removeSession(s, "")
}

func (h *Hub) readPump(conn *websocket.Conn, s *Session) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(s, "malformed frame")
			continue
		}

		switch frame.Type {
		case types.FrameAuth:
			if done := h.handleAuth(s, frame); done {
				return
			}
		case types.FrameSubscribe:
			h.handleSubscribe(s, frame)
		case types.FrameUnsubscribe:
			s.clearSubscriptions()
		case types.FramePong:
			s.markPong()
		default:
			h.sendError(s, "unsupported frame type")
		}
	}
}

// handleAuth verifies the client token. A failed verification closes the
// session; its true return tells the read pump to stop.
func (h *Hub) handleAuth(s *Session, frame types.Frame) bool {
	var req types.AuthRequest
	if err := decodeBody(frame.Data, &req); err != nil {
		h.sendError(s, "malformed auth frame")
		return false
	}

	subject, err := h.verifier.Verify(req.Token)
	if err != nil {
		s.logger.Info().Msg("rejected auth token")
		h.removeSession(s, types.CloseAuthInvalid)
		return true
	}

	s.activate(subject)
	s.logger.Info().Str("subject", subject).Msg("session authenticated")
	_ = s.sendFrame(types.Frame{
		Type:      types.FrameAuthOK,
		ClientID:  s.ID,
		Timestamp: h.deps.Now().UTC(),
	})
	return false
}

func (h *Hub) handleSubscribe(s *Session, frame types.Frame) {
	if s.State() != StateActive {
		h.sendError(s, "not authenticated")
		return
	}
	var req types.SubscribeRequest
	if err := decodeBody(frame.Data, &req); err != nil {
		h.sendError(s, "malformed subscribe frame")
		return
	}
	if err := s.updateSubscriptions(req.Patterns, req.Filters); err != nil {
		h.sendError(s, err.Error())
		return
	}
}

func (h *Hub) sendError(s *Session, msg string) {
	_ = s.sendFrame(types.Frame{
		Type:      types.FrameError,
		ClientID:  s.ID,
		Timestamp: h.deps.Now().UTC(),
		Data:      map[string]any{"message": msg},
	})
}

// decodeBody round-trips a frame body into a typed request.
func decodeBody(body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
