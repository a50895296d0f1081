package types

import "time"

// FrameType identifies a message on the client wire protocol.
type FrameType string

const (
	FrameAuth        FrameType = "auth"
	FrameAuthOK      FrameType = "auth_ok"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameEvent       FrameType = "event"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameError       FrameType = "error"
)

// Frame is the envelope carried on every websocket message in both
// directions. Data holds the frame-type specific body.
type Frame struct {
	Type      FrameType      `json:"type"`
	ClientID  string         `json:"client_id,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// AuthRequest is the body of an auth frame sent by a connecting client.
type AuthRequest struct {
	Token string `json:"token"`
}

// SubscribeRequest replaces the client's subscription and filter state.
type SubscribeRequest struct {
	Patterns []string     `json:"patterns"`
	Filters  []FilterSpec `json:"filters,omitempty"`
}

// FilterSpec is one independent predicate set. An event matches the set when
// it satisfies every populated predicate; a client's filters pass when any
// one set matches (or when the client registered none).
type FilterSpec struct {
	EntityName   string  `json:"entity_name,omitempty"`
	CenterX      float64 `json:"center_x,omitempty"`
	CenterY      float64 `json:"center_y,omitempty"`
	Radius       float64 `json:"radius,omitempty"`
	PayloadRegex string  `json:"payload_regex,omitempty"`
}

// Close reasons reported to clients on session teardown.
const (
	CloseAuthTimeout    = "auth_timeout"
	CloseAuthInvalid    = "auth_invalid"
	CloseHeartbeatLost  = "heartbeat_timeout"
	CloseWriteFailed    = "write_failed"
	CloseServerShutdown = "server_shutdown"
)
