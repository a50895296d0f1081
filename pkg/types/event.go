package types

import "time"

// Priority orders events into queue lanes. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Lanes enumerates all priorities from most to least urgent, the order the
// queue drains them in.
var Lanes = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Event is the canonical record of a single observed occurrence on a
// monitored game server. Immutable once created.
type Event struct {
	ID        string         `json:"id" yaml:"id"`
	Type      string         `json:"type" yaml:"type"`
	SourceID  string         `json:"source_id" yaml:"source_id"`
	Timestamp time.Time      `json:"ts" yaml:"ts"`
	Priority  Priority       `json:"priority" yaml:"priority"`
	Replayed  bool           `json:"replayed,omitempty" yaml:"replayed,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Well-known event types emitted by the bundled parsers and by the pipeline
// itself. The taxonomy is dot-namespaced; clients may subscribe to exact
// types or to a namespace prefix ("combat.*").
const (
	EventPlayerLogin  = "player.login"
	EventPlayerLogout = "player.logout"
	EventChatMessage  = "chat.message"
	EventCombatDamage = "combat.damage"
	EventCombatKill   = "combat.kill"
	EventServerStatus = "server.status"
	EventServerCrash  = "server.crash"

	EventSourceDegraded  = "pipeline.source_degraded"
	EventSourceRecovered = "pipeline.source_recovered"
	EventQueueOverflow   = "pipeline.queue_overflow"
	EventStorageFailure  = "pipeline.storage_failure"
)

// priorityTable maps exact event types to lanes. Types absent from the table
// fall back to their namespace default, then to PriorityNormal.
var priorityTable = map[string]Priority{
	EventServerCrash:     PriorityCritical,
	EventStorageFailure:  PriorityCritical,
	EventPlayerLogin:     PriorityHigh,
	EventPlayerLogout:    PriorityHigh,
	EventCombatKill:      PriorityHigh,
	EventSourceDegraded:  PriorityHigh,
	EventSourceRecovered: PriorityHigh,
	EventChatMessage:     PriorityNormal,
	EventCombatDamage:    PriorityNormal,
	EventQueueOverflow:   PriorityNormal,
	EventServerStatus:    PriorityLow,
}

var namespaceDefaults = map[string]Priority{
	"server":   PriorityHigh,
	"player":   PriorityHigh,
	"combat":   PriorityNormal,
	"chat":     PriorityNormal,
	"pipeline": PriorityNormal,
}

// PriorityFor derives the queue lane for an event type. It is a pure
// function of the type string, so replayed events land in the same lane as
// their live originals.
func PriorityFor(eventType string) Priority {
	if p, ok := priorityTable[eventType]; ok {
		return p
	}
	for i := 0; i < len(eventType); i++ {
		if eventType[i] == '.' {
			if p, ok := namespaceDefaults[eventType[:i]]; ok {
				return p
			}
			break
		}
	}
	return PriorityNormal
}
