package parser

import (
	"fmt"
	"time"

	"github.com/gamepulsehq/relay/pkg/types"
)

// Func turns the raw text returned by one admin command into zero or more
// candidate events. Implementations are pure: all per-source state (roster
// diffing, cycle timing) lives in the bridge.
type Func func(sourceID, raw string, now time.Time) []types.Event

// Registry maps admin command strings to their parser. A command with no
// registered parser is polled but its output is discarded.
type Registry struct {
	parsers map[string]Func
}

// NewRegistry returns a registry preloaded with the built-in parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Func, 4)}
	r.Register("server info", ParseServerInfo)
	r.Register("chatlog tail", ParseChatLog)
	r.Register("combatlog tail", ParseCombatLog)
	return r
}

// Register binds a parser to an admin command, replacing any previous binding.
func (r *Registry) Register(command string, fn Func) {
	r.parsers[command] = fn
}

// Lookup returns the parser for a command, or nil when none is registered.
func (r *Registry) Lookup(command string) Func {
	return r.parsers[command]
}

// requiredPayloadKeys validates event payloads at the parser boundary so
// nothing downstream has to re-check shape.
var requiredPayloadKeys = map[string][]string{
	types.EventChatMessage:  {"channel", "lines", "count"},
	types.EventCombatDamage: {"attacker", "target", "amount"},
	types.EventCombatKill:   {"attacker", "target"},
	types.EventServerStatus: {"players_online"},
	types.EventPlayerLogin:  {"entity_name"},
	types.EventPlayerLogout: {"entity_name"},
}

// ValidatePayload checks that an event carries every key its type requires.
func ValidatePayload(ev types.Event) error {
	keys, ok := requiredPayloadKeys[ev.Type]
	if !ok {
		return nil
	}
	for _, key := range keys {
		if _, present := ev.Payload[key]; !present {
			return fmt.Errorf("event %s missing payload key %q", ev.Type, key)
		}
	}
	return nil
}

// FilterValid drops events that fail payload validation. Malformed output is
// never fatal; the caller counts the discards.
func FilterValid(events []types.Event) (valid []types.Event, discarded int) {
	valid = events[:0]
	for _, ev := range events {
		if err := ValidatePayload(ev); err != nil {
			discarded++
			continue
		}
		valid = append(valid, ev)
	}
	return valid, discarded
}
