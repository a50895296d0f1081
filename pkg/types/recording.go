package types

import "time"

// RecordingMetadata summarises a sealed recording.
type RecordingMetadata struct {
	EventCount int            `json:"event_count"`
	TypeCounts map[string]int `json:"type_counts,omitempty"`
	Sources    []string       `json:"sources,omitempty"`
}

// Recording is an ordered capture of the broadcast stream. While a recording
// is being taken it is owned by the recorder; once sealed it is immutable and
// every edit operation produces a new Recording.
type Recording struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Events    []Event           `json:"events"`
	Metadata  RecordingMetadata `json:"metadata"`
}

// BuildMetadata computes the metadata block from the event list. Sources are
// reported in first-seen order.
func BuildMetadata(events []Event) RecordingMetadata {
	meta := RecordingMetadata{
		EventCount: len(events),
		TypeCounts: make(map[string]int, 8),
	}
	seen := make(map[string]struct{}, 4)
	for _, ev := range events {
		meta.TypeCounts[ev.Type]++
		if _, ok := seen[ev.SourceID]; !ok {
			seen[ev.SourceID] = struct{}{}
			meta.Sources = append(meta.Sources, ev.SourceID)
		}
	}
	return meta
}
