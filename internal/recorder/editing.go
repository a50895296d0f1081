package recorder

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gamepulsehq/relay/pkg/types"
)

// Merge combines sealed recordings into a new one with events in
// chronological order. Events sharing an ID are kept once, so merging a
// recording with itself returns its own event stream. Inputs are not
// modified.
func Merge(name string, recs ...types.Recording) types.Recording {
	var events []types.Event
	seen := make(map[string]struct{})
	for _, rec := range recs {
		for _, ev := range rec.Events {
			if ev.ID != "" {
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
			}
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	out := types.Recording{
		ID:       uuid.NewString(),
		Name:     name,
		Events:   events,
		Metadata: types.BuildMetadata(events),
	}
	if len(events) > 0 {
		out.StartedAt = events[0].Timestamp
		out.EndedAt = events[len(events)-1].Timestamp
	}
	return out
}

// Slice extracts the events with timestamps in [from, to) into a new
// recording. The input is not modified.
func Slice(name string, rec types.Recording, from, to time.Time) types.Recording {
	var events []types.Event
	for _, ev := range rec.Events {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		events = append(events, ev)
	}

	out := types.Recording{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: from,
		EndedAt:   to,
		Events:    events,
		Metadata:  types.BuildMetadata(events),
	}
	return out
}
