package parser

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gamepulsehq/relay/pkg/types"
)

// ParseChatLog reads chat log lines of the form "[Channel] Speaker: message"
// and coalesces them into one chat.message event per channel per poll cycle.
// Lines that do not match the shape are skipped.
func ParseChatLog(sourceID, raw string, now time.Time) []types.Event {
	buckets := make(map[string][]string)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '[' {
			continue
		}
		end := strings.IndexByte(line, ']')
		if end < 1 {
			continue
		}
		channel := line[1:end]
		rest := strings.TrimSpace(line[end+1:])
		if channel == "" || !strings.Contains(rest, ":") {
			continue
		}
		buckets[channel] = append(buckets[channel], rest)
	}

	if len(buckets) == 0 {
		return nil
	}

	channels := make([]string, 0, len(buckets))
	for channel := range buckets {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	events := make([]types.Event, 0, len(channels))
	for _, channel := range channels {
		lines := buckets[channel]
		events = append(events, types.Event{
			ID:        uuid.NewString(),
			Type:      types.EventChatMessage,
			SourceID:  sourceID,
			Timestamp: now,
			Priority:  types.PriorityFor(types.EventChatMessage),
			Payload: map[string]any{
				"channel": channel,
				"lines":   lines,
				"count":   len(lines),
			},
		})
	}
	return events
}
