package broadcast

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/gamepulsehq/relay/pkg/types"
)

// MatchPattern reports whether an event type matches a subscription pattern.
// Patterns are exact ("player.login") or prefix wildcards ("combat.*", "*").
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

func matchAnyPattern(patterns []string, eventType string) bool {
	for _, pattern := range patterns {
		if MatchPattern(pattern, eventType) {
			return true
		}
	}
	return false
}

// compiledFilter is one predicate set with its regex pre-compiled at
// subscribe time so the hot broadcast path never compiles.
type compiledFilter struct {
	entityName string
	centerX    float64
	centerY    float64
	radius     float64
	payloadRE  *regexp.Regexp
}

// compileFilters validates and compiles filter specs. A bad regex rejects
// the whole subscribe request.
func compileFilters(specs []types.FilterSpec) ([]compiledFilter, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]compiledFilter, 0, len(specs))
	for i, spec := range specs {
		cf := compiledFilter{
			entityName: spec.EntityName,
			centerX:    spec.CenterX,
			centerY:    spec.CenterY,
			radius:     spec.Radius,
		}
		if spec.PayloadRegex != "" {
			re, err := regexp.Compile(spec.PayloadRegex)
			if err != nil {
				return nil, fmt.Errorf("filter %d: compile payload regex: %w", i, err)
			}
			cf.payloadRE = re
		}
		out = append(out, cf)
	}
	return out, nil
}

// matches applies every populated predicate of the set; all must hold.
func (f compiledFilter) matches(ev types.Event) bool {
	if f.entityName != "" {
		name, _ := ev.Payload["entity_name"].(string)
		if name != f.entityName {
			return false
		}
	}
	if f.radius > 0 {
		x, okX := payloadFloat(ev.Payload["x"])
		y, okY := payloadFloat(ev.Payload["y"])
		if !okX || !okY {
			return false
		}
		dx, dy := x-f.centerX, y-f.centerY
		if math.Sqrt(dx*dx+dy*dy) > f.radius {
			return false
		}
	}
	if f.payloadRE != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil || !f.payloadRE.Match(raw) {
			return false
		}
	}
	return true
}

// matchFilters reports whether the event passes the client's filter state:
// no filters means match-all, otherwise any one set must match.
func matchFilters(filters []compiledFilter, ev types.Event) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.matches(ev) {
			return true
		}
	}
	return false
}

func payloadFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
