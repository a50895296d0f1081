package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/gamepulsehq/relay/internal/bridge"
	"github.com/gamepulsehq/relay/internal/metrics"
	"github.com/gamepulsehq/relay/pkg/types"
)

const defaultSourceStale = time.Minute

// Checker evaluates readiness conditions for the relay process. Liveness is
// unconditional; readiness degrades when the queue is under pressure or when
// sources stop delivering.
type Checker struct {
	metrics      *metrics.Store
	laneCapacity map[types.Priority]int
	staleAfter   time.Duration

	mu      sync.RWMutex
	sources func() []bridge.Status
}

// NewChecker constructs a readiness checker bound to the metrics store.
func NewChecker(store *metrics.Store, laneCapacity map[types.Priority]int, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultSourceStale
	}
	return &Checker{
		metrics:      store,
		laneCapacity: laneCapacity,
		staleAfter:   staleAfter,
	}
}

// SetSourceProvider wires the bridge manager's status view once it exists.
func (c *Checker) SetSourceProvider(fn func() []bridge.Status) {
	c.mu.Lock()
	c.sources = fn
	c.mu.Unlock()
}

// Ready evaluates all readiness conditions and returns the overall status
// plus the reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)

	if c.metrics != nil && len(c.laneCapacity) > 0 {
		snap := c.metrics.Snapshot()
		for _, lane := range types.Lanes {
			laneCap := c.laneCapacity[lane]
			if laneCap <= 0 {
				continue
			}
			if depth := snap.LaneDepth[lane.String()]; depth >= int64(laneCap) {
				reasons = append(reasons, fmt.Sprintf("%s lane at capacity (%d)", lane, depth))
			}
		}
	}

	c.mu.RLock()
	sources := c.sources
	c.mu.RUnlock()

	if sources != nil {
		for _, src := range sources() {
			switch {
			case src.State == bridge.StateDegraded:
				reasons = append(reasons, fmt.Sprintf("source %s degraded: %s", src.SourceID, src.LastError))
			case src.LastSuccess.IsZero():
				reasons = append(reasons, fmt.Sprintf("source %s not yet polled", src.SourceID))
			case now.Sub(src.LastSuccess) > c.staleAfter:
				reasons = append(reasons, fmt.Sprintf("source %s stale (%s)", src.SourceID, now.Sub(src.LastSuccess).Round(time.Second)))
			}
		}
	}

	if len(reasons) > 0 {
		return false, reasons
	}
	return true, nil
}
