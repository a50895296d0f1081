package bridge

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ChannelFactory builds the admin channel for one source.
type ChannelFactory func(src Source) (Channel, error)

// Manager owns one poller per configured source. It is constructed once at
// startup and passed to whatever needs source status; there is no package
// global.
type Manager struct {
	pollers map[string]*Poller
}

// NewManager constructs the poller set. The shared dependencies are cloned
// per source with that source's channel installed.
func NewManager(sources []Source, factory ChannelFactory, deps Dependencies) (*Manager, error) {
	m := &Manager{pollers: make(map[string]*Poller, len(sources))}
	for _, src := range sources {
		if src.ID == "" {
			return nil, fmt.Errorf("source with empty id")
		}
		if _, dup := m.pollers[src.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", src.ID)
		}
		channel, err := factory(src)
		if err != nil {
			return nil, fmt.Errorf("build channel for source %q: %w", src.ID, err)
		}
		srcDeps := deps
		srcDeps.Channel = channel
		m.pollers[src.ID] = NewPoller(src, srcDeps)
	}
	return m, nil
}

// Run starts every poller and blocks until the context is cancelled. Pollers
// are isolated: one returning early never tears the others down, so only the
// context error propagates.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m.pollers {
		poller := p
		g.Go(func() error {
			return poller.Run(ctx)
		})
	}
	return g.Wait()
}

// Statuses reports every source's condition, ordered by source id.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.pollers))
	for _, p := range m.pollers {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
