package gtfs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const DefaultSweepInterval = 1 * time.Minute

// Manager runs the line pollers and the stale trip sweep on top of
// a shared store.
type Manager struct {
	Store         *Store
	Pollers       []*Poller
	SweepInterval time.Duration
	Logger        zerolog.Logger
	TimeNow       func() time.Time
}

func NewManager(store *Store, pollers ...*Poller) *Manager {
	return &Manager{
		Store:         store,
		Pollers:       pollers,
		SweepInterval: DefaultSweepInterval,
		Logger:        log.Logger,
		TimeNow:       time.Now,
	}
}

// Runs until ctx is cancelled. Each poller gets its own goroutine,
// so a slow or failing line never holds up another.
func (m *Manager) Run(ctx context.Context) {
	var wg conc.WaitGroup

	for _, p := range m.Pollers {
		p := p
		wg.Go(func() { p.Run(ctx) })
	}
	wg.Go(func() { m.sweep(ctx) })

	m.Logger.Info().Int("lines", len(m.Pollers)).Msg("realtime manager started")
	wg.Wait()
	m.Logger.Info().Msg("realtime manager stopped")
}

// Evicts stale trips once per sweep interval. Uses the store's own
// threshold, so lookups and the sweep agree on what's stale.
func (m *Manager) sweep(ctx context.Context) {
	interval := m.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Store.EvictStale(m.now(), m.Store.Threshold())
		}
	}
}

func (m *Manager) now() time.Time {
	if m.TimeNow == nil {
		return time.Now()
	}
	return m.TimeNow()
}
