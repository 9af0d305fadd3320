package diagterm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Monitor periodically compares the open sessions with the ports that are
// physically present. A session whose port vanished, or whose handle died,
// is force-closed; a wanted port that came back is reconnected.
type Monitor struct {
	reg      *Registry
	interval time.Duration
	logger   zerolog.Logger

	running atomic.Bool
	mu      sync.Mutex // guards stopCh and doneCh
	stopCh  chan struct{}
	doneCh  chan struct{}

	passMu sync.Mutex // one pass at a time, ticker or Tick
}

func newMonitor(reg *Registry, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		reg:      reg,
		interval: interval,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Start runs passes every interval until Stop. Calling Start on a running
// monitor does nothing.
func (m *Monitor) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return // Already running
	}
	m.mu.Lock()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := m.Tick(m.reg.ctx); err != nil {
					m.logger.Debug().Err(err).Msg("monitor pass failed")
				}
			}
		}
	}()
	m.logger.Debug().Dur("interval", m.interval).Msg("monitor started")
}

// Stop halts the ticker and waits for an in-progress pass to finish.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()
	close(stopCh)
	<-doneCh
	m.logger.Debug().Msg("monitor stopped")
}

// Running reports whether the ticker is active.
func (m *Monitor) Running() bool { return m.running.Load() }

// Tick runs one pass now. Passes are skipped while nothing is open and
// nothing is waiting to be reconnected. An enumeration failure aborts the
// pass without touching any session.
func (m *Monitor) Tick(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	sessions, needed := m.reg.snapshot()
	if !needed {
		return nil
	}
	m.reg.metrics.MonitorPasses.Inc()

	ports, err := listPorts()
	if err != nil {
		m.reg.metrics.EnumerationErrors.Inc()
		m.logger.Warn().Err(err).Msg("enumeration failed, skipping pass")
		return err
	}
	present := portSet(ports)

	for path, s := range sessions {
		switch {
		case !present[path]:
			m.reg.forceClose(path, s, "port no longer present")
		case !s.Alive():
			m.reg.forceClose(path, s, "handle no longer open")
		}
	}

	m.reg.scheduleReconnects(ports)
	return nil
}
