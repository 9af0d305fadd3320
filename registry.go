package diagterm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// sessionReadTimeout lets the reader loop notice a closed session even on
// platforms where closing the port does not unblock a pending Read.
const sessionReadTimeout = 250 * time.Millisecond

// DesiredState is what the operator last asked for on a path. It outlives
// the session so a disconnected port can be reopened at the same rate.
type DesiredState struct {
	Path     string `json:"path"`
	BaudRate int    `json:"baud_rate"`
	WantOpen bool   `json:"want_open"`
}

// OpenResult reports the session Open returned. AlreadyOpen is set when a
// session on the path existed and was returned unchanged.
type OpenResult struct {
	AlreadyOpen bool        `json:"already_open"`
	Session     SessionInfo `json:"session"`
}

// Registry owns at most one Session per port path and the desired state of
// every path the operator has touched. All mutations of the session table
// go through it.
type Registry struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics
	events  *eventBus
	sleep   sleeper
	monitor *Monitor

	mu       sync.Mutex
	sessions map[string]*Session
	desired  map[string]*DesiredState
	pending  map[string]bool          // reconnects in flight
	opening  map[string]chan struct{} // OS opens in flight, closed when done

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// NewRegistry validates cfg and returns an empty registry. The monitor is
// created stopped and starts with the first session.
func NewRegistry(cfg Config, logger zerolog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:      cfg,
		logger:   logger.With().Str("component", "registry").Logger(),
		metrics:  &Metrics{},
		events:   newEventBus(),
		sleep:    sleepCtx,
		sessions: make(map[string]*Session),
		desired:  make(map[string]*DesiredState),
		pending:  make(map[string]bool),
		opening:  make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.monitor = newMonitor(r, cfg.MonitorInterval, logger)
	return r, nil
}

// Config returns the configuration the registry was built with.
func (r *Registry) Config() Config { return r.cfg }

// Metrics returns the live counters.
func (r *Registry) Metrics() *Metrics { return r.metrics }

// MetricsSnapshot is shorthand for Metrics().Snapshot().
func (r *Registry) MetricsSnapshot() MetricsSnapshot { return r.metrics.Snapshot() }

// Monitor returns the disconnection monitor bound to this registry.
func (r *Registry) Monitor() *Monitor { return r.monitor }

// StartMonitor starts the disconnection monitor before any port is open, so
// wanted ports restored from elsewhere are watched too.
func (r *Registry) StartMonitor() { r.monitor.Start() }

// Subscribe registers fn for every event the registry and the flash workflow
// emit. fn runs on the emitting goroutine and must not block. The returned
// func unsubscribes.
func (r *Registry) Subscribe(fn func(Event)) func() {
	return r.events.subscribe(fn)
}

// Open opens path at baud and records the desired state as open. If a
// session already exists it is returned with AlreadyOpen set and nothing
// else happens.
func (r *Registry) Open(ctx context.Context, path string, baud int) (OpenResult, error) {
	if r.shutdown.Load() {
		return OpenResult{}, ErrRegistryShutdown
	}
	if err := validatePortName(path); err != nil {
		return OpenResult{}, err
	}
	if err := ValidateBaudRate(baud); err != nil {
		return OpenResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return OpenResult{}, err
	}

	r.mu.Lock()
	for {
		if r.shutdown.Load() {
			r.mu.Unlock()
			return OpenResult{}, ErrRegistryShutdown
		}
		if s, ok := r.sessions[path]; ok {
			r.mu.Unlock()
			return OpenResult{AlreadyOpen: true, Session: s.Info()}, nil
		}
		busy, ok := r.opening[path]
		if !ok {
			break
		}
		r.mu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return OpenResult{}, ctx.Err()
		}
		r.mu.Lock()
	}
	done := r.beginOpenLocked(path)
	r.mu.Unlock()

	h, err := r.openHandle(path, baud)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer done()
	if err != nil {
		r.logger.Warn().Err(err).Str("path", path).Int("baud", baud).Msg("open failed")
		return OpenResult{}, &PortError{Path: path, Kind: ErrPortUnavailable, Err: err}
	}
	if r.shutdown.Load() {
		return OpenResult{}, closeOnError(h, ErrRegistryShutdown)
	}
	if s, ok := r.sessions[path]; ok {
		// a reconnect or post-flash reopen got there first
		_ = closeOnError(h, nil)
		return OpenResult{AlreadyOpen: true, Session: s.Info()}, nil
	}
	s := r.adoptLocked(path, baud, h)
	r.logger.Info().Str("path", path).Int("baud", baud).Msg("port opened")
	return OpenResult{Session: s.Info()}, nil
}

// Close closes the session on path and records the desired state as closed,
// so the monitor will not reopen it.
func (r *Registry) Close(path string) error {
	_, err := r.release(path)
	return err
}

// release is Close that also returns the rate the session was running at.
func (r *Registry) release(path string) (int, error) {
	r.mu.Lock()
	s, ok := r.sessions[path]
	if !ok {
		r.mu.Unlock()
		return 0, notOpen(path)
	}
	delete(r.sessions, path)
	r.desiredLocked(path, s.BaudRate()).WantOpen = false
	r.metrics.ActiveSessions.Dec()
	r.mu.Unlock()

	err := s.Close()
	r.metrics.Closes.Inc()
	r.logger.Info().Str("path", path).Msg("port closed")
	r.events.publish(Event{Kind: EventPortClosed, Path: path})
	if err != nil {
		return s.BaudRate(), fmt.Errorf("closing %s: %w", path, err)
	}
	return s.BaudRate(), nil
}

// Write sends data on the session for path. A failure that looks like the
// device went away tears the session down, emits port-disconnected and
// leaves the desired state open so the monitor can bring it back.
func (r *Registry) Write(ctx context.Context, path string, data []byte) error {
	s := r.session(path)
	if s == nil {
		return notOpen(path)
	}
	if !s.Alive() {
		r.forceClose(path, s, "handle no longer open")
		return notOpen(path)
	}
	if len(data) == 0 {
		return nil
	}

	r.metrics.Writes.Inc()
	n, err := s.Write(ctx, data)
	r.metrics.BytesWritten.Add(int64(n))
	if err != nil {
		r.metrics.WriteErrors.Inc()
		r.metrics.recordFailure()
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		r.logger.Warn().Err(err).Str("path", path).Msg("write failed")
		r.events.publish(Event{Kind: EventPortError, Path: path, Message: err.Error()})
		if IsDisconnectError(err) {
			r.forceClose(path, s, "write failed: "+err.Error())
			return &PortError{Path: path, Kind: ErrPortUnavailable, Err: err}
		}
		return fmt.Errorf("writing to %s: %w", path, err)
	}
	r.metrics.recordSuccess()

	echo := make([]byte, n)
	copy(echo, data[:n])
	r.events.publish(Event{Kind: EventPortData, Path: path, Direction: DirectionTX, Data: echo})
	return nil
}

// ResetLines pulses DTR and RTS low for ResetPulse and then high, which
// resets most boards without entering a bootloader.
func (r *Registry) ResetLines(ctx context.Context, path string) error {
	s := r.session(path)
	if s == nil {
		return notOpen(path)
	}
	if err := s.SetControlLines(false, false); err != nil {
		return &PortError{Path: path, Kind: ErrControlLine, Err: err}
	}
	if err := r.sleep(ctx, r.cfg.ResetPulse); err != nil {
		return err
	}
	if err := s.SetControlLines(true, true); err != nil {
		return &PortError{Path: path, Kind: ErrControlLine, Err: err}
	}
	r.logger.Debug().Str("path", path).Msg("control lines reset")
	return nil
}

// Enumerate lists the ports currently present, USB first. As a side effect
// every path that is wanted open, has no session and is present again gets
// a reconnect scheduled.
func (r *Registry) Enumerate(ctx context.Context) ([]PortInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := listPorts()
	if err != nil {
		r.metrics.EnumerationErrors.Inc()
		return nil, fmt.Errorf("listing ports: %w", err)
	}
	r.scheduleReconnects(ports)
	return ports, nil
}

// IsOpen reports whether path has a session.
func (r *Registry) IsOpen(path string) bool {
	return r.session(path) != nil
}

// Sessions lists the open sessions ordered by path.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Desired returns a copy of the desired state recorded for path.
func (r *Registry) Desired(path string) (DesiredState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.desired[path]
	if !ok {
		return DesiredState{}, false
	}
	return *d, true
}

// Forget drops everything known about path, closing its session if any.
func (r *Registry) Forget(path string) error {
	r.mu.Lock()
	_, open := r.sessions[path]
	r.mu.Unlock()

	var err error
	if open {
		_, err = r.release(path)
	}

	r.mu.Lock()
	delete(r.desired, path)
	r.mu.Unlock()
	return err
}

// Shutdown stops the monitor, waits for pending reconnects and closes every
// session. The registry cannot be used afterwards.
func (r *Registry) Shutdown() error {
	if !r.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.metrics.ActiveSessions.Store(0)
	r.mu.Unlock()

	// no session can be adopted past this point, so the monitor stays down
	r.monitor.Stop()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", s.Path(), err))
		}
	}
	r.wg.Wait()
	r.events.clear()
	r.logger.Info().Int("sessions", len(sessions)).Msg("registry shut down")
	return errors.Join(errs...)
}

// forceClose tears down s after the device went away. Only the session that
// observed the failure is removed: if the path already holds a different
// session, or none, nothing happens. The desired state stays open.
func (r *Registry) forceClose(path string, s *Session, reason string) bool {
	r.mu.Lock()
	cur, ok := r.sessions[path]
	if !ok || (s != nil && cur != s) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, path)
	r.desiredLocked(path, cur.BaudRate()).WantOpen = true
	r.metrics.ActiveSessions.Dec()
	r.mu.Unlock()

	if err := cur.Close(); err != nil {
		r.logger.Debug().Err(err).Str("path", path).Msg("closing lost session")
	}
	r.metrics.Disconnections.Inc()
	r.metrics.LastDisconnectTime.Store(time.Now().Unix())
	r.logger.Warn().Str("path", path).Str("reason", reason).Msg("port disconnected")
	r.events.publish(Event{Kind: EventPortDisconnected, Path: path, Message: reason})
	return true
}

// scheduleReconnects starts at most one reconnect per path that is wanted
// open, has no session and shows up in ports.
func (r *Registry) scheduleReconnects(ports []PortInfo) {
	present := portSet(ports)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown.Load() {
		return
	}
	for path, d := range r.desired {
		if !d.WantOpen || r.sessions[path] != nil || r.pending[path] || r.opening[path] != nil || !present[path] {
			continue
		}
		r.pending[path] = true
		r.wg.Add(1)
		go r.reconnect(path)
	}
}

// reconnect waits ReconnectSettle for the device to finish enumerating and
// reopens it at the last desired rate. A failure is logged and left for the
// next enumeration to retry.
func (r *Registry) reconnect(path string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.pending, path)
		r.mu.Unlock()
	}()

	if err := r.sleep(r.ctx, r.cfg.ReconnectSettle); err != nil {
		return
	}

	r.mu.Lock()
	d := r.desired[path]
	if r.shutdown.Load() || d == nil || !d.WantOpen || r.sessions[path] != nil || r.opening[path] != nil {
		r.mu.Unlock()
		return
	}
	baud := d.BaudRate
	done := r.beginOpenLocked(path)
	r.mu.Unlock()

	h, err := r.openHandle(path, baud)
	if err != nil {
		r.mu.Lock()
		done()
		r.mu.Unlock()
		r.metrics.ReconnectFailures.Inc()
		r.logger.Warn().Err(err).Str("path", path).Msg("reconnect failed, retrying on next pass")
		return
	}

	r.mu.Lock()
	done()
	d = r.desired[path]
	if r.shutdown.Load() || d == nil || !d.WantOpen || r.sessions[path] != nil {
		// closed, forgotten or reopened while the handle was opening
		r.mu.Unlock()
		_ = closeOnError(h, nil)
		return
	}
	r.adoptLocked(path, baud, h)
	r.mu.Unlock()

	r.metrics.Reconnects.Inc()
	r.logger.Info().Str("path", path).Int("baud", baud).Msg("port reconnected")
	r.events.publish(Event{Kind: EventPortReconnected, Path: path})
}

// reopen opens path after a flash, replays the settle pulse and adopts the
// handle as the path's session. An existing session wins; the fresh handle
// is then closed.
func (r *Registry) reopen(ctx context.Context, path string, baud int) error {
	if r.shutdown.Load() {
		return ErrRegistryShutdown
	}
	r.metrics.OpenAttempts.Inc()
	h, err := openPort(path, newMode(baud))
	if err != nil {
		r.metrics.OpenFailures.Inc()
		r.metrics.recordFailure()
		return err
	}
	if err := applySteps(ctx, h, SettleSequence(), r.sleep); err != nil {
		return closeOnError(h, err)
	}
	if err := h.SetReadTimeout(sessionReadTimeout); err != nil {
		return closeOnError(h, err)
	}

	r.mu.Lock()
	if r.shutdown.Load() {
		r.mu.Unlock()
		return closeOnError(h, ErrRegistryShutdown)
	}
	if _, ok := r.sessions[path]; ok {
		r.mu.Unlock()
		return closeOnError(h, nil)
	}
	r.adoptLocked(path, baud, h)
	r.mu.Unlock()

	r.logger.Info().Str("path", path).Int("baud", baud).Msg("port reopened")
	r.events.publish(Event{Kind: EventPortOpened, Path: path})
	return nil
}
