package diagterm

import (
	"errors"
)

// closeOnError closes h and joins any error from closing with err.
func closeOnError(h portHandle, err error) error {
	if e := h.Close(); e != nil {
		err = errors.Join(err, e)
	}
	return err
}

// openHandle opens the OS handle for path with the session read timeout set.
// It does not touch the session table, so callers must not hold the mutex.
func (r *Registry) openHandle(path string, baud int) (portHandle, error) {
	r.metrics.OpenAttempts.Inc()
	h, err := openPort(path, newMode(baud))
	if err == nil {
		if err = h.SetReadTimeout(sessionReadTimeout); err != nil {
			err = closeOnError(h, err)
		}
	}
	if err != nil {
		r.metrics.OpenFailures.Inc()
		r.metrics.recordFailure()
		return nil, err
	}
	return h, nil
}

// beginOpenLocked marks path as being opened. The returned func clears the
// mark and wakes anyone waiting on it; it must be called with the mutex held.
// This method assumes the mutex is already held by the caller
func (r *Registry) beginOpenLocked(path string) func() {
	done := make(chan struct{})
	r.opening[path] = done
	return func() {
		delete(r.opening, path)
		close(done)
	}
}

// adoptLocked wraps an open handle in a session, records the path as wanted
// open at baud and starts the reader. The monitor is started with the first
// session and runs until Shutdown.
// This method assumes the mutex is already held by the caller
func (r *Registry) adoptLocked(path string, baud int, h portHandle) *Session {
	s := newSession(path, baud, h, r.metrics, nil, nil)
	s.onLine = func(line []byte) {
		r.events.publish(Event{Kind: EventPortData, Path: path, Direction: DirectionRX, Data: line})
	}
	s.onError = func(err error) {
		r.handleSessionError(path, s, err)
	}

	r.sessions[path] = s
	d := r.desiredLocked(path, baud)
	d.BaudRate = baud
	d.WantOpen = true

	r.metrics.SuccessfulOpens.Inc()
	r.metrics.ActiveSessions.Inc()
	r.metrics.recordSuccess()

	s.start()
	r.monitor.Start()
	return s
}

// desiredLocked returns the desired state for path, creating it at baud.
// This method assumes the mutex is already held by the caller
func (r *Registry) desiredLocked(path string, baud int) *DesiredState {
	d, ok := r.desired[path]
	if !ok {
		d = &DesiredState{Path: path, BaudRate: baud}
		r.desired[path] = d
	}
	return d
}

// handleSessionError runs on the reader goroutine of s when it stops.
func (r *Registry) handleSessionError(path string, s *Session, err error) {
	r.logger.Warn().Err(err).Str("path", path).Msg("session read failed")
	r.events.publish(Event{Kind: EventPortError, Path: path, Message: err.Error()})
	if IsDisconnectError(err) {
		r.forceClose(path, s, "read failed: "+err.Error())
	}
}

func (r *Registry) session(path string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[path]
}

// snapshot copies the session table for the monitor and reports whether a
// pass is worth running: something is open, or something wanted open is
// waiting to come back.
func (r *Registry) snapshot() (map[string]*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Session, len(r.sessions))
	for p, s := range r.sessions {
		out[p] = s
	}
	needed := len(out) > 0
	for p, d := range r.desired {
		if d.WantOpen && r.sessions[p] == nil {
			needed = true
		}
	}
	return out, needed
}
