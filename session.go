package diagterm

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// closeWaitTimeout bounds how long Close waits for the reader goroutine. A
// subscriber that closes the session from inside its own RX callback would
// otherwise wait on itself.
const closeWaitTimeout = 100 * time.Millisecond

// SessionInfo describes an open session.
type SessionInfo struct {
	Path     string    `json:"path"`
	BaudRate int       `json:"baud_rate"`
	OpenedAt time.Time `json:"opened_at"`
}

// Session is the live handle to one open port plus its line reader.
type Session struct {
	path     string
	baud     int
	openedAt time.Time
	port     portHandle
	metrics  *Metrics

	writeMu sync.Mutex

	closed    atomic.Bool
	dead      atomic.Bool
	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}

	onLine  func(line []byte)
	onError func(err error)
}

// newSession wraps an already-open handle. The reader is started by start.
// onLine gets every '\n'-terminated line (delimiter stripped); onError gets
// the terminal read error unless the session was closed on purpose.
func newSession(path string, baud int, port portHandle, metrics *Metrics, onLine func([]byte), onError func(error)) *Session {
	s := &Session{
		path:     path,
		baud:     baud,
		openedAt: time.Now(),
		port:     port,
		metrics:  metrics,
		doneCh:   make(chan struct{}),
		onLine:   onLine,
		onError:  onError,
	}
	return s
}

func (s *Session) start() {
	go s.readerLoop()
}

// Path returns the OS path the session was opened on.
func (s *Session) Path() string { return s.path }

// BaudRate returns the rate the handle was opened at.
func (s *Session) BaudRate() int { return s.baud }

// Info returns a copy of the session's identity for callers outside the
// registry.
func (s *Session) Info() SessionInfo {
	return SessionInfo{Path: s.path, BaudRate: s.baud, OpenedAt: s.openedAt}
}

// Alive reports whether the handle is still usable: not closed and the
// reader has not hit a terminal error.
func (s *Session) Alive() bool {
	return !s.closed.Load() && !s.dead.Load()
}

// Write writes all of data unless ctx is done or the port fails.
func (s *Session) Write(ctx context.Context, data []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for written < len(data) {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := s.port.Write(data[written:])
		if err != nil {
			return written, err
		}
		if n == 0 {
			// Prevent infinite loop if Write returns 0
			return written, ErrNotOpen
		}
		written += n
	}
	return written, nil
}

// SetControlLines drives DTR and RTS.
func (s *Session) SetControlLines(dtr, rts bool) error {
	if s.closed.Load() {
		return ErrNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return setLines(s.port, dtr, rts)
}

// Close closes the handle. It is safe to call multiple times and from
// several goroutines; only the first call touches the port.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		// Close the underlying port first to unblock any in-flight Read calls.
		s.closeErr = s.port.Close()
		select {
		case <-s.doneCh:
		case <-time.After(closeWaitTimeout):
		}
	})
	return s.closeErr
}

// readerLoop reads until the port fails and emits complete lines.
func (s *Session) readerLoop() {
	defer close(s.doneCh)

	buf := readBufPool.Get()
	defer readBufPool.Put(buf)

	var lineBuf []byte
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.dead.Store(true)
			if s.onError != nil {
				s.onError(err)
			}
			return
		}
		if n == 0 {
			if s.closed.Load() {
				return
			}
			continue
		}
		s.metrics.BytesRead.Add(int64(n))

		chunk := buf[:n]
		for len(chunk) > 0 {
			idx := bytes.IndexByte(chunk, '\n')
			if idx == -1 {
				lineBuf = append(lineBuf, chunk...)
				if len(lineBuf) > maxLineSize {
					// drop overly long lines
					lineBuf = lineBuf[:0]
					s.metrics.DroppedLines.Inc()
				}
				break
			}

			lineBuf = append(lineBuf, chunk[:idx]...)
			if s.closed.Load() {
				return
			}
			line := make([]byte, len(lineBuf))
			copy(line, lineBuf)
			s.metrics.LinesRead.Inc()
			if s.onLine != nil {
				s.onLine(line)
			}
			lineBuf = lineBuf[:0]
			chunk = chunk[idx+1:]
		}
	}
}
