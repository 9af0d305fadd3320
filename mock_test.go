package diagterm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	gobug "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

type mockPort struct {
	path string
	baud int

	readCh chan []byte
	errCh  chan error

	mu        sync.Mutex
	writes    [][]byte
	lines     []string // "DTR=true", "RTS=false" in call order
	closed    bool
	closes    int
	writeErr  error
	dtrErr    error
	rtsErr    error
	closeErr  error
	timeout   time.Duration
	closeOnce sync.Once
}

func newMockPort() *mockPort {
	return &mockPort{readCh: make(chan []byte, 16), errCh: make(chan error, 1)}
}

func (m *mockPort) Read(p []byte) (int, error) {
	select {
	case err := <-m.errCh:
		return 0, err
	case b, ok := <-m.readCh:
		if !ok {
			return 0, errors.New("port closed")
		}
		return copy(p, b), nil
	}
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	return len(p), nil
}

func (m *mockPort) SetDTR(v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dtrErr != nil {
		return m.dtrErr
	}
	m.lines = append(m.lines, fmt.Sprintf("DTR=%t", v))
	return nil
}

func (m *mockPort) SetRTS(v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rtsErr != nil {
		return m.rtsErr
	}
	m.lines = append(m.lines, fmt.Sprintf("RTS=%t", v))
	return nil
}

func (m *mockPort) SetReadTimeout(d time.Duration) error {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
	return nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.closes++
	err := m.closeErr
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.readCh) })
	return err
}

// failRead makes the pending Read return err.
func (m *mockPort) failRead(err error) {
	m.errCh <- err
}

func (m *mockPort) setWriteErr(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

func (m *mockPort) written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	for i, w := range m.writes {
		out[i] = string(w)
	}
	return out
}

func (m *mockPort) lineCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

func (m *mockPort) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fakeHardware replaces the OS port layer for one test.
type fakeHardware struct {
	mu        sync.Mutex
	present   map[string]bool
	openErr   map[string]error
	ports     []*mockPort
	listErr   error
	listCalls int
	prepare   func(*mockPort)
}

func installFakeHardware(t *testing.T, paths ...string) *fakeHardware {
	t.Helper()
	hw := &fakeHardware{present: map[string]bool{}, openErr: map[string]error{}}
	for _, p := range paths {
		hw.present[p] = true
	}

	origOpen, origList, origDetailed := openPort, getPortsList, getDetailedPortsList
	openPort = hw.open
	getPortsList = hw.names
	getDetailedPortsList = hw.detailed
	t.Cleanup(func() {
		openPort, getPortsList, getDetailedPortsList = origOpen, origList, origDetailed
	})
	return hw
}

func (hw *fakeHardware) open(name string, mode *gobug.Mode) (portHandle, error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if err := hw.openErr[name]; err != nil {
		return nil, err
	}
	if !hw.present[name] {
		return nil, fmt.Errorf("cannot open %s: no such file or directory", name)
	}
	mp := newMockPort()
	mp.path = name
	mp.baud = mode.BaudRate
	if hw.prepare != nil {
		hw.prepare(mp)
	}
	hw.ports = append(hw.ports, mp)
	return mp, nil
}

func (hw *fakeHardware) names() ([]string, error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.listCalls++
	if hw.listErr != nil {
		return nil, hw.listErr
	}
	var out []string
	for p, ok := range hw.present {
		if ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (hw *fakeHardware) detailed() ([]*enumerator.PortDetails, error) {
	names, err := hw.names()
	if err != nil {
		return nil, err
	}
	out := make([]*enumerator.PortDetails, 0, len(names))
	for _, n := range names {
		out = append(out, &enumerator.PortDetails{Name: n, IsUSB: true, VID: "10c4", PID: "ea60", Product: "CP2102 USB to UART"})
	}
	return out, nil
}

func (hw *fakeHardware) setPresent(path string, present bool) {
	hw.mu.Lock()
	hw.present[path] = present
	hw.mu.Unlock()
}

func (hw *fakeHardware) setOpenErr(path string, err error) {
	hw.mu.Lock()
	hw.openErr[path] = err
	hw.mu.Unlock()
}

func (hw *fakeHardware) setListErr(err error) {
	hw.mu.Lock()
	hw.listErr = err
	hw.mu.Unlock()
}

func (hw *fakeHardware) opened() []*mockPort {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return append([]*mockPort(nil), hw.ports...)
}

func (hw *fakeHardware) last() *mockPort {
	ports := hw.opened()
	if len(ports) == 0 {
		return nil
	}
	return ports[len(ports)-1]
}

func (hw *fakeHardware) enumerations() int {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.listCalls
}

// recordingSleeper records every hold instead of waiting.
type recordingSleeper struct {
	mu    sync.Mutex
	holds []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.holds = append(s.holds, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.holds...)
}

func (s *recordingSleeper) reset() {
	s.mu.Lock()
	s.holds = nil
	s.mu.Unlock()
}

// eventLog collects published events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	return len(l.of(kind))
}

// testConfig keeps the background monitor from ticking on its own so tests
// drive passes through Tick.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MonitorInterval = time.Hour
	return cfg
}

func fastMonitorConfig() Config {
	cfg := DefaultConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	return cfg
}

// newTestRegistry returns a registry whose delays are recorded, not slept,
// and an event log subscribed to it.
func newTestRegistry(t *testing.T) (*Registry, *recordingSleeper, *eventLog) {
	t.Helper()
	return newTestRegistryWith(t, testConfig())
}

func newTestRegistryWith(t *testing.T, cfg Config) (*Registry, *recordingSleeper, *eventLog) {
	t.Helper()
	reg, err := NewRegistry(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sl := &recordingSleeper{}
	reg.sleep = sl.sleep
	log := &eventLog{}
	reg.Subscribe(log.record)
	t.Cleanup(func() { _ = reg.Shutdown() })
	return reg, sl, log
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
