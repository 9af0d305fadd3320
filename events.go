package diagterm

import (
	"sync"
	"time"
)

// EventKind names a notification. The values are the event names the UI
// collaborator listens for.
type EventKind string

const (
	EventPortData         EventKind = "port-data"
	EventPortDisconnected EventKind = "port-disconnected"
	EventPortReconnected  EventKind = "port-reconnected"
	EventPortClosed       EventKind = "port-closed"
	EventPortOpened       EventKind = "port-opened"
	EventPortError        EventKind = "port-error"
	EventFlashOutput      EventKind = "flash-output"
	EventFlashProgress    EventKind = "flash-progress"
	EventFlashState       EventKind = "flash-state"
)

// Direction tags port-data events.
type Direction string

const (
	DirectionRX Direction = "RX"
	DirectionTX Direction = "TX"
)

// Event is a single notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind  `json:"kind"`
	Time      time.Time  `json:"time"`
	Path      string     `json:"path,omitempty"`
	Direction Direction  `json:"direction,omitempty"`
	Data      []byte     `json:"data,omitempty"`
	Message   string     `json:"message,omitempty"`
	JobID     string     `json:"job_id,omitempty"`
	Progress  int        `json:"progress,omitempty"`
	State     FlashState `json:"state,omitempty"`
}

// eventBus fans events out to subscribers synchronously, in the goroutine
// that published them. Subscribers must return quickly.
type eventBus struct {
	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]func(Event))}
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (b *eventBus) clear() {
	b.mu.Lock()
	b.subs = make(map[int]func(Event))
	b.mu.Unlock()
}
