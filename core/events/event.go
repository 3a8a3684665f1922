package events

import (
	"sync"

	"twamm/core/types"
)

// Event represents a structured state change emitted by the module.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render their typed attributes.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the HTTP API).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout forwards every event to each wrapped emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Buffer retains the most recent events in a fixed-size ring. Each retained
// event carries a monotonically increasing sequence number.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	entries  []Record
	next     int
	seq      uint64
	wake     chan struct{}
}

// Record is a buffered event with its sequence number.
type Record struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// NewBuffer allocates a ring holding up to capacity events.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{capacity: capacity, entries: make([]Record, 0, capacity), wake: make(chan struct{})}
}

// Emit implements the Emitter interface. Events without a typed payload are
// stored with their type only.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	var payload *types.Event
	if p, ok := evt.(Payload); ok {
		payload = p.Event()
	}
	if payload == nil {
		payload = &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	if b.wake != nil {
		close(b.wake)
	}
	b.wake = make(chan struct{})
	record := Record{Sequence: b.seq, Event: payload}
	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, record)
		return
	}
	b.entries[b.next] = record
	b.next = (b.next + 1) % b.capacity
}

// Since returns up to limit buffered records with a sequence above after,
// oldest first. A non-positive limit returns everything available.
func (b *Buffer) Since(after uint64, limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, 0, len(b.entries))
	for i := 0; i < len(b.entries); i++ {
		record := b.entries[(b.next+i)%len(b.entries)]
		if record.Sequence <= after {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Latest returns the sequence number of the newest event.
func (b *Buffer) Latest() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Wait returns a channel that is closed once the next event is buffered.
func (b *Buffer) Wait() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wake
}
