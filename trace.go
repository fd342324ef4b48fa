package bridge

import (
	"sync"
	"time"
)

// Trace direction labels.
const (
	DirIn   = "in"
	DirOut  = "out"
	DirDrop = "drop"
)

// TraceEvent is one recorded protocol event.
type TraceEvent struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Dir    string    `json:"dir"`
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
}

// Trace is a fixed-capacity ring of recent protocol events. Both
// endpoints record what they send, receive, and drop here, so a hung or
// misbehaving peer can be diagnosed without turning on debug logging
// after the fact. Each event gets a monotonically increasing sequence
// number that survives eviction. Safe for concurrent use.
type Trace struct {
	mu     sync.RWMutex
	events []TraceEvent
	cap    int
	head   int
	count  int
	seq    uint64
}

// NewTrace creates a trace ring with the given capacity.
func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = 512
	}
	return &Trace{
		events: make([]TraceEvent, capacity),
		cap:    capacity,
	}
}

// Record appends an event and returns its sequence number.
func (t *Trace) Record(dir, msgType, detail string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq
	t.events[t.head] = TraceEvent{
		Seq:    seq,
		Time:   time.Now(),
		Dir:    dir,
		Type:   msgType,
		Detail: detail,
	}
	t.head = (t.head + 1) % t.cap
	if t.count < t.cap {
		t.count++
	}
	t.seq++
	return seq
}

// Len returns the number of retained events.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// TotalSeq returns the number of events ever recorded.
func (t *Trace) TotalSeq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

// LastN returns the most recent n events, oldest first.
func (t *Trace) LastN(n int) []TraceEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n > t.count {
		n = t.count
	}
	if n <= 0 {
		return nil
	}
	result := make([]TraceEvent, n)
	start := (t.head - n + t.cap) % t.cap
	for i := 0; i < n; i++ {
		result[i] = t.events[(start+i)%t.cap]
	}
	return result
}

// All returns every retained event, oldest first.
func (t *Trace) All() []TraceEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.count == 0 {
		return nil
	}
	result := make([]TraceEvent, t.count)
	start := (t.head - t.count + t.cap) % t.cap
	for i := 0; i < t.count; i++ {
		result[i] = t.events[(start+i)%t.cap]
	}
	return result
}

// Clear resets the trace to empty.
func (t *Trace) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = 0
	t.count = 0
	t.seq = 0
	for i := range t.events {
		t.events[i] = TraceEvent{}
	}
}
