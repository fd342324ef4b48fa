package bridge

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Reply is the terminal outcome of one correlated request: a result on
// success, or an error carrying the remote failure text (or a local
// connection failure).
type Reply struct {
	Result json.RawMessage
	Err    error
}

// PendingTable tracks requests sent over the socket that are still
// awaiting a terminal reply, keyed by correlation id. Ids are generated
// here (uuid) for requests this process originates; incoming ids are
// matched verbatim.
type PendingTable struct {
	mu      sync.Mutex
	waiting map[string]chan Reply
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{waiting: make(map[string]chan Reply)}
}

// Add registers a new in-flight request and returns its generated id and
// the channel its terminal reply will arrive on.
func (t *PendingTable) Add() (string, <-chan Reply) {
	id := uuid.NewString()
	ch := make(chan Reply, 1)
	t.mu.Lock()
	t.waiting[id] = ch
	t.mu.Unlock()
	return id, ch
}

// Resolve delivers a successful result to the request with the given id.
// Returns false if the id is unknown (already resolved, or never ours).
func (t *PendingTable) Resolve(id string, result json.RawMessage) bool {
	return t.deliver(id, Reply{Result: result})
}

// Fail delivers an error to the request with the given id.
func (t *PendingTable) Fail(id string, err error) bool {
	return t.deliver(id, Reply{Err: err})
}

// FailAll fails every in-flight request with err. Called when the
// connection drops: no reply will ever arrive, so waiters must not hang.
func (t *PendingTable) FailAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.waiting {
		ch <- Reply{Err: err}
		delete(t.waiting, id)
	}
}

// Len returns the number of requests still in flight.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}

// Owns reports whether a raw wire id belongs to this table, and if so
// returns its key form. Used by read loops to tell replies to our own
// requests apart from traffic meant for the router.
func (t *PendingTable) Owns(raw json.RawMessage) (string, bool) {
	id := idKey(raw)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiting[id]
	return id, ok
}

func (t *PendingTable) deliver(id string, reply Reply) bool {
	t.mu.Lock()
	ch, ok := t.waiting[id]
	if ok {
		delete(t.waiting, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply
	return true
}

// idKey maps a raw wire id to a lookup key. String ids compare by value;
// anything else compares by raw bytes.
func idKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
