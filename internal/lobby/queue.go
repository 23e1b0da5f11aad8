// Package lobby keeps the FIFO queue of participants awaiting admission and
// serializes admit/reject actions behind a single-flight guard.
package lobby

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/callbridgehq/callbridge/internal/identity"
)

var log = logging.Logger("lobby")

// ErrAdmissionInFlight is returned when an admit or reject is requested
// while another one is still outstanding. Callers treat it as a null-op,
// matching the UI swallowing repeated triggers.
var ErrAdmissionInFlight = errors.New("lobby: admission already in flight")

// ErrNotQueued is returned when the addressed participant is not (or no
// longer) in the queue. A removal that raced the action wins.
var ErrNotQueued = errors.New("lobby: participant not queued")

// Entry is one participant waiting in the lobby.
type Entry struct {
	Key         identity.Key        `json:"key"`
	Descriptor  identity.Descriptor `json:"descriptor"`
	DisplayName string              `json:"display_name,omitempty"`
	EnqueuedAt  time.Time           `json:"enqueued_at"`
}

// Action is the external capability an admission resolves through
// (call.admit or call.removeParticipant on the backend).
type Action func(ctx context.Context, d identity.Descriptor) error

// Queue is the lobby admission queue. Order is arrival order and is never
// rearranged by later events. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	inFlight bool
}

func New() *Queue {
	return &Queue{}
}

// Enqueue appends an entry unless its key is already queued. Reports
// whether the entry was added.
func (q *Queue) Enqueue(e Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, have := range q.entries {
		if have.Key == e.Key {
			return false
		}
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	q.entries = append(q.entries, e)
	log.Debugf("enqueued %s (queue length %d)", e.Key, len(q.entries))
	return true
}

// Dequeue removes an entry without resolving it, for externally-observed
// transitions out of the lobby (the participant left, or another moderator
// admitted them). Silent no-op when absent.
func (q *Queue) Dequeue(key identity.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(key)
}

func (q *Queue) removeLocked(key identity.Key) bool {
	for i, e := range q.entries {
		if e.Key == key {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Front returns the oldest unresolved entry. It is recomputed from the
// queue on every call so it can never point at a removed entry.
func (q *Queue) Front() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Contains reports whether the key is queued.
func (q *Queue) Contains(key identity.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Key == key {
			return true
		}
	}
	return false
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queue in arrival order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// InFlight reports whether an admission action is outstanding.
func (q *Queue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Clear drops all entries and the in-flight guard. Used on teardown; any
// still-outstanding action finds its entry gone and resolves to a no-op.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.inFlight = false
}

// RequestAdmit resolves the entry through the admit capability.
func (q *Queue) RequestAdmit(ctx context.Context, key identity.Key, admit Action) (Entry, error) {
	return q.resolve(ctx, key, admit)
}

// RequestReject resolves the entry through the reject capability.
func (q *Queue) RequestReject(ctx context.Context, key identity.Key, reject Action) (Entry, error) {
	return q.resolve(ctx, key, reject)
}

// resolve runs one admission action under the single-flight guard. Only one
// admit/reject may be outstanding system-wide; concurrent requests on any
// key return ErrAdmissionInFlight without touching the queue. On success
// the entry is dequeued; on failure it stays queued in arrival position and
// the guard is cleared so the user can retry.
func (q *Queue) resolve(ctx context.Context, key identity.Key, act Action) (Entry, error) {
	q.mu.Lock()
	if q.inFlight {
		q.mu.Unlock()
		return Entry{}, ErrAdmissionInFlight
	}
	var entry Entry
	found := false
	for _, e := range q.entries {
		if e.Key == key {
			entry, found = e, true
			break
		}
	}
	if !found {
		q.mu.Unlock()
		return Entry{}, ErrNotQueued
	}
	q.inFlight = true
	q.mu.Unlock()

	// The external call is an async boundary; the queue stays usable for
	// reads and event-driven dequeues while it is outstanding.
	err := act(ctx, entry.Descriptor)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = false
	if err != nil {
		log.Warnf("admission action for %s failed: %v", key, err)
		return Entry{}, err
	}
	if !q.removeLocked(key) {
		// A roster-removed event beat us to it. Removal wins; the caller
		// must discard the result.
		return Entry{}, ErrNotQueued
	}
	return entry, nil
}
