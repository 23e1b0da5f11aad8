// Package roster holds the authoritative, de-duplicated collection of call
// participants and their derived UI state. All mutation goes through the
// session reconciler; rendering consumers only ever see snapshots.
package roster

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/callbridgehq/callbridge/internal/identity"
)

var log = logging.Logger("roster")

// ConnState mirrors the backend's per-participant connection state.
type ConnState string

const (
	StateIdle          ConnState = "Idle"
	StateConnecting    ConnState = "Connecting"
	StateInLobby       ConnState = "InLobby"
	StateConnected     ConnState = "Connected"
	StateDisconnecting ConnState = "Disconnecting"
	StateDisconnected  ConnState = "Disconnected"
)

// Record is one participant as the roster knows it.
type Record struct {
	Key         identity.Key        `json:"key"`
	Descriptor  identity.Descriptor `json:"descriptor"`
	DisplayName string              `json:"display_name,omitempty"`
	State       ConnState           `json:"state"`
	Muted       bool                `json:"muted"`
	Self        bool                `json:"self"`
	RaisedHand  bool                `json:"raised_hand"`
	Spotlighted bool                `json:"spotlighted"`
	Pinned      bool                `json:"pinned"`
	Removable   bool                `json:"removable"`
}

// Patch carries the fields an upsert wants to change. Nil pointers leave
// the existing value untouched, which makes concurrent upserts for the same
// key commute per field instead of clobbering each other.
type Patch struct {
	DisplayName *string
	State       *ConnState
	Muted       *bool
	Self        *bool
}

// String, Bool and State build Patch field pointers inline.
func String(s string) *string      { return &s }
func Bool(b bool) *bool            { return &b }
func State(s ConnState) *ConnState { return &s }

// Lookup resolves a display name for a tenant-scoped sub-identifier.
// Implementations are asynchronous directory calls and may fail; failure is
// soft (the name stays empty).
type Lookup func(ctx context.Context, tenantSubID string) (string, error)

// Roster is the participant table. Safe for concurrent use.
type Roster struct {
	mu      sync.Mutex
	records map[identity.Key]*Record
	order   []identity.Key
}

func New() *Roster {
	return &Roster{records: make(map[identity.Key]*Record)}
}

// Upsert inserts or merges a participant. The key is normalized from the
// descriptor; a second upsert for the same key merges the patch into the
// existing record instead of creating a duplicate, so races between events
// and user actions resolve here rather than at every call site.
func (r *Roster) Upsert(d identity.Descriptor, p Patch) Record {
	key := d.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		rec = &Record{
			Key:        key,
			Descriptor: d,
			State:      StateIdle,
			Removable:  true,
		}
		r.records[key] = rec
		r.order = append(r.order, key)
	}
	if p.DisplayName != nil {
		rec.DisplayName = *p.DisplayName
	}
	if p.State != nil {
		rec.State = *p.State
	}
	if p.Muted != nil {
		rec.Muted = *p.Muted
	}
	if p.Self != nil {
		rec.Self = *p.Self
		if rec.Self {
			rec.Removable = false
		}
	}
	return *rec
}

// Remove deletes a participant. No-op when the key is absent.
func (r *Roster) Remove(key identity.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[key]; !ok {
		return
	}
	delete(r.records, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// SetState flips a participant's connection state without touching
// identity fields. No-op when absent.
func (r *Roster) SetState(key identity.Key, st ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		rec.State = st
	}
}

// SetPinned sets the local pin flag for one participant.
func (r *Roster) SetPinned(key identity.Key, pinned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		rec.Pinned = pinned
	}
}

// SetRaisedHands applies the backend-reported raised-hand set as
// authoritative: flags not in the set are cleared, stale local state does
// not survive a resync.
func (r *Roster) SetRaisedHands(keys []identity.Key) {
	member := make(map[identity.Key]struct{}, len(keys))
	for _, k := range keys {
		member[k] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, rec := range r.records {
		_, raised := member[k]
		rec.RaisedHand = raised
	}
}

// SetSpotlighted applies the backend-reported spotlight set as
// authoritative, same contract as SetRaisedHands.
func (r *Roster) SetSpotlighted(keys []identity.Key) {
	member := make(map[identity.Key]struct{}, len(keys))
	for _, k := range keys {
		member[k] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, rec := range r.records {
		_, spot := member[k]
		rec.Spotlighted = spot
	}
}

// ResolveDisplayName backfills an empty display name through the supplied
// directory lookup. Lookup failure is non-fatal: the name stays empty and
// rendering falls back to the identity label. The resolved name only ever
// patches DisplayName; identity and status fields set by more recent events
// are never overwritten.
func (r *Roster) ResolveDisplayName(ctx context.Context, key identity.Key, lookup Lookup) {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok || rec.DisplayName != "" {
		r.mu.Unlock()
		return
	}
	subID := rec.Descriptor.TenantSubID()
	r.mu.Unlock()

	if subID == "" || lookup == nil {
		return
	}
	name, err := lookup(ctx, subID)
	if err != nil {
		log.Debugf("directory lookup for %s failed: %v", key, err)
		return
	}
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok && rec.DisplayName == "" {
		rec.DisplayName = name
	}
}

// Get returns a copy of one record.
func (r *Roster) Get(key identity.Key) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of participants, self included.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns copies of all records in insertion order.
func (r *Roster) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.order))
	for _, k := range r.order {
		if rec, ok := r.records[k]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Clear drops every record. Used on session teardown.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[identity.Key]*Record)
	r.order = nil
}
