// Package session is the call-session reconciliation layer. A Session owns
// the roster, lobby queue and highlight state for one call, applies backend
// events to them deterministically, and routes user actions through the
// identical mutation path so user-triggered and server-confirmed state can
// never drift apart.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/callbridgehq/callbridge/internal/calling"
	"github.com/callbridgehq/callbridge/internal/highlight"
	"github.com/callbridgehq/callbridge/internal/identity"
	"github.com/callbridgehq/callbridge/internal/lobby"
	"github.com/callbridgehq/callbridge/internal/roster"
)

var log = logging.Logger("session")

// ErrSessionClosed is returned for actions arriving after teardown.
var ErrSessionClosed = errors.New("session: closed")

// ErrSpotlightActive is returned when pinning a participant who is
// currently spotlighted; spotlight already owns their tile.
var ErrSpotlightActive = errors.New("session: participant is spotlighted, pin unavailable")

const disposeTimeout = 3 * time.Second

// Config wires a Session to its collaborators.
type Config struct {
	Backend calling.Backend

	// Directory backfills display names the backend does not supply.
	// Optional; lookups fail soft.
	Directory roster.Lookup

	// Self is the local user's identity, known once the token exchange
	// completed.
	Self identity.Descriptor

	// OnTerminated fires exactly once when the call reaches Disconnected
	// (or the backend goes away). Used to signal the host page.
	OnTerminated func()
}

// Snapshot is the read-only view rendering consumers subscribe to. It is a
// value copy; holders never share mutable state with the session.
type Snapshot struct {
	CallState         calling.CallState `json:"call_state"`
	Participants      []roster.Record   `json:"participants"`
	Lobby             []lobby.Entry     `json:"lobby"`
	LobbyFront        *lobby.Entry      `json:"lobby_front,omitempty"`
	Highlights        []identity.Key    `json:"highlights"`
	AdmissionInFlight bool              `json:"admission_in_flight"`
}

// Session reconciles one call's state. Created when the call backend is
// available, torn down when the call reaches Disconnected.
type Session struct {
	backend      calling.Backend
	directory    roster.Lookup
	selfKey      identity.Key
	onTerminated func()

	roster *roster.Roster
	lobby  *lobby.Queue

	mu             sync.Mutex
	callState      calling.CallState
	spotlightOrder []identity.Key
	pinned         []identity.Key
	highlights     []identity.Key

	// alive is per session; the Manager enforces one live session per
	// host connection.
	alive bool

	terminateOnce sync.Once

	listenerMu sync.Mutex
	listeners  map[chan struct{}]struct{}
}

// New builds the session, seeds the self record and starts consuming
// backend events.
func New(cfg Config) *Session {
	s := &Session{
		backend:      cfg.Backend,
		directory:    cfg.Directory,
		selfKey:      cfg.Self.Key(),
		onTerminated: cfg.OnTerminated,
		roster:       roster.New(),
		lobby:        lobby.New(),
		callState:    cfg.Backend.State(),
		alive:        true,
		listeners:    make(map[chan struct{}]struct{}),
	}

	s.roster.Upsert(cfg.Self, roster.Patch{
		DisplayName: roster.String("You"),
		Self:        roster.Bool(true),
		State:       roster.State(roster.StateConnected),
	})

	go s.run()
	return s
}

// Alive reports whether the session has not been torn down yet.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *Session) run() {
	for ev := range s.backend.Events() {
		s.dispatch(ev)
	}
	// Backend gone without a Disconnected event still ends the call.
	s.teardown()
}

// dispatch translates one backend event into state mutations. Every handler
// is idempotent under redelivery.
func (s *Session) dispatch(ev calling.Event) {
	switch ev.Type {
	case calling.EventRosterUpdated:
		s.handleRosterUpdated(ev.Added, ev.Removed)
	case calling.EventRaisedHandsChanged:
		s.applyRaisedHands()
	case calling.EventSpotlightChanged:
		s.applySpotlight()
	case calling.EventStateChanged:
		s.handleStateChanged(ev.State)
	default:
		log.Debugf("ignoring event %q", ev.Type)
	}
}

func (s *Session) handleRosterUpdated(added, removed []calling.ParticipantInfo) {
	for _, p := range added {
		st := roster.ConnState(p.State)
		if st == "" {
			st = roster.StateIdle
		}
		patch := roster.Patch{State: roster.State(st), Muted: roster.Bool(p.Muted)}
		if p.DisplayName != "" {
			patch.DisplayName = roster.String(p.DisplayName)
		}
		rec := s.roster.Upsert(p.Descriptor, patch)

		if st == roster.StateInLobby {
			name := p.DisplayName
			if name == "" {
				name = p.Descriptor.Label()
			}
			s.lobby.Enqueue(lobby.Entry{
				Key:         rec.Key,
				Descriptor:  p.Descriptor,
				DisplayName: name,
			})
		}

		// Directory backfill runs concurrently and only ever patches the
		// display name, never identity or status fields.
		if rec.DisplayName == "" && s.directory != nil {
			go func(key identity.Key) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				s.roster.ResolveDisplayName(ctx, key, s.directory)
				s.notify()
			}(rec.Key)
		}
	}

	for _, p := range removed {
		key := p.Descriptor.Key()
		s.roster.Remove(key)
		s.lobby.Dequeue(key)
		s.mu.Lock()
		s.pinned = without(s.pinned, key)
		s.spotlightOrder = without(s.spotlightOrder, key)
		s.recomputeHighlightsLocked()
		s.mu.Unlock()
	}

	s.notify()
}

// applyRaisedHands re-reads the full raised-hand set from the backend and
// applies it as authoritative; stale local flags are cleared.
func (s *Session) applyRaisedHands() {
	s.roster.SetRaisedHands(keysOf(s.backend.RaisedHands()))
	s.notify()
}

// applySpotlight is the shared resync path for both the backend event and a
// successful user toggle.
func (s *Session) applySpotlight() {
	keys := keysOf(s.backend.Spotlighted())
	s.roster.SetSpotlighted(keys)
	s.mu.Lock()
	s.spotlightOrder = keys
	s.recomputeHighlightsLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleStateChanged(st calling.CallState) {
	s.mu.Lock()
	s.callState = st
	s.mu.Unlock()
	log.Infof("call state -> %s", st)

	if st == calling.StateDisconnected {
		s.teardown()
		return
	}
	s.notify()
}

// teardown clears all session state, disposes the call handle best effort
// and signals the host exactly once per session.
func (s *Session) teardown() {
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		s.alive = false
		s.callState = calling.StateDisconnected
		s.spotlightOrder = nil
		s.pinned = nil
		s.highlights = nil
		s.mu.Unlock()

		s.roster.Clear()
		s.lobby.Clear()

		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := s.backend.Hangup(ctx); err != nil {
			log.Warnf("call disposal failed: %v", err)
		}

		s.notify()
		if s.onTerminated != nil {
			s.onTerminated()
		}
		log.Infof("session torn down")
	})
}

// Admit resolves the lobby entry through the backend's admit capability and
// flips the participant to Connected, the same transition a backend event
// would apply. Racing removal wins: a success result for a participant the
// roster no longer knows is discarded.
func (s *Session) Admit(ctx context.Context, key identity.Key) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	entry, err := s.lobby.RequestAdmit(ctx, key, s.backend.Admit)
	if err != nil {
		return err
	}
	if !s.Alive() {
		// Late result after teardown, nothing to apply.
		return ErrSessionClosed
	}
	s.roster.SetState(entry.Key, roster.StateConnected)
	s.notify()
	return nil
}

// Reject resolves the lobby entry through removeParticipant; rejected
// participants are not retained in the roster.
func (s *Session) Reject(ctx context.Context, key identity.Key) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	entry, err := s.lobby.RequestReject(ctx, key, s.backend.RemoveParticipant)
	if err != nil {
		return err
	}
	if !s.Alive() {
		return ErrSessionClosed
	}
	s.roster.Remove(entry.Key)
	s.notify()
	return nil
}

// TogglePin flips the local-only pin for a participant. Pinning is refused
// while the participant is spotlighted; unpinning is always allowed.
func (s *Session) TogglePin(key identity.Key) error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if contains(s.pinned, key) {
		s.pinned = without(s.pinned, key)
		s.recomputeHighlightsLocked()
		s.mu.Unlock()
		s.roster.SetPinned(key, false)
		s.notify()
		return nil
	}
	if contains(s.spotlightOrder, key) {
		s.mu.Unlock()
		return ErrSpotlightActive
	}
	s.pinned = append(s.pinned, key)
	s.recomputeHighlightsLocked()
	s.mu.Unlock()
	s.roster.SetPinned(key, true)
	s.notify()
	return nil
}

// ToggleSpotlight starts or stops spotlight for a participant through the
// backend, then resyncs from the backend's authoritative set — the same
// path the spotlightChanged event takes.
func (s *Session) ToggleSpotlight(ctx context.Context, key identity.Key) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	rec, ok := s.roster.Get(key)
	if !ok {
		return errors.New("session: unknown participant")
	}
	var err error
	if rec.Spotlighted {
		err = s.backend.StopSpotlight(ctx, []identity.Descriptor{rec.Descriptor})
	} else {
		err = s.backend.StartSpotlight(ctx, []identity.Descriptor{rec.Descriptor})
	}
	if err != nil {
		log.Warnf("spotlight toggle for %s failed: %v", key, err)
		return err
	}
	if !s.Alive() {
		return ErrSessionClosed
	}
	s.applySpotlight()
	return nil
}

// ToggleOwnHand raises or lowers the local user's hand, then resyncs from
// the backend's raised-hand set.
func (s *Session) ToggleOwnHand(ctx context.Context) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	rec, ok := s.roster.Get(s.selfKey)
	if !ok {
		return ErrSessionClosed
	}
	var err error
	if rec.RaisedHand {
		err = s.backend.LowerHand(ctx)
	} else {
		err = s.backend.RaiseHand(ctx)
	}
	if err != nil {
		log.Warnf("hand toggle failed: %v", err)
		return err
	}
	if !s.Alive() {
		return ErrSessionClosed
	}
	s.applyRaisedHands()
	return nil
}

// Hangup ends the call for this session.
func (s *Session) Hangup() {
	s.teardown()
}

// Snapshot assembles the read-only view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	st := s.callState
	hl := make([]identity.Key, len(s.highlights))
	copy(hl, s.highlights)
	s.mu.Unlock()

	snap := Snapshot{
		CallState:         st,
		Participants:      s.roster.Snapshot(),
		Lobby:             s.lobby.Snapshot(),
		Highlights:        hl,
		AdmissionInFlight: s.lobby.InFlight(),
	}
	if front, ok := s.lobby.Front(); ok {
		snap.LobbyFront = &front
	}
	return snap
}

// Subscribe returns a channel that pulses after every state change.
// Signals coalesce; subscribers re-read Snapshot on each pulse.
func (s *Session) Subscribe() (ch chan struct{}, cancel func()) {
	ch = make(chan struct{}, 1)
	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel = func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) notify() {
	s.listenerMu.Lock()
	for ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.listenerMu.Unlock()
}

// recomputeHighlightsLocked rebuilds the highlight set from the current
// spotlight and pin sets. Caller holds s.mu.
func (s *Session) recomputeHighlightsLocked() {
	s.highlights = highlight.Recompute(s.spotlightOrder, s.pinned)
}

func keysOf(ds []identity.Descriptor) []identity.Key {
	out := make([]identity.Key, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Key())
	}
	return out
}

func contains(ks []identity.Key, k identity.Key) bool {
	for _, have := range ks {
		if have == k {
			return true
		}
	}
	return false
}

func without(ks []identity.Key, k identity.Key) []identity.Key {
	out := ks[:0]
	for _, have := range ks {
		if have != k {
			out = append(out, have)
		}
	}
	return out
}
