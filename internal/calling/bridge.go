package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/callbridgehq/callbridge/internal/identity"
)

var log = logging.Logger("calling")

// request/result/event frames exchanged with the SDK shim.
type commandFrame struct {
	ID           string                `json:"id"`
	Op           string                `json:"op"`
	Participant  *identity.Descriptor  `json:"participant,omitempty"`
	Participants []identity.Descriptor `json:"participants,omitempty"`
}

type inboundFrame struct {
	// result fields
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	// event fields
	Event       EventType             `json:"event,omitempty"`
	Added       []ParticipantInfo     `json:"added,omitempty"`
	Removed     []ParticipantInfo     `json:"removed,omitempty"`
	State       CallState             `json:"state,omitempty"`
	Hands       []identity.Descriptor `json:"hands,omitempty"`
	Spotlighted []identity.Descriptor `json:"spotlighted,omitempty"`
}

const defaultRequestTimeout = 10 * time.Second

// Bridge implements Backend over a websocket to the SDK shim running where
// the media runs (typically the host page). Commands are correlated to
// results by uuid; events push the shim's feature state into local caches
// so the accessors answer without a round trip.
type Bridge struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan inboundFrame

	stateMu     sync.Mutex
	state       CallState
	raisedHands []identity.Descriptor
	spotlighted []identity.Descriptor

	events chan Event

	closeOnce sync.Once
}

// NewBridge wraps an accepted SDK shim connection and starts the read loop.
func NewBridge(conn *websocket.Conn) *Bridge {
	b := &Bridge{
		conn:    conn,
		pending: make(map[string]chan inboundFrame),
		state:   StateNone,
		events:  make(chan Event, 64),
	}
	go b.readLoop()
	return b
}

func (b *Bridge) Events() <-chan Event { return b.events }

func (b *Bridge) State() CallState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

func (b *Bridge) RaisedHands() []identity.Descriptor {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	out := make([]identity.Descriptor, len(b.raisedHands))
	copy(out, b.raisedHands)
	return out
}

func (b *Bridge) Spotlighted() []identity.Descriptor {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	out := make([]identity.Descriptor, len(b.spotlighted))
	copy(out, b.spotlighted)
	return out
}

func (b *Bridge) Admit(ctx context.Context, d identity.Descriptor) error {
	return b.roundTrip(ctx, commandFrame{Op: "admit", Participant: &d})
}

func (b *Bridge) RemoveParticipant(ctx context.Context, d identity.Descriptor) error {
	return b.roundTrip(ctx, commandFrame{Op: "removeParticipant", Participant: &d})
}

func (b *Bridge) RaiseHand(ctx context.Context) error {
	return b.roundTrip(ctx, commandFrame{Op: "raiseHand"})
}

func (b *Bridge) LowerHand(ctx context.Context) error {
	return b.roundTrip(ctx, commandFrame{Op: "lowerHand"})
}

func (b *Bridge) StartSpotlight(ctx context.Context, ds []identity.Descriptor) error {
	return b.roundTrip(ctx, commandFrame{Op: "startSpotlight", Participants: ds})
}

func (b *Bridge) StopSpotlight(ctx context.Context, ds []identity.Descriptor) error {
	return b.roundTrip(ctx, commandFrame{Op: "stopSpotlight", Participants: ds})
}

func (b *Bridge) Hangup(ctx context.Context) error {
	err := b.roundTrip(ctx, commandFrame{Op: "hangup"})
	b.close()
	return err
}

// roundTrip sends one command and waits for its correlated result.
func (b *Bridge) roundTrip(ctx context.Context, cmd commandFrame) error {
	cmd.ID = uuid.NewString()

	ch := make(chan inboundFrame, 1)
	b.pendingMu.Lock()
	b.pending[cmd.ID] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, cmd.ID)
		b.pendingMu.Unlock()
	}()

	if err := b.write(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Op, err)
	}

	timer := time.NewTimer(defaultRequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Error != "" {
			return fmt.Errorf("%s rejected: %s", cmd.Op, res.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: no result within %s", cmd.Op, defaultRequestTimeout)
	}
}

func (b *Bridge) write(v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(v)
}

func (b *Bridge) readLoop() {
	// events is closed here and nowhere else; handleEvent sends on it from
	// this goroutine only, so the send can never race the close.
	defer close(b.events)
	defer b.close()
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			log.Debugf("sdk bridge read ended: %v", err)
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("dropping malformed sdk frame: %v", err)
			continue
		}
		if f.ID != "" {
			b.pendingMu.Lock()
			ch, ok := b.pending[f.ID]
			b.pendingMu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		if f.Event != "" {
			b.handleEvent(f)
		}
	}
}

// handleEvent refreshes the feature caches and forwards the notification.
// Hand-raise and spotlight events deliberately carry no payload downstream;
// consumers re-read the accessor, which is how redelivery stays idempotent.
func (b *Bridge) handleEvent(f inboundFrame) {
	ev := Event{Type: f.Event}
	switch f.Event {
	case EventRosterUpdated:
		ev.Added, ev.Removed = f.Added, f.Removed
	case EventStateChanged:
		b.stateMu.Lock()
		b.state = f.State
		b.stateMu.Unlock()
		ev.State = f.State
	case EventRaisedHandsChanged:
		b.stateMu.Lock()
		b.raisedHands = f.Hands
		b.stateMu.Unlock()
	case EventSpotlightChanged:
		b.stateMu.Lock()
		b.spotlighted = f.Spotlighted
		b.stateMu.Unlock()
	default:
		log.Debugf("ignoring unknown sdk event %q", f.Event)
		return
	}

	select {
	case b.events <- ev:
	default:
		log.Warnf("sdk event buffer full, dropping %s", f.Event)
	}
}

// close shuts the websocket, which unblocks the read loop; the read loop
// then closes events on its way out.
func (b *Bridge) close() {
	b.closeOnce.Do(func() {
		_ = b.conn.Close()
	})
}
