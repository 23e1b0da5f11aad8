// Package calling defines the capability surface the session layer needs
// from the calling backend, and a websocket bridge implementation of it.
// The SDK itself (connection establishment, media) lives on the other side
// of that interface; this package never touches media.
package calling

import (
	"context"

	"github.com/callbridgehq/callbridge/internal/identity"
)

// CallState mirrors the backend's call-level state.
type CallState string

const (
	StateNone          CallState = "None"
	StateConnecting    CallState = "Connecting"
	StateInLobby       CallState = "InLobby"
	StateConnected     CallState = "Connected"
	StateDisconnecting CallState = "Disconnecting"
	StateDisconnected  CallState = "Disconnected"
)

// ParticipantInfo is one participant as reported by a roster event.
type ParticipantInfo struct {
	Descriptor  identity.Descriptor `json:"descriptor"`
	DisplayName string              `json:"display_name,omitempty"`
	State       string              `json:"state,omitempty"`
	Muted       bool                `json:"muted,omitempty"`
}

// EventType tags backend events.
type EventType string

const (
	EventRosterUpdated      EventType = "remoteParticipantsUpdated"
	EventStateChanged       EventType = "stateChanged"
	EventRaisedHandsChanged EventType = "raisedHandsChanged"
	EventSpotlightChanged   EventType = "spotlightChanged"
)

// Event is one backend notification. Roster events carry the added/removed
// participants; hand-raise and spotlight events carry nothing — consumers
// re-read the authoritative set from the feature accessors.
type Event struct {
	Type    EventType
	Added   []ParticipantInfo
	Removed []ParticipantInfo
	State   CallState
}

// Backend is the calling capability the session reconciler drives. All
// mutating calls are asynchronous boundaries and may fail; the feature
// accessors (RaisedHands, Spotlighted, State) read the backend's current
// authoritative view without blocking.
type Backend interface {
	Admit(ctx context.Context, d identity.Descriptor) error
	RemoveParticipant(ctx context.Context, d identity.Descriptor) error

	RaiseHand(ctx context.Context) error
	LowerHand(ctx context.Context) error
	RaisedHands() []identity.Descriptor

	StartSpotlight(ctx context.Context, ds []identity.Descriptor) error
	StopSpotlight(ctx context.Context, ds []identity.Descriptor) error
	Spotlighted() []identity.Descriptor

	State() CallState

	// Events delivers backend notifications in arrival order. The channel
	// closes when the backend goes away.
	Events() <-chan Event

	// Hangup disposes the call. Best effort; errors are reported but the
	// caller proceeds with teardown regardless.
	Hangup(ctx context.Context) error
}
