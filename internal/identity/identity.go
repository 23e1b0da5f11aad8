// Package identity maps the calling backend's heterogeneous participant
// identifiers onto a single stable comparison key. Every other package uses
// Key as the de-duplication key for roster, lobby and highlight state.
package identity

import "strings"

// Kind discriminates the descriptor variants the backend can deliver.
type Kind string

const (
	KindCommunicationUser Kind = "communicationUser"
	KindPhoneNumber       Kind = "phoneNumber"
	KindTeamsUser         Kind = "teamsUser"
	KindUnknown           Kind = "unknown"
)

// EchoBotID is the well-known identifier of the echo test bot.
const EchoBotID = "8:echo123"

// UnknownLabel is the display label for descriptors we cannot classify.
const UnknownLabel = "Unknown Identifier"

// Key is the stable comparison key derived from a Descriptor. Two
// descriptors the backend considers the same participant yield equal keys.
type Key string

// KeyUnknown is the sentinel key for unclassifiable descriptors.
const KeyUnknown Key = "unknown"

// Descriptor is a tagged union of the identifier shapes the backend emits.
// Exactly one id field is meaningful for a given Kind.
type Descriptor struct {
	Kind Kind `json:"kind"`

	CommunicationUserID string `json:"communication_user_id,omitempty"`
	PhoneNumber         string `json:"phone_number,omitempty"`
	TeamsUserID         string `json:"teams_user_id,omitempty"`
	TenantID            string `json:"tenant_id,omitempty"`

	// RawID is the backend-assigned opaque id, kept for round-tripping
	// identifiers back to the backend unchanged. Not part of the key.
	RawID string `json:"raw_id,omitempty"`
}

// CommunicationUser builds a descriptor for a communication-service user.
func CommunicationUser(id string) Descriptor {
	return Descriptor{Kind: KindCommunicationUser, CommunicationUserID: id, RawID: id}
}

// Phone builds a descriptor for a PSTN participant.
func Phone(number string) Descriptor {
	return Descriptor{Kind: KindPhoneNumber, PhoneNumber: number, RawID: number}
}

// TeamsUser builds a descriptor for a tenant-scoped platform user.
func TeamsUser(id, tenant string) Descriptor {
	return Descriptor{Kind: KindTeamsUser, TeamsUserID: id, TenantID: tenant}
}

// Unknown builds a descriptor for an id we cannot classify (bots included).
func Unknown(rawID string) Descriptor {
	return Descriptor{Kind: KindUnknown, RawID: rawID}
}

// Key normalizes the descriptor to its comparison key. The mapping is pure
// and total: unrecognized shapes collapse onto KeyUnknown instead of
// failing. Equality is on the underlying id value, never on which struct
// instance carried it.
func (d Descriptor) Key() Key {
	switch d.Kind {
	case KindCommunicationUser:
		if d.CommunicationUserID != "" {
			return Key("user:" + d.CommunicationUserID)
		}
	case KindPhoneNumber:
		if d.PhoneNumber != "" {
			return Key("phone:" + d.PhoneNumber)
		}
	case KindTeamsUser:
		if d.TeamsUserID != "" {
			return Key("teams:" + d.TenantID + ":" + d.TeamsUserID)
		}
	case KindUnknown:
		if d.RawID == EchoBotID {
			return Key("bot:echo")
		}
		if d.RawID != "" {
			return Key("raw:" + d.RawID)
		}
	}
	return KeyUnknown
}

// Label returns a human-readable fallback name for the descriptor, used
// when neither the backend nor the directory supplies a display name.
func (d Descriptor) Label() string {
	switch d.Kind {
	case KindCommunicationUser:
		return d.CommunicationUserID
	case KindPhoneNumber:
		return d.PhoneNumber
	case KindTeamsUser:
		return d.TeamsUserID
	case KindUnknown:
		if d.RawID == EchoBotID {
			return "Echo Bot"
		}
	}
	return UnknownLabel
}

// TenantSubID extracts the tenant-scoped sub-identifier used for directory
// lookups. Only platform users resolve through the directory; everything
// else returns the empty string.
func (d Descriptor) TenantSubID() string {
	if d.Kind == KindTeamsUser {
		return d.TeamsUserID
	}
	return ""
}

// SubID extracts the tenant-scoped sub-identifier out of a key previously
// produced by Descriptor.Key. Mirrors TenantSubID for callers that only
// kept the key.
func (k Key) SubID() string {
	parts := strings.SplitN(string(k), ":", 3)
	if len(parts) == 3 && parts[0] == "teams" {
		return parts[2]
	}
	return ""
}
