package models

import "encoding/json"

// SignalType represents the type of a signaling publish
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// Role identifies which side of a room a caller is on
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Counterpart returns the opposite role
func (r Role) Counterpart() Role {
	if r == RoleHost {
		return RoleGuest
	}
	return RoleHost
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

// DefaultPeer is the responder id used when a call has a single guest
const DefaultPeer = "guest"

// PayloadKind is what the room store knows about a published payload
type PayloadKind int

const (
	KindDescription PayloadKind = iota + 1
	KindCandidate
)

// PublishRequest is the body of a signaling publish
type PublishRequest struct {
	RoomID string          `json:"roomId"`
	Role   Role            `json:"role"`
	Type   SignalType      `json:"type"`
	Data   json.RawMessage `json:"data"`
	PeerID string          `json:"peerId,omitempty"` // Group responder; empty means the single guest
}

// PublishResponse acknowledges a publish
type PublishResponse struct {
	Success bool `json:"success"`
}

// FetchRequest asks for the counterpart's state after a candidate cursor
type FetchRequest struct {
	RoomID             string
	Role               Role
	PeerID             string
	LastCandidateIndex int
}

// FetchResult is the role-independent form of a fetch response
type FetchResult struct {
	Description json.RawMessage
	Candidates  []json.RawMessage
	PeerPresent bool
	Generation  int
	Peers       []string
}

// HostFetchResponse is the wire shape returned to the host
type HostFetchResponse struct {
	Answer         json.RawMessage   `json:"answer"`
	Candidates     []json.RawMessage `json:"candidates"`
	GuestConnected bool              `json:"guestConnected"`
	Generation     int               `json:"generation"`
	Peers          []string          `json:"peers,omitempty"`
}

// GuestFetchResponse is the wire shape returned to a guest
type GuestFetchResponse struct {
	Offer         json.RawMessage   `json:"offer"`
	Candidates    []json.RawMessage `json:"candidates"`
	HostConnected bool              `json:"hostConnected"`
	Generation    int               `json:"generation"`
}

// HostResponse converts a result to the host wire shape
func (r FetchResult) HostResponse() HostFetchResponse {
	return HostFetchResponse{
		Answer:         nullable(r.Description),
		Candidates:     nonNil(r.Candidates),
		GuestConnected: r.PeerPresent,
		Generation:     r.Generation,
		Peers:          r.Peers,
	}
}

// GuestResponse converts a result to the guest wire shape
func (r FetchResult) GuestResponse() GuestFetchResponse {
	return GuestFetchResponse{
		Offer:         nullable(r.Description),
		Candidates:    nonNil(r.Candidates),
		HostConnected: r.PeerPresent,
		Generation:    r.Generation,
	}
}

// Result converts the host wire shape back to a FetchResult
func (r HostFetchResponse) Result() FetchResult {
	return FetchResult{
		Description: nullable(r.Answer),
		Candidates:  r.Candidates,
		PeerPresent: r.GuestConnected,
		Generation:  r.Generation,
		Peers:       r.Peers,
	}
}

// Result converts the guest wire shape back to a FetchResult
func (r GuestFetchResponse) Result() FetchResult {
	return FetchResult{
		Description: nullable(r.Offer),
		Candidates:  r.Candidates,
		PeerPresent: r.HostConnected,
		Generation:  r.Generation,
	}
}

// IsNull reports whether a raw payload is absent or JSON null
func IsNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func nullable(raw json.RawMessage) json.RawMessage {
	if IsNull(raw) {
		return nil
	}
	return raw
}

func nonNil(list []json.RawMessage) []json.RawMessage {
	if list == nil {
		return []json.RawMessage{}
	}
	return list
}
