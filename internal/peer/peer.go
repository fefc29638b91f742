// Package peer wraps one direct connection between the local client and
// exactly one remote client: the transport, its outgoing media senders and
// the ordered data channel that carries transcript messages.
package peer

import (
	"context"
	"encoding/json"

	"github.com/mossy-p/livecall/internal/media"
	"github.com/mossy-p/livecall/internal/models"
)

// ChannelLabel names the data channel the initiator opens.
const ChannelLabel = "transcript"

// State is the transport-level state of a link.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{"new", "connecting", "connected", "disconnected", "failed", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Events are called from transport goroutines. Receivers must not block.
type Events struct {
	// OnCandidate receives each locally gathered ICE candidate as a
	// browser-compatible RTCIceCandidateInit document.
	OnCandidate    func(candidate json.RawMessage)
	OnStateChange  func(state State)
	OnChannelOpen  func()
	OnChannelClose func()
	// OnMessage receives decoded data-channel messages. Undecodable payloads
	// are dropped before reaching it.
	OnMessage     func(msg models.Message)
	OnRemoteTrack func(kind string)
}

// Link is one peer connection.
type Link interface {
	// CreateOffer opens the data channel and returns a local offer
	// (RTCSessionDescriptionInit JSON).
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(answer json.RawMessage) error
	// AddCandidate applies a remote candidate. Candidates that arrive before
	// the remote description are held and applied, in order, once it is set.
	AddCandidate(candidate json.RawMessage) error
	Send(msg models.Message) error
	// ReplaceVideoTrack swaps the outgoing video without renegotiating.
	ReplaceVideoTrack(track media.Track) error
	CloseChannel() error
	Close() error
}

// Factory creates links that send the tracks of stream.
type Factory interface {
	NewLink(stream *media.Stream, events Events) (Link, error)
}
