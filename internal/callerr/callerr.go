// Package callerr defines the error taxonomy shared by the relay and the
// client side of a call. Errors are plain sentinels wrapped with context via
// fmt.Errorf("%w: ...") and classified with errors.Is.
package callerr

import "errors"

var (
	// ErrInvalidRequest marks a malformed signaling call. Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPeerUnavailable means the room or the counterpart's description is
	// not there yet.
	ErrPeerUnavailable = errors.New("peer unavailable")

	// ErrTransport is a network or server level signaling failure.
	ErrTransport = errors.New("signaling transport error")

	// ErrMediaDenied means local media could not be acquired.
	ErrMediaDenied = errors.New("media access denied")

	// ErrNegotiationStale marks payloads that belong to a replaced session
	// description. Discarded silently.
	ErrNegotiationStale = errors.New("negotiation stale")

	// ErrChannelClosed means an established peer link dropped.
	ErrChannelClosed = errors.New("channel closed")
)

// Kind is the class of a call error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindPeerUnavailable
	KindTransport
	KindMediaDenied
	KindNegotiationStale
	KindChannelClosed
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindInvalidRequest:   "invalid-request",
	KindPeerUnavailable:  "peer-unavailable",
	KindTransport:        "transport",
	KindMediaDenied:      "media-denied",
	KindNegotiationStale: "negotiation-stale",
	KindChannelClosed:    "channel-closed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindOf classifies err. Unrecognized errors are KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrPeerUnavailable):
		return KindPeerUnavailable
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrMediaDenied):
		return KindMediaDenied
	case errors.Is(err, ErrNegotiationStale):
		return KindNegotiationStale
	case errors.Is(err, ErrChannelClosed):
		return KindChannelClosed
	}
	return KindUnknown
}
