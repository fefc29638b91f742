// Package store holds the ephemeral per-room signaling state: session
// descriptions, ICE candidates and liveness timestamps. Payloads are opaque.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
)

const (
	// DefaultTTL is how long a room survives without any slot being touched.
	DefaultTTL = 5 * time.Minute

	// DefaultPresenceWindow is how recently a slot must have been touched
	// for its owner to count as present.
	DefaultPresenceWindow = 15 * time.Second
)

// Store is the contract every backend honors: description publishes reset
// the negotiation atomically, candidates are fetched by cursor, and a
// missing room is an empty result rather than an error.
type Store interface {
	Publish(ctx context.Context, roomID string, role models.Role, peerID string, kind models.PayloadKind, payload json.RawMessage) error
	Fetch(ctx context.Context, roomID string, role models.Role, peerID string, afterIndex int) (models.FetchResult, error)
	Room(ctx context.Context, roomID string) (models.RoomInfo, bool, error)
	Delete(ctx context.Context, roomID string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Options tune expiry and presence.
type Options struct {
	TTL            time.Duration
	PresenceWindow time.Duration
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.PresenceWindow <= 0 {
		o.PresenceWindow = DefaultPresenceWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// slot is one side's exchange state within a link.
type slot struct {
	Description json.RawMessage   `json:"description,omitempty"`
	Candidates  []json.RawMessage `json:"candidates,omitempty"`
	LastSeen    time.Time         `json:"lastSeen"`
	Generation  int               `json:"generation"`
}

func (s *slot) reset() {
	s.Description = nil
	s.Candidates = nil
	s.Generation++
}

func (s *slot) presentAt(now time.Time, window time.Duration) bool {
	return s != nil && !s.LastSeen.IsZero() && now.Sub(s.LastSeen) <= window
}

// link pairs the host's slot with one responder's slot.
type link struct {
	Host  *slot `json:"host,omitempty"`
	Guest *slot `json:"guest,omitempty"`
}

func (l *link) side(role models.Role) **slot {
	if role == models.RoleHost {
		return &l.Host
	}
	return &l.Guest
}

// roomState is the backend-independent room document. Memory keeps it
// behind a per-room mutex, Redis serializes it as JSON.
type roomState struct {
	Links map[string]*link `json:"links"`
}

func (r *roomState) link(peerID string) *link {
	if r.Links == nil {
		r.Links = make(map[string]*link)
	}
	if peerID == "" {
		peerID = models.DefaultPeer
	}
	l, ok := r.Links[peerID]
	if !ok {
		l = &link{}
		r.Links[peerID] = l
	}
	return l
}

func (r *roomState) touch(role models.Role, peerID string, now time.Time) (*slot, *link) {
	l := r.link(peerID)
	own := l.side(role)
	if *own == nil {
		*own = &slot{}
	}
	(*own).LastSeen = now
	return *own, l
}

func (r *roomState) publish(role models.Role, peerID string, kind models.PayloadKind, payload json.RawMessage, now time.Time) {
	own, l := r.touch(role, peerID, now)
	switch kind {
	case models.KindDescription:
		own.reset()
		own.Description = payload
		if other := *l.side(role.Counterpart()); other != nil {
			other.reset()
		}
	case models.KindCandidate:
		// Identical payloads within one generation are kept once, which
		// makes a retried publish safe.
		for _, existing := range own.Candidates {
			if bytes.Equal(existing, payload) {
				return
			}
		}
		own.Candidates = append(own.Candidates, payload)
	}
}

func (r *roomState) fetch(role models.Role, peerID string, afterIndex int, now time.Time, window time.Duration) models.FetchResult {
	_, l := r.touch(role, peerID, now)

	result := models.FetchResult{Candidates: []json.RawMessage{}}
	if other := *l.side(role.Counterpart()); other != nil {
		result.Description = other.Description
		result.Generation = other.Generation
		result.PeerPresent = other.presentAt(now, window)
		if afterIndex < len(other.Candidates) {
			result.Candidates = append(result.Candidates, other.Candidates[afterIndex:]...)
		}
	}

	if role == models.RoleHost && (peerID == "" || peerID == models.DefaultPeer) {
		result.Peers = r.groupPeers(now, window)
	}
	return result
}

// groupPeers lists the present responders other than the single guest.
func (r *roomState) groupPeers(now time.Time, window time.Duration) []string {
	var peers []string
	for id, l := range r.Links {
		if id == models.DefaultPeer {
			continue
		}
		if l.Guest.presentAt(now, window) {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

func (r *roomState) info(roomID string, now time.Time, window time.Duration) models.RoomInfo {
	info := models.RoomInfo{ID: roomID, Guests: []string{}}
	for id, l := range r.Links {
		for _, s := range []*slot{l.Host, l.Guest} {
			if s != nil && s.LastSeen.After(info.LastSeen) {
				info.LastSeen = s.LastSeen
			}
		}
		if l.Host.presentAt(now, window) {
			info.HostConnected = true
		}
		if l.Guest.presentAt(now, window) {
			info.Guests = append(info.Guests, id)
		}
	}
	sort.Strings(info.Guests)
	return info
}

// expired reports whether every slot is older than ttl. A room with no
// slots is always expired.
func (r *roomState) expired(now time.Time, ttl time.Duration) bool {
	for _, l := range r.Links {
		for _, s := range []*slot{l.Host, l.Guest} {
			if s != nil && now.Sub(s.LastSeen) <= ttl {
				return false
			}
		}
	}
	return true
}

func validate(roomID string, role models.Role) error {
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", callerr.ErrInvalidRequest)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", callerr.ErrInvalidRequest, role)
	}
	return nil
}

func validatePublish(roomID string, role models.Role, kind models.PayloadKind, payload json.RawMessage) error {
	if err := validate(roomID, role); err != nil {
		return err
	}
	if kind != models.KindDescription && kind != models.KindCandidate {
		return fmt.Errorf("%w: unknown payload kind %d", callerr.ErrInvalidRequest, kind)
	}
	if models.IsNull(payload) {
		return fmt.Errorf("%w: data is required", callerr.ErrInvalidRequest)
	}
	return nil
}

func validateFetch(roomID string, role models.Role, afterIndex int) error {
	if err := validate(roomID, role); err != nil {
		return err
	}
	if afterIndex < 0 {
		return fmt.Errorf("%w: lastCandidateIndex must not be negative", callerr.ErrInvalidRequest)
	}
	return nil
}
