// Package relay is the request boundary over the room store. It validates
// the shape of signaling calls, dispatches them, and runs garbage collection
// on every call. It holds no state of its own.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/store"
)

const maxRoomIDLength = 64

var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Service dispatches signaling calls to a store.
type Service struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a relay over st.
func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, now: time.Now, logger: logger}
}

// sweep collects expired rooms. Failures are logged, never returned: a
// collection hiccup must not fail the caller's request.
func (s *Service) sweep(ctx context.Context) {
	removed, err := s.store.Sweep(ctx, s.now())
	if err != nil {
		s.logger.Warn("room sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Debug("swept expired rooms", "count", removed)
	}
}

// Publish stores an offer, answer or candidate.
func (s *Service) Publish(ctx context.Context, req models.PublishRequest) error {
	s.sweep(ctx)

	kind, err := validatePublish(req)
	if err != nil {
		return err
	}
	if err := s.store.Publish(ctx, req.RoomID, req.Role, req.PeerID, kind, req.Data); err != nil {
		return err
	}

	if kind == models.KindDescription {
		s.logger.Info("session description published",
			"room", req.RoomID,
			"role", req.Role,
			"type", req.Type,
			"peer", req.PeerID,
		)
	}
	return nil
}

// Fetch returns the counterpart's state after the caller's cursor.
func (s *Service) Fetch(ctx context.Context, req models.FetchRequest) (models.FetchResult, error) {
	s.sweep(ctx)

	if err := validateRoom(req.RoomID); err != nil {
		return models.FetchResult{}, err
	}
	if !req.Role.Valid() {
		return models.FetchResult{}, fmt.Errorf("%w: role must be host or guest", callerr.ErrInvalidRequest)
	}
	if err := validatePeer(req.PeerID); err != nil {
		return models.FetchResult{}, err
	}
	if req.LastCandidateIndex < 0 {
		return models.FetchResult{}, fmt.Errorf("%w: lastCandidateIndex must not be negative", callerr.ErrInvalidRequest)
	}
	return s.store.Fetch(ctx, req.RoomID, req.Role, req.PeerID, req.LastCandidateIndex)
}

// Room reports who is present in a room.
func (s *Service) Room(ctx context.Context, roomID string) (models.RoomInfo, bool, error) {
	s.sweep(ctx)
	if err := validateRoom(roomID); err != nil {
		return models.RoomInfo{}, false, err
	}
	return s.store.Room(ctx, roomID)
}

// Leave removes a room once its host ends the call.
func (s *Service) Leave(ctx context.Context, roomID string) error {
	s.sweep(ctx)
	if err := validateRoom(roomID); err != nil {
		return err
	}
	s.logger.Info("room closed by host", "room", roomID)
	return s.store.Delete(ctx, roomID)
}

func validatePublish(req models.PublishRequest) (models.PayloadKind, error) {
	if err := validateRoom(req.RoomID); err != nil {
		return 0, err
	}
	if !req.Role.Valid() {
		return 0, fmt.Errorf("%w: role must be host or guest", callerr.ErrInvalidRequest)
	}
	if err := validatePeer(req.PeerID); err != nil {
		return 0, err
	}
	if models.IsNull(req.Data) {
		return 0, fmt.Errorf("%w: data is required", callerr.ErrInvalidRequest)
	}

	switch req.Type {
	case models.SignalTypeCandidate:
		return models.KindCandidate, nil
	case models.SignalTypeOffer:
		if req.Role != models.RoleHost {
			return 0, fmt.Errorf("%w: only the host publishes offers", callerr.ErrInvalidRequest)
		}
		return models.KindDescription, nil
	case models.SignalTypeAnswer:
		if req.Role != models.RoleGuest {
			return 0, fmt.Errorf("%w: only a guest publishes answers", callerr.ErrInvalidRequest)
		}
		return models.KindDescription, nil
	}
	return 0, fmt.Errorf("%w: unknown type %q", callerr.ErrInvalidRequest, req.Type)
}

func validateRoom(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", callerr.ErrInvalidRequest)
	}
	if len(roomID) > maxRoomIDLength {
		return fmt.Errorf("%w: roomId is longer than %d characters", callerr.ErrInvalidRequest, maxRoomIDLength)
	}
	return nil
}

func validatePeer(peerID string) error {
	if peerID != "" && !peerIDPattern.MatchString(peerID) {
		return fmt.Errorf("%w: malformed peerId", callerr.ErrInvalidRequest)
	}
	return nil
}
