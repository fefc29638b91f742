package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
)

// Compile-time interface check.
var _ Store = (*Redis)(nil)

const (
	redisKeyPrefix = "signal:room:"

	// maxTxAttempts bounds optimistic transaction retries when several
	// clients of the same room write at once.
	maxTxAttempts = 16
)

// Redis stores each room as one JSON document. Every access refreshes the
// key's TTL, so Redis expiry performs the garbage collection that Sweep does
// for Memory. Per-room serialization comes from WATCH/MULTI.
type Redis struct {
	client *redis.Client
	opts   Options
}

// NewRedis wraps an already connected client.
func NewRedis(client *redis.Client, opts Options) *Redis {
	return &Redis{client: client, opts: opts.withDefaults()}
}

func (s *Redis) key(roomID string) string {
	return redisKeyPrefix + roomID
}

// update runs fn against the room document inside an optimistic transaction
// and writes the result back with a fresh TTL.
func (s *Redis) update(ctx context.Context, roomID string, fn func(*roomState)) error {
	key := s.key(roomID)
	// codecErr is set when the room document fails to decode or encode.
	var codecErr error

	txf := func(tx *redis.Tx) error {
		var state roomState
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &state); err != nil {
				codecErr = fmt.Errorf("decoding room %s: %w", roomID, err)
				return codecErr
			}
		}

		fn(&state)

		data, err := json.Marshal(&state)
		if err != nil {
			codecErr = fmt.Errorf("encoding room %s: %w", roomID, err)
			return codecErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.opts.TTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if codecErr != nil {
			return codecErr
		}
		return fmt.Errorf("%w: redis: %v", callerr.ErrTransport, err)
	}
	return fmt.Errorf("%w: redis: too much contention on room %s", callerr.ErrTransport, roomID)
}

func (s *Redis) Publish(ctx context.Context, roomID string, role models.Role, peerID string, kind models.PayloadKind, payload json.RawMessage) error {
	if err := validatePublish(roomID, role, kind, payload); err != nil {
		return err
	}
	now := s.opts.Now()
	return s.update(ctx, roomID, func(state *roomState) {
		state.publish(role, peerID, kind, payload, now)
	})
}

func (s *Redis) Fetch(ctx context.Context, roomID string, role models.Role, peerID string, afterIndex int) (models.FetchResult, error) {
	if err := validateFetch(roomID, role, afterIndex); err != nil {
		return models.FetchResult{}, err
	}
	now := s.opts.Now()
	var result models.FetchResult
	err := s.update(ctx, roomID, func(state *roomState) {
		result = state.fetch(role, peerID, afterIndex, now, s.opts.PresenceWindow)
	})
	return result, err
}

func (s *Redis) Room(ctx context.Context, roomID string) (models.RoomInfo, bool, error) {
	raw, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RoomInfo{}, false, nil
	}
	if err != nil {
		return models.RoomInfo{}, false, fmt.Errorf("%w: redis: %v", callerr.ErrTransport, err)
	}

	var state roomState
	if err := json.Unmarshal(raw, &state); err != nil {
		return models.RoomInfo{}, false, fmt.Errorf("decoding room %s: %w", roomID, err)
	}
	return state.info(roomID, s.opts.Now(), s.opts.PresenceWindow), true, nil
}

func (s *Redis) Delete(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, s.key(roomID)).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", callerr.ErrTransport, err)
	}
	return nil
}

// Sweep is a no-op: keys expire on their own TTL.
func (s *Redis) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
