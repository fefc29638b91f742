package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mossy-p/livecall/internal/models"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store. The table lock is held only to resolve a
// room; all reads and writes of a room's state happen under that room's own
// lock so different rooms never contend.
type Memory struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	mu      sync.Mutex
	state   roomState
	deleted bool // set by Sweep/Delete under mu; holders must re-resolve
}

// NewMemory creates an empty in-process store.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:  opts.withDefaults(),
		rooms: make(map[string]*memoryRoom),
	}
}

// withRoom runs fn with the room locked. When create is false and the room
// does not exist, fn is not called and false is returned.
func (m *Memory) withRoom(roomID string, create bool, fn func(*roomState)) bool {
	for {
		m.mu.Lock()
		room, ok := m.rooms[roomID]
		if !ok {
			if !create {
				m.mu.Unlock()
				return false
			}
			room = &memoryRoom{}
			m.rooms[roomID] = room
		}
		m.mu.Unlock()

		room.mu.Lock()
		if room.deleted {
			// Lost a race with Sweep or Delete.
			room.mu.Unlock()
			continue
		}
		fn(&room.state)
		room.mu.Unlock()
		return true
	}
}

func (m *Memory) Publish(_ context.Context, roomID string, role models.Role, peerID string, kind models.PayloadKind, payload json.RawMessage) error {
	if err := validatePublish(roomID, role, kind, payload); err != nil {
		return err
	}
	now := m.opts.Now()
	m.withRoom(roomID, true, func(state *roomState) {
		state.publish(role, peerID, kind, payload, now)
	})
	return nil
}

func (m *Memory) Fetch(_ context.Context, roomID string, role models.Role, peerID string, afterIndex int) (models.FetchResult, error) {
	if err := validateFetch(roomID, role, afterIndex); err != nil {
		return models.FetchResult{}, err
	}
	now := m.opts.Now()
	var result models.FetchResult
	m.withRoom(roomID, true, func(state *roomState) {
		result = state.fetch(role, peerID, afterIndex, now, m.opts.PresenceWindow)
	})
	return result, nil
}

func (m *Memory) Room(_ context.Context, roomID string) (models.RoomInfo, bool, error) {
	now := m.opts.Now()
	var info models.RoomInfo
	found := m.withRoom(roomID, false, func(state *roomState) {
		info = state.info(roomID, now, m.opts.PresenceWindow)
	})
	return info, found, nil
}

func (m *Memory) Delete(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[roomID]; ok {
		room.mu.Lock()
		room.deleted = true
		room.mu.Unlock()
		delete(m.rooms, roomID)
	}
	return nil
}

// Sweep deletes every expired room and reports how many were removed.
func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, room := range m.rooms {
		room.mu.Lock()
		if room.state.expired(now, m.opts.TTL) {
			room.deleted = true
			delete(m.rooms, id)
			removed++
		}
		room.mu.Unlock()
	}
	return removed, nil
}

// Len reports how many rooms are live.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
