package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness binds a backend to a clock. expire moves time forward and lets
// the backend collect garbage the way it does in production.
type harness struct {
	store  Store
	clock  *fakeClock
	expire func(d time.Duration)
}

type harnessFactory func(t *testing.T, opts Options) harness

func candidate(label string, i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"candidate":"%s-%d","sdpMid":"0"}`, label, i))
}

func description(kind, sdp string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":%q,"sdp":%q}`, kind, sdp))
}

func mustPublish(t *testing.T, s Store, room string, role models.Role, kind models.PayloadKind, payload json.RawMessage) {
	t.Helper()
	if err := s.Publish(context.Background(), room, role, "", kind, payload); err != nil {
		t.Fatalf("Publish(%s, %s): %v", room, role, err)
	}
}

func mustFetch(t *testing.T, s Store, room string, role models.Role, after int) models.FetchResult {
	t.Helper()
	result, err := s.Fetch(context.Background(), room, role, "", after)
	if err != nil {
		t.Fatalf("Fetch(%s, %s, %d): %v", room, role, after, err)
	}
	return result
}

func runStoreContract(t *testing.T, newHarness harnessFactory) {
	t.Run("CursorDeliversEveryCandidateOnce", func(t *testing.T) {
		h := newHarness(t, Options{})
		rng := rand.New(rand.NewSource(7))

		var published []json.RawMessage
		var received []json.RawMessage
		cursor := 0
		hostNext := 0
		guestNext := 0

		for step := 0; step < 300; step++ {
			switch rng.Intn(3) {
			case 0:
				c := candidate("host", hostNext)
				hostNext++
				published = append(published, c)
				mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindCandidate, c)
			case 1:
				// Same-role traffic on the other side must not disturb the cursor.
				mustPublish(t, h.store, "ABC123", models.RoleGuest, models.KindCandidate, candidate("guest", guestNext))
				guestNext++
			case 2:
				result := mustFetch(t, h.store, "ABC123", models.RoleGuest, cursor)
				received = append(received, result.Candidates...)
				cursor += len(result.Candidates)
			}
		}
		result := mustFetch(t, h.store, "ABC123", models.RoleGuest, cursor)
		received = append(received, result.Candidates...)

		if len(received) != len(published) {
			t.Fatalf("received %d candidates, want %d", len(received), len(published))
		}
		for i := range published {
			if string(received[i]) != string(published[i]) {
				t.Fatalf("candidate %d = %s, want %s", i, received[i], published[i])
			}
		}

		for _, k := range []int{0, 1, len(published) / 2, len(published), len(published) + 5} {
			got := mustFetch(t, h.store, "ABC123", models.RoleGuest, k).Candidates
			want := 0
			if k < len(published) {
				want = len(published) - k
			}
			if len(got) != want {
				t.Errorf("Fetch after %d returned %d candidates, want %d", k, len(got), want)
			}
		}
	})

	t.Run("DescriptionResetsNegotiation", func(t *testing.T) {
		h := newHarness(t, Options{})
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindDescription, description("offer", "one"))
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindCandidate, candidate("host", 0))
		mustPublish(t, h.store, "ABC123", models.RoleGuest, models.KindCandidate, candidate("guest", 0))

		before := mustFetch(t, h.store, "ABC123", models.RoleHost, 0)
		if len(before.Candidates) != 1 {
			t.Fatalf("host sees %d guest candidates before reset, want 1", len(before.Candidates))
		}

		mustPublish(t, h.store, "ABC123", models.RoleGuest, models.KindDescription, description("answer", "one"))

		// The answering side's own candidates and the counterpart's
		// description and candidates are gone.
		host := mustFetch(t, h.store, "ABC123", models.RoleHost, 0)
		if string(host.Description) != string(description("answer", "one")) {
			t.Errorf("host sees answer %s", host.Description)
		}
		if len(host.Candidates) != 0 {
			t.Errorf("host sees %d guest candidates after answer, want 0", len(host.Candidates))
		}
		if host.Generation == before.Generation {
			t.Errorf("guest slot generation did not change")
		}
		guest := mustFetch(t, h.store, "ABC123", models.RoleGuest, 0)
		if guest.Description != nil || len(guest.Candidates) != 0 {
			t.Errorf("guest still sees offer %s and %d candidates", guest.Description, len(guest.Candidates))
		}

		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindDescription, description("offer", "two"))
		host = mustFetch(t, h.store, "ABC123", models.RoleHost, 0)
		if host.Description != nil {
			t.Errorf("new offer did not clear answer: %s", host.Description)
		}
		guest = mustFetch(t, h.store, "ABC123", models.RoleGuest, 0)
		if string(guest.Description) != string(description("offer", "two")) {
			t.Errorf("guest sees offer %s", guest.Description)
		}
	})

	t.Run("ExpiredRoomIsCollected", func(t *testing.T) {
		h := newHarness(t, Options{TTL: time.Minute, PresenceWindow: 10 * time.Second})
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindDescription, description("offer", "one"))
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindCandidate, candidate("host", 0))

		h.expire(time.Minute + time.Second)

		if _, found, err := h.store.Room(context.Background(), "ABC123"); err != nil || found {
			t.Fatalf("Room after TTL: found=%v err=%v", found, err)
		}
		result := mustFetch(t, h.store, "ABC123", models.RoleGuest, 0)
		if result.PeerPresent || result.Description != nil || len(result.Candidates) != 0 {
			t.Errorf("stale data after TTL: %+v", result)
		}
	})

	t.Run("LiveRoomSurvivesWhileOneSlotIsFresh", func(t *testing.T) {
		h := newHarness(t, Options{TTL: time.Minute, PresenceWindow: 10 * time.Second})
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindDescription, description("offer", "one"))
		h.expire(40 * time.Second)
		mustFetch(t, h.store, "ABC123", models.RoleGuest, 0)
		h.expire(40 * time.Second)

		result := mustFetch(t, h.store, "ABC123", models.RoleGuest, 0)
		if result.Description == nil {
			t.Error("offer collected while the guest was still polling")
		}
		if result.PeerPresent {
			t.Error("host reported present after leaving the presence window")
		}
	})

	t.Run("MissingRoomIsEmptyNotError", func(t *testing.T) {
		h := newHarness(t, Options{})
		result := mustFetch(t, h.store, "NOPE42", models.RoleGuest, 0)
		if result.Description != nil || result.PeerPresent || len(result.Candidates) != 0 {
			t.Errorf("unexpected result for missing room: %+v", result)
		}
		if result.Candidates == nil {
			t.Error("candidates should be an empty list, not nil")
		}
	})

	t.Run("FetchCountsAsPresence", func(t *testing.T) {
		h := newHarness(t, Options{})
		mustFetch(t, h.store, "ABC123", models.RoleGuest, 0)
		if !mustFetch(t, h.store, "ABC123", models.RoleHost, 0).PeerPresent {
			t.Error("guest poll did not register presence")
		}
	})

	t.Run("DuplicateCandidateStoredOnce", func(t *testing.T) {
		h := newHarness(t, Options{})
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindCandidate, candidate("host", 0))
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindCandidate, candidate("host", 0))
		if got := len(mustFetch(t, h.store, "ABC123", models.RoleGuest, 0).Candidates); got != 1 {
			t.Errorf("got %d candidates, want 1", got)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		h := newHarness(t, Options{})
		ctx := context.Background()
		cases := []error{
			h.store.Publish(ctx, "", models.RoleHost, "", models.KindCandidate, candidate("h", 0)),
			h.store.Publish(ctx, "ABC123", models.Role("boss"), "", models.KindCandidate, candidate("h", 0)),
			h.store.Publish(ctx, "ABC123", models.RoleHost, "", models.PayloadKind(0), candidate("h", 0)),
			h.store.Publish(ctx, "ABC123", models.RoleHost, "", models.KindCandidate, json.RawMessage("null")),
		}
		_, fetchErr := h.store.Fetch(ctx, "ABC123", models.RoleGuest, "", -1)
		cases = append(cases, fetchErr)

		for i, err := range cases {
			if !errors.Is(err, callerr.ErrInvalidRequest) {
				t.Errorf("case %d: err = %v, want ErrInvalidRequest", i, err)
			}
		}
	})

	t.Run("GroupPeersAreListedForHost", func(t *testing.T) {
		h := newHarness(t, Options{})
		ctx := context.Background()
		for _, peer := range []string{"p-2", "p-1"} {
			if _, err := h.store.Fetch(ctx, "ABC123", models.RoleGuest, peer, 0); err != nil {
				t.Fatalf("guest fetch: %v", err)
			}
		}
		lobby := mustFetch(t, h.store, "ABC123", models.RoleHost, 0)
		if len(lobby.Peers) != 2 || lobby.Peers[0] != "p-1" || lobby.Peers[1] != "p-2" {
			t.Fatalf("peers = %v", lobby.Peers)
		}
		if lobby.PeerPresent {
			t.Error("single guest reported present in a group-only room")
		}

		if err := h.store.Publish(ctx, "ABC123", models.RoleHost, "p-1", models.KindDescription, description("offer", "p1")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		p1, _ := h.store.Fetch(ctx, "ABC123", models.RoleGuest, "p-1", 0)
		p2, _ := h.store.Fetch(ctx, "ABC123", models.RoleGuest, "p-2", 0)
		if p1.Description == nil || p2.Description != nil {
			t.Errorf("offer leaked across links: p1=%s p2=%s", p1.Description, p2.Description)
		}
	})

	t.Run("RoomsAreIsolated", func(t *testing.T) {
		h := newHarness(t, Options{})
		var wg sync.WaitGroup
		rooms := []string{"ABC123", "XYZ987"}
		const perRoom = 40

		for _, room := range rooms {
			for _, role := range []models.Role{models.RoleHost, models.RoleGuest} {
				wg.Add(1)
				go func(room string, role models.Role) {
					defer wg.Done()
					for i := 0; i < perRoom; i++ {
						payload := candidate(room+"-"+string(role), i)
						if err := h.store.Publish(context.Background(), room, role, "", models.KindCandidate, payload); err != nil {
							t.Errorf("publish: %v", err)
							return
						}
						if _, err := h.store.Fetch(context.Background(), room, role, "", i); err != nil {
							t.Errorf("fetch: %v", err)
							return
						}
					}
				}(room, role)
			}
		}
		wg.Wait()

		for _, room := range rooms {
			result := mustFetch(t, h.store, room, models.RoleGuest, 0)
			if len(result.Candidates) != perRoom {
				t.Errorf("%s: %d host candidates, want %d", room, len(result.Candidates), perRoom)
			}
			want := candidate(room+"-host", 0)
			if len(result.Candidates) > 0 && string(result.Candidates[0]) != string(want) {
				t.Errorf("%s: first candidate %s, want %s", room, result.Candidates[0], want)
			}
		}
	})

	t.Run("DeleteRemovesRoom", func(t *testing.T) {
		h := newHarness(t, Options{})
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindDescription, description("offer", "one"))
		if err := h.store.Delete(context.Background(), "ABC123"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, found, _ := h.store.Room(context.Background(), "ABC123"); found {
			t.Error("room still present after Delete")
		}
	})

	t.Run("RoomInfo", func(t *testing.T) {
		h := newHarness(t, Options{})
		mustPublish(t, h.store, "ABC123", models.RoleHost, models.KindDescription, description("offer", "one"))
		mustFetch(t, h.store, "ABC123", models.RoleGuest, 0)

		info, found, err := h.store.Room(context.Background(), "ABC123")
		if err != nil || !found {
			t.Fatalf("Room: found=%v err=%v", found, err)
		}
		if !info.HostConnected || len(info.Guests) != 1 || info.Guests[0] != models.DefaultPeer {
			t.Errorf("info = %+v", info)
		}
	})
}
