package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/relay"
	"github.com/mossy-p/livecall/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func raw(format string, args ...any) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(format, args...))
}

// scriptedRelay answers fetches from a list of canned results and records
// every request.
type scriptedRelay struct {
	mu        sync.Mutex
	results   []scriptedResult
	fetches   []models.FetchRequest
	publishes []models.PublishRequest
	publishFn func(models.PublishRequest) error
}

type scriptedResult struct {
	result models.FetchResult
	err    error
}

func (r *scriptedRelay) Publish(_ context.Context, req models.PublishRequest) error {
	r.mu.Lock()
	r.publishes = append(r.publishes, req)
	fn := r.publishFn
	r.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil
}

func (r *scriptedRelay) Fetch(_ context.Context, req models.FetchRequest) (models.FetchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, req)
	if len(r.results) == 0 {
		return models.FetchResult{}, nil
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.result, next.err
}

func (r *scriptedRelay) cursors() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, f := range r.fetches {
		out = append(out, f.LastCandidateIndex)
	}
	return out
}

func TestWatchDeliversEachCandidateOnce(t *testing.T) {
	service := relay.NewService(store.NewMemory(store.Options{}), testLogger())
	client := NewClient(service, 5*time.Millisecond, testLogger())
	ctx := context.Background()
	host := Target{RoomID: "ABC123", Role: models.RoleHost}

	if err := client.Publish(ctx, host, models.SignalTypeOffer, raw(`{"type":"offer","sdp":"o"}`)); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := client.Publish(ctx, host, models.SignalTypeCandidate, raw(`{"candidate":"c%d"}`, i)); err != nil {
			t.Fatalf("publish candidate: %v", err)
		}
	}

	got := make(chan Candidate, 16)
	offers := make(chan json.RawMessage, 4)
	sub := client.Watch(ctx, Target{RoomID: "ABC123", Role: models.RoleGuest}, Handlers{
		OnUpdate: func(u Update) {
			if u.DescriptionChanged {
				offers <- u.Description
			}
			for _, c := range u.Candidates {
				got <- c
			}
		},
	})
	defer sub.Stop()

	time.Sleep(30 * time.Millisecond)
	for i := 3; i < 5; i++ {
		if err := client.Publish(ctx, host, models.SignalTypeCandidate, raw(`{"candidate":"c%d"}`, i)); err != nil {
			t.Fatalf("publish candidate: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case c := <-got:
			want := fmt.Sprintf(`{"candidate":"c%d"}`, i)
			if string(c.Payload) != want {
				t.Fatalf("candidate %d = %s, want %s", i, c.Payload, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for candidate %d", i)
		}
	}

	time.Sleep(30 * time.Millisecond)
	select {
	case c := <-got:
		t.Errorf("duplicate delivery of %s", c.Payload)
	default:
	}
	if len(offers) != 1 {
		t.Errorf("offer reported %d times, want 1", len(offers))
	}
}

func TestWatchRetriesSameCursorAfterError(t *testing.T) {
	relay := &scriptedRelay{results: []scriptedResult{
		{result: models.FetchResult{Candidates: []json.RawMessage{raw(`1`), raw(`2`)}}},
		{err: fmt.Errorf("%w: 502", callerr.ErrTransport)},
		{result: models.FetchResult{Candidates: []json.RawMessage{raw(`3`)}}},
		{result: models.FetchResult{}},
	}}
	client := NewClient(relay, 5*time.Millisecond, testLogger())

	errorsSeen := make(chan error, 4)
	updates := make(chan Update, 8)
	sub := client.Watch(context.Background(), Target{RoomID: "ABC123", Role: models.RoleGuest}, Handlers{
		OnUpdate: func(u Update) {
			select {
			case updates <- u:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case errorsSeen <- err:
			default:
			}
		},
	})
	for i := 0; i < 3; i++ {
		select {
		case <-updates:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for updates")
		}
	}
	sub.Stop()

	if len(errorsSeen) != 1 {
		t.Errorf("errors reported = %d, want 1", len(errorsSeen))
	}
	cursors := relay.cursors()
	want := []int{0, 2, 2, 3}
	for i := range want {
		if i >= len(cursors) || cursors[i] != want[i] {
			t.Fatalf("cursors = %v, want prefix %v", cursors, want)
		}
	}
}

func TestWatchFlushesStaleGeneration(t *testing.T) {
	relay := &scriptedRelay{results: []scriptedResult{
		{result: models.FetchResult{Generation: 1, Description: raw(`"one"`), Candidates: []json.RawMessage{raw(`"a"`), raw(`"b"`)}}},
		// Fetched with cursor 2 against a replaced list: must be discarded.
		{result: models.FetchResult{Generation: 2, Description: raw(`"two"`), Candidates: []json.RawMessage{raw(`"stale"`)}}},
		{result: models.FetchResult{Generation: 2, Description: raw(`"two"`), Candidates: []json.RawMessage{raw(`"x"`), raw(`"y"`)}}},
	}}
	client := NewClient(relay, time.Hour, testLogger())

	updates := make(chan Update, 4)
	sub := client.Watch(context.Background(), Target{RoomID: "ABC123", Role: models.RoleGuest}, Handlers{
		OnUpdate: func(u Update) { updates <- u },
	})
	defer sub.Halt()

	first := <-updates
	if first.Reset || len(first.Candidates) != 2 {
		t.Fatalf("first update = %+v", first)
	}

	// The second tick is an hour away; drive it directly.
	sub.tick(context.Background())
	second := <-updates
	if !second.Reset || !second.DescriptionChanged {
		t.Fatalf("second update should reset and carry the new description: %+v", second)
	}
	if len(second.Candidates) != 2 || string(second.Candidates[0].Payload) != `"x"` || second.Candidates[0].Generation != 2 {
		t.Fatalf("second update candidates = %+v", second.Candidates)
	}
	if cursors := relay.cursors(); len(cursors) != 3 || cursors[2] != 0 {
		t.Errorf("cursors = %v, want refetch from 0", cursors)
	}
}

func TestPublisherKeepsOrder(t *testing.T) {
	relay := &scriptedRelay{}
	client := NewClient(relay, time.Second, testLogger())
	publisher := client.Publisher(context.Background(), Target{RoomID: "ABC123", Role: models.RoleHost}, nil)

	publisher.Enqueue(models.SignalTypeOffer, raw(`"offer"`))
	for i := 0; i < 10; i++ {
		publisher.Enqueue(models.SignalTypeCandidate, raw(`%d`, i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		relay.mu.Lock()
		n := len(relay.publishes)
		relay.mu.Unlock()
		if n == 11 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d publishes arrived", n)
		}
		time.Sleep(time.Millisecond)
	}
	publisher.Close()

	if relay.publishes[0].Type != models.SignalTypeOffer {
		t.Fatalf("first publish = %s", relay.publishes[0].Type)
	}
	for i := 1; i < 11; i++ {
		if string(relay.publishes[i].Data) != fmt.Sprint(i-1) {
			t.Errorf("publish %d = %s", i, relay.publishes[i].Data)
		}
	}
}

func TestPublisherReportsErrors(t *testing.T) {
	relay := &scriptedRelay{publishFn: func(models.PublishRequest) error {
		return fmt.Errorf("%w: down", callerr.ErrTransport)
	}}
	client := NewClient(relay, time.Second, testLogger())

	failures := make(chan models.SignalType, 1)
	publisher := client.Publisher(context.Background(), Target{RoomID: "ABC123", Role: models.RoleHost}, func(kind models.SignalType, err error) {
		if callerr.KindOf(err) == callerr.KindTransport {
			failures <- kind
		}
	})
	defer publisher.Close()

	publisher.Enqueue(models.SignalTypeOffer, raw(`"offer"`))
	select {
	case kind := <-failures:
		if kind != models.SignalTypeOffer {
			t.Errorf("kind = %s", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}
}

func TestLeaveWithoutLeaverIsNoop(t *testing.T) {
	client := NewClient(&scriptedRelay{}, time.Second, testLogger())
	if err := client.Leave(context.Background(), "ABC123"); err != nil {
		t.Errorf("Leave: %v", err)
	}
}
