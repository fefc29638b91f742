// Package signaling drives a relay on behalf of one peer. It polls the relay
// on a fixed interval, tracks a candidate cursor per target so every
// candidate is delivered exactly once, and publishes local payloads in the
// order they were produced.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
)

// DefaultPollInterval is the relay poll cadence.
const DefaultPollInterval = time.Second

// maxStaleRefetch bounds back-to-back refetches within one tick when the
// counterpart keeps replacing its description.
const maxStaleRefetch = 2

// Relay is the request/response surface of the signaling relay.
// relay.Service satisfies it in-process; HTTPRelay talks to a remote server.
type Relay interface {
	Publish(ctx context.Context, req models.PublishRequest) error
	Fetch(ctx context.Context, req models.FetchRequest) (models.FetchResult, error)
}

// Leaver is implemented by relays that can close a room on the host's behalf.
type Leaver interface {
	Leave(ctx context.Context, roomID string) error
}

// Target names one side of one link in a room.
type Target struct {
	RoomID string
	Role   models.Role
	PeerID string
}

// Candidate is a remote ICE candidate tagged with the negotiation
// generation it belongs to.
type Candidate struct {
	Generation int
	Payload    json.RawMessage
}

// Update is what one poll learned about the counterpart.
type Update struct {
	Description        json.RawMessage
	DescriptionChanged bool
	Candidates         []Candidate
	Generation         int
	// Reset is set when the counterpart's negotiation was replaced since
	// the previous update; candidates buffered for older generations are
	// stale and must be dropped.
	Reset       bool
	PeerPresent bool
	Peers       []string
}

// Handlers receive poll results. They run on the subscription goroutine
// and must not block.
type Handlers struct {
	OnUpdate func(Update)
	OnError  func(error)
}

// Client polls and publishes against a Relay.
type Client struct {
	relay    Relay
	interval time.Duration
	logger   *slog.Logger
}

// NewClient creates a signaling client. A non-positive interval selects
// DefaultPollInterval.
func NewClient(relay Relay, interval time.Duration, logger *slog.Logger) *Client {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Client{relay: relay, interval: interval, logger: logger}
}

// Interval returns the poll cadence.
func (c *Client) Interval() time.Duration {
	return c.interval
}

// Leave asks the relay to close the room, when the relay supports it.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	leaver, ok := c.relay.(Leaver)
	if !ok {
		return nil
	}
	return leaver.Leave(ctx, roomID)
}

// Publish sends one payload synchronously.
func (c *Client) Publish(ctx context.Context, target Target, kind models.SignalType, payload json.RawMessage) error {
	return c.relay.Publish(ctx, models.PublishRequest{
		RoomID: target.RoomID,
		Role:   target.Role,
		Type:   kind,
		Data:   payload,
		PeerID: target.PeerID,
	})
}

// Subscription is a running poll loop for one target.
type Subscription struct {
	client   *Client
	target   Target
	handlers Handlers

	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the poll goroutine.
	cursor          int
	generation      int
	seen            bool
	lastDescription json.RawMessage
	pendingReset    bool
}

// Watch starts polling target immediately and then on every interval until
// ctx is cancelled or Stop is called.
func (c *Client) Watch(ctx context.Context, target Target, handlers Handlers) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		client:   c,
		target:   target,
		handlers: handlers,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.run(ctx)
	return sub
}

// Stop ends polling and waits for the poll goroutine to exit. Safe to call
// more than once and from any goroutine other than a handler.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Halt ends polling without waiting. Handlers may call it.
func (s *Subscription) Halt() {
	s.cancel()
}

// Done is closed once the poll goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.client.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Subscription) tick(ctx context.Context) {
	update, err := s.poll(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		// The cursor is unchanged, so the next tick retries the same slice.
		s.client.logger.Debug("signaling poll failed",
			"room", s.target.RoomID,
			"role", s.target.Role,
			"error", err,
		)
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
		return
	}
	if s.handlers.OnUpdate != nil {
		s.handlers.OnUpdate(update)
	}
}

func (s *Subscription) poll(ctx context.Context) (Update, error) {
	var result models.FetchResult
	for attempt := 0; ; attempt++ {
		var err error
		result, err = s.client.relay.Fetch(ctx, models.FetchRequest{
			RoomID:             s.target.RoomID,
			Role:               s.target.Role,
			PeerID:             s.target.PeerID,
			LastCandidateIndex: s.cursor,
		})
		if err != nil {
			return Update{}, err
		}

		if !s.seen || result.Generation == s.generation {
			break
		}

		// The counterpart's candidate list was replaced. Anything fetched
		// relative to the old cursor belongs to a dead negotiation.
		s.generation = result.Generation
		s.pendingReset = true
		if s.cursor == 0 {
			break
		}
		s.cursor = 0
		if attempt >= maxStaleRefetch {
			return Update{}, callerr.ErrNegotiationStale
		}
	}

	s.seen = true
	s.generation = result.Generation
	s.cursor += len(result.Candidates)

	update := Update{
		Description: result.Description,
		Generation:  result.Generation,
		Reset:       s.pendingReset,
		PeerPresent: result.PeerPresent,
		Peers:       result.Peers,
	}
	s.pendingReset = false

	if !bytes.Equal(result.Description, s.lastDescription) {
		update.DescriptionChanged = true
		s.lastDescription = result.Description
	}
	for _, payload := range result.Candidates {
		update.Candidates = append(update.Candidates, Candidate{Generation: result.Generation, Payload: payload})
	}
	return update, nil
}

// Publisher sends payloads for one target strictly in enqueue order from a
// single goroutine, so a description always precedes its candidates.
type Publisher struct {
	client  *Client
	target  Target
	onError func(models.SignalType, error)

	mu      sync.Mutex
	queue   []models.PublishRequest
	wake    chan struct{}
	closed  bool
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// Publisher starts an ordered publisher for target. onError is called from
// the publisher goroutine for every failed publish.
func (c *Client) Publisher(ctx context.Context, target Target, onError func(models.SignalType, error)) *Publisher {
	ctx, cancel := context.WithCancel(ctx)
	p := &Publisher{
		client:  c,
		target:  target,
		onError: onError,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go p.run()
	return p
}

// Enqueue schedules a publish. It never blocks.
func (p *Publisher) Enqueue(kind models.SignalType, payload json.RawMessage) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, models.PublishRequest{
		RoomID: p.target.RoomID,
		Role:   p.target.Role,
		Type:   kind,
		Data:   payload,
		PeerID: p.target.PeerID,
	})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close drops anything not yet sent and stops the goroutine.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	p.cancel()
	<-p.stopped
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		req := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		err := p.client.relay.Publish(p.ctx, req)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || p.ctx.Err() != nil {
			return
		}
		p.client.logger.Warn("signaling publish failed",
			"room", req.RoomID,
			"role", req.Role,
			"type", req.Type,
			"error", err,
		)
		if p.onError != nil {
			p.onError(req.Type, err)
		}
	}
}
