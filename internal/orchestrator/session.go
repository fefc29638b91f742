// Package orchestrator owns the lifecycle of one logical call. A Session
// acquires local media, negotiates peer links through the signaling client
// as initiator or responder, reconnects dropped links with backoff, retries
// failed attempts within fixed bounds and relays transcribed speech and its
// translations over the links' data channels.
//
// All session state is owned by a single event-loop goroutine. Transport
// callbacks, poll results, timers and user actions are posted to it as
// closures, and every continuation re-checks that the session is alive and
// that the epoch and link it was created for are still current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/media"
	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/peer"
	"github.com/mossy-p/livecall/internal/signaling"
	"github.com/mossy-p/livecall/internal/translator"
)

// Status messages shown to the user.
const (
	MessageStarting       = "Starting camera..."
	MessageWaiting        = "Waiting for someone to join..."
	MessageConnecting     = "Connecting..."
	MessageConnectingHost = "Connecting to host..."
	MessageConnected      = "Connected"
	MessageReconnecting   = "Connection lost. Reconnecting..."
	MessageRoomNotFound   = "Room not found. Host may have left."
	MessageSignalingDown  = "Could not reach the signaling server."
	MessageConnectionLost = "Connection lost."
	MessageEnded          = "Call ended"
)

const (
	hostRemoteID = "host"
	leaveTimeout = 5 * time.Second
)

// Timing holds the session's delays, timeouts and retry bounds. Zero fields
// take their defaults.
type Timing struct {
	// ResponderDelay is how long a responder waits before its first poll so
	// the initiator's offer and first candidates are already published.
	ResponderDelay time.Duration
	// OfferTimeout bounds each responder attempt to find an offer.
	OfferTimeout time.Duration
	// ConnectTimeout bounds a negotiation once both sides are present.
	ConnectTimeout time.Duration
	// RetryDelay separates failed attempts.
	RetryDelay time.Duration
	// ReconnectBackoff lists the delays before each reconnection attempt of
	// a link that was connected. Its length is the attempt bound.
	ReconnectBackoff []time.Duration

	PeerUnavailableRetries int
	TransportRetries       int
}

// DefaultTiming returns the production timing.
func DefaultTiming() Timing {
	return Timing{
		ResponderDelay: 500 * time.Millisecond,
		OfferTimeout:   10 * time.Second,
		ConnectTimeout: 20 * time.Second,
		RetryDelay:     2 * time.Second,
		ReconnectBackoff: []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		},
		PeerUnavailableRetries: 3,
		TransportRetries:       5,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.ResponderDelay <= 0 {
		t.ResponderDelay = d.ResponderDelay
	}
	if t.OfferTimeout <= 0 {
		t.OfferTimeout = d.OfferTimeout
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = d.ConnectTimeout
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = d.RetryDelay
	}
	if len(t.ReconnectBackoff) == 0 {
		t.ReconnectBackoff = d.ReconnectBackoff
	}
	if t.PeerUnavailableRetries <= 0 {
		t.PeerUnavailableRetries = d.PeerUnavailableRetries
	}
	if t.TransportRetries <= 0 {
		t.TransportRetries = d.TransportRetries
	}
	return t
}

// Status is the user-facing state of a session.
type Status struct {
	State   State
	Message string
	// Kind classifies the failure when State is StateFailed.
	Kind callerr.Kind
}

// LinkInfo describes one peer link.
type LinkInfo struct {
	PeerID      string
	State       State
	Name        string
	Lang        string
	ChannelOpen bool
}

// Hooks are called from the event loop and must not block.
type Hooks struct {
	OnStatus     func(Status)
	OnTranscript func([]models.TranscriptEntry)
}

// Options configure a session.
type Options struct {
	RoomID string
	// Role is RoleHost for the initiator and RoleGuest for a responder.
	Role models.Role
	// Group runs the initiator with one link per responder, and gives a
	// responder its own generated peer id.
	Group bool
	Name  string
	Lang  string
	// PeerLang is assumed for remote participants until they announce
	// their own language.
	PeerLang string

	Signaling  *signaling.Client
	Links      peer.Factory
	Media      media.Source
	Translator translator.Translator
	Logger     *slog.Logger
	Hooks      Hooks
	Timing     Timing
}

// Session is one logical call.
type Session struct {
	opts   Options
	timing Timing
	logger *slog.Logger

	startMu sync.Mutex
	started bool

	qmu     sync.Mutex
	queue   []func()
	qclosed bool
	wake    chan struct{}
	done    chan struct{}

	// Owned by the event loop.
	ctx         context.Context
	cancel      context.CancelFunc
	epochCtx    context.Context
	epochCancel context.CancelFunc
	alive       bool
	state       State
	epoch       int
	failure     error
	peerID      string
	lang        string
	stream      *media.Stream
	remotes     map[string]*remote
	dropped     map[string]bool
	lobby       *signaling.Subscription
	halted      []*signaling.Subscription
	transcript  []models.TranscriptEntry

	mu                 sync.Mutex
	status             Status
	transcriptSnapshot []models.TranscriptEntry
	linkSnapshot       []LinkInfo
}

// New creates a session. Nothing happens until Start.
func New(opts Options) (*Session, error) {
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("%w: role must be host or guest", callerr.ErrInvalidRequest)
	}
	if opts.RoomID == "" {
		return nil, fmt.Errorf("%w: room is required", callerr.ErrInvalidRequest)
	}
	if opts.Signaling == nil || opts.Links == nil || opts.Media == nil {
		return nil, errors.New("orchestrator: signaling, links and media are required")
	}
	if opts.Translator == nil {
		opts.Translator = translator.Passthrough{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		opts:    opts,
		timing:  opts.Timing.withDefaults(),
		logger:  opts.Logger.With("room", opts.RoomID, "role", opts.Role),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		lang:    opts.Lang,
		remotes: make(map[string]*remote),
		dropped: make(map[string]bool),
		status:  Status{State: StateInit},
	}
	if opts.Role == models.RoleGuest && opts.Group {
		s.peerID = uuid.NewString()
	}
	return s, nil
}

// Start begins the call. The session runs until End is called or ctx is
// cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return errors.New("orchestrator: session already started")
	}
	s.started = true

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.alive = true
	go s.run()
	s.post(s.begin)
	return nil
}

// Retry restarts a failed session from init with fresh attempt counters.
// It does nothing unless the session is failed.
func (s *Session) Retry() {
	s.post(func() {
		if s.state != StateFailed {
			return
		}
		s.logger.Info("retrying session")
		s.failure = nil
		s.setState(StateInit)
		s.begin()
	})
}

// End tears the session down and waits until no poll, timer or callback
// can touch it again. Safe to call more than once.
func (s *Session) End() {
	s.startMu.Lock()
	if !s.started {
		s.started = true
		s.startMu.Unlock()
		s.state = StateEnded
		s.snapshotStatus()
		close(s.done)
		return
	}
	s.startMu.Unlock()

	s.post(s.shutdown)
	<-s.done
	for _, sub := range s.halted {
		<-sub.Done()
	}
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// PeerID is the responder id a group guest registers under.
func (s *Session) PeerID() string {
	return s.peerID
}

// Status returns the current user-facing state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []models.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TranscriptEntry(nil), s.transcriptSnapshot...)
}

// Links returns the current links ordered by peer id.
func (s *Session) Links() []LinkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LinkInfo(nil), s.linkSnapshot...)
}

// SetMuted toggles the outgoing audio track.
func (s *Session) SetMuted(muted bool) {
	s.post(func() {
		if s.stream != nil {
			s.stream.SetAudioEnabled(!muted)
		}
	})
}

// SetVideoEnabled toggles the outgoing video track.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.post(func() {
		if s.stream != nil {
			s.stream.SetVideoEnabled(enabled)
		}
	})
}

// SwitchCamera opens the camera facing the given way and substitutes it on
// every link's video sender without renegotiating.
func (s *Session) SwitchCamera(facing media.Facing) {
	s.post(func() {
		if s.stream == nil {
			return
		}
		epoch, ctx := s.epoch, s.epochCtx
		go func() {
			track, err := s.opts.Media.OpenCamera(ctx, facing)
			posted := s.post(func() {
				if !s.current(epoch) || s.stream == nil {
					if track != nil {
						track.Stop()
					}
					return
				}
				s.replaceVideo(track, err)
			})
			if !posted && track != nil {
				track.Stop()
			}
		}()
	})
}

func (s *Session) replaceVideo(track media.Track, err error) {
	if err != nil {
		s.logger.Warn("camera switch failed", "error", err)
		return
	}
	s.stream.ReplaceVideo(track)
	for _, r := range s.remotes {
		if r.link == nil {
			continue
		}
		if err := r.link.ReplaceVideoTrack(track); err != nil {
			s.logger.Warn("video track replacement failed", "peer", r.id, "error", err)
		}
	}
}

// post queues fn for the event loop. It never blocks and reports false once
// the session has shut down.
func (s *Session) post(fn func()) bool {
	s.qmu.Lock()
	if s.qclosed {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// postEpoch queues fn to run only if the session is still in epoch.
func (s *Session) postEpoch(epoch int, fn func()) {
	s.post(func() {
		if s.current(epoch) {
			fn()
		}
	})
}

func (s *Session) current(epoch int) bool {
	return s.alive && s.epoch == epoch
}

func (s *Session) drain() []func() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	queued := s.queue
	s.queue = nil
	return queued
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			s.shutdown()
			return
		}
		for _, fn := range s.drain() {
			fn()
			if !s.alive {
				return
			}
		}
	}
}

// begin starts a new epoch: acquire media, then negotiate.
func (s *Session) begin() {
	s.epoch++
	s.epochCtx, s.epochCancel = context.WithCancel(s.ctx)
	s.remotes = make(map[string]*remote)
	s.dropped = make(map[string]bool)
	s.setState(StateAcquiringMedia)

	epoch, ctx := s.epoch, s.epochCtx
	go func() {
		stream, err := s.opts.Media.Acquire(ctx)
		posted := s.post(func() {
			if !s.current(epoch) {
				if stream != nil {
					stream.Stop()
				}
				return
			}
			s.onMedia(stream, err)
		})
		if !posted && stream != nil {
			stream.Stop()
		}
	}()
}

func (s *Session) onMedia(stream *media.Stream, err error) {
	if err != nil {
		if !errors.Is(err, callerr.ErrMediaDenied) {
			err = fmt.Errorf("%w: %v", callerr.ErrMediaDenied, err)
		}
		s.fail(err)
		return
	}
	s.stream = stream

	if s.opts.Role == models.RoleGuest {
		r := s.newRemote(hostRemoteID, signaling.Target{
			RoomID: s.opts.RoomID,
			Role:   models.RoleGuest,
			PeerID: s.peerID,
		}, false)
		s.setState(StateConnecting)
		r.timer = s.remoteTimer(r, s.timing.ResponderDelay, func() { s.openLink(r) })
		s.publishLinks()
		return
	}

	s.setState(StateWaiting)
	if s.opts.Group {
		s.startLobby()
		return
	}
	r := s.newRemote(models.DefaultPeer, signaling.Target{RoomID: s.opts.RoomID, Role: models.RoleHost}, true)
	s.openLink(r)
}

// startLobby watches the default link for responders announcing
// themselves. It runs for the rest of the epoch.
func (s *Session) startLobby() {
	epoch := s.epoch
	s.lobby = s.opts.Signaling.Watch(s.epochCtx, signaling.Target{RoomID: s.opts.RoomID, Role: models.RoleHost}, signaling.Handlers{
		OnUpdate: func(u signaling.Update) {
			s.postEpoch(epoch, func() { s.onLobby(u) })
		},
		OnError: func(err error) {
			s.postEpoch(epoch, func() {
				s.logger.Debug("lobby poll failed", "error", err)
			})
		},
	})
}

func (s *Session) onLobby(u signaling.Update) {
	present := make(map[string]bool, len(u.Peers))
	for _, id := range u.Peers {
		present[id] = true
	}
	for id := range s.dropped {
		if !present[id] {
			delete(s.dropped, id)
		}
	}
	for _, id := range u.Peers {
		if _, ok := s.remotes[id]; ok || s.dropped[id] {
			continue
		}
		s.logger.Info("responder joined", "peer", id)
		r := s.newRemote(id, signaling.Target{RoomID: s.opts.RoomID, Role: models.RoleHost, PeerID: id}, true)
		s.openLink(r)
	}
}

// fail tears every link down and parks the session in failed.
func (s *Session) fail(err error) {
	s.logger.Warn("session failed", "kind", callerr.KindOf(err), "error", err)
	s.teardown()
	s.failure = err
	if s.state == StateConnected {
		s.setState(StateReconnecting)
	}
	s.setState(StateFailed)
}

func (s *Session) shutdown() {
	if !s.alive {
		return
	}
	s.teardown()

	if s.opts.Role == models.RoleHost {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := s.opts.Signaling.Leave(ctx, s.opts.RoomID); err != nil {
			s.logger.Warn("failed to close room", "error", err)
		}
		cancel()
	}

	s.setState(StateEnded)
	s.alive = false

	s.qmu.Lock()
	s.qclosed = true
	s.queue = nil
	s.qmu.Unlock()
	s.cancel()
}

// halt stops sub without waiting and keeps it until End can wait on it.
// Subscriptions that have already exited are dropped.
func (s *Session) halt(sub *signaling.Subscription) {
	sub.Halt()
	kept := s.halted[:0]
	for _, h := range s.halted {
		select {
		case <-h.Done():
		default:
			kept = append(kept, h)
		}
	}
	s.halted = append(kept, sub)
}

// teardown releases everything the epoch owns: polling stops first, then
// data channels close, then transports, then local media.
func (s *Session) teardown() {
	for _, r := range s.remotes {
		r.stopTimer()
	}
	if s.lobby != nil {
		s.halt(s.lobby)
		s.lobby = nil
	}
	for _, r := range s.remotes {
		s.stopSignaling(r)
	}
	if s.epochCancel != nil {
		s.epochCancel()
	}

	for _, r := range s.remotes {
		if r.link != nil {
			if err := r.link.CloseChannel(); err != nil {
				s.logger.Debug("closing data channel", "peer", r.id, "error", err)
			}
		}
	}
	for _, r := range s.remotes {
		if r.link != nil {
			if err := r.link.Close(); err != nil {
				s.logger.Debug("closing peer link", "peer", r.id, "error", err)
			}
			r.link = nil
		}
		r.conn++
	}

	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	s.remotes = make(map[string]*remote)
	s.publishLinks()
}

// setState moves the session to state. Illegal transitions are logged and
// ignored.
func (s *Session) setState(state State) {
	if s.state != state {
		if err := checkTransition(s.state, state); err != nil {
			s.logger.Error("rejected session transition", "error", err)
			return
		}
		s.logger.Info("session state", "from", s.state, "to", state)
		s.state = state
	}
	s.snapshotStatus()
}

// refreshAggregate derives the session state from its links.
func (s *Session) refreshAggregate() {
	switch s.state {
	case StateInit, StateAcquiringMedia, StateFailed, StateEnded:
		return
	}

	target := StateWaiting
	if s.opts.Role == models.RoleGuest {
		target = StateConnecting
	}
	for _, r := range s.remotes {
		if rank(r.state) > rank(target) {
			target = r.state
		}
	}

	if !CanTransition(s.state, target) && CanTransition(s.state, StateWaiting) && CanTransition(StateWaiting, target) {
		s.setState(StateWaiting)
	}
	s.setState(target)
}

func (s *Session) snapshotStatus() {
	status := Status{State: s.state, Message: s.statusMessage()}
	if s.state == StateFailed {
		status.Kind = callerr.KindOf(s.failure)
	}

	s.mu.Lock()
	changed := status != s.status
	s.status = status
	s.mu.Unlock()

	if changed && s.opts.Hooks.OnStatus != nil {
		s.opts.Hooks.OnStatus(status)
	}
}

func (s *Session) statusMessage() string {
	switch s.state {
	case StateAcquiringMedia:
		return MessageStarting
	case StateWaiting:
		return MessageWaiting
	case StateConnecting:
		if s.opts.Role == models.RoleGuest {
			return MessageConnectingHost
		}
		return MessageConnecting
	case StateConnected:
		return MessageConnected
	case StateReconnecting:
		return MessageReconnecting
	case StateFailed:
		return failureMessage(s.failure)
	case StateEnded:
		return MessageEnded
	}
	return ""
}

func failureMessage(err error) string {
	switch callerr.KindOf(err) {
	case callerr.KindPeerUnavailable:
		return MessageRoomNotFound
	case callerr.KindTransport:
		return MessageSignalingDown
	case callerr.KindChannelClosed:
		return MessageConnectionLost
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Session) publishLinks() {
	links := make([]LinkInfo, 0, len(s.remotes))
	for _, r := range s.remotes {
		links = append(links, LinkInfo{
			PeerID:      r.id,
			State:       r.state,
			Name:        r.name,
			Lang:        r.lang,
			ChannelOpen: r.channelOpen,
		})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].PeerID < links[j].PeerID })

	s.mu.Lock()
	s.linkSnapshot = links
	s.mu.Unlock()
}

func (s *Session) publishTranscript() {
	snapshot := append([]models.TranscriptEntry(nil), s.transcript...)

	s.mu.Lock()
	s.transcriptSnapshot = snapshot
	s.mu.Unlock()

	if s.opts.Hooks.OnTranscript != nil {
		s.opts.Hooks.OnTranscript(append([]models.TranscriptEntry(nil), snapshot...))
	}
}
