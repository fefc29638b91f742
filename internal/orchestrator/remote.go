package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/peer"
	"github.com/mossy-p/livecall/internal/signaling"
)

// remote is the session's view of one counterpart and the link to it.
type remote struct {
	id        string
	target    signaling.Target
	initiator bool
	state     State

	name string
	lang string

	// conn is bumped whenever the link is opened or closed so callbacks from
	// an earlier link are discarded.
	conn  int
	link  peer.Link
	pub   *signaling.Publisher
	sub   *signaling.Subscription
	timer *time.Timer

	described   bool
	channelOpen bool
	pending     []signaling.Candidate
	local       []json.RawMessage
	// answeredGen is the offer generation a responder last answered.
	answeredGen int

	attempts     map[callerr.Kind]int
	pollFailures int
	reconnects   int
}

func (r *remote) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (s *Session) newRemote(id string, target signaling.Target, initiator bool) *remote {
	r := &remote{
		id:          id,
		target:      target,
		initiator:   initiator,
		state:       StateWaiting,
		answeredGen: -1,
	}
	if !initiator {
		r.state = StateConnecting
	}
	s.remotes[id] = r
	return r
}

// guard returns a poster that runs fn only while r's current link is the
// one that existed when guard was called.
func (s *Session) guard(r *remote) func(fn func()) {
	epoch, conn := s.epoch, r.conn
	return func(fn func()) {
		s.post(func() {
			if s.current(epoch) && s.remotes[r.id] == r && r.conn == conn {
				fn()
			}
		})
	}
}

// remoteTimer replaces r's timer with one that runs fn on the loop after d.
func (s *Session) remoteTimer(r *remote, d time.Duration, fn func()) *time.Timer {
	r.stopTimer()
	on := s.guard(r)
	return time.AfterFunc(d, func() { on(fn) })
}

// openLink creates a fresh link to r and starts negotiating it.
func (s *Session) openLink(r *remote) {
	r.stopTimer()
	r.conn++
	r.described = false
	r.channelOpen = false
	r.pending = nil
	r.local = nil
	r.pollFailures = 0

	on := s.guard(r)
	logger := s.logger.With("peer", r.id)

	link, err := s.opts.Links.NewLink(s.stream, peer.Events{
		OnCandidate: func(candidate json.RawMessage) {
			on(func() {
				r.local = append(r.local, candidate)
				if r.pub != nil {
					r.pub.Enqueue(models.SignalTypeCandidate, candidate)
				}
			})
		},
		OnStateChange: func(state peer.State) {
			on(func() { s.onTransport(r, state) })
		},
		OnChannelOpen: func() {
			on(func() { s.onChannelOpen(r) })
		},
		OnChannelClose: func() {
			on(func() { s.onLinkLost(r, "data channel closed") })
		},
		OnMessage: func(msg models.Message) {
			on(func() { s.onMessage(r, msg) })
		},
		OnRemoteTrack: func(kind string) {
			logger.Debug("remote track", "kind", kind)
		},
	})
	if err != nil {
		s.failOrDrop(r, fmt.Errorf("creating peer link: %w", err))
		return
	}
	r.link = link

	if r.state == StateReconnecting {
		r.timer = s.remoteTimer(r, s.timing.ConnectTimeout, func() {
			s.attemptFailed(r, fmt.Errorf("%w: reconnect to %s timed out", callerr.ErrChannelClosed, r.id))
		})
	}

	if r.initiator {
		s.publishOffer(r, on)
	} else {
		r.pub = s.opts.Signaling.Publisher(s.epochCtx, r.target, func(kind models.SignalType, err error) {
			on(func() { s.onPublishError(r, kind, err) })
		})
		if r.state != StateReconnecting {
			r.timer = s.remoteTimer(r, s.timing.OfferTimeout, func() {
				s.attemptFailed(r, fmt.Errorf("%w: no offer in room %s", callerr.ErrPeerUnavailable, s.opts.RoomID))
			})
		}
		s.watch(r, on)
	}

	logger.Debug("link opened", "initiator", r.initiator, "state", r.state)
	s.refreshAggregate()
	s.publishLinks()
}

// publishOffer publishes the offer before anything else touches the link's
// slots. The offer resets both sides, so the publisher and the poll start
// only once it has landed.
func (s *Session) publishOffer(r *remote, on func(func())) {
	offer, err := r.link.CreateOffer(s.epochCtx)
	if err != nil {
		s.failOrDrop(r, fmt.Errorf("creating offer: %w", err))
		return
	}

	ctx, target := s.epochCtx, r.target
	go func() {
		err := s.opts.Signaling.Publish(ctx, target, models.SignalTypeOffer, offer)
		if errors.Is(err, context.Canceled) {
			return
		}
		on(func() {
			if err != nil {
				s.attemptFailed(r, err)
				return
			}
			r.pub = s.opts.Signaling.Publisher(s.epochCtx, r.target, func(kind models.SignalType, err error) {
				on(func() { s.onPublishError(r, kind, err) })
			})
			for _, candidate := range r.local {
				r.pub.Enqueue(models.SignalTypeCandidate, candidate)
			}
			s.watch(r, on)
		})
	}()
}

func (s *Session) watch(r *remote, on func(func())) {
	r.sub = s.opts.Signaling.Watch(s.epochCtx, r.target, signaling.Handlers{
		OnUpdate: func(u signaling.Update) {
			on(func() { s.onUpdate(r, u) })
		},
		OnError: func(err error) {
			on(func() { s.onSignalError(r, err) })
		},
	})
}

// stopSignaling halts polling and publishing for r.
func (s *Session) stopSignaling(r *remote) {
	if r.sub != nil {
		s.halt(r.sub)
		r.sub = nil
	}
	if r.pub != nil {
		r.pub.Close()
		r.pub = nil
	}
}

// closeLink tears down r's current link, keeping the remote itself.
func (s *Session) closeLink(r *remote) {
	r.stopTimer()
	s.stopSignaling(r)
	if r.link != nil {
		if err := r.link.CloseChannel(); err != nil {
			s.logger.Debug("closing data channel", "peer", r.id, "error", err)
		}
		if err := r.link.Close(); err != nil {
			s.logger.Debug("closing peer link", "peer", r.id, "error", err)
		}
		r.link = nil
	}
	r.conn++
	r.described = false
	r.channelOpen = false
	r.pending = nil
}

func (s *Session) onUpdate(r *remote, u signaling.Update) {
	r.pollFailures = 0
	if u.Reset {
		kept := r.pending[:0]
		for _, c := range r.pending {
			if c.Generation == u.Generation {
				kept = append(kept, c)
			}
		}
		r.pending = kept
	}

	if r.initiator {
		s.onAnswerUpdate(r, u)
	} else {
		s.onOfferUpdate(r, u)
	}
	if r.link == nil {
		return
	}

	for _, c := range u.Candidates {
		if !r.described {
			r.pending = append(r.pending, c)
			continue
		}
		s.addCandidate(r, c.Payload)
	}
	s.refreshAggregate()
	s.publishLinks()
}

func (s *Session) onAnswerUpdate(r *remote, u signaling.Update) {
	if r.described {
		return
	}

	switch {
	case u.PeerPresent && r.state == StateWaiting:
		r.state = StateConnecting
		r.timer = s.remoteTimer(r, s.timing.ConnectTimeout, func() {
			if !r.described {
				s.attemptFailed(r, fmt.Errorf("%w: %s never answered", callerr.ErrPeerUnavailable, r.id))
				return
			}
			s.attemptFailed(r, fmt.Errorf("%w: link to %s did not come up", callerr.ErrTransport, r.id))
		})
	case !u.PeerPresent && r.state == StateConnecting:
		r.stopTimer()
		r.state = StateWaiting
	}

	if !u.DescriptionChanged || models.IsNull(u.Description) {
		return
	}
	if err := r.link.AcceptAnswer(u.Description); err != nil {
		s.logger.Warn("ignoring answer", "peer", r.id, "error", err)
		return
	}
	r.described = true

	// The answer cleared our published candidates.
	if r.pub != nil {
		for _, candidate := range r.local {
			r.pub.Enqueue(models.SignalTypeCandidate, candidate)
		}
	}
	s.flushPending(r, u.Generation)
}

func (s *Session) onOfferUpdate(r *remote, u signaling.Update) {
	if r.described || !u.DescriptionChanged || models.IsNull(u.Description) || u.Generation == r.answeredGen {
		return
	}

	answer, err := r.link.AcceptOffer(s.epochCtx, u.Description)
	if err != nil {
		s.attemptFailed(r, fmt.Errorf("accepting offer: %w", err))
		return
	}
	r.pub.Enqueue(models.SignalTypeAnswer, answer)
	r.answeredGen = u.Generation
	r.described = true

	if r.state != StateReconnecting {
		r.timer = s.remoteTimer(r, s.timing.ConnectTimeout, func() {
			s.attemptFailed(r, fmt.Errorf("%w: link to %s did not come up", callerr.ErrTransport, r.id))
		})
	}
	s.flushPending(r, u.Generation)
}

func (s *Session) flushPending(r *remote, generation int) {
	pending := r.pending
	r.pending = nil
	for _, c := range pending {
		if c.Generation == generation {
			s.addCandidate(r, c.Payload)
		}
	}
}

func (s *Session) addCandidate(r *remote, candidate json.RawMessage) {
	if err := r.link.AddCandidate(candidate); err != nil {
		s.logger.Debug("dropping remote candidate", "peer", r.id, "error", err)
	}
}

func (s *Session) onTransport(r *remote, state peer.State) {
	s.logger.Debug("link transport", "peer", r.id, "state", state)
	switch state {
	case peer.StateConnected:
		s.onLinkUp(r)
	case peer.StateFailed, peer.StateClosed:
		s.onLinkLost(r, "transport "+state.String())
	}
}

func (s *Session) onChannelOpen(r *remote) {
	r.channelOpen = true
	s.onLinkUp(r)
	s.sendTo(r, models.Message{Type: models.MessageJoin, Name: s.opts.Name, Lang: s.lang})
	s.publishLinks()
}

func (s *Session) onLinkUp(r *remote) {
	if r.state == StateConnected {
		return
	}
	s.logger.Info("link connected", "peer", r.id, "reconnects", r.reconnects)
	r.state = StateConnected
	r.stopTimer()
	r.reconnects = 0
	r.attempts = nil
	if r.sub != nil {
		s.halt(r.sub)
		r.sub = nil
	}
	s.refreshAggregate()
	s.publishLinks()
}

func (s *Session) onLinkLost(r *remote, reason string) {
	r.channelOpen = false
	switch r.state {
	case StateConnected, StateReconnecting:
		s.logger.Warn("link lost", "peer", r.id, "reason", reason)
		s.scheduleReconnect(r)
	default:
		s.attemptFailed(r, fmt.Errorf("%w: %s", callerr.ErrTransport, reason))
	}
}

// scheduleReconnect closes r's link and opens a new one after the next
// backoff delay.
func (s *Session) scheduleReconnect(r *remote) {
	s.closeLink(r)
	if r.reconnects >= len(s.timing.ReconnectBackoff) {
		s.failOrDrop(r, fmt.Errorf("%w: %s did not come back", callerr.ErrChannelClosed, r.id))
		return
	}

	delay := s.timing.ReconnectBackoff[r.reconnects]
	r.reconnects++
	r.state = StateReconnecting
	s.logger.Info("reconnecting", "peer", r.id, "attempt", r.reconnects, "delay", delay)
	r.timer = s.remoteTimer(r, delay, func() { s.openLink(r) })

	s.refreshAggregate()
	s.publishLinks()
}

// attemptFailed counts a failed negotiation attempt against its bound and
// either retries after RetryDelay or gives up.
func (s *Session) attemptFailed(r *remote, err error) {
	if r.state == StateReconnecting {
		s.logger.Debug("reconnect attempt failed", "peer", r.id, "error", err)
		s.scheduleReconnect(r)
		return
	}

	kind := callerr.KindOf(err)
	var bound int
	switch kind {
	case callerr.KindPeerUnavailable:
		bound = s.timing.PeerUnavailableRetries
	case callerr.KindTransport:
		bound = s.timing.TransportRetries
	default:
		s.failOrDrop(r, err)
		return
	}

	if r.attempts == nil {
		r.attempts = make(map[callerr.Kind]int)
	}
	r.attempts[kind]++
	if r.attempts[kind] >= bound {
		s.failOrDrop(r, err)
		return
	}

	s.logger.Info("retrying link",
		"peer", r.id,
		"kind", kind,
		"attempt", r.attempts[kind],
		"error", err,
	)
	s.closeLink(r)
	if r.initiator {
		r.state = StateWaiting
	} else {
		r.state = StateConnecting
	}
	r.timer = s.remoteTimer(r, s.timing.RetryDelay, func() { s.openLink(r) })

	s.refreshAggregate()
	s.publishLinks()
}

// onSignalError handles a failed poll or candidate publish. Transport
// failures keep the link and only give up after TransportRetries in a row.
func (s *Session) onSignalError(r *remote, err error) {
	switch callerr.KindOf(err) {
	case callerr.KindNegotiationStale:
		return
	case callerr.KindInvalidRequest:
		s.failOrDrop(r, err)
		return
	}

	r.pollFailures++
	if r.pollFailures < s.timing.TransportRetries {
		return
	}
	if !errors.Is(err, callerr.ErrTransport) {
		err = fmt.Errorf("%w: %v", callerr.ErrTransport, err)
	}
	s.attemptFailed(r, err)
}

func (s *Session) onPublishError(r *remote, kind models.SignalType, err error) {
	if kind == models.SignalTypeCandidate {
		s.onSignalError(r, err)
		return
	}
	s.attemptFailed(r, err)
}

// failOrDrop gives up on r. A group initiator only loses that link, anyone
// else loses the call.
func (s *Session) failOrDrop(r *remote, err error) {
	if s.opts.Role == models.RoleHost && s.opts.Group {
		s.dropRemote(r, err)
		return
	}
	s.fail(err)
}

func (s *Session) dropRemote(r *remote, err error) {
	s.logger.Warn("dropping responder", "peer", r.id, "kind", callerr.KindOf(err), "error", err)
	s.closeLink(r)
	delete(s.remotes, r.id)
	s.dropped[r.id] = true
	s.refreshAggregate()
	s.publishLinks()
}
