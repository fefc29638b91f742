package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/media"
	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/peer"
)

// fakeNetwork pairs fake links through the descriptions they publish. The
// sdp field of a fake description is the id of the link that created it.
type fakeNetwork struct {
	mu    sync.Mutex
	next  int
	links map[string]*fakeLink
	order []*fakeLink
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{links: make(map[string]*fakeLink)}
}

func (n *fakeNetwork) NewLink(stream *media.Stream, events peer.Events) (peer.Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	l := &fakeLink{net: n, id: fmt.Sprintf("link-%d", n.next), events: events}
	if stream != nil {
		l.video = stream.Video()
	}
	n.links[l.id] = l
	n.order = append(n.order, l)
	return l, nil
}

func (n *fakeNetwork) lookup(id string) *fakeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[id]
}

// all returns every link created so far.
func (n *fakeNetwork) all() []*fakeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fakeLink(nil), n.order...)
}

// dropOpen simulates a network failure on every open link.
func (n *fakeNetwork) dropOpen() int {
	var open []*fakeLink
	for _, l := range n.all() {
		if l.isOpen() {
			open = append(open, l)
		}
	}
	for _, l := range open {
		l.fail()
	}
	return len(open)
}

type fakeDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type fakeLink struct {
	net    *fakeNetwork
	id     string
	events peer.Events

	mu         sync.Mutex
	partner    *fakeLink
	open       bool
	closed     bool
	candidates int
	video      media.Track
}

func (l *fakeLink) description(kind string) json.RawMessage {
	raw, _ := json.Marshal(fakeDescription{Type: kind, SDP: l.id})
	return raw
}

func (l *fakeLink) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	go l.events.OnCandidate(json.RawMessage(fmt.Sprintf(`{"candidate":"candidate:%s","sdpMid":"0"}`, l.id)))
	return l.description("offer"), nil
}

func (l *fakeLink) AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var desc fakeDescription
	if err := json.Unmarshal(offer, &desc); err != nil || desc.Type != "offer" {
		return nil, fmt.Errorf("%w: not an offer", callerr.ErrInvalidRequest)
	}
	offerer := l.net.lookup(desc.SDP)
	if offerer == nil {
		return nil, fmt.Errorf("unknown offer %s", desc.SDP)
	}
	l.mu.Lock()
	l.partner = offerer
	l.mu.Unlock()
	return l.description("answer"), nil
}

func (l *fakeLink) AcceptAnswer(answer json.RawMessage) error {
	var desc fakeDescription
	if err := json.Unmarshal(answer, &desc); err != nil || desc.Type != "answer" {
		return fmt.Errorf("%w: not an answer", callerr.ErrInvalidRequest)
	}
	answerer := l.net.lookup(desc.SDP)
	if answerer == nil || answerer.partnerLink() != l {
		return fmt.Errorf("answer %s does not match offer %s", desc.SDP, l.id)
	}
	l.mu.Lock()
	l.partner = answerer
	l.mu.Unlock()

	go func() {
		answerer.connect()
		l.connect()
	}()
	return nil
}

func (l *fakeLink) partnerLink() *fakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.partner
}

func (l *fakeLink) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) videoTrack() media.Track {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.video
}

func (l *fakeLink) connect() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.open = true
	l.mu.Unlock()
	l.events.OnStateChange(peer.StateConnected)
	l.events.OnChannelOpen()
}

func (l *fakeLink) fail() {
	for _, side := range []*fakeLink{l, l.partnerLink()} {
		if side == nil {
			continue
		}
		side.mu.Lock()
		side.open = false
		side.mu.Unlock()
		side.events.OnChannelClose()
		side.events.OnStateChange(peer.StateFailed)
	}
}

func (l *fakeLink) AddCandidate(candidate json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates++
	return nil
}

func (l *fakeLink) Send(msg models.Message) error {
	partner := l.partnerLink()
	if !l.isOpen() || partner == nil || !partner.isOpen() {
		return callerr.ErrChannelClosed
	}
	partner.events.OnMessage(msg)
	return nil
}

func (l *fakeLink) ReplaceVideoTrack(track media.Track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.video = track
	return nil
}

func (l *fakeLink) CloseChannel() error {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	partner := l.partner
	l.mu.Unlock()

	if wasOpen && partner != nil {
		partner.remoteClosed()
	}
	return nil
}

func (l *fakeLink) remoteClosed() {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	l.mu.Unlock()
	if wasOpen {
		l.events.OnChannelClose()
	}
}

func (l *fakeLink) Close() error {
	l.CloseChannel()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// recordingSource keeps every stream it hands out.
type recordingSource struct {
	media.Source

	mu      sync.Mutex
	streams []*media.Stream
}

func (s *recordingSource) Acquire(ctx context.Context) (*media.Stream, error) {
	stream, err := s.Source.Acquire(ctx)
	if err == nil {
		s.mu.Lock()
		s.streams = append(s.streams, stream)
		s.mu.Unlock()
	}
	return stream, err
}

func (s *recordingSource) acquired() []*media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.Stream(nil), s.streams...)
}

// gateTranslator holds every translation until release is closed.
type gateTranslator struct {
	release chan struct{}
	out     string
}

func (g *gateTranslator) Translate(ctx context.Context, text, source, target string) string {
	select {
	case <-g.release:
		return g.out
	case <-ctx.Done():
		return text
	}
}

// targetLanguagesForTest reads the translation targets on the event loop.
func (s *Session) targetLanguagesForTest() []string {
	out := make(chan []string, 1)
	if !s.post(func() { out <- s.targetLanguages() }) {
		return nil
	}
	return <-out
}
