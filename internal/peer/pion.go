package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/media"
	"github.com/mossy-p/livecall/internal/models"
)

// Compile-time interface checks.
var (
	_ Factory = (*PionFactory)(nil)
	_ Link    = (*pionLink)(nil)
)

// ErrNoVideoSender is returned when a video track is replaced on a link
// that was created without one.
var ErrNoVideoSender = errors.New("link has no video sender")

// PionConfig configures the pion API shared by every link.
type PionConfig struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers loopback candidates, needed when both peers
	// share a host with no other usable interface.
	IncludeLoopback bool
	// LoggerFactory receives pion's internal logs. Nil routes them to Logger.
	LoggerFactory logging.LoggerFactory
	Logger        *slog.Logger
}

// PionFactory creates links backed by pion PeerConnections.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
}

// NewPionFactory builds the pion API with the default codec set.
func NewPionFactory(cfg PionConfig) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	loggerFactory := cfg.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = SlogFactory{Logger: cfg.Logger}
	}

	settingEngine := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)
	return &PionFactory{api: api, iceServers: cfg.ICEServers, logger: cfg.Logger}, nil
}

// NewLink creates a PeerConnection sending every track of stream.
func (f *PionFactory) NewLink(stream *media.Stream, events Events) (Link, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	link := &pionLink{pc: pc, events: events, logger: f.logger}

	if stream != nil {
		for _, track := range stream.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("adding %s track: %w", track.Kind(), err)
			}
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				link.videoSender = sender
			}
			go drainRTCP(sender)
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if candidate == nil || events.OnCandidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			link.logger.Warn("failed to encode ICE candidate", "error", err)
			return
		}
		events.OnCandidate(payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		link.logger.Debug("peer connection state change", "state", state.String())
		if events.OnStateChange != nil {
			events.OnStateChange(mapState(state))
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			link.logger.Debug("ignoring data channel", "label", dc.Label())
			return
		}
		link.attach(dc)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(track.Kind().String())
		}
		go drainTrack(track)
	})

	return link, nil
}

type pionLink struct {
	pc          *webrtc.PeerConnection
	events      Events
	logger      *slog.Logger
	videoSender *webrtc.RTPSender

	mu        sync.Mutex
	channel   *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

func (l *pionLink) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	return json.Marshal(offer)
}

func (l *pionLink) AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, fmt.Errorf("%w: decoding offer: %v", callerr.ErrInvalidRequest, err)
	}
	if remote.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("%w: expected an offer, got %s", callerr.ErrInvalidRequest, remote.Type)
	}
	if err := l.setRemote(remote); err != nil {
		return nil, err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	return json.Marshal(answer)
}

func (l *pionLink) AcceptAnswer(answer json.RawMessage) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(answer, &remote); err != nil {
		return fmt.Errorf("%w: decoding answer: %v", callerr.ErrInvalidRequest, err)
	}
	if remote.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected an answer, got %s", callerr.ErrInvalidRequest, remote.Type)
	}
	return l.setRemote(remote)
}

// setRemote applies the remote description and then every candidate that
// was held back waiting for it.
func (l *pionLink) setRemote(remote webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.logger.Warn("failed to apply buffered ICE candidate", "error", err)
		}
	}
	return nil
}

func (l *pionLink) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("%w: decoding candidate: %v", callerr.ErrInvalidRequest, err)
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (l *pionLink) Send(msg models.Message) error {
	l.mu.Lock()
	dc := l.channel
	l.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return callerr.ErrChannelClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := dc.SendText(string(payload)); err != nil {
		return fmt.Errorf("%w: %v", callerr.ErrChannelClosed, err)
	}
	return nil
}

func (l *pionLink) ReplaceVideoTrack(track media.Track) error {
	if l.videoSender == nil {
		return ErrNoVideoSender
	}
	if err := l.videoSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replacing video track: %w", err)
	}
	return nil
}

func (l *pionLink) CloseChannel() error {
	l.mu.Lock()
	dc := l.channel
	l.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Close()
}

func (l *pionLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}

func (l *pionLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.channel = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.logger.Debug("data channel opened", "label", dc.Label())
		if l.events.OnChannelOpen != nil {
			l.events.OnChannelOpen()
		}
	})
	dc.OnClose(func() {
		l.logger.Debug("data channel closed", "label", dc.Label())
		if l.events.OnChannelClose != nil {
			l.events.OnChannelClose()
		}
	})
	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		var msg models.Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			l.logger.Debug("dropping undecodable data channel message", "error", err)
			return
		}
		if l.events.OnMessage != nil {
			l.events.OnMessage(msg)
		}
	})
}

func mapState(state webrtc.PeerConnectionState) State {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}

// drainRTCP reads incoming RTCP until the sender closes so interceptors
// run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
