// Package media holds the local outgoing stream shared by every peer link.
// Links read the stream's tracks; only the owning session mutates it.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/mossy-p/livecall/internal/callerr"
)

// Facing selects a camera on devices that have more than one.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// ErrNoCamera is returned by sources that cannot open a video track.
var ErrNoCamera = errors.New("no camera available")

// Track is a local track that can be muted and stopped.
type Track interface {
	webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// SampleTrack is a Track fed with encoded samples. Samples written while the
// track is disabled or stopped are dropped.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
	facing  Facing
}

// NewSampleTrack creates an Opus audio or VP8 video track.
func NewSampleTrack(kind webrtc.RTPCodecType, streamID string) (*SampleTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("creating %s track: %w", kind, err)
	}
	return &SampleTrack{TrackLocalStaticSample: track, enabled: true}, nil
}

// WriteSample forwards s to every bound sender unless the track is muted.
func (t *SampleTrack) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	live := t.enabled && !t.stopped
	t.mu.Unlock()
	if !live {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *SampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

// Stop permanently silences the track.
func (t *SampleTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (t *SampleTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Facing reports which camera produced a video track.
func (t *SampleTrack) Facing() Facing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.facing
}

// Stream is the local outgoing media. Either track may be nil for a
// data-only session.
type Stream struct {
	id string

	mu      sync.Mutex
	audio   Track
	video   Track
	stopped bool
}

// NewStream groups audio and video under one stream id.
func NewStream(id string, audio, video Track) *Stream {
	return &Stream{id: id, audio: audio, video: video}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Audio() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *Stream) Video() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// Tracks returns the non-nil tracks, audio first.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tracks []Track
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

// ReplaceVideo installs track as the outgoing video and stops the previous
// one. It returns the previous track, which may be nil.
func (s *Stream) ReplaceVideo(track Track) Track {
	s.mu.Lock()
	old := s.video
	s.video = track
	s.mu.Unlock()

	if old != nil && old != track {
		old.Stop()
	}
	return old
}

func (s *Stream) SetAudioEnabled(enabled bool) {
	if audio := s.Audio(); audio != nil {
		audio.SetEnabled(enabled)
	}
}

func (s *Stream) SetVideoEnabled(enabled bool) {
	if video := s.Video(); video != nil {
		video.SetEnabled(enabled)
	}
}

// Stop stops every track. Safe to call more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	audio, video := s.audio, s.video
	s.mu.Unlock()

	if audio != nil {
		audio.Stop()
	}
	if video != nil {
		video.Stop()
	}
}

// Source acquires local media.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
	OpenCamera(ctx context.Context, facing Facing) (Track, error)
}

// Synthetic produces sample tracks without capturing anything. Callers
// write encoded samples themselves.
type Synthetic struct {
	Audio bool
	Video bool
}

func (s Synthetic) Acquire(ctx context.Context) (*Stream, error) {
	streamID := "stream-" + uuid.NewString()

	var audio, video Track
	if s.Audio {
		track, err := NewSampleTrack(webrtc.RTPCodecTypeAudio, streamID)
		if err != nil {
			return nil, err
		}
		audio = track
	}
	if s.Video {
		track, err := s.openVideo(streamID, FacingUser)
		if err != nil {
			return nil, err
		}
		video = track
	}
	return NewStream(streamID, audio, video), nil
}

func (s Synthetic) OpenCamera(ctx context.Context, facing Facing) (Track, error) {
	if !s.Video {
		return nil, ErrNoCamera
	}
	return s.openVideo("stream-"+uuid.NewString(), facing)
}

func (s Synthetic) openVideo(streamID string, facing Facing) (*SampleTrack, error) {
	track, err := NewSampleTrack(webrtc.RTPCodecTypeVideo, streamID)
	if err != nil {
		return nil, err
	}
	track.facing = facing
	return track, nil
}

// None yields an empty stream for data-only sessions.
type None struct{}

func (None) Acquire(ctx context.Context) (*Stream, error) {
	return NewStream("stream-"+uuid.NewString(), nil, nil), nil
}

func (None) OpenCamera(ctx context.Context, facing Facing) (Track, error) {
	return nil, ErrNoCamera
}

// Denied behaves like a device whose user refused the permission prompt.
type Denied struct{}

func (Denied) Acquire(ctx context.Context) (*Stream, error) {
	return nil, fmt.Errorf("%w: camera and microphone access was refused", callerr.ErrMediaDenied)
}

func (Denied) OpenCamera(ctx context.Context, facing Facing) (Track, error) {
	return nil, fmt.Errorf("%w: camera access was refused", callerr.ErrMediaDenied)
}
