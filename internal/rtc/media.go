package rtc

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dearly-app/dearly/internal/callsession"
)

// LocalMedia is the local audio+video track pair handed to a call session.
// Enabled-state is atomic so toggles from the session never block the
// capture goroutine feeding the tracks.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	audioOn atomic.Bool
	videoOn atomic.Bool
	stopped atomic.Bool
}

func NewLocalMedia() (*LocalMedia, error) {
	streamID := uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", streamID,
	)
	if err != nil {
		return nil, err
	}
	m := &LocalMedia{audio: audio, video: video}
	m.audioOn.Store(true)
	m.videoOn.Store(true)
	return m, nil
}

func (m *LocalMedia) SetAudioEnabled(on bool) { m.audioOn.Store(on) }
func (m *LocalMedia) SetVideoEnabled(on bool) { m.videoOn.Store(on) }

func (m *LocalMedia) AudioEnabled() bool { return m.audioOn.Load() && !m.stopped.Load() }
func (m *LocalMedia) VideoEnabled() bool { return m.videoOn.Load() && !m.stopped.Load() }

// Stop releases the tracks. The capture layer observes the flag and stops
// writing; a stopped stream is never reused.
func (m *LocalMedia) Stop() {
	m.stopped.Store(true)
	m.audioOn.Store(false)
	m.videoOn.Store(false)
}

func (m *LocalMedia) Stopped() bool { return m.stopped.Load() }

// WriteAudioRTP forwards a captured audio packet unless muted or stopped.
func (m *LocalMedia) WriteAudioRTP(pkt []byte) error {
	if !m.AudioEnabled() {
		return nil
	}
	_, err := m.audio.Write(pkt)
	return err
}

// WriteVideoRTP forwards a captured video packet unless video is off.
func (m *LocalMedia) WriteVideoRTP(pkt []byte) error {
	if !m.VideoEnabled() {
		return nil
	}
	_, err := m.video.Write(pkt)
	return err
}

// Source acquires local media for call sessions.
type Source struct{}

func NewSource() Source { return Source{} }

func (Source) Acquire(_ context.Context) (callsession.MediaStream, error) {
	return NewLocalMedia()
}
