// Package rtc adapts pion/webrtc to the call session's negotiation contract.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dearly-app/dearly/internal/callsession"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Negotiator wraps one PeerConnection. Signal blobs are JSON-encoded session
// descriptions with trickled candidates folded in: each side gathers fully
// before emitting, so one blob per direction is enough.
type Negotiator struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	onLocal  func(json.RawMessage)
	onRemote func(callsession.RemoteTrack)
	onErr    func(error)

	closeOnce sync.Once
}

func NewNegotiator(cfg webrtc.Configuration, local *LocalMedia) (*Negotiator, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	n := &Negotiator{pc: pc}

	if local != nil {
		if _, err := pc.AddTrack(local.audio); err != nil {
			_ = pc.Close()
			return nil, err
		}
		if _, err := pc.AddTrack(local.video); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		n.mu.Lock()
		cb := n.onRemote
		n.mu.Unlock()
		if cb != nil {
			cb(remoteTrack{track})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			n.mu.Lock()
			cb := n.onErr
			n.mu.Unlock()
			if cb != nil {
				cb(errors.New("peer connection failed"))
			}
		}
	})

	return n, nil
}

func (n *Negotiator) OnLocalSignal(fn func(json.RawMessage)) {
	n.mu.Lock()
	n.onLocal = fn
	n.mu.Unlock()
}

func (n *Negotiator) OnRemoteMediaReady(fn func(callsession.RemoteTrack)) {
	n.mu.Lock()
	n.onRemote = fn
	n.mu.Unlock()
}

func (n *Negotiator) OnError(fn func(error)) {
	n.mu.Lock()
	n.onErr = fn
	n.mu.Unlock()
}

// Offer creates the caller-side session description and delivers it via
// OnLocalSignal once candidate gathering completes.
func (n *Negotiator) Offer() error {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return n.setLocalAndEmit(offer)
}

// Answer applies the remote offer and emits the local answer.
func (n *Negotiator) Answer(remote json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(remote, &desc); err != nil {
		return fmt.Errorf("decode remote offer: %w", err)
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	return n.setLocalAndEmit(answer)
}

// AcceptAnswer applies the remote answer on the caller side.
func (n *Negotiator) AcceptAnswer(remote json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(remote, &desc); err != nil {
		return fmt.Errorf("decode remote answer: %w", err)
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (n *Negotiator) setLocalAndEmit(desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	blob, err := json.Marshal(n.pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("encode local description: %w", err)
	}
	n.mu.Lock()
	cb := n.onLocal
	n.mu.Unlock()
	if cb != nil {
		cb(blob)
	}
	return nil
}

func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		if err := n.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close error")
		}
	})
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r remoteTrack) Kind() string { return r.track.Kind().String() }

// Factory builds the callsession negotiator factory for a webrtc config.
func Factory(cfg webrtc.Configuration) callsession.NegotiatorFactory {
	return func(local callsession.MediaStream) (callsession.Negotiator, error) {
		lm, _ := local.(*LocalMedia)
		return NewNegotiator(cfg, lm)
	}
}
