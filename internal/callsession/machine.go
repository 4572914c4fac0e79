// Package callsession implements the client-side call session state machine:
// the lifecycle of a single call attempt from intent to teardown, coordinating
// local media acquisition, signaling over the relay and recovery from partner
// churn.
package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dearly-app/dearly/internal/core"
)

type Config struct {
	// DisplayName tags outgoing calls so the callee can show who is ringing.
	DisplayName string
	// AnswerTimeout bounds an unanswered outgoing call. Zero means 30s.
	AnswerTimeout time.Duration
}

// Snapshot is a read-only view of the session for UIs and tests.
type Snapshot struct {
	Phase          Phase
	RemoteClientID core.ClientID
	RemoteName     string
	SelfTest       bool
	Muted          bool
	VideoOff       bool
	HasLocalMedia  bool
	HasRemoteMedia bool
	LastErr        error
}

// Machine is the call session state machine. All state transitions happen
// under mu; every callback that crosses a suspension point carries the
// generation it was started under and re-checks it before acting, so a stale
// media grant or negotiator event can never touch a newer attempt.
type Machine struct {
	cfg    Config
	tr     Transport
	media  MediaSource
	newNeg NegotiatorFactory
	log    zerolog.Logger

	mu  sync.Mutex
	gen uint64

	phase      Phase
	remoteCID  core.ClientID
	remoteName string
	selfTest   bool
	muted      bool
	videoOff   bool
	lastErr    error

	localMedia  MediaStream
	remoteMedia RemoteTrack
	neg         Negotiator
	// loopback answers the party's own echoed offer in self-test mode; the
	// primary negotiator stays the session's single negotiation object.
	loopback Negotiator

	answerTimer *time.Timer

	pendingOffer json.RawMessage

	onChange   func(Snapshot)
	onIncoming func(from core.ClientID, name string)
}

func New(cfg Config, tr Transport, media MediaSource, newNeg NegotiatorFactory, logger zerolog.Logger) *Machine {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 30 * time.Second
	}
	m := &Machine{
		cfg:    cfg,
		tr:     tr,
		media:  media,
		newNeg: newNeg,
		log:    logger.With().Str("module", "callsession").Logger(),
		phase:  PhaseIdle,
	}
	// Handlers are registered once; the transport keeps them armed across
	// relay reconnects.
	tr.Handle(core.TypeCallUser, m.handleCallUser)
	tr.Handle(core.TypeCallAccepted, m.handleCallAccepted)
	tr.Handle(core.TypeCallRejected, m.handleCallRejected)
	tr.Handle(core.TypeCallEnded, m.handleCallEnded)
	tr.Handle(core.TypePartnerDropped, m.handlePresenceLost)
	tr.Handle(core.TypeUserOffline, m.handlePresenceLost)
	return m
}

// OnChange registers the single phase listener. The callback runs with the
// machine lock held and must not call back into the machine.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// OnIncoming registers the incoming-call affordance callback.
func (m *Machine) OnIncoming(fn func(from core.ClientID, name string)) {
	m.mu.Lock()
	m.onIncoming = fn
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:          m.phase,
		RemoteClientID: m.remoteCID,
		RemoteName:     m.remoteName,
		SelfTest:       m.selfTest,
		Muted:          m.muted,
		VideoOff:       m.videoOff,
		HasLocalMedia:  m.localMedia != nil,
		HasRemoteMedia: m.remoteMedia != nil,
		LastErr:        m.lastErr,
	}
}

func (m *Machine) notifyLocked() {
	if m.onChange != nil {
		m.onChange(m.snapshotLocked())
	}
}

// InitiateCall starts an outgoing call to a resolved relay handle. In
// self-test mode the target is the party's own handle. A second attempt while
// one is live is rejected without mutating the existing session.
func (m *Machine) InitiateCall(target core.ClientID, selfTest bool) error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	if target == "" {
		m.mu.Unlock()
		return ErrNoPartnerReachable
	}
	m.gen++
	gen := m.gen
	m.remoteCID = target
	m.remoteName = ""
	m.selfTest = selfTest
	m.lastErr = nil
	m.phase = PhaseAcquiringMedia
	m.log.Info().Str("target", string(target)).Bool("self_test", selfTest).Msg("initiating call")
	m.notifyLocked()
	m.mu.Unlock()

	go m.acquireForCall(gen)
	return nil
}

func (m *Machine) acquireForCall(gen uint64) {
	stream, err := m.media.Acquire(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.phase != PhaseAcquiringMedia {
		// An intervening event (hangup, rejection) won the race.
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil {
		m.failLocked(fmt.Errorf("%w: %v", ErrMediaAccessDenied, err))
		return
	}
	m.adoptMediaLocked(stream)

	neg, err := m.newNeg(stream)
	if err != nil {
		m.failLocked(fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}
	m.neg = neg
	m.wireNegotiatorLocked(neg, gen, core.TypeCallUser)

	m.phase = PhaseCalling
	m.notifyLocked()

	m.answerTimer = time.AfterFunc(m.cfg.AnswerTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.phase != PhaseCalling {
			return
		}
		m.log.Warn().Msg("call not answered before timeout")
		m.failLocked(ErrCallNotAnswered)
	})

	go m.runNegotiation(gen, func() error { return neg.Offer() })
}

// AnswerCall accepts the ringing call: acquires media if not already held,
// answers from the stored offer and sends it back to the caller. Media
// failure automatically rejects the call instead of leaving it stuck.
func (m *Machine) AnswerCall() error {
	m.mu.Lock()
	if m.phase != PhaseReceivingCall {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	gen := m.gen
	m.phase = PhaseAcquiringMedia
	m.log.Info().Str("from", string(m.remoteCID)).Msg("answering call")
	m.notifyLocked()
	m.mu.Unlock()

	go m.acquireForAnswer(gen)
	return nil
}

func (m *Machine) acquireForAnswer(gen uint64) {
	stream, err := m.media.Acquire(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.phase != PhaseAcquiringMedia {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil {
		caller := m.remoteCID
		m.emitLocked(core.TypeRejectCall, core.TargetedPayload{Target: caller})
		m.failLocked(fmt.Errorf("%w: %v", ErrMediaAccessDenied, err))
		return
	}
	m.adoptMediaLocked(stream)

	neg, err := m.newNeg(stream)
	if err != nil {
		m.failLocked(fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}
	m.neg = neg
	m.wireNegotiatorLocked(neg, gen, core.TypeAnswerCall)

	offer := m.pendingOffer
	m.pendingOffer = nil
	m.phase = PhaseNegotiating
	m.notifyLocked()

	go m.runNegotiation(gen, func() error { return neg.Answer(offer) })
}

// RejectCall declines the ringing call without touching media. Safe to call
// in any state.
func (m *Machine) RejectCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseReceivingCall {
		return nil
	}
	m.emitLocked(core.TypeRejectCall, core.TargetedPayload{Target: m.remoteCID})
	m.log.Info().Str("from", string(m.remoteCID)).Msg("call rejected locally")
	m.resetLocked()
	return nil
}

// EndCall hangs up. Idempotent and safe from any state: calling it twice, or
// after the call already ended remotely, does nothing.
func (m *Machine) EndCall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseIdle {
		return
	}
	if m.phase.inCall() && m.remoteCID != "" {
		m.emitLocked(core.TypeCallEnded, core.TargetedPayload{Target: m.remoteCID})
	}
	m.log.Info().Str("phase", m.phase.String()).Msg("ending call")
	m.endLocked()
}

// ToggleMute flips the local audio track. Phase-independent; returns the new
// muted state.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = !m.muted
	if m.localMedia != nil {
		m.localMedia.SetAudioEnabled(!m.muted)
	}
	m.notifyLocked()
	return m.muted
}

// ToggleVideo flips the local video track. Returns the new video-off state.
func (m *Machine) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOff = !m.videoOff
	if m.localMedia != nil {
		m.localMedia.SetVideoEnabled(!m.videoOff)
	}
	m.notifyLocked()
	return m.videoOff
}

// adoptMediaLocked takes ownership of a freshly acquired stream and applies
// the toggles chosen while acquisition was pending.
func (m *Machine) adoptMediaLocked(stream MediaStream) {
	m.localMedia = stream
	stream.SetAudioEnabled(!m.muted)
	stream.SetVideoEnabled(!m.videoOff)
}

// wireNegotiatorLocked arms the negotiator callbacks for this attempt.
// localSignalType is the relay message the local signal rides on: callUser
// for the caller side, answerCall for the callee side.
func (m *Machine) wireNegotiatorLocked(neg Negotiator, gen uint64, localSignalType string) {
	neg.OnLocalSignal(func(sig json.RawMessage) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return
		}
		switch localSignalType {
		case core.TypeCallUser:
			m.emitLocked(core.TypeCallUser, core.CallUserPayload{
				Target: m.remoteCID,
				Signal: sig,
				From:   m.tr.Self(),
				Name:   m.cfg.DisplayName,
			})
		case core.TypeAnswerCall:
			m.emitLocked(core.TypeAnswerCall, core.AnswerCallPayload{
				Target: m.remoteCID,
				Signal: sig,
			})
		}
	})
	neg.OnRemoteMediaReady(func(track RemoteTrack) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.phase != PhaseNegotiating {
			return
		}
		m.remoteMedia = track
		m.phase = PhaseActive
		m.log.Info().Str("kind", track.Kind()).Msg("remote media flowing")
		m.notifyLocked()
	})
	neg.OnError(func(err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.phase == PhaseIdle {
			return
		}
		m.failLocked(fmt.Errorf("%w: %v", ErrNegotiation, err))
	})
}

// runNegotiation invokes a negotiator step outside the lock (it may call
// OnLocalSignal synchronously) and fails the attempt on error.
func (m *Machine) runNegotiation(gen uint64, step func() error) {
	if err := step(); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return
		}
		m.failLocked(fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
}

func (m *Machine) emitLocked(msgType string, payload any) {
	if err := m.tr.Emit(msgType, payload); err != nil {
		m.log.Warn().Err(err).Str("type", msgType).Msg("emit failed")
	}
}

// failLocked reports a terminal failure and returns the session to Idle so
// the user can immediately retry.
func (m *Machine) failLocked(err error) {
	m.releaseLocked()
	m.lastErr = err
	m.phase = PhaseFailed
	m.log.Error().Err(err).Msg("call attempt failed")
	m.notifyLocked()
	m.phase = PhaseIdle
	m.remoteCID = ""
	m.remoteName = ""
	m.selfTest = false
	m.pendingOffer = nil
	m.notifyLocked()
}

// endLocked is the orderly teardown path.
func (m *Machine) endLocked() {
	m.releaseLocked()
	m.phase = PhaseEnded
	m.notifyLocked()
	m.resetLocked()
}

// resetLocked returns the session to Idle, keeping lastErr for the UI until
// the next attempt.
func (m *Machine) resetLocked() {
	m.releaseLocked()
	m.phase = PhaseIdle
	m.remoteCID = ""
	m.remoteName = ""
	m.selfTest = false
	m.pendingOffer = nil
	m.notifyLocked()
}

// releaseLocked frees every per-attempt resource. Leaking an open camera or
// microphone on an error path is a correctness bug, so this runs on every
// exit from Calling/Negotiating/Active.
func (m *Machine) releaseLocked() {
	m.gen++
	if m.answerTimer != nil {
		m.answerTimer.Stop()
		m.answerTimer = nil
	}
	if m.neg != nil {
		m.neg.Close()
		m.neg = nil
	}
	if m.loopback != nil {
		m.loopback.Close()
		m.loopback = nil
	}
	if m.localMedia != nil {
		m.localMedia.Stop()
		m.localMedia = nil
	}
	m.remoteMedia = nil
}
