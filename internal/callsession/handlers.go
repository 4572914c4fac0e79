package callsession

import (
	"encoding/json"
	"fmt"

	"github.com/dearly-app/dearly/internal/core"
)

// Inbound relay signals. Delivery order is only guaranteed per relay
// connection, never across reconnects, so every handler validates the sender
// against the currently tracked caller identity before acting.

func (m *Machine) handleCallUser(raw json.RawMessage) {
	var p core.CallIncomingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Error().Err(err).Msg("bad callUser payload")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Self-test: our own offer echoed back. Answer it with a loopback
	// responder standing in for the remote party; the session's primary
	// negotiator proceeds exactly as in a normal call.
	if m.selfTest && p.From == m.tr.Self() && (m.phase == PhaseCalling || m.phase == PhaseNegotiating) {
		m.answerLoopbackLocked(p.Signal)
		return
	}

	switch {
	case m.phase == PhaseIdle:
		m.gen++
		m.remoteCID = p.From
		m.remoteName = p.Name
		m.pendingOffer = p.Signal
		m.phase = PhaseReceivingCall
		m.log.Info().Str("from", string(p.From)).Str("name", p.Name).Msg("incoming call")
		m.notifyLocked()
		if m.onIncoming != nil {
			m.onIncoming(p.From, p.Name)
		}

	case p.From != m.remoteCID:
		// Busy with another party: decline so the second caller is not
		// left ringing until their timeout.
		m.log.Warn().Str("from", string(p.From)).Str("tracked", string(m.remoteCID)).Msg("offer from unexpected identity discarded")
		m.emitLocked(core.TypeRejectCall, core.TargetedPayload{Target: p.From})

	default:
		// Duplicate offer from the tracked caller; signaling tolerates
		// retransmission.
		m.log.Debug().Str("from", string(p.From)).Str("phase", m.phase.String()).Msg("duplicate offer ignored")
	}
}

func (m *Machine) handleCallAccepted(raw json.RawMessage) {
	var p core.CallAcceptedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Error().Err(err).Msg("bad callAccepted payload")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseCalling || m.neg == nil {
		m.log.Debug().Str("phase", m.phase.String()).Msg("stray answer ignored")
		return
	}
	if m.answerTimer != nil {
		m.answerTimer.Stop()
		m.answerTimer = nil
	}
	if err := m.neg.AcceptAnswer(p.Signal); err != nil {
		m.failLocked(fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}
	m.phase = PhaseNegotiating
	m.log.Info().Msg("answer received, negotiating")
	m.notifyLocked()
}

func (m *Machine) handleCallRejected(json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseCalling && m.phase != PhaseNegotiating {
		return
	}
	m.log.Info().Str("remote", string(m.remoteCID)).Msg("call rejected by remote")
	m.failLocked(ErrCallRejected)
}

func (m *Machine) handleCallEnded(json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.phase.inCall() && m.phase != PhaseReceivingCall {
		return
	}
	m.log.Info().Str("remote", string(m.remoteCID)).Msg("call ended by remote")
	m.endLocked()
}

// handlePresenceLost treats a partner-offline event while Active exactly as
// a remote hangup. A self-test call survives its own stale presence events.
func (m *Machine) handlePresenceLost(raw json.RawMessage) {
	var p core.PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive || m.selfTest || p.ClientID != m.remoteCID {
		return
	}
	m.log.Info().Str("remote", string(m.remoteCID)).Msg("partner presence lost, ending call")
	m.endLocked()
}

// answerLoopbackLocked builds the echo responder for self-test mode.
func (m *Machine) answerLoopbackLocked(offer json.RawMessage) {
	if m.loopback != nil {
		return
	}
	neg, err := m.newNeg(m.localMedia)
	if err != nil {
		m.failLocked(fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}
	m.loopback = neg
	gen := m.gen
	self := m.tr.Self()
	neg.OnLocalSignal(func(sig json.RawMessage) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return
		}
		m.emitLocked(core.TypeAnswerCall, core.AnswerCallPayload{Target: self, Signal: sig})
	})
	neg.OnError(func(err error) {
		m.log.Warn().Err(err).Msg("self-test loopback error")
	})
	go m.runNegotiation(gen, func() error { return neg.Answer(offer) })
}
