package callsession

// Phase is the discrete lifecycle state of a call session. It is the sole
// source of truth for sequencing: every handler re-checks it after any
// suspension point before acting.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAcquiringMedia
	PhaseCalling
	PhaseReceivingCall
	PhaseNegotiating
	PhaseActive
	PhaseEnded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiringMedia:
		return "acquiring_media"
	case PhaseCalling:
		return "calling"
	case PhaseReceivingCall:
		return "receiving_call"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// inCall reports whether the session holds live call resources that EndCall
// must notify the remote party about.
func (p Phase) inCall() bool {
	return p == PhaseCalling || p == PhaseNegotiating || p == PhaseActive
}
