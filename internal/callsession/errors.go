package callsession

import "errors"

var (
	// ErrMediaAccessDenied terminates the attempt; retrying is allowed.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrNoPartnerReachable means no resolved partner handle and self-test
	// was not engaged.
	ErrNoPartnerReachable = errors.New("no partner reachable")
	// ErrCallNotAnswered is raised when the answer timeout elapses.
	ErrCallNotAnswered = errors.New("call not answered")
	// ErrCallRejected is an explicit remote rejection.
	ErrCallRejected = errors.New("call rejected")
	// ErrNegotiation wraps failures of the underlying media negotiation.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrCallInProgress rejects a second attempt while one is live.
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrNoIncomingCall rejects answering when nothing is ringing.
	ErrNoIncomingCall = errors.New("no incoming call")
)
