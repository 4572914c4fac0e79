package callsession

import (
	"context"
	"encoding/json"

	"github.com/dearly-app/dearly/internal/core"
)

// MediaStream is the opaque local media handle. The session owns it
// exclusively for the attempt's lifetime and stops it on every exit path.
type MediaStream interface {
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	Stop()
}

// MediaSource acquires local audio+video capability from the environment.
// Acquisition is user-permission-gated and may take arbitrary time or fail.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaStream, error)
}

// RemoteTrack is the opaque handle to flowing remote media.
type RemoteTrack interface {
	Kind() string
}

// Negotiator is the underlying media negotiation primitive. Exactly one
// exists per call session; a new attempt tears down any stale one first.
// Local signals (offer or answer blobs) are delivered via OnLocalSignal.
type Negotiator interface {
	// Offer creates the local session offer for the caller side.
	Offer() error
	// Answer applies the remote offer and creates the local answer.
	Answer(remote json.RawMessage) error
	// AcceptAnswer applies the remote answer on the caller side.
	AcceptAnswer(remote json.RawMessage) error
	OnLocalSignal(func(json.RawMessage))
	OnRemoteMediaReady(func(RemoteTrack))
	OnError(func(error))
	Close()
}

// NegotiatorFactory builds a negotiator around an acquired local stream.
type NegotiatorFactory func(local MediaStream) (Negotiator, error)

// Transport is the relay surface the session consumes: typed emit plus
// handler registration. Self returns the party's current relay handle.
type Transport interface {
	Emit(msgType string, payload any) error
	Handle(msgType string, fn func(json.RawMessage))
	Self() core.ClientID
}
