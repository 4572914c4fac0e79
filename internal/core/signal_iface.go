package core

// Frame is a raw wire payload.
type Frame []byte

// ClientID is the ephemeral relay connection handle assigned at upgrade time.
// It is invalidated on disconnect and must never be persisted as a durable
// partner reference.
type ClientID string

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
