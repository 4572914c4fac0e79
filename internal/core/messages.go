package core

import (
	"encoding/json"

	"github.com/dearly-app/dearly/internal/domain"
)

// Wire message types exchanged over the relay. The relay forwards call
// payloads verbatim and never interprets the Signal blob.
const (
	TypeMe               = "me"
	TypeAuthenticate     = "authenticate"
	TypeConnectToPartner = "connectToPartner"
	TypePartnerFound     = "partnerFound"
	TypePartnerNotFound  = "partnerNotFound"
	TypeUserOnline       = "userOnline"
	TypeUserOffline      = "userOffline"
	TypePartnerDropped   = "partnerDisconnected"
	TypeCallUser         = "callUser"
	TypeAnswerCall       = "answerCall"
	TypeCallAccepted     = "callAccepted"
	TypeRejectCall       = "rejectCall"
	TypeCallRejected     = "callRejected"
	TypeCallEnded        = "callEnded"
	TypeError            = "error"
)

// Envelope is the outer frame of every relay message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(msgType string, payload any) (Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

type MePayload struct {
	ClientID ClientID `json:"clientId"`
}

type AuthenticatePayload struct {
	UserID    domain.UserID `json:"userId"`
	UserEmail string        `json:"userEmail"`
}

type ConnectToPartnerPayload struct {
	UserID    domain.UserID `json:"userId"`
	PartnerID domain.UserID `json:"partnerId"`
	RoomID    domain.RoomID `json:"roomId"`
}

type PartnerFoundPayload struct {
	PartnerID       domain.UserID `json:"partnerId"`
	PartnerClientID ClientID      `json:"partnerClientId"`
}

type PartnerNotFoundPayload struct {
	PartnerID domain.UserID `json:"partnerId"`
}

type PresencePayload struct {
	UserID   domain.UserID `json:"userId"`
	ClientID ClientID      `json:"clientId"`
}

// CallUserPayload carries the caller's offer. Signal is the opaque session
// description produced by the negotiation primitive.
type CallUserPayload struct {
	Target ClientID        `json:"userToCall"`
	Signal json.RawMessage `json:"signalData"`
	From   ClientID        `json:"from"`
	Name   string          `json:"name"`
}

// CallIncomingPayload is what the callee receives for a callUser message.
type CallIncomingPayload struct {
	Signal json.RawMessage `json:"signal"`
	From   ClientID        `json:"from"`
	Name   string          `json:"name"`
}

type AnswerCallPayload struct {
	Target ClientID        `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

type CallAcceptedPayload struct {
	Signal json.RawMessage `json:"signal"`
}

// TargetedPayload addresses rejectCall / callEnded at a relay handle.
type TargetedPayload struct {
	Target ClientID `json:"to"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
