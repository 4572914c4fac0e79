package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dearly-app/dearly/internal/core"
)

// Orchestrator is the relay's business layer: presence, pairing resolution and
// verbatim routing of call signals. It never interprets signal blobs.
type Orchestrator struct {
	Registry *Registry
	Pairings *Pairings
}

func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		Registry: NewRegistry(),
		Pairings: NewPairings(),
	}
}

func (o *Orchestrator) send(cid core.ClientID, msgType string, payload any) {
	conn, ok := o.Registry.Conn(cid)
	if !ok {
		// Target gone; signaling messages tolerate loss.
		log.Debug().Str("module", "app.orchestrator").Str("cid", string(cid)).Str("type", msgType).Msg("drop: target not connected")
		return
	}
	frame, err := core.NewEnvelope(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Str("type", msgType).Msg("encode")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.orchestrator").Str("cid", string(cid)).Str("type", msgType).Msg("send failed")
	}
}

func (o *Orchestrator) broadcast(except core.ClientID, msgType string, payload any) {
	frame, err := core.NewEnvelope(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Str("type", msgType).Msg("encode")
		return
	}
	for _, snap := range o.Registry.Others(except) {
		_ = snap.Conn.TrySend(frame)
	}
}

// OnAuthenticate records the identity for a connection, announces presence,
// and proactively re-resolves every pairing the user participates in so both
// sides learn each other's fresh handles after a reconnect.
func (o *Orchestrator) OnAuthenticate(cid core.ClientID, p core.AuthenticatePayload) {
	if !o.Registry.Authenticate(cid, p.UserID, p.UserEmail) {
		return
	}
	o.broadcast(cid, core.TypeUserOnline, core.PresencePayload{UserID: p.UserID, ClientID: cid})

	for _, pr := range o.Pairings.Involving(p.UserID) {
		partnerID := pr.Other(p.UserID)
		partnerCID, ok := o.Registry.Resolve(partnerID)
		if !ok {
			continue
		}
		o.send(cid, core.TypePartnerFound, core.PartnerFoundPayload{
			PartnerID:       partnerID,
			PartnerClientID: partnerCID,
		})
		o.send(partnerCID, core.TypePartnerFound, core.PartnerFoundPayload{
			PartnerID:       p.UserID,
			PartnerClientID: cid,
		})
	}
}

// OnConnectToPartner stores the pairing and answers with partnerFound or
// partnerNotFound. A found partner is also told about this party.
func (o *Orchestrator) OnConnectToPartner(cid core.ClientID, p core.ConnectToPartnerPayload) {
	o.Pairings.Put(Pairing{RoomID: p.RoomID, UserA: p.UserID, UserB: p.PartnerID})
	// The announcing side may not have authenticated yet on this connection.
	o.Registry.Authenticate(cid, p.UserID, "")

	partnerCID, ok := o.Registry.Resolve(p.PartnerID)
	if !ok {
		log.Info().Str("module", "app.orchestrator").Str("user", string(p.UserID)).Str("partner", string(p.PartnerID)).Msg("partner not found")
		o.send(cid, core.TypePartnerNotFound, core.PartnerNotFoundPayload{PartnerID: p.PartnerID})
		return
	}
	o.send(cid, core.TypePartnerFound, core.PartnerFoundPayload{
		PartnerID:       p.PartnerID,
		PartnerClientID: partnerCID,
	})
	o.send(partnerCID, core.TypePartnerFound, core.PartnerFoundPayload{
		PartnerID:       p.UserID,
		PartnerClientID: cid,
	})
}

// OnCallUser forwards the caller's offer to the target handle.
func (o *Orchestrator) OnCallUser(cid core.ClientID, p core.CallUserPayload) {
	o.send(p.Target, core.TypeCallUser, core.CallIncomingPayload{
		Signal: p.Signal,
		From:   cid,
		Name:   p.Name,
	})
}

func (o *Orchestrator) OnAnswerCall(p core.AnswerCallPayload) {
	o.send(p.Target, core.TypeCallAccepted, core.CallAcceptedPayload{Signal: p.Signal})
}

func (o *Orchestrator) OnRejectCall(p core.TargetedPayload) {
	o.send(p.Target, core.TypeCallRejected, nil)
}

func (o *Orchestrator) OnCallEnded(p core.TargetedPayload) {
	o.send(p.Target, core.TypeCallEnded, nil)
}

// OnDisconnect emits userOffline exactly once for an authenticated connection
// and additionally notifies each connected partner directly.
func (o *Orchestrator) OnDisconnect(cid core.ClientID) {
	uid, wasAuthed := o.Registry.Unbind(cid)
	if !wasAuthed {
		return
	}
	o.broadcast(cid, core.TypeUserOffline, core.PresencePayload{UserID: uid, ClientID: cid})

	for _, pr := range o.Pairings.Involving(uid) {
		partnerCID, ok := o.Registry.Resolve(pr.Other(uid))
		if !ok {
			continue
		}
		o.send(partnerCID, core.TypePartnerDropped, core.PresencePayload{UserID: uid, ClientID: cid})
	}
}
