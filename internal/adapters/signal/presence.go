package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dearly-app/dearly/internal/core"
)

func (ctl *WSController) handleAuthenticate(cid core.ClientID, c *wsConn, raw json.RawMessage) {
	var p core.AuthenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad authenticate payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if p.UserID == "" {
		ctl.sendError(c, "empty user id")
		return
	}
	log.Info().Str("module", "signal").Str("cid", string(cid)).Str("user", string(p.UserID)).Msg("authenticate")
	ctl.Orch.OnAuthenticate(cid, p)
}

func (ctl *WSController) handleConnectToPartner(cid core.ClientID, c *wsConn, raw json.RawMessage) {
	var p core.ConnectToPartnerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad connectToPartner payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if p.UserID == "" || p.PartnerID == "" || p.RoomID == "" {
		ctl.sendError(c, "missing pairing fields")
		return
	}
	log.Info().Str("module", "signal").Str("user", string(p.UserID)).Str("partner", string(p.PartnerID)).Str("room", string(p.RoomID)).Msg("connectToPartner")
	ctl.Orch.OnConnectToPartner(cid, p)
}
