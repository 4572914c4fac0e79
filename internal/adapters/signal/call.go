package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dearly-app/dearly/internal/core"
)

// Call handlers forward payloads verbatim; the relay never reads the SDP blob.

func (ctl *WSController) handleCallUser(cid core.ClientID, c *wsConn, raw json.RawMessage) {
	var p core.CallUserPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad callUser payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if p.Target == "" {
		ctl.sendError(c, "missing call target")
		return
	}
	log.Info().Str("module", "signal").Str("from", string(cid)).Str("to", string(p.Target)).Msg("callUser")
	ctl.Orch.OnCallUser(cid, p)
}

func (ctl *WSController) handleAnswerCall(cid core.ClientID, c *wsConn, raw json.RawMessage) {
	var p core.AnswerCallPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answerCall payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	log.Info().Str("module", "signal").Str("from", string(cid)).Str("to", string(p.Target)).Msg("answerCall")
	ctl.Orch.OnAnswerCall(p)
}

func (ctl *WSController) handleRejectCall(cid core.ClientID, c *wsConn, raw json.RawMessage) {
	var p core.TargetedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rejectCall payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	log.Info().Str("module", "signal").Str("from", string(cid)).Str("to", string(p.Target)).Msg("rejectCall")
	ctl.Orch.OnRejectCall(p)
}

func (ctl *WSController) handleCallEnded(cid core.ClientID, c *wsConn, raw json.RawMessage) {
	var p core.TargetedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad callEnded payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	log.Info().Str("module", "signal").Str("from", string(cid)).Str("to", string(p.Target)).Msg("callEnded")
	ctl.Orch.OnCallEnded(p)
}
