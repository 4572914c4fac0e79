// Package directory maps a durable partner relationship to the partner's
// current ephemeral relay handle, falling back to self-test mode when no
// partner is reachable so a lone tester is never stuck.
package directory

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dearly-app/dearly/internal/core"
	"github.com/dearly-app/dearly/internal/domain"
)

// Transport is the relay surface the directory consumes.
type Transport interface {
	Emit(msgType string, payload any) error
	Handle(msgType string, fn func(json.RawMessage))
	Self() core.ClientID
}

// Resolution is the directory's current answer for "whom do I call".
type Resolution struct {
	PartnerClientID core.ClientID
	SelfTest        bool
}

type Config struct {
	// ResolveWindow bounds one connectToPartner attempt. After one re-issue
	// the directory falls back to self-test. Zero means 3s.
	ResolveWindow time.Duration
}

type Directory struct {
	cfg Config
	tr  Transport
	log zerolog.Logger

	mu        sync.Mutex
	localID   domain.UserID
	partnerID domain.UserID
	roomID    domain.RoomID

	partnerCID core.ClientID
	selfTest   bool

	resolveTimer *time.Timer
	retried      bool

	onChange func(Resolution)
}

func New(cfg Config, tr Transport, logger zerolog.Logger) *Directory {
	if cfg.ResolveWindow <= 0 {
		cfg.ResolveWindow = 3 * time.Second
	}
	d := &Directory{
		cfg: cfg,
		tr:  tr,
		log: logger.With().Str("module", "directory").Logger(),
	}
	tr.Handle(core.TypePartnerFound, d.handlePartnerFound)
	tr.Handle(core.TypePartnerNotFound, d.handlePartnerNotFound)
	tr.Handle(core.TypeUserOnline, d.handleUserOnline)
	tr.Handle(core.TypeUserOffline, d.handleUserOffline)
	return d
}

// OnChange registers the single resolution listener. The callback runs with
// the directory lock held and must not call back into the directory.
func (d *Directory) OnChange(fn func(Resolution)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// ConnectToPartner announces the pairing to the relay and starts resolution.
// If nothing resolves within the window it re-issues once, then falls back
// to self-test.
func (d *Directory) ConnectToPartner(localID, partnerID domain.UserID, roomID domain.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localID = localID
	d.partnerID = partnerID
	d.roomID = roomID
	d.retried = false
	d.issueLocked()
}

func (d *Directory) issueLocked() {
	d.log.Info().Str("partner", string(d.partnerID)).Str("room", string(d.roomID)).Msg("resolving partner")
	if err := d.tr.Emit(core.TypeConnectToPartner, core.ConnectToPartnerPayload{
		UserID:    d.localID,
		PartnerID: d.partnerID,
		RoomID:    d.roomID,
	}); err != nil {
		d.log.Warn().Err(err).Msg("connectToPartner emit failed")
	}
	d.armTimerLocked()
}

func (d *Directory) armTimerLocked() {
	if d.resolveTimer != nil {
		d.resolveTimer.Stop()
	}
	d.resolveTimer = time.AfterFunc(d.cfg.ResolveWindow, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.partnerCID != "" && !d.selfTest {
			return
		}
		if !d.retried {
			d.retried = true
			d.issueLocked()
			return
		}
		d.log.Warn().Str("partner", string(d.partnerID)).Msg("partner resolution timed out, engaging self-test")
		d.engageSelfTestLocked()
	})
}

// Resolution returns the partner's current relay handle, or the party's own
// handle when self-test mode is engaged.
func (d *Directory) Resolution() Resolution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Resolution{PartnerClientID: d.partnerCID, SelfTest: d.selfTest}
}

// CurrentRelayHandle reports the live handle for a user, if known.
func (d *Directory) CurrentRelayHandle(uid domain.UserID) (core.ClientID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uid == d.partnerID && d.partnerCID != "" && !d.selfTest {
		return d.partnerCID, true
	}
	return "", false
}

func (d *Directory) handlePartnerFound(raw json.RawMessage) {
	var p core.PartnerFoundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.PartnerID != d.partnerID {
		return
	}
	d.stopTimerLocked()
	d.partnerCID = p.PartnerClientID
	d.selfTest = false
	d.log.Info().Str("partner", string(p.PartnerID)).Str("cid", string(p.PartnerClientID)).Msg("partner resolved")
	d.notifyLocked()
}

func (d *Directory) handlePartnerNotFound(raw json.RawMessage) {
	var p core.PartnerNotFoundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.PartnerID != d.partnerID {
		return
	}
	d.stopTimerLocked()
	d.log.Info().Str("partner", string(p.PartnerID)).Msg("partner not found, engaging self-test")
	d.engageSelfTestLocked()
}

func (d *Directory) handleUserOnline(raw json.RawMessage) {
	var p core.PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.UserID != d.partnerID {
		return
	}
	// Partner came online: leave self-test. An already-active self-test
	// call is untouched; the session snapshots its mode at initiate time.
	d.stopTimerLocked()
	d.partnerCID = p.ClientID
	d.selfTest = false
	d.log.Info().Str("partner", string(p.UserID)).Str("cid", string(p.ClientID)).Msg("partner online")
	d.notifyLocked()
}

func (d *Directory) handleUserOffline(raw json.RawMessage) {
	var p core.PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.UserID != d.partnerID {
		return
	}
	d.log.Info().Str("partner", string(p.UserID)).Msg("partner offline, engaging self-test")
	d.engageSelfTestLocked()
}

func (d *Directory) engageSelfTestLocked() {
	d.partnerCID = d.tr.Self()
	d.selfTest = true
	d.notifyLocked()
}

func (d *Directory) stopTimerLocked() {
	if d.resolveTimer != nil {
		d.resolveTimer.Stop()
		d.resolveTimer = nil
	}
}

func (d *Directory) notifyLocked() {
	if d.onChange != nil {
		d.onChange(Resolution{PartnerClientID: d.partnerCID, SelfTest: d.selfTest})
	}
}
