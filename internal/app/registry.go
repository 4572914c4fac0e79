package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dearly-app/dearly/internal/core"
	"github.com/dearly-app/dearly/internal/domain"
)

type clientEntry struct {
	Conn   core.SignalConnection
	UserID domain.UserID
	Email  string
	Cancel context.CancelFunc
}

// Registry tracks live relay connections and which authenticated user owns
// each one. A user reconnecting gets a fresh ClientID; the byUser index always
// points at the newest connection.
type Registry struct {
	mu      sync.RWMutex
	clients map[core.ClientID]*clientEntry
	byUser  map[domain.UserID]core.ClientID
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[core.ClientID]*clientEntry),
		byUser:  make(map[domain.UserID]core.ClientID),
	}
}

func (r *Registry) Bind(cid core.ClientID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[cid] = &clientEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("bound connection")
}

// Authenticate associates a user identity with a live connection. If the user
// had an older connection its index entry is replaced, not merged.
func (r *Registry) Authenticate(cid core.ClientID, uid domain.UserID, email string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[cid]
	if !ok {
		return false
	}
	e.UserID = uid
	e.Email = email
	r.byUser[uid] = cid
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("user", string(uid)).Msg("authenticated")
	return true
}

// Resolve returns the current relay handle for a user, if connected.
func (r *Registry) Resolve(uid domain.UserID) (core.ClientID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.byUser[uid]
	return cid, ok
}

func (r *Registry) Conn(cid core.ClientID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[cid]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) UserOf(cid core.ClientID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[cid]; ok && e.UserID != "" {
		return e.UserID, true
	}
	return "", false
}

// Unbind removes a connection and, if it was the user's current one, drops the
// user index entry. Returns the user that went offline, if any.
func (r *Registry) Unbind(cid core.ClientID) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[cid]
	if !ok {
		return "", false
	}
	delete(r.clients, cid)
	if e.Cancel != nil {
		e.Cancel()
	}
	if e.UserID != "" && r.byUser[e.UserID] == cid {
		delete(r.byUser, e.UserID)
		log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("user", string(e.UserID)).Msg("unbound connection")
		return e.UserID, true
	}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("unbound connection")
	return "", false
}

type connSnap struct {
	CID  core.ClientID
	Conn core.SignalConnection
}

// Others returns every connection except the given one, for broadcasts.
func (r *Registry) Others(except core.ClientID) []connSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connSnap, 0, len(r.clients))
	for cid, e := range r.clients {
		if cid == except {
			continue
		}
		out = append(out, connSnap{CID: cid, Conn: e.Conn})
	}
	return out
}
