package app

import (
	"sync"

	"github.com/dearly-app/dearly/internal/domain"
)

// Pairing records which two users use a given session room. It mirrors the
// durable Partnership but lives only as long as the relay process; parties
// re-announce it via connectToPartner.
type Pairing struct {
	RoomID domain.RoomID
	UserA  domain.UserID
	UserB  domain.UserID
}

func (p Pairing) Involves(uid domain.UserID) bool {
	return p.UserA == uid || p.UserB == uid
}

func (p Pairing) Other(uid domain.UserID) domain.UserID {
	if p.UserA == uid {
		return p.UserB
	}
	return p.UserA
}

type Pairings struct {
	mu     sync.RWMutex
	byRoom map[domain.RoomID]Pairing
}

func NewPairings() *Pairings {
	return &Pairings{byRoom: make(map[domain.RoomID]Pairing)}
}

func (p *Pairings) Put(pr Pairing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byRoom[pr.RoomID] = pr
}

// Involving returns every pairing a user participates in.
func (p *Pairings) Involving(uid domain.UserID) []Pairing {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Pairing
	for _, pr := range p.byRoom {
		if pr.Involves(uid) {
			out = append(out, pr)
		}
	}
	return out
}
