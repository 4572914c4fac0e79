package domain

import "time"

type RoomID string

// Partnership is one direction of the durable pairing between two users.
// Accepting an invitation creates both directions sharing a single RoomID.
// RoomID is the stable token both parties use to correlate presence and
// signaling while their relay handles churn; it is never a relay handle.
type Partnership struct {
	ID           string    `json:"id"`
	UserID       UserID    `json:"userId"`
	PartnerID    UserID    `json:"partnerId"`
	PartnerEmail string    `json:"partnerEmail"`
	PartnerName  string    `json:"partnerName"`
	RoomID       RoomID    `json:"roomId"`
	CreatedAt    time.Time `json:"createdAt"`
}
