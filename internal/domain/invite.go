package domain

import "time"

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRejected InvitationStatus = "rejected"
)

// Invitation is the durable request that, once accepted, produces a
// Partnership. At most one pending invitation exists per
// (sender, recipientEmail) pair.
type Invitation struct {
	ID             string           `json:"id"`
	SenderID       UserID           `json:"senderId"`
	SenderEmail    string           `json:"senderEmail"`
	SenderName     string           `json:"senderName"`
	RecipientEmail string           `json:"recipientEmail"`
	Status         InvitationStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
