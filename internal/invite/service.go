// Package invite implements the pairing workflow: sending, accepting and
// rejecting partner invitations, and the durable partnerships they create.
package invite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dearly-app/dearly/internal/domain"
)

var (
	ErrInvitationNotFound   = errors.New("invitation not found")
	ErrInvitationNotPending = errors.New("invitation is not pending")
	ErrSelfInvitation       = errors.New("cannot invite yourself")
)

type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Send creates a pending invitation, or returns the existing pending one for
// the same (sender, recipient) pair. Re-sending never duplicates.
func (s *Service) Send(sender domain.User, recipientEmail string) (string, error) {
	if recipientEmail == "" {
		return "", errors.New("recipient email empty")
	}
	if recipientEmail == sender.Email {
		return "", ErrSelfInvitation
	}

	var existing string
	err := s.store.db.QueryRow(`
		SELECT id FROM invitations
		WHERE sender_id = ? AND recipient_email = ? AND status = 'pending'`,
		string(sender.ID), recipientEmail).Scan(&existing)
	switch {
	case err == nil:
		log.Info().Str("module", "invite").Str("id", existing).Msg("pending invitation reused")
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("lookup pending invitation: %w", err)
	}

	id := uuid.NewString()
	_, err = s.store.db.Exec(`
		INSERT INTO invitations (id, sender_id, sender_email, sender_name, recipient_email, status)
		VALUES (?, ?, ?, ?, ?, 'pending')`,
		id, string(sender.ID), sender.Email, sender.DisplayName, recipientEmail)
	if err != nil {
		return "", fmt.Errorf("insert invitation: %w", err)
	}
	log.Info().Str("module", "invite").Str("id", id).Str("sender", string(sender.ID)).Msg("invitation sent")
	return id, nil
}

// ListReceived returns the pending invitations addressed to an email,
// newest first.
func (s *Service) ListReceived(recipientEmail string) ([]domain.Invitation, error) {
	rows, err := s.store.db.Query(`
		SELECT id, sender_id, sender_email, sender_name, recipient_email, status, created_at, updated_at
		FROM invitations
		WHERE recipient_email = ? AND status = 'pending'
		ORDER BY created_at DESC`, recipientEmail)
	if err != nil {
		return nil, fmt.Errorf("list received: %w", err)
	}
	defer rows.Close()
	return scanInvitations(rows)
}

// ListSent returns every invitation a user has sent, newest first.
func (s *Service) ListSent(senderID domain.UserID) ([]domain.Invitation, error) {
	rows, err := s.store.db.Query(`
		SELECT id, sender_id, sender_email, sender_name, recipient_email, status, created_at, updated_at
		FROM invitations
		WHERE sender_id = ?
		ORDER BY created_at DESC`, string(senderID))
	if err != nil {
		return nil, fmt.Errorf("list sent: %w", err)
	}
	defer rows.Close()
	return scanInvitations(rows)
}

// Accept marks the invitation accepted and creates both directions of the
// partnership with one fresh room id, all in a single transaction. A second
// accept or reject on the same id fails with ErrInvitationNotPending.
func (s *Service) Accept(invitationID string, recipient domain.User) (domain.RoomID, error) {
	tx, err := s.store.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin accept: %w", err)
	}
	defer tx.Rollback()

	var inv domain.Invitation
	var status string
	err = tx.QueryRow(`
		SELECT id, sender_id, sender_email, sender_name, status
		FROM invitations WHERE id = ?`, invitationID).
		Scan(&inv.ID, (*string)(&inv.SenderID), &inv.SenderEmail, &inv.SenderName, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvitationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load invitation: %w", err)
	}
	if domain.InvitationStatus(status) != domain.InvitationPending {
		return "", ErrInvitationNotPending
	}

	if _, err := tx.Exec(`
		UPDATE invitations SET status = 'accepted', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, invitationID); err != nil {
		return "", fmt.Errorf("mark accepted: %w", err)
	}

	roomID := domain.RoomID(uuid.NewString())

	// Sender's direction.
	if _, err := tx.Exec(`
		INSERT INTO partnerships (id, user_id, partner_id, partner_email, partner_name, room_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(inv.SenderID), string(recipient.ID),
		recipient.Email, recipient.DisplayName, string(roomID)); err != nil {
		return "", fmt.Errorf("create sender partnership: %w", err)
	}

	// Recipient's direction.
	if _, err := tx.Exec(`
		INSERT INTO partnerships (id, user_id, partner_id, partner_email, partner_name, room_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(recipient.ID), string(inv.SenderID),
		inv.SenderEmail, inv.SenderName, string(roomID)); err != nil {
		return "", fmt.Errorf("create recipient partnership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit accept: %w", err)
	}
	log.Info().Str("module", "invite").Str("id", invitationID).Str("room", string(roomID)).Msg("invitation accepted")
	return roomID, nil
}

// Reject terminally rejects a pending invitation.
func (s *Service) Reject(invitationID string) error {
	res, err := s.store.db.Exec(`
		UPDATE invitations SET status = 'rejected', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'`, invitationID)
	if err != nil {
		return fmt.Errorf("reject invitation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reject invitation: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.store.db.QueryRow(`SELECT 1 FROM invitations WHERE id = ?`, invitationID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrInvitationNotFound
		}
		return ErrInvitationNotPending
	}
	log.Info().Str("module", "invite").Str("id", invitationID).Msg("invitation rejected")
	return nil
}

// PartnerOf returns the user's partnership, if any.
func (s *Service) PartnerOf(uid domain.UserID) (*domain.Partnership, error) {
	var p domain.Partnership
	var created string
	err := s.store.db.QueryRow(`
		SELECT id, user_id, partner_id, partner_email, partner_name, room_id, created_at
		FROM partnerships WHERE user_id = ?
		ORDER BY created_at DESC LIMIT 1`, string(uid)).
		Scan(&p.ID, (*string)(&p.UserID), (*string)(&p.PartnerID),
			&p.PartnerEmail, &p.PartnerName, (*string)(&p.RoomID), &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup partnership: %w", err)
	}
	p.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
	return &p, nil
}

func scanInvitations(rows *sql.Rows) ([]domain.Invitation, error) {
	var out []domain.Invitation
	for rows.Next() {
		var inv domain.Invitation
		var status, created, updated string
		if err := rows.Scan(&inv.ID, (*string)(&inv.SenderID), &inv.SenderEmail,
			&inv.SenderName, &inv.RecipientEmail, &status, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		inv.Status = domain.InvitationStatus(status)
		inv.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
		inv.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updated)
		out = append(out, inv)
	}
	return out, rows.Err()
}
