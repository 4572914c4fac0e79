// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 64
)

var (
	ErrUserIDEmpty        = errors.New("user id empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type UserID string

// User is the stable identity supplied by the auth collaborator.
// ID is never empty during an active session.
type User struct {
	ID          UserID `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func NewUser(id UserID, email, displayName string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &User{ID: id, Email: email, DisplayName: displayName}, nil
}
