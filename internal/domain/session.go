// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// SessionID is an opaque server-assigned identifier, unique for the
// lifetime of one connection. A reconnect gets a fresh one.
type SessionID string

// Session is one connected client.
type Session struct {
	ID          SessionID `json:"id"`
	DisplayName string    `json:"display_name"`
}

// NewSession is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewSession(displayName string) (*Session, error) {
	if err := ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	return &Session{ID: SessionID(uuid.NewString()), DisplayName: displayName}, nil
}

func (s *Session) SetDisplayName(name string) error {
	if err := ValidateDisplayName(name); err != nil {
		return err
	}
	s.DisplayName = name
	return nil
}

func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
