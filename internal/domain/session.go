// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"time"
)

var (
	ErrSessionIDEmpty    = errors.New("session id empty")
	ErrAccountTokenEmpty = errors.New("account token empty")
)

type SessionID string

// SessionState is the lifecycle of one call attempt.
type SessionState int

const (
	StateNew SessionState = iota
	StateGatheringMedia
	StateNegotiating
	StateConnected
	StateDisconnected
	StateRecovering
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateGatheringMedia:
		return "gathering_media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Session identifies one call between a participant and the AI endpoint.
// The account token is a bearer credential; log it only through TokenPreview.
type Session struct {
	ID           SessionID
	AccountToken string
	CreatedAt    time.Time
}

// NewSession avoids raw literals in adapters and keeps construction obvious.
func NewSession(id SessionID, accountToken string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionIDEmpty
	}
	if accountToken == "" {
		return nil, ErrAccountTokenEmpty
	}
	return &Session{ID: id, AccountToken: accountToken, CreatedAt: time.Now()}, nil
}

// TokenPreview returns a loggable prefix of a bearer token.
func TokenPreview(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
