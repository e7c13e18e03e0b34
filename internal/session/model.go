// SPDX-License-Identifier: MIT

// Package session owns the durable ledger of streaming sessions. It is the
// single source of truth for "is this user currently streaming".
package session

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyActive is returned by Start when the user already has an
	// active session. Callers must stop before starting again.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrNotFound is returned when no session exists for the user.
	ErrNotFound = errors.New("session: not found")

	// ErrReassignMismatch is returned when a supervisor reassignment did not
	// update exactly the requested rows. The transaction is rolled back.
	ErrReassignMismatch = errors.New("session: reassignment row count mismatch")
)

// Session is a single streaming session. Sessions are never deleted, only
// closed: a zero StoppedAt marks the active session.
type Session struct {
	ID         string
	UserID     string // lowercased employee email
	Room       string // media room identifier handed to the credential issuer
	StartedAt  time.Time
	StoppedAt  time.Time
	StopReason string
}

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	return s != nil && s.StoppedAt.IsZero()
}

// LastSession is the read-model projection of the most recent closed state.
type LastSession struct {
	StopReason string    `json:"stopReason"`
	StoppedAt  time.Time `json:"stoppedAt"`
}

// BatchStatusEntry is the per-email result of a batch status query. It is
// computed on demand and never cached beyond a single query.
type BatchStatusEntry struct {
	Email            string       `json:"email"`
	HasActiveSession bool         `json:"hasActiveSession"`
	LastSession      *LastSession `json:"lastSession"`
}
