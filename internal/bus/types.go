// SPDX-License-Identifier: MIT

// Package bus carries administrative commands and presence events from the
// server to connected clients. Delivery is at-least-once; ordering is
// preserved within a single target group only.
package bus

import (
	"context"
	"strings"
	"time"
)

// CommandType enumerates the administrative commands.
type CommandType string

const (
	CommandStart   CommandType = "START"
	CommandStop    CommandType = "STOP"
	CommandRefresh CommandType = "REFRESH"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandStart, CommandStop, CommandRefresh:
		return true
	}
	return false
}

// Command is the unit of administrative intent. ID doubles as the
// idempotency key: consumers dedupe on it, never on payload equality.
type Command struct {
	ID           string      `json:"id"`
	Type         CommandType `json:"type"`
	TargetUserID string      `json:"targetUserId"`
	IssuedBy     string      `json:"issuedBy"`
	IssuedAt     time.Time   `json:"issuedAt"`
	Reason       string      `json:"reason,omitempty"`
}

// PresenceStatus is the direction of a session transition.
type PresenceStatus string

const (
	StatusStarted PresenceStatus = "started"
	StatusStopped PresenceStatus = "stopped"
)

// PresenceEvent is the transient started/stopped notification pushed to
// subscribers of the target's group. It is derived at broadcast time and
// never persisted.
type PresenceEvent struct {
	Email     string         `json:"email"`
	Status    PresenceStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// Envelope kinds. Heartbeat frames are minted by the transport itself so
// clients can run a timer-liveness check for suspension detection.
const (
	KindCommand   = "command"
	KindPresence  = "presence"
	KindHeartbeat = "heartbeat"
)

// Envelope is the wire frame carried on a group channel.
type Envelope struct {
	Kind     string         `json:"kind"`
	Command  *Command       `json:"command,omitempty"`
	Presence *PresenceEvent `json:"presence,omitempty"`
}

// PendingCommandRecord tracks a command until it is acknowledged or expires.
// ExpiresAt must exceed the transport's expected redelivery window, otherwise
// acknowledgment-vs-expiry is a false race.
type PendingCommandRecord struct {
	CommandID    string    `json:"commandId"`
	TargetUserID string    `json:"targetUserId"`
	Payload      Command   `json:"payload"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Subscription is a live feed of envelopes for one group.
type Subscription interface {
	C() <-chan Envelope
	Close() error
}

// Bus is the real-time delivery channel.
type Bus interface {
	Publish(ctx context.Context, group string, env Envelope) error
	Subscribe(ctx context.Context, group string) (Subscription, error)
}

// Ledger records commands not yet acknowledged by a client. Acknowledge is
// idempotent; FetchPending is the reconnection-recovery path.
type Ledger interface {
	Record(ctx context.Context, rec PendingCommandRecord) error
	Acknowledge(ctx context.Context, ids ...string) error
	FetchPending(ctx context.Context, userID string) ([]Command, error)
	// SweepOnce purges expired records and returns how many were removed.
	// It only deletes ledger rows; session state is never touched here.
	SweepOnce(ctx context.Context) (int, error)
}

// GroupFor maps a user email to its group key. A viewer joins exactly two
// groups: its own identity group and the watched target's group.
func GroupFor(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
