// SPDX-License-Identifier: MIT

// Package command accepts administrative commands, validates target
// eligibility, persists intent, and publishes on the bus. A command is
// intent, not fact: session state flips only when the streaming-confirmation
// path writes to the session store.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shiftcam/shiftcam/internal/auth"
	"github.com/shiftcam/shiftcam/internal/bus"
	"github.com/shiftcam/shiftcam/internal/directory"
	"github.com/shiftcam/shiftcam/internal/log"
	"github.com/shiftcam/shiftcam/internal/metrics"
)

// DefaultPendingTTL must exceed the transport's expected redelivery window.
const DefaultPendingTTL = 45 * time.Second

// Authorizer is the external authorization collaborator for issuing commands.
type Authorizer interface {
	CanIssueCommands(ctx context.Context, issuer *auth.Principal) error
}

// RoleAuthorizer authorizes any principal holding the supervisor role.
type RoleAuthorizer struct{}

func (RoleAuthorizer) CanIssueCommands(_ context.Context, issuer *auth.Principal) error {
	return issuer.RequireRole(auth.RoleSupervisor)
}

// Request is a command submission after transport-level validation.
type Request struct {
	Type        bus.CommandType
	TargetEmail string
	Reason      string
}

// Dispatcher wires authorization, eligibility, the pending ledger and the
// bus into the issue path.
type Dispatcher struct {
	Bus        bus.Bus
	Ledger     bus.Ledger
	Directory  directory.Directory
	Authorizer Authorizer
	PendingTTL time.Duration

	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher with default TTL and authorizer.
func NewDispatcher(b bus.Bus, ledger bus.Ledger, dir directory.Directory) *Dispatcher {
	return &Dispatcher{
		Bus:        b,
		Ledger:     ledger,
		Directory:  dir,
		Authorizer: RoleAuthorizer{},
		PendingTTL: DefaultPendingTTL,
		logger:     log.WithComponent("dispatcher"),
	}
}

// Issue validates, persists and publishes a command, returning its id.
// All command types go through the same idempotency-key path; START and STOP
// are not special-cased.
func (d *Dispatcher) Issue(ctx context.Context, req Request, issuer *auth.Principal) (string, error) {
	if err := d.Authorizer.CanIssueCommands(ctx, issuer); err != nil {
		metrics.RecordReject("unauthorized")
		return "", err
	}

	if !req.Type.Valid() || req.TargetEmail == "" {
		metrics.RecordReject("invalid")
		return "", fmt.Errorf("%w: type=%q", ErrInvalidCommand, req.Type)
	}

	target, err := d.Directory.Lookup(ctx, req.TargetEmail)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			metrics.RecordReject("not_eligible")
			return "", ErrTargetNotEligible
		}
		metrics.RecordReject("upstream")
		return "", err
	}
	if !target.Eligible() {
		metrics.RecordReject("not_eligible")
		return "", ErrTargetNotEligible
	}

	group := bus.GroupFor(target.Email)
	now := time.Now()
	cmd := bus.Command{
		ID:           uuid.NewString(),
		Type:         req.Type,
		TargetUserID: group,
		IssuedBy:     issuer.ID,
		IssuedAt:     now,
		Reason:       req.Reason,
	}

	ttl := d.PendingTTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	rec := bus.PendingCommandRecord{
		CommandID:    cmd.ID,
		TargetUserID: group,
		Payload:      cmd,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := d.Ledger.Record(ctx, rec); err != nil {
		return "", fmt.Errorf("command: persist pending: %w", err)
	}

	if err := d.Bus.Publish(ctx, group, bus.Envelope{Kind: bus.KindCommand, Command: &cmd}); err != nil {
		// Pending record stays; the client picks it up via FetchPending.
		d.logger.Error().Err(err).
			Str(log.FieldCommandID, cmd.ID).
			Str(log.FieldGroup, group).
			Msg("bus publish failed, pending record retained")
		return cmd.ID, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	metrics.RecordDispatch(string(cmd.Type))
	d.logger.Info().
		Str(log.FieldEvent, "command.issued").
		Str(log.FieldCommandID, cmd.ID).
		Str(log.FieldIssuer, issuer.ID).
		Str(log.FieldGroup, group).
		Str("type", string(cmd.Type)).
		Msg("command dispatched")

	return cmd.ID, nil
}
