// SPDX-License-Identifier: MIT

// Package presence pushes started/stopped events to real-time subscribers
// grouped by target user, and hosts the websocket transport they arrive on.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftcam/shiftcam/internal/bus"
	"github.com/shiftcam/shiftcam/internal/log"
	"github.com/shiftcam/shiftcam/internal/metrics"
)

// Broadcaster derives presence events from session transitions and publishes
// them in transition order. It does not coalesce rapid start/stop flips;
// consumers debounce on their side.
type Broadcaster struct {
	Bus bus.Bus

	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster on the given bus.
func NewBroadcaster(b bus.Bus) *Broadcaster {
	return &Broadcaster{
		Bus:    b,
		logger: log.WithComponent("broadcaster"),
	}
}

// OnSessionTransition pushes a presence event to all subscribers of the
// user's group.
func (b *Broadcaster) OnSessionTransition(ctx context.Context, email string, status bus.PresenceStatus) error {
	group := bus.GroupFor(email)
	ev := bus.PresenceEvent{
		Email:     group,
		Status:    status,
		Timestamp: time.Now(),
	}

	if err := b.Bus.Publish(ctx, group, bus.Envelope{Kind: bus.KindPresence, Presence: &ev}); err != nil {
		b.logger.Error().Err(err).
			Str(log.FieldGroup, group).
			Str(log.FieldStatus, string(status)).
			Msg("presence broadcast failed")
		return err
	}

	metrics.RecordPresenceEvent(string(status))
	b.logger.Debug().
		Str(log.FieldEvent, "presence.broadcast").
		Str(log.FieldGroup, group).
		Str(log.FieldStatus, string(status)).
		Msg("presence event published")
	return nil
}
