// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"time"

	"github.com/shiftcam/shiftcam/internal/log"
	"github.com/shiftcam/shiftcam/internal/metrics"
)

// Sweeper periodically purges expired pending command records. It only
// deletes ledger rows and never mutates session state, so it cannot race
// with session transitions in a data-corrupting way.
type Sweeper struct {
	Ledger   Ledger
	Interval time.Duration
}

// Run starts the sweep loop. It returns when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	logger := log.WithComponent("sweeper")
	logger.Info().Dur("interval", s.Interval).Msg("pending command sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Ledger.SweepOnce(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("pending command sweep failed")
				continue
			}
			if removed > 0 {
				metrics.RecordPendingExpired(removed)
				logger.Debug().Int("removed", removed).Msg("expired pending commands purged")
			}
		}
	}
}
