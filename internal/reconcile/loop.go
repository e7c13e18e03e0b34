// SPDX-License-Identifier: MIT

// Package reconcile resolves the authoritative streaming state for one
// (viewer, target) pair by combining real-time push events with a debounced
// REST confirm-fetch. The in-memory view is never authoritative; the session
// store is.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftcam/shiftcam/internal/bus"
	"github.com/shiftcam/shiftcam/internal/log"
	"github.com/shiftcam/shiftcam/internal/metrics"
	"github.com/shiftcam/shiftcam/internal/token"
)

// State is the viewer-side view of one target.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateError      State = "error"
)

// FetchResult is the outcome of one confirm-fetch. A target that is active
// but whose room has no credentials yet is recoverable "not actually live",
// reported with Active true and nil Credentials.
type FetchResult struct {
	Active      bool
	Credentials *token.Credentials
}

// ConfirmFetcher performs the REST pull against the batch status query and
// credential issuance.
type ConfirmFetcher interface {
	Confirm(ctx context.Context, target string) (FetchResult, error)
}

// Realtime establishes a push session joined to the given groups. Membership
// is not durable; every reconnect joins again.
type Realtime interface {
	Connect(ctx context.Context, groups []string) (bus.Subscription, error)
}

// PendingFetcher replays commands missed while disconnected.
type PendingFetcher interface {
	FetchPending(ctx context.Context, userID string) ([]bus.Command, error)
}

// Acker confirms command receipt.
type Acker interface {
	Acknowledge(ctx context.Context, ids ...string) error
}

// Config wires one loop.
type Config struct {
	Identity string // the viewer's own email; commands are replayed for it
	Target   string // the watched employee

	Debounce          time.Duration // confirm-fetch delay, default 500ms
	LivenessInterval  time.Duration // heartbeat check cadence, default 5s
	LivenessThreshold time.Duration // overdue gap treated as suspension, default 45s

	Realtime Realtime
	Fetcher  ConfirmFetcher
	Pending  PendingFetcher
	Acker    Acker             // optional
	OnCmd    func(bus.Command) // optional; invoked once per command id
}

// Loop is the per-(viewer, target) reconciliation state machine. All state
// transitions happen on the Run goroutine; Snapshot is safe from any.
type Loop struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	state State
	creds *token.Credentials
	err   error

	events   chan bus.Envelope
	online   chan struct{}
	seen     map[string]struct{}
	seenIDs  []string
	sub      bus.Subscription
	lastBeat time.Time

	timer     *time.Timer
	timerC    <-chan time.Time
	timerWhat string
}

// New creates a loop in Idle state. Run must be called to start it.
func New(cfg Config) *Loop {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 5 * time.Second
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = 45 * time.Second
	}
	return &Loop{
		cfg:    cfg,
		logger: log.WithComponent("reconcile"),
		state:  StateIdle,
		events: make(chan bus.Envelope, subscriberBufferHint),
		online: make(chan struct{}, 1),
		seen:   make(map[string]struct{}),
	}
}

const subscriberBufferHint = 64

// seenLimit bounds the dedupe set. Redelivery only happens within the
// pending TTL window, so eviction of old ids is safe long before the
// set reaches this size.
const seenLimit = 512

// Snapshot returns the current state and credentials.
func (l *Loop) Snapshot() (State, *token.Credentials, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.creds, l.err
}

// NotifyOnline signals an offline-to-online network transition. The loop
// reacts by tearing down and re-establishing its realtime session.
func (l *Loop) NotifyOnline() {
	select {
	case l.online <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. Teardown is synchronous: when
// Run returns, the debounce timer is stopped and the subscription closed.
func (l *Loop) Run(ctx context.Context) error {
	defer l.teardown()

	if err := l.connect(ctx); err != nil {
		l.setError(err)
	}
	l.replayPending(ctx)

	// Fallback pull on mount: realtime delivery only covers sessions that
	// start after the viewer subscribed.
	l.confirm(ctx, "mount")

	liveness := time.NewTicker(l.cfg.LivenessInterval)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env := <-l.events:
			l.handle(ctx, env)

		case <-l.timerC:
			what := l.timerWhat
			l.timer = nil
			l.timerC = nil
			l.confirm(ctx, what)

		case <-liveness.C:
			// A tick that should have arrived long ago means the process
			// was suspended (laptop sleep, tab backgrounding).
			if time.Since(l.lastBeat) > l.cfg.LivenessThreshold {
				l.recover(ctx, "suspension")
			}

		case <-l.online:
			l.recover(ctx, "online")
		}
	}
}

func (l *Loop) groups() []string {
	identity := bus.GroupFor(l.cfg.Identity)
	target := bus.GroupFor(l.cfg.Target)
	if identity == target {
		return []string{identity}
	}
	return []string{identity, target}
}

func (l *Loop) connect(ctx context.Context) error {
	sub, err := l.cfg.Realtime.Connect(ctx, l.groups())
	if err != nil {
		return err
	}
	l.sub = sub
	l.lastBeat = time.Now()

	go func() {
		for env := range sub.C() {
			select {
			case l.events <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (l *Loop) handle(ctx context.Context, env bus.Envelope) {
	switch env.Kind {
	case bus.KindHeartbeat:
		l.lastBeat = time.Now()

	case bus.KindPresence:
		if env.Presence == nil || env.Presence.Email != bus.GroupFor(l.cfg.Target) {
			return
		}
		switch env.Presence.Status {
		case bus.StatusStopped:
			l.setState(StateIdle, nil)
		case bus.StatusStarted:
			if st, _, _ := l.Snapshot(); st == StateIdle || st == StateError {
				l.setState(StateConnecting, nil)
			}
		}
		// Last-write-wins on the timer: a rapid start/stop/start flap
		// collapses into a single fetch reflecting final state.
		l.schedule("event")

	case bus.KindCommand:
		if env.Command == nil {
			return
		}
		l.applyCommand(ctx, *env.Command)
	}
}

func (l *Loop) applyCommand(ctx context.Context, cmd bus.Command) {
	// Dedupe on command id, never on payload equality.
	if _, dup := l.seen[cmd.ID]; dup {
		return
	}
	if len(l.seenIDs) >= seenLimit {
		oldest := l.seenIDs[0]
		l.seenIDs = l.seenIDs[1:]
		delete(l.seen, oldest)
	}
	l.seen[cmd.ID] = struct{}{}
	l.seenIDs = append(l.seenIDs, cmd.ID)

	if l.cfg.OnCmd != nil {
		l.cfg.OnCmd(cmd)
	}
	if l.cfg.Acker != nil {
		if err := l.cfg.Acker.Acknowledge(ctx, cmd.ID); err != nil {
			l.logger.Warn().Err(err).Str(log.FieldCommandID, cmd.ID).Msg("ack failed")
		}
	}
}

// schedule arms the debounce timer, replacing any pending one. At most one
// timer is ever in flight per loop.
func (l *Loop) schedule(what string) {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.NewTimer(l.cfg.Debounce)
	l.timerC = l.timer.C
	l.timerWhat = what
}

func (l *Loop) confirm(ctx context.Context, trigger string) {
	metrics.RecordReconcileFetch(trigger)

	res, err := l.cfg.Fetcher.Confirm(ctx, l.cfg.Target)
	if err != nil {
		// Fetch failures never crash the loop; they retry on the same
		// debounce path.
		l.setError(err)
		l.schedule("retry")
		return
	}

	switch {
	case res.Active && res.Credentials != nil:
		l.setState(StateStreaming, res.Credentials)
	case res.Active:
		// Session exists but the room is not live yet.
		l.setState(StateConnecting, nil)
		l.schedule("retry")
	default:
		l.setState(StateIdle, nil)
	}
}

func (l *Loop) recover(ctx context.Context, cause string) {
	l.logger.Info().
		Str(log.FieldEvent, "reconcile.recover").
		Str("cause", cause).
		Str(log.FieldGroup, bus.GroupFor(l.cfg.Target)).
		Msg("re-establishing realtime session")

	if l.sub != nil {
		_ = l.sub.Close()
		l.sub = nil
	}
	if err := l.connect(ctx); err != nil {
		// lastBeat stays stale, so the next liveness tick retries.
		l.setError(err)
		return
	}
	l.replayPending(ctx)
	l.confirm(ctx, "recovery")
}

func (l *Loop) replayPending(ctx context.Context) {
	if l.cfg.Pending == nil {
		return
	}
	cmds, err := l.cfg.Pending.FetchPending(ctx, l.cfg.Identity)
	if err != nil {
		l.logger.Warn().Err(err).Msg("pending replay failed")
		return
	}
	for _, cmd := range cmds {
		l.applyCommand(ctx, cmd)
	}
}

func (l *Loop) setState(s State, creds *token.Credentials) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != s {
		l.logger.Debug().
			Str(log.FieldOldState, string(l.state)).
			Str(log.FieldNewState, string(s)).
			Msg("state transition")
	}
	l.state = s
	l.creds = creds
	l.err = nil
}

func (l *Loop) setError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateError
	l.creds = nil
	l.err = err
}

func (l *Loop) teardown() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
		l.timerC = nil
	}
	if l.sub != nil {
		_ = l.sub.Close()
		l.sub = nil
	}
}
