// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// subscriberBuffer bounds the per-subscriber queue. A subscriber that stalls
// past it loses the oldest frame; reconnect recovery through the ledger
// covers the gap.
const subscriberBuffer = 64

// MemoryBus is an in-process Bus for tests and single-node deployments.
type MemoryBus struct {
	mu     sync.RWMutex
	groups map[string][]*memorySub
	logger zerolog.Logger
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		groups: make(map[string][]*memorySub),
		logger: logger,
	}
}

// Publish delivers env to every current subscriber of group.
func (b *MemoryBus) Publish(_ context.Context, group string, env Envelope) error {
	b.mu.RLock()
	subs := make([]*memorySub, len(b.groups[group]))
	copy(subs, b.groups[group])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(env, b.logger)
	}
	return nil
}

// Subscribe joins group. Membership lasts until the subscription is closed.
func (b *MemoryBus) Subscribe(_ context.Context, group string) (Subscription, error) {
	sub := &memorySub{
		bus:   b,
		group: group,
		ch:    make(chan Envelope, subscriberBuffer),
	}

	b.mu.Lock()
	b.groups[group] = append(b.groups[group], sub)
	b.mu.Unlock()

	return sub, nil
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.groups[sub.group]
	for i, s := range subs {
		if s == sub {
			b.groups[sub.group] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.groups[sub.group]) == 0 {
		delete(b.groups, sub.group)
	}
}

type memorySub struct {
	bus    *MemoryBus
	group  string
	ch     chan Envelope
	closed sync.Once
}

func (s *memorySub) C() <-chan Envelope { return s.ch }

func (s *memorySub) Close() error {
	s.closed.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
	return nil
}

func (s *memorySub) deliver(env Envelope, logger zerolog.Logger) {
	defer func() {
		// Send on a channel closed by a racing Close is survivable; the
		// subscriber is gone either way.
		_ = recover()
	}()
	select {
	case s.ch <- env:
	default:
		// Drop the oldest frame to keep the newest state flowing.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- env:
		default:
			logger.Warn().Str("group", s.group).Msg("subscriber queue full, frame dropped")
		}
	}
}

// MemoryLedger is an in-process pending command ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	byID    map[string]PendingCommandRecord
	byUser  map[string]map[string]struct{}
	nowFunc func() time.Time
}

// NewMemoryLedger creates an in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID:    make(map[string]PendingCommandRecord),
		byUser:  make(map[string]map[string]struct{}),
		nowFunc: time.Now,
	}
}

// Record stores rec until acknowledged or expired.
func (l *MemoryLedger) Record(_ context.Context, rec PendingCommandRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.TargetUserID = GroupFor(rec.TargetUserID)
	l.byID[rec.CommandID] = rec
	ids, ok := l.byUser[rec.TargetUserID]
	if !ok {
		ids = make(map[string]struct{})
		l.byUser[rec.TargetUserID] = ids
	}
	ids[rec.CommandID] = struct{}{}
	return nil
}

// Acknowledge removes the given records. Unknown ids are a no-op.
func (l *MemoryLedger) Acknowledge(_ context.Context, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		l.drop(id)
	}
	return nil
}

// FetchPending returns the unexpired commands for userID in issue order.
func (l *MemoryLedger) FetchPending(_ context.Context, userID string) ([]Command, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	var out []Command
	for id := range l.byUser[GroupFor(userID)] {
		rec, ok := l.byID[id]
		if !ok {
			continue
		}
		if rec.ExpiresAt.Before(now) {
			l.drop(id)
			continue
		}
		out = append(out, rec.Payload)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// SweepOnce purges expired records.
func (l *MemoryLedger) SweepOnce(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	removed := 0
	for id, rec := range l.byID {
		if rec.ExpiresAt.Before(now) {
			l.drop(id)
			removed++
		}
	}
	return removed, nil
}

// drop must be called with l.mu held.
func (l *MemoryLedger) drop(id string) {
	rec, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	if ids, ok := l.byUser[rec.TargetUserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(l.byUser, rec.TargetUserID)
		}
	}
}
