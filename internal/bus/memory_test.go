// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(zerolog.Nop())

	sub, err := b.Subscribe(ctx, "alice@co.com")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Close() }()

	env := Envelope{Kind: KindPresence, Presence: &PresenceEvent{
		Email:  "alice@co.com",
		Status: StatusStarted,
	}}
	if err := b.Publish(ctx, "alice@co.com", env); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.Kind != KindPresence || got.Presence.Status != StatusStarted {
			t.Errorf("unexpected envelope: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestMemoryBusGroupIsolation(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(zerolog.Nop())

	sub, err := b.Subscribe(ctx, "bob@co.com")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Close() }()

	if err := b.Publish(ctx, "other@co.com", Envelope{Kind: KindPresence}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case env := <-sub.C():
		t.Fatalf("received envelope for foreign group: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusOrderingWithinGroup(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(zerolog.Nop())

	sub, err := b.Subscribe(ctx, "g")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Close() }()

	statuses := []PresenceStatus{StatusStarted, StatusStopped, StatusStarted}
	for _, st := range statuses {
		if err := b.Publish(ctx, "g", Envelope{Kind: KindPresence, Presence: &PresenceEvent{Status: st}}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	for i, want := range statuses {
		select {
		case got := <-sub.C():
			if got.Presence.Status != want {
				t.Errorf("frame %d: expected %s, got %s", i, want, got.Presence.Status)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestMemoryLedgerAcknowledgeIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	rec := PendingCommandRecord{
		CommandID:    "cmd-1",
		TargetUserID: "alice@co.com",
		Payload:      Command{ID: "cmd-1", Type: CommandStart, TargetUserID: "alice@co.com", IssuedAt: time.Now()},
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Minute),
	}
	if err := l.Record(ctx, rec); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if err := l.Acknowledge(ctx, "cmd-1"); err != nil {
		t.Fatalf("first ack failed: %v", err)
	}
	if err := l.Acknowledge(ctx, "cmd-1"); err != nil {
		t.Fatalf("double ack should be a no-op, got: %v", err)
	}

	pending, err := l.FetchPending(ctx, "alice@co.com")
	if err != nil {
		t.Fatalf("fetchPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected empty ledger after ack, got %d", len(pending))
	}
}

func TestMemoryLedgerExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	base := time.Now()
	l.nowFunc = func() time.Time { return base }

	_ = l.Record(ctx, PendingCommandRecord{
		CommandID:    "cmd-old",
		TargetUserID: "u@co.com",
		Payload:      Command{ID: "cmd-old", IssuedAt: base},
		CreatedAt:    base,
		ExpiresAt:    base.Add(30 * time.Second),
	})
	_ = l.Record(ctx, PendingCommandRecord{
		CommandID:    "cmd-new",
		TargetUserID: "u@co.com",
		Payload:      Command{ID: "cmd-new", IssuedAt: base.Add(time.Second)},
		CreatedAt:    base,
		ExpiresAt:    base.Add(5 * time.Minute),
	})

	l.nowFunc = func() time.Time { return base.Add(time.Minute) }

	removed, err := l.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}

	pending, err := l.FetchPending(ctx, "u@co.com")
	if err != nil {
		t.Fatalf("fetchPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "cmd-new" {
		t.Errorf("expected only cmd-new pending, got %+v", pending)
	}
}

func TestMemoryLedgerFetchOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	base := time.Now()

	for i, id := range []string{"c", "a", "b"} {
		_ = l.Record(ctx, PendingCommandRecord{
			CommandID:    id,
			TargetUserID: "u@co.com",
			Payload:      Command{ID: id, IssuedAt: base.Add(time.Duration(i) * time.Second)},
			CreatedAt:    base,
			ExpiresAt:    base.Add(time.Hour),
		})
	}

	pending, err := l.FetchPending(ctx, "u@co.com")
	if err != nil {
		t.Fatalf("fetchPending failed: %v", err)
	}
	want := []string{"c", "a", "b"} // issue order
	for i, cmd := range pending {
		if cmd.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], cmd.ID)
		}
	}
}
