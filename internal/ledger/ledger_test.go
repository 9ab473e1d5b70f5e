package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuelight/cuelight/internal/db"
	"github.com/cuelight/cuelight/internal/eventbus"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(d.DB)
}

func TestAppendAndRecentOrdering(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now().UTC()

	entries := []Entry{
		{EventType: "signal.applied", RoomID: "1", SignalID: "room-ready", Timestamp: now.Add(-2 * time.Minute)},
		{EventType: "signal.applied", RoomID: "2", SignalID: "doctor", Timestamp: now.Add(-time.Minute)},
		{EventType: "signal.cleared", RoomID: "1", Timestamp: now},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := l.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].EventType != "signal.cleared" || got[2].RoomID != "1" || got[2].SignalID != "room-ready" {
		t.Errorf("wrong order: %s then %s then %s", got[0].EventType, got[1].EventType, got[2].EventType)
	}
	for _, e := range got {
		if e.ID == "" {
			t.Error("entry id not generated")
		}
	}
}

func TestRecentSameSecondUsesInsertionOrder(t *testing.T) {
	l := newTestLedger(t)
	ts := time.Now().UTC()

	for _, room := range []string{"1", "2", "3"} {
		if err := l.Append(Entry{EventType: "signal.applied", RoomID: room, Timestamp: ts}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := l.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got[0].RoomID != "3" || got[2].RoomID != "1" {
		t.Errorf("same-second entries out of order: %s %s %s", got[0].RoomID, got[1].RoomID, got[2].RoomID)
	}
}

func TestRecentByType(t *testing.T) {
	l := newTestLedger(t)

	if err := l.Append(Entry{EventType: "signal.applied", RoomID: "1", SignalID: "emergency"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Entry{EventType: "bridge.connected", Detail: "connected to 192.168.1.50 using the modern protocol"}); err != nil {
		t.Fatal(err)
	}

	got, err := l.RecentByType("bridge.connected", 10)
	if err != nil {
		t.Fatalf("recent by type: %v", err)
	}
	if len(got) != 1 || got[0].EventType != "bridge.connected" {
		t.Errorf("got %d entries, want only the bridge event", len(got))
	}
}

func TestRecentClampsLimit(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 60; i++ {
		if err := l.Append(Entry{EventType: "signal.applied"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 50 {
		t.Errorf("zero limit returned %d entries, want the default 50", len(got))
	}

	got, err = l.Recent(5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("limit 5 returned %d entries", len(got))
	}
}

func TestDeleteOlderThan(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now().UTC()

	if err := l.Append(Entry{EventType: "signal.applied", Timestamp: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Entry{EventType: "signal.applied", Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	deleted, err := l.DeleteOlderThan(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d entries, want 1", deleted)
	}

	got, err := l.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("%d entries remain, want 1", len(got))
	}
}

func TestRecorderWritesBusEvents(t *testing.T) {
	l := newTestLedger(t)
	bus := eventbus.New()
	defer bus.Close(context.Background())

	NewRecorder(l, bus)

	bus.Publish(eventbus.Event{
		Type: eventbus.EventSignalApplied,
		Data: map[string]interface{}{"room_id": "1", "signal_id": "assistance", "source": "staff"},
	})
	bus.Publish(eventbus.Event{
		Type: eventbus.EventBridgeConnected,
		Data: map[string]interface{}{"host": "192.168.1.50", "version": "legacy"},
	})

	// Delivery is asynchronous through the worker pool.
	deadline := time.Now().Add(2 * time.Second)
	var got []*Entry
	for time.Now().Before(deadline) {
		var err error
		got, err = l.Recent(10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(got) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(got) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(got))
	}

	byType := make(map[string]*Entry)
	for _, e := range got {
		byType[e.EventType] = e
	}

	applied := byType["signal.applied"]
	if applied == nil || applied.RoomID != "1" || applied.SignalID != "assistance" || applied.Source != "staff" {
		t.Errorf("signal entry = %+v", applied)
	}

	connected := byType["bridge.connected"]
	if connected == nil || connected.Detail != "connected to 192.168.1.50 using the legacy protocol" {
		t.Errorf("bridge entry = %+v", connected)
	}
	if connected != nil && connected.Source != "system" {
		t.Errorf("bridge entry source = %s, want system", connected.Source)
	}
}
