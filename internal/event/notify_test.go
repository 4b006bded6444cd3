package event

import (
	"context"
	"testing"
	"time"
)

func TestNotificationDedupeKeyDayBucket(t *testing.T) {
	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	same := NotificationDedupeKey("u1", "permit.expiring", "p1", day.Add(10*time.Hour))
	if NotificationDedupeKey("u1", "permit.expiring", "p1", day) != same {
		t.Fatal("same day produced different keys")
	}
	if NotificationDedupeKey("u1", "permit.expiring", "p1", day.Add(24*time.Hour)) == same {
		t.Fatal("next day produced the same key")
	}
}

func TestNotifierDeduplicatesPerDay(t *testing.T) {
	store := NewMemNotificationStore()
	n := NewNotifier(store, NewMemDeduper())
	ctx := context.Background()

	ev := Event{
		ID: "ev1", Type: "permit.expiring", TenantID: "t1", PermitID: "p1",
		At: time.Now().UTC(),
	}
	// duplicate and system recipients collapse
	n.Notify(ctx, ev, []string{"u1", "u1", "system", "", "u2"}, "expiring", "permit expires soon")

	for _, user := range []string{"u1", "u2"} {
		rows, err := store.List(ctx, "t1", user, false, 0)
		if err != nil || len(rows) != 1 {
			t.Fatalf("%s notifications = %d err=%v", user, len(rows), err)
		}
	}

	// the same reminder later the same day is suppressed
	n.Notify(ctx, ev, []string{"u1"}, "expiring", "permit expires soon")
	rows, _ := store.List(ctx, "t1", "u1", false, 0)
	if len(rows) != 1 {
		t.Fatalf("dedupe failed: %d notifications", len(rows))
	}

	// a different permit is a different key
	other := ev
	other.PermitID = "p2"
	n.Notify(ctx, other, []string{"u1"}, "expiring", "another permit")
	rows, _ = store.List(ctx, "t1", "u1", false, 0)
	if len(rows) != 2 {
		t.Fatalf("distinct permit suppressed: %d notifications", len(rows))
	}
}

func TestNotificationStoreReadState(t *testing.T) {
	store := NewMemNotificationStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Add(ctx, &Notification{
			TenantID: "t1", UserID: "u1", Event: "permit.approved", PermitID: "p1",
		}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	rows, err := store.List(ctx, "t1", "u1", true, 0)
	if err != nil || len(rows) != 3 {
		t.Fatalf("unread = %d err=%v", len(rows), err)
	}

	if err := store.MarkRead(ctx, "t1", "u1", rows[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	rows, _ = store.List(ctx, "t1", "u1", true, 0)
	if len(rows) != 2 {
		t.Fatalf("unread after mark = %d", len(rows))
	}

	// ids are tenant and user bound
	if err := store.MarkRead(ctx, "t2", "u1", rows[0].ID); err == nil {
		t.Fatal("foreign tenant marked a notification read")
	}

	if err := store.MarkAllRead(ctx, "t1", "u1"); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	rows, _ = store.List(ctx, "t1", "u1", true, 0)
	if len(rows) != 0 {
		t.Fatalf("unread after mark all = %d", len(rows))
	}
}

func TestNotificationStorePurge(t *testing.T) {
	store := NewMemNotificationStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)

	if err := store.Add(ctx, &Notification{TenantID: "t1", UserID: "u1", CreatedAt: old}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(ctx, &Notification{TenantID: "t1", UserID: "u1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	removed, err := store.PurgeOlderThan(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("removed = %d err=%v", removed, err)
	}
	rows, _ := store.List(ctx, "t1", "u1", false, 0)
	if len(rows) != 1 {
		t.Fatalf("rows after purge = %d", len(rows))
	}
}

func TestMemDeduperWindow(t *testing.T) {
	d := NewMemDeduper()
	base := time.Now()
	d.now = func() time.Time { return base }
	ctx := context.Background()

	first, err := d.FirstUse(ctx, "k", time.Hour)
	if err != nil || !first {
		t.Fatalf("first use: %v %v", first, err)
	}
	again, _ := d.FirstUse(ctx, "k", time.Hour)
	if again {
		t.Fatal("key reused inside the window")
	}

	d.now = func() time.Time { return base.Add(2 * time.Hour) }
	later, _ := d.FirstUse(ctx, "k", time.Hour)
	if !later {
		t.Fatal("key not released after the window")
	}
}
