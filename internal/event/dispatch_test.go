package event

import (
	"context"
	"testing"
	"time"

	"athens-ptw.org/internal/ptw"
)

func dispatchFixture(t *testing.T) (*Dispatcher, *MemEventStore, *MemBroker, *MemNotificationStore, *MemSubscriptionStore, *MemQueue) {
	t.Helper()
	events := NewMemEventStore()
	broker := NewMemBroker()
	notifications := NewMemNotificationStore()
	subs := NewMemSubscriptionStore()
	queue := NewMemQueue(16)
	d := NewDispatcher(events, broker, NewNotifier(notifications, NewMemDeduper()), subs, queue, NewMemDeduper())
	return d, events, broker, notifications, subs, queue
}

func transitionEvent(to ptw.Status) ptw.TransitionEvent {
	return ptw.TransitionEvent{
		Permit: &ptw.Permit{
			ID: "p1", TenantID: "t1", Number: "PTW-2026-000001", Title: "welding",
			TypeID: "pt1", RiskLevel: ptw.RiskMedium, Version: 3,
			CreatorID: "u-creator", VerifierID: "u-verifier", ApproverID: "u-approver",
		},
		From:  ptw.StatusUnderReview,
		To:    to,
		Actor: "u-approver",
		At:    time.Now().UTC(),
	}
}

func TestDispatcherFansOut(t *testing.T) {
	d, events, broker, notifications, subs, queue := dispatchFixture(t)
	ctx := context.Background()

	if err := subs.Add(ctx, &Subscription{ID: "sub1", TenantID: "t1", URL: "https://hooks.example/x", Secret: "s"}); err != nil {
		t.Fatalf("add sub: %v", err)
	}
	// a subscription in another tenant never sees the event
	if err := subs.Add(ctx, &Subscription{ID: "sub2", TenantID: "t2", URL: "https://hooks.example/y", Secret: "s"}); err != nil {
		t.Fatalf("add sub: %v", err)
	}

	stream, cancel := broker.Subscribe(ctx, "t1")
	defer cancel()

	d.PermitTransitioned(ctx, transitionEvent(ptw.StatusApproved))

	var ev Event
	select {
	case ev = <-stream:
	default:
		t.Fatal("no event on the live stream")
	}
	if ev.Type != "permit.approved" || ev.PermitNumber != "PTW-2026-000001" {
		t.Fatalf("stream event = %+v", ev)
	}

	stored, ok, err := events.Get(ctx, ev.ID)
	if err != nil || !ok || stored.ToStatus != "approved" {
		t.Fatalf("event not persisted: ok=%v err=%v", ok, err)
	}

	// approval notifies creator and verifier (issuer/receiver unset)
	for _, user := range []string{"u-creator", "u-verifier"} {
		rows, err := notifications.List(ctx, "t1", user, false, 0)
		if err != nil || len(rows) != 1 {
			t.Fatalf("%s notifications = %d err=%v", user, len(rows), err)
		}
	}

	select {
	case job := <-queue.ch:
		if job.SubscriptionID != "sub1" || job.EventID != ev.ID {
			t.Fatalf("job = %+v", job)
		}
	default:
		t.Fatal("no webhook job enqueued")
	}
	select {
	case job := <-queue.ch:
		t.Fatalf("unexpected extra job %+v", job)
	default:
	}
}

func TestDispatcherEventTypeFilter(t *testing.T) {
	d, _, _, _, subs, queue := dispatchFixture(t)
	ctx := context.Background()

	if err := subs.Add(ctx, &Subscription{
		ID: "sub1", TenantID: "t1", URL: "https://hooks.example/x",
		Secret: "s", Events: []string{"permit.expired"},
	}); err != nil {
		t.Fatalf("add sub: %v", err)
	}

	d.PermitTransitioned(ctx, transitionEvent(ptw.StatusApproved))
	select {
	case job := <-queue.ch:
		t.Fatalf("filtered subscription got job %+v", job)
	default:
	}
}

func TestAnnounceDedupesPerHour(t *testing.T) {
	d, _, _, _, subs, queue := dispatchFixture(t)
	ctx := context.Background()

	if err := subs.Add(ctx, &Subscription{ID: "sub1", TenantID: "t1", URL: "https://hooks.example/x", Secret: "s"}); err != nil {
		t.Fatalf("add sub: %v", err)
	}

	at := time.Now().UTC()
	ev := Event{ID: "ev-1", Type: "permit.expiring", TenantID: "t1", PermitID: "p1", At: at}
	d.Announce(ctx, ev, nil, "", "")

	// a fresh event id for the same type and permit still lands in the bucket
	repeat := ev
	repeat.ID = "ev-2"
	d.Announce(ctx, repeat, nil, "", "")

	// a different permit is its own bucket
	other := ev
	other.ID = "ev-3"
	other.PermitID = "p2"
	d.Announce(ctx, other, nil, "", "")

	jobs := 0
	for {
		select {
		case <-queue.ch:
			jobs++
			continue
		default:
		}
		break
	}
	if jobs != 2 {
		t.Fatalf("jobs = %d want 2 (hour-bucket dedupe per type and permit)", jobs)
	}
}

func TestBrokerDropsSlowSubscribers(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()
	ch, cancel := b.Subscribe(ctx, "t1")
	defer cancel()

	// more events than the buffer holds must not block the publisher
	for i := 0; i < 200; i++ {
		b.Publish(ctx, Event{ID: "ev", TenantID: "t1"})
	}
	if len(ch) == 0 {
		t.Fatal("subscriber got nothing")
	}
}

func TestBrokerTenantIsolation(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()
	t1, cancel1 := b.Subscribe(ctx, "t1")
	defer cancel1()
	all, cancelAll := b.Subscribe(ctx, "")
	defer cancelAll()

	b.Publish(ctx, Event{ID: "ev", TenantID: "t2"})

	if len(t1) != 0 {
		t.Fatal("tenant-scoped subscriber saw a foreign event")
	}
	if len(all) != 1 {
		t.Fatal("wildcard subscriber missed the event")
	}
}
