package sched

import (
	"context"
	"testing"
	"time"

	"athens-ptw.org/internal/event"
	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/tenant"
)

type jobHarness struct {
	deps   Deps
	store  *ptw.MemStore
	notes  *event.MemNotificationStore
	queue  *event.MemQueue
	broker *event.MemBroker
	log    *event.MemDeliveryLog
}

func newJobHarness(t *testing.T) *jobHarness {
	t.Helper()

	store := ptw.NewMemStore()
	reg := tenant.NewMemRegistry()
	reg.PutTenant(tenant.Tenant{ID: "t1", Name: "Tenant One"})
	reg.PutUser(tenant.UserProfile{UserID: "u-padmin-a", TenantID: "t1", Role: tenant.RoleProjectAdmin, Grade: tenant.GradeA})
	reg.PutUser(tenant.UserProfile{UserID: "u-padmin-c", TenantID: "t1", Role: tenant.RoleProjectAdmin, Grade: tenant.GradeC})

	engine := ptw.NewEngine(store)
	wf := ptw.NewWorkflow(store, engine, reg)
	sigs := ptw.NewSignatureService(store)
	svc := ptw.NewService(store, engine, wf, sigs)

	events := event.NewMemEventStore()
	broker := event.NewMemBroker()
	notes := event.NewMemNotificationStore()
	subs := event.NewMemSubscriptionStore()
	queue := event.NewMemQueue(64)
	dedupe := event.NewMemDeduper()
	log := event.NewMemDeliveryLog()
	disp := event.NewDispatcher(events, broker, event.NewNotifier(notes, dedupe), subs, queue, dedupe)

	return &jobHarness{
		deps: Deps{
			Service:       svc,
			Dispatcher:    disp,
			Notifications: notes,
			DeliveryLog:   log,
			Queue:         queue,
			Directory:     reg,
		},
		store:  store,
		notes:  notes,
		queue:  queue,
		broker: broker,
		log:    log,
	}
}

func (h *jobHarness) seedPermit(t *testing.T, tenantID string, status ptw.Status, plannedEnd time.Time) *ptw.Permit {
	return h.seedTypedPermit(t, tenantID, "pt-basic", status, plannedEnd)
}

func (h *jobHarness) seedTypedPermit(t *testing.T, tenantID, typeID string, status ptw.Status, plannedEnd time.Time) *ptw.Permit {
	t.Helper()
	p := &ptw.Permit{
		TenantID:        tenantID,
		TypeID:          typeID,
		Title:           "seeded",
		Status:          status,
		CreatorID:       "u-creator",
		IssuerID:        "u-issuer",
		RiskProbability: 2,
		RiskSeverity:    2,
		PlannedStart:    plannedEnd.Add(-8 * time.Hour),
		PlannedEnd:      plannedEnd,
	}
	if err := h.store.CreatePermit(context.Background(), tenant.Scope{TenantID: tenantID}, p); err != nil {
		t.Fatalf("seed permit: %v", err)
	}
	return p
}

func TestAutoExpire(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := h.seedPermit(t, "t1", ptw.StatusActive, now.Add(-time.Hour))
	current := h.seedPermit(t, "t1", ptw.StatusActive, now.Add(4*time.Hour))
	draft := h.seedPermit(t, "t1", ptw.StatusDraft, now.Add(-time.Hour))

	if err := autoExpire(ctx, h.deps); err != nil {
		t.Fatalf("auto expire: %v", err)
	}

	scope := tenant.Scope{TenantID: "t1"}
	got, _ := h.store.GetPermit(ctx, scope, overdue.ID)
	if got.Status != ptw.StatusExpired {
		t.Fatalf("overdue permit status = %s want expired", got.Status)
	}
	got, _ = h.store.GetPermit(ctx, scope, current.ID)
	if got.Status != ptw.StatusActive {
		t.Fatalf("current permit status = %s want active", got.Status)
	}
	got, _ = h.store.GetPermit(ctx, scope, draft.ID)
	if got.Status != ptw.StatusDraft {
		t.Fatalf("draft permit status = %s want draft", got.Status)
	}

	audit, err := h.store.ListAudit(ctx, scope, overdue.ID)
	if err != nil || len(audit) == 0 {
		t.Fatalf("audit: %v", err)
	}
	if audit[len(audit)-1].UserID != ptw.SystemActorID {
		t.Fatalf("audit actor = %s", audit[len(audit)-1].UserID)
	}
}

func TestExpiryReminderDedupes(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()
	h.seedPermit(t, "t1", ptw.StatusActive, time.Now().UTC().Add(time.Hour))

	if err := expiryReminder(ctx, h.deps); err != nil {
		t.Fatalf("reminder: %v", err)
	}
	rows, err := h.notes.List(ctx, "t1", "u-creator", false, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("creator notifications = %d err=%v", len(rows), err)
	}
	if rows[0].Event != "permit.expiring" {
		t.Fatalf("event = %s", rows[0].Event)
	}

	// the daily dedupe keeps the half-hourly job quiet on repeats
	if err := expiryReminder(ctx, h.deps); err != nil {
		t.Fatalf("second run: %v", err)
	}
	rows, _ = h.notes.List(ctx, "t1", "u-creator", false, 0)
	if len(rows) != 1 {
		t.Fatalf("reminder repeated: %d notifications", len(rows))
	}
}

func (h *jobHarness) seedPendingStep(t *testing.T, p *ptw.Permit, age time.Duration) {
	t.Helper()
	err := h.store.WithPermit(context.Background(), tenant.Scope{TenantID: p.TenantID}, p.ID,
		func(ctx context.Context, _ *ptw.Permit, tx ptw.Tx) error {
			return tx.CreateStep(ctx, &ptw.WorkflowStep{
				ID:         ids.New(),
				PermitID:   p.ID,
				Kind:       ptw.StepVerification,
				AssigneeID: "u-verifier",
				Order:      2,
				Required:   true,
				Status:     ptw.StepPending,
				CreatedAt:  time.Now().UTC().Add(-age),
			})
		})
	if err != nil {
		t.Fatalf("seed step: %v", err)
	}
}

func TestOverdueStepsEscalation(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()
	p := h.seedPermit(t, "t1", ptw.StatusSubmitted, time.Now().UTC().Add(8*time.Hour))
	h.seedPendingStep(t, p, 30*time.Hour)

	if err := overdueSteps(ctx, h.deps, 24); err != nil {
		t.Fatalf("overdue: %v", err)
	}
	rows, err := h.notes.List(ctx, "t1", "u-verifier", false, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("assignee notifications = %d err=%v", len(rows), err)
	}
	// below twice the threshold the admins are not bothered yet
	rows, _ = h.notes.List(ctx, "t1", "u-padmin-a", false, 0)
	if len(rows) != 0 {
		t.Fatalf("admin notified too early: %d", len(rows))
	}

	// at twice the threshold the grade A/B project admins are pulled in
	if err := overdueSteps(ctx, h.deps, 12); err != nil {
		t.Fatalf("overdue: %v", err)
	}
	rows, _ = h.notes.List(ctx, "t1", "u-padmin-a", false, 0)
	if len(rows) != 1 {
		t.Fatalf("grade A admin escalation missing: %d", len(rows))
	}
	rows, _ = h.notes.List(ctx, "t1", "u-padmin-c", false, 0)
	if len(rows) != 0 {
		t.Fatalf("grade C admin should not be escalated to: %d", len(rows))
	}
}

func TestOverdueStepsPerTypeThreshold(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()
	scope := tenant.Scope{TenantID: "t1"}

	if err := h.store.CreatePermitType(ctx, scope, &ptw.PermitType{
		ID: "pt-slow", TenantID: "t1", Name: "Long Review Work",
		OverdueThresholdHours: 48,
	}); err != nil {
		t.Fatalf("seed type: %v", err)
	}
	p := h.seedTypedPermit(t, "t1", "pt-slow", ptw.StatusSubmitted, time.Now().UTC().Add(8*time.Hour))
	h.seedPendingStep(t, p, 30*time.Hour)

	// the type's 48h threshold overrides the much lower default
	if err := overdueSteps(ctx, h.deps, 4); err != nil {
		t.Fatalf("overdue: %v", err)
	}
	rows, _ := h.notes.List(ctx, "t1", "u-verifier", false, 0)
	if len(rows) != 0 {
		t.Fatalf("assignee notified before the per-type threshold: %d", len(rows))
	}
}

func TestCloseoutReminder(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	scope := tenant.Scope{TenantID: "t1"}

	open := h.seedPermit(t, "t1", ptw.StatusActive, now.Add(-time.Hour))
	closed := h.seedPermit(t, "t1", ptw.StatusActive, now.Add(-time.Hour))
	doneAt := now
	if err := h.store.UpsertCloseout(ctx, scope, &ptw.Closeout{
		PermitID: closed.ID, Completed: true, CompletedBy: "u-creator", CompletedAt: &doneAt,
	}); err != nil {
		t.Fatalf("seed closeout: %v", err)
	}

	if err := closeoutReminder(ctx, h.deps); err != nil {
		t.Fatalf("reminder: %v", err)
	}
	rows, err := h.notes.List(ctx, "t1", "u-creator", false, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].PermitID != open.ID {
		t.Fatalf("notifications = %+v", rows)
	}
}

func TestWebhookRetryRequeues(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()

	if err := h.log.Record(ctx, event.Delivery{
		ID: "d1", SubscriptionID: "sub1", TenantID: "t1", EventID: "ev1",
		Attempt: 1, Succeeded: false, At: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := webhookRetry(ctx, h.deps); err != nil {
		t.Fatalf("retry: %v", err)
	}
	job, err := h.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job.SubscriptionID != "sub1" || job.EventID != "ev1" || job.Attempt != 1 {
		t.Fatalf("job = %+v", job)
	}
}

func TestDailySummaryPerTenant(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	h.seedPermit(t, "t1", ptw.StatusActive, now.Add(4*time.Hour))
	h.seedPermit(t, "t1", ptw.StatusSubmitted, now.Add(4*time.Hour))
	h.seedPermit(t, "t2", ptw.StatusActive, now.Add(4*time.Hour))
	h.seedPermit(t, "t1", ptw.StatusDraft, now.Add(4*time.Hour)) // not open

	t1, cancel1 := h.broker.Subscribe(ctx, "t1")
	defer cancel1()
	t2, cancel2 := h.broker.Subscribe(ctx, "t2")
	defer cancel2()

	if err := dailySummary(ctx, h.deps); err != nil {
		t.Fatalf("summary: %v", err)
	}

	select {
	case ev := <-t1:
		if ev.Type != "summary.daily" || ev.Payload["open_permits"] != 2 {
			t.Fatalf("t1 summary = %+v", ev)
		}
	default:
		t.Fatal("no summary for t1")
	}
	select {
	case ev := <-t2:
		if ev.Payload["open_permits"] != 1 {
			t.Fatalf("t2 summary = %+v", ev)
		}
	default:
		t.Fatal("no summary for t2")
	}
}

func TestNotificationCleanup(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()

	if err := h.notes.Add(ctx, &event.Notification{
		TenantID: "t1", UserID: "u1", CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := h.notes.Add(ctx, &event.Notification{TenantID: "t1", UserID: "u1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := notificationCleanup(ctx, h.deps); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	rows, _ := h.notes.List(ctx, "t1", "u1", false, 0)
	if len(rows) != 1 {
		t.Fatalf("rows = %d want 1", len(rows))
	}
}
