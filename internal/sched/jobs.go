package sched

import (
	"context"
	"time"

	"athens-ptw.org/internal/event"
	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/tenant"
)

// Config tunes the background jobs.
type Config struct {
	EscalationsEnabled  bool
	OverdueDefaultHours int // pending review steps older than this escalate
}

// Deps bundles what the jobs operate on.
type Deps struct {
	Service       *ptw.Service
	Dispatcher    *event.Dispatcher
	Notifications event.NotificationStore
	DeliveryLog   event.DeliveryLog
	Queue         event.Queue
	Directory     tenant.AdminDirectory
}

var systemScope = tenant.Scope{CrossTenant: true}

// Register adds the standard job set to the scheduler.
func Register(s *Scheduler, d Deps, cfg Config) {
	if cfg.OverdueDefaultHours <= 0 {
		cfg.OverdueDefaultHours = 4
	}

	s.Register(Job{Name: "auto_expire", Every: time.Hour, Run: func(ctx context.Context) error {
		return autoExpire(ctx, d)
	}})
	s.Register(Job{Name: "expiry_reminder", Every: 30 * time.Minute, Run: func(ctx context.Context) error {
		return expiryReminder(ctx, d)
	}})
	if cfg.EscalationsEnabled {
		s.Register(Job{Name: "overdue_steps", Every: time.Hour, Run: func(ctx context.Context) error {
			return overdueSteps(ctx, d, cfg.OverdueDefaultHours)
		}})
	}
	s.Register(Job{Name: "closeout_reminder", Every: 4 * time.Hour, Run: func(ctx context.Context) error {
		return closeoutReminder(ctx, d)
	}})
	s.Register(Job{Name: "webhook_retry", Every: 5 * time.Minute, Run: func(ctx context.Context) error {
		return webhookRetry(ctx, d)
	}})
	s.Register(Job{Name: "daily_summary", Every: 24 * time.Hour, Run: func(ctx context.Context) error {
		return dailySummary(ctx, d)
	}})
	s.Register(Job{Name: "notification_cleanup", Every: 7 * 24 * time.Hour, Run: func(ctx context.Context) error {
		return notificationCleanup(ctx, d)
	}})
}

// autoExpire moves active permits past their planned end to expired. Runs as
// the system actor; active -> expired is reserved for it.
func autoExpire(ctx context.Context, d Deps) error {
	now := time.Now().UTC()
	permits, err := d.Service.Store().ListPermits(ctx, systemScope, ptw.Filter{
		ActiveEndedBefore: &now,
	})
	if err != nil {
		return err
	}
	for _, p := range permits {
		scope := tenant.Scope{TenantID: p.TenantID}
		_, err := d.Service.Engine().Transition(ctx, scope, ptw.TransitionRequest{
			PermitID: p.ID,
			Target:   ptw.StatusExpired,
			Comments: "validity window elapsed",
			System:   true,
		})
		if err != nil {
			obs.Error("auto expire failed", map[string]any{"permit": p.ID, "err": err.Error()})
		}
	}
	return nil
}

// expiryReminder warns the permit parties about active permits ending within
// two hours. The daily notification dedupe keeps repeats quiet.
func expiryReminder(ctx context.Context, d Deps) error {
	cutoff := time.Now().UTC().Add(2 * time.Hour)
	permits, err := d.Service.Store().ListPermits(ctx, systemScope, ptw.Filter{
		ActiveEndingBy: &cutoff,
	})
	if err != nil {
		return err
	}
	for _, p := range permits {
		d.Dispatcher.Announce(ctx, event.Event{
			ID:           ids.New(),
			Type:         "permit.expiring",
			TenantID:     p.TenantID,
			ProjectID:    p.ProjectID,
			PermitID:     p.ID,
			PermitNumber: p.Number,
			FromStatus:   string(p.Status),
			ToStatus:     string(p.Status),
			Actor:        ptw.SystemActorID,
			System:       true,
			Payload:      map[string]any{"planned_end_time": p.PlannedEnd.Format(time.RFC3339)},
		},
			[]string{p.CreatorID, p.IssuerID, p.ReceiverID},
			"Permit "+p.Number+" expires soon",
			"Permit "+p.Number+" ("+p.Title+") reaches its planned end at "+p.PlannedEnd.Format(time.RFC3339)+".")
	}
	return nil
}

// overdueSteps escalates review steps that have sat pending past the permit
// type's threshold (falling back to the configured default): first to the
// assignee, and at twice the threshold to the tenant's grade A/B project
// admins. The daily notification dedupe keeps the hourly runs to one nag per
// recipient per day.
func overdueSteps(ctx context.Context, d Deps, defaultHours int) error {
	now := time.Now().UTC()
	steps, err := d.Service.Store().ListPendingSteps(ctx, systemScope, now)
	if err != nil {
		return err
	}
	for _, step := range steps {
		p, err := d.Service.Store().GetPermit(ctx, systemScope, step.PermitID)
		if err != nil {
			continue
		}
		hours := defaultHours
		scope := tenant.Scope{TenantID: p.TenantID}
		if typ, err := d.Service.Store().PermitType(ctx, scope, p.TypeID); err == nil && typ.OverdueThresholdHours > 0 {
			hours = typ.OverdueThresholdHours
		}
		threshold := time.Duration(hours) * time.Hour
		age := now.Sub(step.CreatedAt)
		if age < threshold {
			continue
		}
		recipients := []string{step.AssigneeID}
		if age >= 2*threshold && d.Directory != nil {
			admins, err := d.Directory.ProjectAdmins(ctx, p.TenantID)
			if err != nil {
				obs.Error("project admin lookup failed", map[string]any{"tenant": p.TenantID, "err": err.Error()})
			}
			for _, a := range admins {
				if a.Grade == tenant.GradeA || a.Grade == tenant.GradeB {
					recipients = append(recipients, a.UserID)
				}
			}
		}
		d.Dispatcher.Announce(ctx, event.Event{
			ID:           ids.New(),
			Type:         "workflow.step_overdue",
			TenantID:     p.TenantID,
			ProjectID:    p.ProjectID,
			PermitID:     p.ID,
			PermitNumber: p.Number,
			FromStatus:   string(p.Status),
			ToStatus:     string(p.Status),
			Actor:        ptw.SystemActorID,
			System:       true,
			Payload: map[string]any{
				"step":          string(step.Kind),
				"pending_since": step.CreatedAt.Format(time.RFC3339),
			},
		},
			recipients,
			"Review overdue for permit "+p.Number,
			"The "+string(step.Kind)+" step for permit "+p.Number+" has been pending since "+step.CreatedAt.Format(time.RFC3339)+".")
	}
	return nil
}

// closeoutReminder nags the permit parties about active permits past their
// planned end with an unfinished closeout or isolation points still locked.
func closeoutReminder(ctx context.Context, d Deps) error {
	now := time.Now().UTC()
	permits, err := d.Service.Store().ListPermits(ctx, systemScope, ptw.Filter{
		ActiveEndedBefore: &now,
	})
	if err != nil {
		return err
	}
	for _, p := range permits {
		scope := tenant.Scope{TenantID: p.TenantID}
		pending := false
		closeout, err := d.Service.Store().GetCloseout(ctx, scope, p.ID)
		if err == nil && (closeout == nil || !closeout.Completed) {
			pending = true
		}
		points, err := d.Service.Store().ListIsolationPoints(ctx, scope, p.ID)
		if err == nil {
			for _, pt := range points {
				if pt.Required && pt.Status != ptw.IsolationDeisolated {
					pending = true
					break
				}
			}
		}
		if !pending {
			continue
		}
		d.Dispatcher.Announce(ctx, event.Event{
			ID:           ids.New(),
			Type:         "permit.closeout_pending",
			TenantID:     p.TenantID,
			ProjectID:    p.ProjectID,
			PermitID:     p.ID,
			PermitNumber: p.Number,
			FromStatus:   string(p.Status),
			ToStatus:     string(p.Status),
			Actor:        ptw.SystemActorID,
			System:       true,
		},
			[]string{p.CreatorID, p.IssuerID, p.ReceiverID},
			"Closeout pending for permit "+p.Number,
			"Permit "+p.Number+" is past its planned end but has not been closed out.")
	}
	return nil
}

// webhookRetry requeues failed deliveries that still have attempts left.
func webhookRetry(ctx context.Context, d Deps) error {
	failed, err := d.DeliveryLog.FailedSince(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	for _, del := range failed {
		err := d.Queue.Enqueue(ctx, event.Job{
			ID:             ids.New(),
			SubscriptionID: del.SubscriptionID,
			TenantID:       del.TenantID,
			EventID:        del.EventID,
			Attempt:        del.Attempt,
			EnqueuedAt:     time.Now().UTC(),
		})
		if err != nil {
			obs.Error("webhook retry enqueue failed", map[string]any{"subscription": del.SubscriptionID, "err": err.Error()})
		}
	}
	return nil
}

// dailySummary publishes a per-tenant digest of open permits (webhook only).
func dailySummary(ctx context.Context, d Deps) error {
	permits, err := d.Service.Store().ListPermits(ctx, systemScope, ptw.Filter{
		Status: []ptw.Status{ptw.StatusSubmitted, ptw.StatusUnderReview, ptw.StatusApproved, ptw.StatusActive, ptw.StatusSuspended},
	})
	if err != nil {
		return err
	}
	type tally struct {
		total    int
		byStatus map[string]int
	}
	perTenant := make(map[string]*tally)
	for _, p := range permits {
		t, ok := perTenant[p.TenantID]
		if !ok {
			t = &tally{byStatus: make(map[string]int)}
			perTenant[p.TenantID] = t
		}
		t.total++
		t.byStatus[string(p.Status)]++
	}
	for tenantID, t := range perTenant {
		d.Dispatcher.Announce(ctx, event.Event{
			ID:       ids.New(),
			Type:     "summary.daily",
			TenantID: tenantID,
			Actor:    ptw.SystemActorID,
			System:   true,
			Payload: map[string]any{
				"open_permits": t.total,
				"by_status":    t.byStatus,
			},
		}, nil, "", "")
	}
	return nil
}

// notificationCleanup drops read notifications older than thirty days.
func notificationCleanup(ctx context.Context, d Deps) error {
	removed, err := d.Notifications.PurgeOlderThan(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil {
		return err
	}
	obs.Info("notifications purged", map[string]any{"removed": removed})
	return nil
}
