package event

import (
	"context"
	"fmt"
	"time"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/ptw"
)

// Dispatcher fans committed transitions out to notifications, the live
// stream and the webhook queue. It implements ptw.EventSink; everything here
// is best-effort and never reaches back into the transition.
type Dispatcher struct {
	events   Store
	broker   Broker
	notifier *Notifier
	subs     SubscriptionStore
	queue    Queue
	dedupe   Deduper
	now      func() time.Time
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the time source (tests).
func WithDispatcherClock(fn func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(events Store, broker Broker, notifier *Notifier, subs SubscriptionStore, queue Queue, dedupe Deduper, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		events:   events,
		broker:   broker,
		notifier: notifier,
		subs:     subs,
		queue:    queue,
		dedupe:   dedupe,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// eventTypeFor names the outward event for a transition target.
var eventTypeFor = map[ptw.Status]string{
	ptw.StatusSubmitted:   "permit.submitted",
	ptw.StatusUnderReview: "permit.verified",
	ptw.StatusApproved:    "permit.approved",
	ptw.StatusActive:      "permit.activated",
	ptw.StatusSuspended:   "permit.suspended",
	ptw.StatusCompleted:   "permit.completed",
	ptw.StatusRejected:    "permit.rejected",
	ptw.StatusCancelled:   "permit.cancelled",
	ptw.StatusExpired:     "permit.expired",
	ptw.StatusDraft:       "permit.reverted",
}

// PermitTransitioned implements ptw.EventSink.
func (d *Dispatcher) PermitTransitioned(ctx context.Context, tev ptw.TransitionEvent) {
	typ, ok := eventTypeFor[tev.To]
	if !ok {
		return
	}
	p := tev.Permit
	ev := Event{
		ID:           ids.New(),
		Type:         typ,
		TenantID:     p.TenantID,
		ProjectID:    p.ProjectID,
		PermitID:     p.ID,
		PermitNumber: p.Number,
		FromStatus:   string(tev.From),
		ToStatus:     string(tev.To),
		Actor:        tev.Actor,
		System:       tev.System,
		At:           tev.At,
		Payload: map[string]any{
			"title":      p.Title,
			"type_id":    p.TypeID,
			"risk_level": string(p.RiskLevel),
			"version":    p.Version,
		},
	}

	if err := d.events.Append(ctx, ev); err != nil {
		obs.Error("event append failed", map[string]any{"event": ev.ID, "err": err.Error()})
	}
	if d.broker != nil {
		d.broker.Publish(ctx, ev)
	}
	if d.notifier != nil {
		title, body := renderMessage(ev, p)
		d.notifier.Notify(ctx, ev, recipientsFor(tev), title, body)
	}
	d.fanOutWebhooks(ctx, ev)
}

// Announce publishes a non-transition event (reminders, escalations) through
// the same pipeline. Recipients may be empty for webhook-only events.
func (d *Dispatcher) Announce(ctx context.Context, ev Event, recipients []string, title, body string) {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.At.IsZero() {
		ev.At = d.now().UTC()
	}
	if err := d.events.Append(ctx, ev); err != nil {
		obs.Error("event append failed", map[string]any{"event": ev.ID, "err": err.Error()})
	}
	if d.broker != nil {
		d.broker.Publish(ctx, ev)
	}
	if d.notifier != nil && len(recipients) > 0 {
		d.notifier.Notify(ctx, ev, recipients, title, body)
	}
	d.fanOutWebhooks(ctx, ev)
}

// fanOutWebhooks enqueues one delivery job per interested subscription.
// Jobs for the same (subscription, event type, permit) collapse inside an
// hour bucket.
func (d *Dispatcher) fanOutWebhooks(ctx context.Context, ev Event) {
	if d.subs == nil || d.queue == nil {
		return
	}
	subs, err := d.subs.List(ctx, ev.TenantID)
	if err != nil {
		obs.Error("webhook subscription list failed", map[string]any{"err": err.Error()})
		return
	}
	for _, sub := range subs {
		if !sub.Wants(ev.Type) {
			continue
		}
		if d.dedupe != nil {
			key := WebhookDedupeKey(sub.ID, ev.Type, ev.PermitID, ev.At)
			first, err := d.dedupe.FirstUse(ctx, key, time.Hour)
			if err == nil && !first {
				continue
			}
		}
		job := Job{
			ID:             ids.New(),
			SubscriptionID: sub.ID,
			TenantID:       sub.TenantID,
			EventID:        ev.ID,
			EnqueuedAt:     d.now().UTC(),
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			obs.Error("webhook enqueue failed", map[string]any{"subscription": sub.ID, "err": err.Error()})
		}
	}
}

// recipientsFor picks the users who care about a transition. The actor is
// included; the notifier drops system and duplicate entries.
func recipientsFor(tev ptw.TransitionEvent) []string {
	p := tev.Permit
	switch tev.To {
	case ptw.StatusSubmitted:
		return []string{p.CreatorID, p.VerifierID}
	case ptw.StatusUnderReview:
		return []string{p.CreatorID, p.ApproverID}
	case ptw.StatusApproved:
		return []string{p.CreatorID, p.VerifierID, p.IssuerID, p.ReceiverID}
	case ptw.StatusActive:
		return []string{p.CreatorID, p.ApproverID, p.IssuerID, p.ReceiverID}
	case ptw.StatusRejected, ptw.StatusCancelled, ptw.StatusExpired, ptw.StatusSuspended, ptw.StatusCompleted:
		return []string{p.CreatorID, p.VerifierID, p.ApproverID, p.IssuerID, p.ReceiverID}
	default:
		return []string{p.CreatorID}
	}
}

func renderMessage(ev Event, p *ptw.Permit) (string, string) {
	title := fmt.Sprintf("Permit %s %s", p.Number, ev.ToStatus)
	body := fmt.Sprintf("Permit %s (%s) moved from %s to %s.", p.Number, p.Title, ev.FromStatus, ev.ToStatus)
	return title, body
}
