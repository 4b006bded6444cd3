package event

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/obs"
)

// SignatureHeader carries the HMAC of the delivery body.
const SignatureHeader = "X-Athens-Signature"

const (
	maxAttempts     = 3
	deliveryTimeout = 10 * time.Second
)

// Subscription is a tenant-registered webhook endpoint.
type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events,omitempty"` // empty means all
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Wants reports whether the subscription covers the event type.
func (s *Subscription) Wants(eventType string) bool {
	if s.Disabled {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Add(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, tenantID, id string) (*Subscription, error)
	List(ctx context.Context, tenantID string) ([]Subscription, error)
	Save(ctx context.Context, s *Subscription) error
	Delete(ctx context.Context, tenantID, id string) error
}

// MemSubscriptionStore is the in-memory subscription store.
type MemSubscriptionStore struct {
	mu   sync.RWMutex
	rows map[string]Subscription
}

// NewMemSubscriptionStore creates an empty store.
func NewMemSubscriptionStore() *MemSubscriptionStore {
	return &MemSubscriptionStore{rows: make(map[string]Subscription)}
}

var errSubNotFound = errors.New("webhook subscription not found")

func (s *MemSubscriptionStore) Add(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = ids.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	s.rows[sub.ID] = *sub
	return nil
}

func (s *MemSubscriptionStore) Get(ctx context.Context, tenantID, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.rows[id]
	if !ok || sub.TenantID != tenantID {
		return nil, errSubNotFound
	}
	cp := sub
	return &cp, nil
}

func (s *MemSubscriptionStore) List(ctx context.Context, tenantID string) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subscription
	for _, sub := range s.rows {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemSubscriptionStore) Save(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[sub.ID]; !ok {
		return errSubNotFound
	}
	s.rows[sub.ID] = *sub
	return nil
}

func (s *MemSubscriptionStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.rows[id]
	if !ok || sub.TenantID != tenantID {
		return errSubNotFound
	}
	delete(s.rows, id)
	return nil
}

// Job is one queued delivery attempt.
type Job struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	EventID        string    `json:"event_id"`
	Attempt        int       `json:"attempt"`
	NotBefore      time.Time `json:"not_before,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Queue carries delivery jobs to the worker.
type Queue interface {
	Enqueue(ctx context.Context, j Job) error
	// Dequeue blocks until a job is available or the context ends.
	Dequeue(ctx context.Context) (Job, error)
}

// MemQueue is a channel-backed queue for tests and single-node runs.
type MemQueue struct {
	ch chan Job
}

// NewMemQueue creates a queue with the given buffer.
func NewMemQueue(size int) *MemQueue {
	if size <= 0 {
		size = 256
	}
	return &MemQueue{ch: make(chan Job, size)}
}

func (q *MemQueue) Enqueue(ctx context.Context, j Job) error {
	select {
	case q.ch <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case j := <-q.ch:
		return j, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// RedisQueue is a redis list; LPUSH on enqueue, BRPOP on dequeue, so jobs
// survive process restarts.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue constructs a queue over the given client.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: "ptw:webhooks:queue"}
}

func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.key, raw).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	res, err := q.rdb.BRPop(ctx, 5*time.Second, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, context.DeadlineExceeded
		}
		return Job{}, err
	}
	var j Job
	if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Delivery is one recorded delivery attempt.
type Delivery struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	EventID        string    `json:"event_id"`
	Attempt        int       `json:"attempt"`
	Succeeded      bool      `json:"succeeded"`
	StatusCode     int       `json:"status_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// DeliveryLog records delivery attempts for operator inspection and the
// retry job.
type DeliveryLog interface {
	Record(ctx context.Context, d Delivery) error
	BySubscription(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error)
	// FailedSince lists event/subscription pairs whose latest attempt failed
	// and that have not exhausted the attempt budget.
	FailedSince(ctx context.Context, cutoff time.Time) ([]Delivery, error)
}

// MemDeliveryLog is the in-memory delivery log.
type MemDeliveryLog struct {
	mu   sync.RWMutex
	rows []Delivery
}

// NewMemDeliveryLog creates an empty log.
func NewMemDeliveryLog() *MemDeliveryLog {
	return &MemDeliveryLog{}
}

func (l *MemDeliveryLog) Record(ctx context.Context, d Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, d)
	return nil
}

func (l *MemDeliveryLog) BySubscription(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Delivery
	for i := len(l.rows) - 1; i >= 0; i-- {
		if l.rows[i].SubscriptionID != subscriptionID {
			continue
		}
		out = append(out, l.rows[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemDeliveryLog) FailedSince(ctx context.Context, cutoff time.Time) ([]Delivery, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	latest := make(map[string]Delivery)
	for _, d := range l.rows {
		if d.At.Before(cutoff) {
			continue
		}
		key := d.SubscriptionID + "|" + d.EventID
		if cur, ok := latest[key]; !ok || d.At.After(cur.At) {
			latest[key] = d
		}
	}
	var out []Delivery
	for _, d := range latest {
		if !d.Succeeded && d.Attempt < maxAttempts {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// CanonicalPayload renders the event as canonical JSON: object keys sorted,
// no insignificant whitespace. Receivers recompute the HMAC over exactly
// these bytes.
func CanonicalPayload(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order
	return json.Marshal(generic)
}

// Sign computes the delivery signature header value for a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload.
func VerifySignature(secret string, payload []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(header))
}

// WebhookDedupeKey buckets deliveries per (subscription, event type, permit)
// hour, so repeated same-type transitions on a permit collapse into one
// delivery per hour.
func WebhookDedupeKey(subscriptionID, eventType, permitID string, at time.Time) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", subscriptionID, eventType, permitID, at.UTC().Format("2006-01-02T15"))
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Worker drains the queue and posts signed deliveries.
type Worker struct {
	queue  Queue
	subs   SubscriptionStore
	events Store
	log    DeliveryLog
	client *http.Client
	now    func() time.Time
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithHTTPClient overrides the delivery client (tests).
func WithHTTPClient(c *http.Client) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.client = c
		}
	}
}

// WithWorkerClock overrides the time source (tests).
func WithWorkerClock(fn func() time.Time) WorkerOption {
	return func(w *Worker) {
		if fn != nil {
			w.now = fn
		}
	}
}

// NewWorker constructs the delivery worker.
func NewWorker(queue Queue, subs SubscriptionStore, events Store, log DeliveryLog, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:  queue,
		subs:   subs,
		events: events,
		log:    log,
		client: &http.Client{Timeout: deliveryTimeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes jobs until the context ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			obs.Error("webhook dequeue failed", map[string]any{"err": err.Error()})
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		w.process(ctx, job)
	}
}

// process delivers one job, requeueing with backoff while attempts remain.
func (w *Worker) process(ctx context.Context, job Job) {
	if !job.NotBefore.IsZero() {
		if wait := time.Until(job.NotBefore); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}

	sub, err := w.subs.Get(ctx, job.TenantID, job.SubscriptionID)
	if err != nil || sub.Disabled {
		obs.ObserveWebhookDelivery("dropped")
		return
	}
	ev, ok, err := w.events.Get(ctx, job.EventID)
	if err != nil || !ok {
		obs.ObserveWebhookDelivery("dropped")
		return
	}

	attempt := job.Attempt + 1
	code, derr := w.deliver(ctx, sub, ev)

	d := Delivery{
		ID:             ids.New(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EventID:        ev.ID,
		Attempt:        attempt,
		Succeeded:      derr == nil,
		StatusCode:     code,
		At:             w.now().UTC(),
	}
	if derr != nil {
		d.Error = derr.Error()
	}
	if err := w.log.Record(ctx, d); err != nil {
		obs.Error("webhook delivery log failed", map[string]any{"err": err.Error()})
	}

	if derr == nil {
		obs.ObserveWebhookDelivery("ok")
		return
	}
	if attempt >= maxAttempts {
		obs.ObserveWebhookDelivery("exhausted")
		obs.Error("webhook delivery exhausted", map[string]any{
			"subscription": sub.ID, "event": ev.ID, "err": derr.Error(),
		})
		return
	}
	obs.ObserveWebhookDelivery("retry")

	job.Attempt = attempt
	job.NotBefore = w.now().Add(backoff(attempt))
	if err := w.queue.Enqueue(ctx, job); err != nil {
		obs.Error("webhook requeue failed", map[string]any{"err": err.Error()})
	}
}

// deliver posts the signed canonical payload; any non-2xx response counts as
// a failure.
func (w *Worker) deliver(ctx context.Context, sub *Subscription, ev Event) (int, error) {
	payload, err := CanonicalPayload(ev)
	if err != nil {
		return 0, err
	}
	dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(dctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, payload))
	req.Header.Set("X-Athens-Event", ev.Type)
	req.Header.Set("X-Athens-Delivery", ids.New())

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoff grows exponentially with jitter: ~2s, ~4s after the first and
// second failures.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}
