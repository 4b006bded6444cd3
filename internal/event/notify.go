package event

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/ptw"
)

// Notification is one in-app message for one user.
type Notification struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	Event     string     `json:"event"`
	PermitID  string     `json:"permit_id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	DedupeKey string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// NotificationDedupeKey is stable for (user, event, permit, day): the same
// reminder fired twice in one day collapses to a single notification.
func NotificationDedupeKey(userID, eventType, permitID string, day time.Time) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", userID, eventType, permitID, day.UTC().Format("2006-01-02"))
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Deduper remembers recently used dedupe keys.
type Deduper interface {
	// FirstUse returns true when the key has not been seen inside the window.
	FirstUse(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MemDeduper is the in-process deduper.
type MemDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemDeduper creates an empty deduper.
func NewMemDeduper() *MemDeduper {
	return &MemDeduper{seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemDeduper) FirstUse(ctx context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < window {
		return false, nil
	}
	d.seen[key] = now
	return true, nil
}

// RedisDeduper shares dedupe state across nodes with SET NX + expiry.
type RedisDeduper struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisDeduper constructs a deduper over the given client.
func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, prefix: "ptw:dedupe:"}
}

func (d *RedisDeduper) FirstUse(ctx context.Context, key string, window time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, d.prefix+key, 1, window).Result()
}

// NotificationStore persists notifications per user.
type NotificationStore interface {
	Add(ctx context.Context, n *Notification) error
	List(ctx context.Context, tenantID, userID string, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, tenantID, userID, id string) error
	MarkAllRead(ctx context.Context, tenantID, userID string) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemNotificationStore is the in-memory notification store.
type MemNotificationStore struct {
	mu   sync.RWMutex
	rows []Notification
	now  func() time.Time
}

// NewMemNotificationStore creates an empty store.
func NewMemNotificationStore() *MemNotificationStore {
	return &MemNotificationStore{now: time.Now}
}

func (s *MemNotificationStore) Add(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = ids.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	s.rows = append(s.rows, *n)
	return nil
}

func (s *MemNotificationStore) List(ctx context.Context, tenantID, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Notification
	for _, n := range s.rows {
		if n.TenantID != tenantID || n.UserID != userID {
			continue
		}
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemNotificationStore) MarkRead(ctx context.Context, tenantID, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for i := range s.rows {
		if s.rows[i].ID == id && s.rows[i].TenantID == tenantID && s.rows[i].UserID == userID {
			if s.rows[i].ReadAt == nil {
				s.rows[i].ReadAt = &now
			}
			return nil
		}
	}
	return &ptw.Error{Kind: ptw.KindNotFound, Code: "NOT_FOUND", Message: "notification not found"}
}

func (s *MemNotificationStore) MarkAllRead(ctx context.Context, tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for i := range s.rows {
		if s.rows[i].TenantID == tenantID && s.rows[i].UserID == userID && s.rows[i].ReadAt == nil {
			s.rows[i].ReadAt = &now
		}
	}
	return nil
}

func (s *MemNotificationStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	removed := 0
	for _, n := range s.rows {
		if n.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	s.rows = kept
	return removed, nil
}

// Notifier builds and stores per-user notifications for events, deduplicated
// per day.
type Notifier struct {
	store  NotificationStore
	dedupe Deduper
	now    func() time.Time
}

// NewNotifier constructs the notifier.
func NewNotifier(store NotificationStore, dedupe Deduper) *Notifier {
	return &Notifier{store: store, dedupe: dedupe, now: time.Now}
}

// Notify writes one notification per recipient, skipping any the dedupe
// window already saw.
func (n *Notifier) Notify(ctx context.Context, ev Event, recipients []string, title, body string) {
	day := ev.At
	if day.IsZero() {
		day = n.now().UTC()
	}
	seenUsers := make(map[string]struct{}, len(recipients))
	for _, userID := range recipients {
		if userID == "" || userID == ptw.SystemActorID {
			continue
		}
		if _, dup := seenUsers[userID]; dup {
			continue
		}
		seenUsers[userID] = struct{}{}

		key := NotificationDedupeKey(userID, ev.Type, ev.PermitID, day)
		first, err := n.dedupe.FirstUse(ctx, key, 24*time.Hour)
		if err != nil {
			obs.Error("notification dedupe check failed", map[string]any{"err": err.Error()})
			first = true
		}
		if !first {
			obs.ObserveNotification(ev.Type, "deduped")
			continue
		}
		err = n.store.Add(ctx, &Notification{
			ID:        ids.New(),
			TenantID:  ev.TenantID,
			UserID:    userID,
			Event:     ev.Type,
			PermitID:  ev.PermitID,
			Title:     title,
			Body:      body,
			DedupeKey: key,
			CreatedAt: n.now().UTC(),
		})
		if err != nil {
			obs.ObserveNotification(ev.Type, "error")
			obs.Error("notification store failed", map[string]any{"user": userID, "err": err.Error()})
			continue
		}
		obs.ObserveNotification(ev.Type, "ok")
	}
}
