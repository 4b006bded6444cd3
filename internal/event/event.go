// Package event turns committed permit transitions into notifications,
// signed webhook deliveries and live stream messages.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"athens-ptw.org/internal/obs"
)

// Event is the serialised form of a committed permit transition.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // permit.submitted, permit.approved, ...
	TenantID     string         `json:"tenant_id"`
	ProjectID    string         `json:"project_id,omitempty"`
	PermitID     string         `json:"permit_id"`
	PermitNumber string         `json:"permit_number"`
	FromStatus   string         `json:"from_status"`
	ToStatus     string         `json:"to_status"`
	Actor        string         `json:"actor"`
	System       bool           `json:"system,omitempty"`
	At           time.Time      `json:"at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Broker fans events out to live subscribers (websocket streams).
type Broker interface {
	Publish(ctx context.Context, ev Event)
	Subscribe(ctx context.Context, tenantID string) (<-chan Event, func())
}

// MemBroker is the in-process broker used by single-node deployments and
// tests. Slow subscribers drop events rather than block the publisher.
type MemBroker struct {
	mu   sync.Mutex
	subs map[int]*memSub
	next int
}

type memSub struct {
	tenantID string
	ch       chan Event
}

// NewMemBroker creates an empty broker.
func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[int]*memSub)}
}

func (b *MemBroker) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.tenantID != "" && s.tenantID != ev.TenantID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func (b *MemBroker) Subscribe(ctx context.Context, tenantID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	s := &memSub{tenantID: tenantID, ch: make(chan Event, 64)}
	b.subs[id] = s
	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(cur.ch)
		}
	}
}

// RedisBroker publishes events on a per-tenant redis channel so that every
// node of a multi-node deployment can serve live streams.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBroker constructs a broker over the given client.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, prefix: "ptw:events:"}
}

func (b *RedisBroker) channel(tenantID string) string {
	if tenantID == "" {
		return b.prefix + "*"
	}
	return b.prefix + tenantID
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		obs.Error("event marshal failed", map[string]any{"event": ev.ID, "err": err.Error()})
		return
	}
	if err := b.rdb.Publish(ctx, b.prefix+ev.TenantID, raw).Err(); err != nil {
		obs.Error("event publish failed", map[string]any{"event": ev.ID, "err": err.Error()})
	}
}

func (b *RedisBroker) Subscribe(ctx context.Context, tenantID string) (<-chan Event, func()) {
	var sub *redis.PubSub
	if tenantID == "" {
		sub = b.rdb.PSubscribe(ctx, b.channel(""))
	} else {
		sub = b.rdb.Subscribe(ctx, b.channel(tenantID))
	}
	out := make(chan Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := sub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
}

// Store persists events for the webhook retry job and the audit surface.
type Store interface {
	Append(ctx context.Context, ev Event) error
	Get(ctx context.Context, id string) (Event, bool, error)
}

// MemEventStore is the in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	byID   map[string]Event
	ordered []string
}

// NewMemEventStore creates an empty store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{byID: make(map[string]Event)}
}

func (s *MemEventStore) Append(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[ev.ID]; !ok {
		s.ordered = append(s.ordered, ev.ID)
	}
	s.byID[ev.ID] = ev
	return nil
}

func (s *MemEventStore) Get(ctx context.Context, id string) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	return ev, ok, nil
}
