package tenant

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrTenantDisabled = errors.New("tenant: disabled")
	ErrUserNotFound   = errors.New("tenant: user not found")
)

// Tenant is a provisioned customer of the platform.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry resolves tenants. Provisioning happens upstream; the engine only
// reads.
type Registry interface {
	Tenant(ctx context.Context, id string) (Tenant, error)
}

// Directory resolves user profiles inside a tenant. The engine consults it
// when validating verifier/approver selections.
type Directory interface {
	Lookup(ctx context.Context, tenantID, userID string) (UserProfile, error)
}

// AdminDirectory enumerates a tenant's project admins. The scheduler
// escalates long-overdue reviews to them.
type AdminDirectory interface {
	ProjectAdmins(ctx context.Context, tenantID string) ([]UserProfile, error)
}

// UserProfile is the subset of the upstream identity record the engine needs.
type UserProfile struct {
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role"`
	Grade     Grade  `json:"grade,omitempty"`
}

// CheckTenant resolves the tenant and refuses disabled ones.
func CheckTenant(ctx context.Context, reg Registry, id string) error {
	if reg == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrTenantNotFound
	}
	t, err := reg.Tenant(ctx, id)
	if err != nil {
		return err
	}
	if t.Disabled {
		return ErrTenantDisabled
	}
	return nil
}

// MemRegistry is an in-memory Registry and Directory used by tests and
// single-node deployments seeded from configuration.
type MemRegistry struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
	users   map[string]UserProfile // tenantID + "/" + userID
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		tenants: make(map[string]Tenant),
		users:   make(map[string]UserProfile),
	}
}

// PutTenant registers or replaces a tenant.
func (m *MemRegistry) PutTenant(t Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tenants[t.ID] = t
}

// PutUser registers or replaces a user profile.
func (m *MemRegistry) PutUser(u UserProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.TenantID+"/"+u.UserID] = u
}

func (m *MemRegistry) Tenant(ctx context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrTenantNotFound
	}
	return t, nil
}

func (m *MemRegistry) Lookup(ctx context.Context, tenantID, userID string) (UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[tenantID+"/"+userID]
	if !ok {
		return UserProfile{}, ErrUserNotFound
	}
	return u, nil
}

func (m *MemRegistry) ProjectAdmins(ctx context.Context, tenantID string) ([]UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []UserProfile
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Role == RoleProjectAdmin {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
