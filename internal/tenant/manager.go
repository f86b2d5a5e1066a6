// Package tenant tracks per-tenant quotas and enforces a query rate limit,
// keeping tenants isolated from one another's resource consumption inside
// a single shared index.
package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Quota bounds one tenant's resource consumption.
type Quota struct {
	MaxVectors      int64   // maximum number of document tokens stored
	MaxStorageBytes int64   // maximum on-disk bytes attributable to this tenant
	MaxDimensions   int     // maximum accepted vector dimensionality
	RateLimitQPS    float64 // sustained queries per second; burst allows short spikes
	RateLimitBurst  int     // token bucket burst size
}

// DefaultQuota is a generous default suitable for a single shared index.
func DefaultQuota() Quota {
	return Quota{
		MaxVectors:      1_000_000,
		MaxStorageBytes: 10 * 1024 * 1024 * 1024,
		MaxDimensions:   2048,
		RateLimitQPS:    1000,
		RateLimitBurst:  200,
	}
}

// UnlimitedQuota disables every check — useful for offline batch tooling.
func UnlimitedQuota() Quota {
	return Quota{
		MaxVectors:      -1,
		MaxStorageBytes: -1,
		MaxDimensions:   -1,
		RateLimitQPS:    float64(rate.Inf),
		RateLimitBurst:  0,
	}
}

// Usage tracks a tenant's current resource consumption.
type Usage struct {
	VectorCount  int64
	StorageBytes int64
}

// Tenant is one isolated namespace within a shared index, keyed by the
// uint64 id embedded in every storage key via pkg/keycodec.
type Tenant struct {
	ID        uint64
	Name      string
	Quota     Quota
	CreatedAt time.Time
	UpdatedAt time.Time

	mu      sync.RWMutex
	usage   Usage
	limiter *rate.Limiter
}

// Manager owns the tenant registry for one index.
type Manager struct {
	mu      sync.RWMutex
	tenants map[uint64]*Tenant
}

// NewManager returns an empty tenant registry.
func NewManager() *Manager {
	return &Manager{tenants: make(map[uint64]*Tenant)}
}

// CreateTenant registers a new tenant under the given id.
func (m *Manager) CreateTenant(id uint64, name string, quota Quota) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenants[id]; exists {
		return nil, fmt.Errorf("tenant: id %d already registered", id)
	}

	now := time.Now()
	t := &Tenant{
		ID:        id,
		Name:      name,
		Quota:     quota,
		CreatedAt: now,
		UpdatedAt: now,
		limiter:   newLimiter(quota),
	}
	m.tenants[id] = t
	return t, nil
}

func newLimiter(q Quota) *rate.Limiter {
	if q.RateLimitQPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := q.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(q.RateLimitQPS), burst)
}

// GetTenant looks up a tenant by id.
func (m *Manager) GetTenant(id uint64) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.tenants[id]
	if !exists {
		return nil, fmt.Errorf("tenant: id %d not found", id)
	}
	return t, nil
}

// DeleteTenant removes a tenant from the registry. It does not remove the
// tenant's storage records — callers wanting that must also purge the
// partitions under the tenant's key prefix.
func (m *Manager) DeleteTenant(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenants[id]; !exists {
		return fmt.Errorf("tenant: id %d not found", id)
	}
	delete(m.tenants, id)
	return nil
}

// ListTenants returns every registered tenant.
func (m *Manager) ListTenants() []*Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	return out
}

// UpdateQuota replaces a tenant's quota, rebuilding its rate limiter.
func (m *Manager) UpdateQuota(id uint64, quota Quota) error {
	m.mu.RLock()
	t, exists := m.tenants[id]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("tenant: id %d not found", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.Quota = quota
	t.limiter = newLimiter(quota)
	t.UpdatedAt = time.Now()
	return nil
}

// CheckVectorQuota reports whether adding count more tokens would exceed
// the tenant's vector quota.
func (t *Tenant) CheckVectorQuota(count int64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.Quota.MaxVectors > 0 && t.usage.VectorCount+count > t.Quota.MaxVectors {
		return fmt.Errorf("tenant %d: vector quota exceeded: current=%d requested=%d max=%d",
			t.ID, t.usage.VectorCount, count, t.Quota.MaxVectors)
	}
	return nil
}

// CheckStorageQuota reports whether adding bytes more storage would exceed
// the tenant's storage quota.
func (t *Tenant) CheckStorageQuota(bytes int64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.Quota.MaxStorageBytes > 0 && t.usage.StorageBytes+bytes > t.Quota.MaxStorageBytes {
		return fmt.Errorf("tenant %d: storage quota exceeded: current=%d requested=%d max=%d",
			t.ID, t.usage.StorageBytes, bytes, t.Quota.MaxStorageBytes)
	}
	return nil
}

// CheckDimensionQuota reports whether dimensions exceeds the tenant's
// configured maximum.
func (t *Tenant) CheckDimensionQuota(dimensions int) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.Quota.MaxDimensions > 0 && dimensions > t.Quota.MaxDimensions {
		return fmt.Errorf("tenant %d: dimension quota exceeded: requested=%d max=%d",
			t.ID, dimensions, t.Quota.MaxDimensions)
	}
	return nil
}

// Allow reports whether one query may proceed now under the tenant's
// token-bucket rate limit, consuming a token if so.
func (t *Tenant) Allow() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limiter.Allow()
}

// Wait blocks until the tenant's rate limiter admits one query, or ctx is
// done first.
func (t *Tenant) Wait(ctx context.Context) error {
	t.mu.RLock()
	limiter := t.limiter
	t.mu.RUnlock()
	return limiter.Wait(ctx)
}

// IncrementVectorCount records count additional stored tokens.
func (t *Tenant) IncrementVectorCount(count int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.VectorCount += count
	t.UpdatedAt = time.Now()
}

// DecrementVectorCount records count fewer stored tokens, floored at zero.
func (t *Tenant) DecrementVectorCount(count int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.VectorCount -= count
	if t.usage.VectorCount < 0 {
		t.usage.VectorCount = 0
	}
	t.UpdatedAt = time.Now()
}

// UpdateStorageBytes sets the tenant's current storage usage.
func (t *Tenant) UpdateStorageBytes(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.StorageBytes = bytes
	t.UpdatedAt = time.Now()
}

// Usage returns a snapshot of the tenant's current resource consumption.
func (t *Tenant) Usage() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usage
}

// IsOverQuota reports whether current usage exceeds any configured quota.
func (t *Tenant) IsOverQuota() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.Quota.MaxVectors > 0 && t.usage.VectorCount > t.Quota.MaxVectors {
		return true
	}
	if t.Quota.MaxStorageBytes > 0 && t.usage.StorageBytes > t.Quota.MaxStorageBytes {
		return true
	}
	return false
}
