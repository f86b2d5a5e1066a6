package tenant

import (
	"context"
	"testing"
	"time"
)

func TestCreateAndGetTenant(t *testing.T) {
	m := NewManager()
	created, err := m.CreateTenant(1, "acme", DefaultQuota())
	if err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	got, err := m.GetTenant(1)
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if got != created {
		t.Fatal("GetTenant returned a different tenant instance")
	}
}

func TestCreateTenantRejectsDuplicateID(t *testing.T) {
	m := NewManager()
	if _, err := m.CreateTenant(1, "acme", DefaultQuota()); err != nil {
		t.Fatalf("first CreateTenant failed: %v", err)
	}
	if _, err := m.CreateTenant(1, "other", DefaultQuota()); err == nil {
		t.Fatal("expected an error creating a tenant with a duplicate id")
	}
}

func TestVectorQuotaEnforced(t *testing.T) {
	m := NewManager()
	quota := DefaultQuota()
	quota.MaxVectors = 10
	tn, err := m.CreateTenant(1, "acme", quota)
	if err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	tn.IncrementVectorCount(8)
	if err := tn.CheckVectorQuota(2); err != nil {
		t.Errorf("expected quota check to pass at the boundary: %v", err)
	}
	if err := tn.CheckVectorQuota(3); err == nil {
		t.Error("expected quota check to fail over the boundary")
	}
}

func TestDecrementVectorCountFloorsAtZero(t *testing.T) {
	m := NewManager()
	tn, _ := m.CreateTenant(1, "acme", DefaultQuota())
	tn.IncrementVectorCount(5)
	tn.DecrementVectorCount(10)
	if tn.Usage().VectorCount != 0 {
		t.Errorf("expected vector count to floor at 0, got %d", tn.Usage().VectorCount)
	}
}

func TestRateLimitAllowsBurstThenThrottles(t *testing.T) {
	m := NewManager()
	quota := Quota{RateLimitQPS: 1, RateLimitBurst: 2}
	tn, _ := m.CreateTenant(1, "acme", quota)

	if !tn.Allow() {
		t.Error("expected first request to be allowed")
	}
	if !tn.Allow() {
		t.Error("expected second request (within burst) to be allowed")
	}
	if tn.Allow() {
		t.Error("expected third immediate request to be throttled")
	}
}

func TestUnlimitedQuotaNeverThrottles(t *testing.T) {
	m := NewManager()
	tn, _ := m.CreateTenant(1, "acme", UnlimitedQuota())
	for i := 0; i < 1000; i++ {
		if !tn.Allow() {
			t.Fatalf("unlimited quota throttled at request %d", i)
		}
	}
	if err := tn.CheckVectorQuota(1 << 40); err != nil {
		t.Errorf("unlimited quota should never reject: %v", err)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	m := NewManager()
	tn, _ := m.CreateTenant(1, "acme", Quota{RateLimitQPS: 0.001, RateLimitBurst: 1})
	tn.Allow() // drain the single burst token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := tn.Wait(ctx); err == nil {
		t.Error("expected Wait to respect context cancellation when the limiter can't keep up")
	}
}

func TestDeleteTenant(t *testing.T) {
	m := NewManager()
	m.CreateTenant(1, "acme", DefaultQuota())
	if err := m.DeleteTenant(1); err != nil {
		t.Fatalf("DeleteTenant failed: %v", err)
	}
	if _, err := m.GetTenant(1); err == nil {
		t.Error("expected GetTenant to fail after deletion")
	}
}
