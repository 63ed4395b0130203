package goplan

import (
	"testing"
	"time"
)

func newTestCache(maxEntries int) (*LRUCache, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache(maxEntries)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestLRUCache_GetSetInvalidate(t *testing.T) {
	c, _ := newTestCache(10)

	if _, ok := c.Get("user:u1"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Set("user:u1", &PlanEntitlement{IdentityKey: "user:u1", Plan: PlanPro}, time.Minute)
	ent, ok := c.Get("user:u1")
	if !ok || ent.Plan != PlanPro {
		t.Fatalf("expected cached pro entitlement, got %+v, %v", ent, ok)
	}

	// Callers get copies.
	ent.Plan = PlanFree
	if again, _ := c.Get("user:u1"); again.Plan != PlanPro {
		t.Error("cached entry was mutated through a returned value")
	}

	c.Invalidate("user:u1")
	if _, ok := c.Get("user:u1"); ok {
		t.Error("expected miss after invalidation")
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 2 {
		t.Errorf("stats = %+v, want 2 hits and 2 misses", stats)
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	c, now := newTestCache(10)

	c.Set("user:u1", &PlanEntitlement{Plan: PlanPro}, time.Minute)
	*now = now.Add(59 * time.Second)
	if _, ok := c.Get("user:u1"); !ok {
		t.Error("entry expired early")
	}
	*now = now.Add(2 * time.Second)
	if _, ok := c.Get("user:u1"); ok {
		t.Error("entry served after its TTL")
	}
	if c.Stats().Size != 0 {
		t.Error("expired entry not removed")
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(2)

	c.Set("a", &PlanEntitlement{Plan: PlanPro}, time.Minute)
	c.Set("b", &PlanEntitlement{Plan: PlanPro}, time.Minute)
	c.Get("a")
	c.Set("c", &PlanEntitlement{Plan: PlanPro}, time.Minute)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry was evicted")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestLRUCache_IgnoresNil(t *testing.T) {
	c, _ := newTestCache(2)
	c.Set("a", nil, time.Minute)
	if c.Stats().Size != 0 {
		t.Error("nil entitlement was cached")
	}

	c.Set("b", &PlanEntitlement{}, time.Minute)
	c.Clear()
	if c.Stats().Size != 0 {
		t.Error("clear left entries behind")
	}
}

func TestNoopCache(t *testing.T) {
	var c Cache = &NoopCache{}
	c.Set("a", &PlanEntitlement{}, time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("noop cache returned a value")
	}
}
