package lru

import (
	"testing"
	"time"
)

func TestCache_CapacityEviction(t *testing.T) {
	c := New[int](2)
	c.Add("a", 1, 0)
	c.Add("b", 2, 0)
	c.Add("c", 3, 0) // evicts a, the least recently used

	if _, ok := c.Get("a"); ok {
		t.Error("a survived eviction")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Errorf("b = %d/%v", v, ok)
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Errorf("c = %d/%v", v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := New[int](2)
	c.Add("a", 1, 0)
	c.Add("b", 2, 0)
	c.Get("a")       // a becomes most recent
	c.Add("c", 3, 0) // evicts b

	if _, ok := c.Get("a"); !ok {
		t.Error("a evicted despite refresh")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b survived eviction")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New[string](10)
	c.Add("short", "x", 10*time.Millisecond)
	c.Add("forever", "y", 0)

	if _, ok := c.Get("short"); !ok {
		t.Error("entry missing before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Error("entry alive past TTL")
	}
	if _, ok := c.Get("forever"); !ok {
		t.Error("zero-TTL entry expired")
	}
}

func TestCache_AddReplaces(t *testing.T) {
	c := New[int](2)
	c.Add("a", 1, 0)
	c.Add("a", 2, 0)
	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("a = %d, want 2", v)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestCache_Remove(t *testing.T) {
	c := New[int](2)
	c.Add("a", 1, 0)
	c.Remove("a")
	c.Remove("missing") // no-op
	if _, ok := c.Get("a"); ok {
		t.Error("a present after remove")
	}
}
