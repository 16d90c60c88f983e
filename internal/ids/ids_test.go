package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	a := NewAt(base)
	b := NewAt(base.Add(time.Millisecond))
	if a >= b {
		t.Fatalf("expected %s < %s", a, b)
	}
	c := NewAt(base.Add(time.Millisecond))
	if b >= c {
		t.Fatalf("expected monotonic ids within one millisecond: %s, %s", b, c)
	}
}

func TestOpaqueUnique(t *testing.T) {
	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id := Opaque()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
