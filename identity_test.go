package copilot

import (
	"strings"
	"testing"
)

func TestIdentityAllocator(t *testing.T) {
	a := NewIdentityAllocator()

	t.Run("generated ids carry the optimistic prefix", func(t *testing.T) {
		id := a.Generate(KindCase)
		if !strings.HasPrefix(id, "opt-case-") {
			t.Fatalf("unexpected id %q", id)
		}
		if !IsOptimisticID(id) {
			t.Fatal("expected optimistic id")
		}
	})

	t.Run("kinds are distinguishable", func(t *testing.T) {
		if !strings.HasPrefix(a.Generate(KindMessage), "opt-msg-") {
			t.Fatal("expected msg prefix")
		}
		if !strings.HasPrefix(a.Generate(KindOperation), "opt-op-") {
			t.Fatal("expected op prefix")
		}
	})

	t.Run("ids are unique under rapid generation", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := a.Generate(KindMessage)
			if seen[id] {
				t.Fatalf("duplicate id %q", id)
			}
			seen[id] = true
		}
	})

	t.Run("server ids are not optimistic", func(t *testing.T) {
		if IsOptimisticID("case-8f2a") {
			t.Fatal("server id misclassified")
		}
		if IsOptimisticID("") {
			t.Fatal("empty id misclassified")
		}
	})
}

func TestReconciliationMap(t *testing.T) {
	t.Run("maps in both directions", func(t *testing.T) {
		m := NewReconciliationMap()
		m.AddMapping("opt-case-1", "case-real-1")

		if real, ok := m.RealID("opt-case-1"); !ok || real != "case-real-1" {
			t.Fatalf("RealID = %q, %v", real, ok)
		}
		if opt, ok := m.OptimisticID("case-real-1"); !ok || opt != "opt-case-1" {
			t.Fatalf("OptimisticID = %q, %v", opt, ok)
		}
	})

	t.Run("resolve falls through for unmapped ids", func(t *testing.T) {
		m := NewReconciliationMap()
		m.AddMapping("opt-case-1", "case-real-1")

		if got := m.Resolve("opt-case-1"); got != "case-real-1" {
			t.Fatalf("Resolve = %q", got)
		}
		if got := m.Resolve("case-other"); got != "case-other" {
			t.Fatalf("Resolve = %q", got)
		}
	})

	t.Run("first mapping wins", func(t *testing.T) {
		m := NewReconciliationMap()
		m.AddMapping("opt-case-1", "case-real-1")
		m.AddMapping("opt-case-1", "case-real-2")

		if real, _ := m.RealID("opt-case-1"); real != "case-real-1" {
			t.Fatalf("mapping overwritten: %q", real)
		}
	})

	t.Run("snapshot and restore round-trip", func(t *testing.T) {
		m := NewReconciliationMap()
		m.AddMapping("opt-case-1", "case-real-1")
		m.AddMapping("opt-case-2", "case-real-2")

		restored := NewReconciliationMap()
		restored.Restore(m.Snapshot())
		if real, _ := restored.RealID("opt-case-2"); real != "case-real-2" {
			t.Fatalf("restore lost mapping, got %q", real)
		}
	})

	t.Run("remove drops both directions", func(t *testing.T) {
		m := NewReconciliationMap()
		m.AddMapping("opt-case-1", "case-real-1")
		m.RemoveMapping("opt-case-1")

		if _, ok := m.RealID("opt-case-1"); ok {
			t.Fatal("forward mapping survived removal")
		}
		if _, ok := m.OptimisticID("case-real-1"); ok {
			t.Fatal("reverse mapping survived removal")
		}
	})
}
