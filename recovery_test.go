package copilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLister struct {
	mu    sync.Mutex
	cases []CaseData
	err   error
	calls int
}

func (f *fakeLister) ListCases(ctx context.Context, filters *ListCasesFilters) ([]CaseData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cases, nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDetectStaleState(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh store has no signals", func(t *testing.T) {
		r := NewRecoveryCoordinator(&fakeLister{}, NewMemoryStore(), "1.2.0", "sess-a")
		signals, err := r.DetectStaleState(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(signals) != 0 {
			t.Fatalf("signals = %v, want none", signals)
		}
	})

	t.Run("reload flag", func(t *testing.T) {
		store := NewMemoryStore()
		store.Set(ctx, KeyReloadDetected, []byte("true"))

		r := NewRecoveryCoordinator(&fakeLister{}, store, "1.2.0", "sess-a")
		signals, _ := r.DetectStaleState(ctx)
		if len(signals) != 1 || signals[0] != SignalReloadDetected {
			t.Fatalf("signals = %v", signals)
		}
	})

	t.Run("version change", func(t *testing.T) {
		store := NewMemoryStore()
		store.Set(ctx, KeyClientVersion, []byte("1.1.0"))

		r := NewRecoveryCoordinator(&fakeLister{}, store, "1.2.0", "sess-a")
		signals, _ := r.DetectStaleState(ctx)
		if len(signals) != 1 || signals[0] != SignalVersionChanged {
			t.Fatalf("signals = %v", signals)
		}
	})

	t.Run("session change", func(t *testing.T) {
		store := NewMemoryStore()
		store.Set(ctx, KeyRuntimeSession, []byte("sess-old"))

		r := NewRecoveryCoordinator(&fakeLister{}, store, "1.2.0", "sess-a")
		signals, _ := r.DetectStaleState(ctx)
		if len(signals) != 1 || signals[0] != SignalSessionRestarted {
			t.Fatalf("signals = %v", signals)
		}
	})

	t.Run("matching bookkeeping is not stale", func(t *testing.T) {
		store := NewMemoryStore()
		store.Set(ctx, KeyClientVersion, []byte("1.2.0"))
		store.Set(ctx, KeyRuntimeSession, []byte("sess-a"))

		r := NewRecoveryCoordinator(&fakeLister{}, store, "1.2.0", "sess-a")
		signals, _ := r.DetectStaleState(ctx)
		if len(signals) != 0 {
			t.Fatalf("signals = %v, want none", signals)
		}
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches metadata and updates bookkeeping", func(t *testing.T) {
		store := NewMemoryStore()
		store.Set(ctx, KeyReloadDetected, []byte("true"))
		lister := &fakeLister{cases: []CaseData{
			{CaseID: "case-1", Title: "pod restarts", Status: "open"},
			{CaseID: "case-2", Title: "dns outage", Status: "closed"},
		}}

		r := NewRecoveryCoordinator(lister, store, "1.2.0", "sess-a")
		records, err := r.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover: %v", err)
		}
		if len(records) != 2 || records[0].CaseID != "case-1" {
			t.Fatalf("records = %+v", records)
		}

		if v, found, _ := store.Get(ctx, KeyClientVersion); !found || string(v) != "1.2.0" {
			t.Fatalf("version = %q", v)
		}
		if v, found, _ := store.Get(ctx, KeyRuntimeSession); !found || string(v) != "sess-a" {
			t.Fatalf("session = %q", v)
		}
		if _, found, _ := store.Get(ctx, KeyReloadDetected); found {
			t.Fatal("reload flag not cleared")
		}
		if _, found, _ := store.Get(ctx, KeyRecoveryInProgress); found {
			t.Fatal("in-progress flag not cleared")
		}
	})

	t.Run("in-progress flag blocks a second run", func(t *testing.T) {
		store := NewMemoryStore()
		store.Set(ctx, KeyRecoveryInProgress, []byte("true"))

		r := NewRecoveryCoordinator(&fakeLister{}, store, "1.2.0", "sess-a")
		if _, err := r.Recover(ctx); !errors.Is(err, ErrRecoveryInProgress) {
			t.Fatalf("err = %v, want ErrRecoveryInProgress", err)
		}
	})

	t.Run("cooldown suppresses repeat attempts", func(t *testing.T) {
		store := NewMemoryStore()
		lister := &fakeLister{}
		r := NewRecoveryCoordinator(lister, store, "1.2.0", "sess-a", WithRecoveryCooldown(time.Hour))

		if _, err := r.Recover(ctx); err != nil {
			t.Fatalf("first Recover: %v", err)
		}
		records, err := r.Recover(ctx)
		if err != nil {
			t.Fatalf("second Recover: %v", err)
		}
		if records != nil {
			t.Fatalf("records = %v, want skip", records)
		}
		if lister.callCount() != 1 {
			t.Fatalf("list calls = %d, want 1", lister.callCount())
		}
	})

	t.Run("failure clears the in-progress flag", func(t *testing.T) {
		store := NewMemoryStore()
		lister := &fakeLister{err: errors.New("api down")}
		r := NewRecoveryCoordinator(lister, store, "1.2.0", "sess-a")

		if _, err := r.Recover(ctx); err == nil {
			t.Fatal("expected error")
		}
		if _, found, _ := store.Get(ctx, KeyRecoveryInProgress); found {
			t.Fatal("in-progress flag wedged")
		}
	})
}

func TestRecordIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewRecoveryCoordinator(&fakeLister{}, store, "1.2.0", "sess-a")

	if err := r.RecordIdentity(ctx); err != nil {
		t.Fatalf("RecordIdentity: %v", err)
	}
	if v, _, _ := store.Get(ctx, KeyClientVersion); string(v) != "1.2.0" {
		t.Fatalf("version marker = %q", v)
	}
	if s, _, _ := store.Get(ctx, KeyRuntimeSession); string(s) != "sess-a" {
		t.Fatalf("session marker = %q", s)
	}

	// A later start with a new version now detects the change.
	upgraded := NewRecoveryCoordinator(&fakeLister{}, store, "1.3.0", "sess-a")
	signals, err := upgraded.DetectStaleState(ctx)
	if err != nil {
		t.Fatalf("DetectStaleState: %v", err)
	}
	if len(signals) != 1 || signals[0] != SignalVersionChanged {
		t.Fatalf("signals = %v", signals)
	}
}
