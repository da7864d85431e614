package copilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// failingStore rejects batches until unlocked.
type failingStore struct {
	mu      sync.Mutex
	failing bool
	batches []map[string][]byte
}

func (s *failingStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

func (s *failingStore) SetMany(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("quota exceeded")
	}
	batch := make(map[string][]byte, len(values))
	for k, v := range values {
		batch[k] = v
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *failingStore) Remove(_ context.Context, key string) error { return nil }
func (s *failingStore) Close() error                               { return nil }

func (s *failingStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *failingStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestWriteCoalescer(t *testing.T) {
	ctx := context.Background()

	t.Run("many staged writes flush as one batch", func(t *testing.T) {
		store := &failingStore{}
		c := NewWriteCoalescer(store, WithDebounce(time.Hour))
		for i := 0; i < 10; i++ {
			c.Set("conversations", []byte{byte(i)})
			c.Set("case_titles", []byte{byte(i)})
		}

		if err := c.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if store.batchCount() != 1 {
			t.Fatalf("batches = %d, want 1", store.batchCount())
		}
		if got := store.batches[0]["conversations"]; len(got) != 1 || got[0] != 9 {
			t.Fatalf("last write did not win: %v", got)
		}
	})

	t.Run("debounce timer flushes without an explicit call", func(t *testing.T) {
		store := &failingStore{}
		c := NewWriteCoalescer(store, WithDebounce(10*time.Millisecond))
		c.Set("pending_operations", []byte("x"))

		deadline := time.Now().Add(2 * time.Second)
		for store.batchCount() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("debounced flush never ran")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("failed batch is retained for the next flush", func(t *testing.T) {
		store := &failingStore{failing: true}
		c := NewWriteCoalescer(store, WithDebounce(time.Hour))
		c.Set("conversations", []byte("v1"))

		if err := c.Flush(ctx); err == nil {
			t.Fatal("expected flush error")
		}
		if c.Pending() != 1 {
			t.Fatalf("pending = %d, want 1", c.Pending())
		}

		store.setFailing(false)
		if err := c.Flush(ctx); err != nil {
			t.Fatalf("second Flush: %v", err)
		}
		if got := store.batches[0]["conversations"]; string(got) != "v1" {
			t.Fatalf("batch = %q", got)
		}
	})

	t.Run("merge-back never clobbers a newer write", func(t *testing.T) {
		store := &failingStore{failing: true}
		c := NewWriteCoalescer(store, WithDebounce(time.Hour))
		c.Set("conversations", []byte("old"))
		_ = c.Flush(ctx)

		c.Set("conversations", []byte("new"))
		store.setFailing(false)
		if err := c.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if got := store.batches[0]["conversations"]; string(got) != "new" {
			t.Fatalf("batch = %q, want new", got)
		}
	})

	t.Run("fallback store receives the failed batch", func(t *testing.T) {
		primary := &failingStore{failing: true}
		fallback := &failingStore{}
		c := NewWriteCoalescer(primary, WithDebounce(time.Hour), WithFallbackStore(fallback))
		c.Set("conversations", []byte("v1"))

		_ = c.Flush(ctx)
		if fallback.batchCount() != 1 {
			t.Fatalf("fallback batches = %d, want 1", fallback.batchCount())
		}
	})

	t.Run("close flushes and drops later writes", func(t *testing.T) {
		store := &failingStore{}
		c := NewWriteCoalescer(store, WithDebounce(time.Hour))
		c.Set("conversations", []byte("v1"))

		if err := c.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if store.batchCount() != 1 {
			t.Fatalf("batches = %d, want 1", store.batchCount())
		}

		c.Set("conversations", []byte("v2"))
		if c.Pending() != 0 {
			t.Fatal("write accepted after close")
		}
	})
}
