package copilot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Flush Timer
// ============================================================================

// flushTimer is the explicit debounce task: each (re)schedule replaces the
// previous timer, and Cancel/Fire are safe against the timer racing them.
type flushTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (t *flushTimer) Schedule(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, fire)
}

func (t *flushTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// ============================================================================
// Write Coalescer
// ============================================================================

// WriteCoalescer debounces and batches writes to the persistent store.
// Writes land in an in-memory buffer; a flush persists the whole batch in
// one SetMany. The buffer is swapped out before the async persist begins,
// so writes arriving mid-persist go to the next batch instead of being
// lost or duplicated. A failed batch is merged back under newer writes,
// and silently retried on the next flush; an optional synchronous fallback
// store catches batches the primary store cannot take.
type WriteCoalescer struct {
	primary  StateStore
	fallback StateStore
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string][]byte
	timer   flushTimer
	closed  bool
}

// CoalescerOption configures a WriteCoalescer.
type CoalescerOption func(*WriteCoalescer)

// WithFallbackStore sets the synchronous store used when the primary
// refuses a batch.
func WithFallbackStore(s StateStore) CoalescerOption {
	return func(c *WriteCoalescer) { c.fallback = s }
}

// WithDebounce overrides the debounce window.
func WithDebounce(d time.Duration) CoalescerOption {
	return func(c *WriteCoalescer) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithCoalescerLogger sets the coalescer's logger.
func WithCoalescerLogger(log zerolog.Logger) CoalescerOption {
	return func(c *WriteCoalescer) { c.log = log }
}

// NewWriteCoalescer creates a coalescer over the primary store.
func NewWriteCoalescer(primary StateStore, opts ...CoalescerOption) *WriteCoalescer {
	c := &WriteCoalescer{
		primary:  primary,
		debounce: 500 * time.Millisecond,
		log:      zerolog.Nop(),
		pending:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stages one write and (re)schedules a flush.
func (c *WriteCoalescer) Set(key string, value []byte) {
	c.SetMany(map[string][]byte{key: value})
}

// SetMany stages a group of writes and (re)schedules a flush.
func (c *WriteCoalescer) SetMany(values map[string][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for k, v := range values {
		c.pending[k] = v
	}
	c.timer.Schedule(c.debounce, func() {
		if err := c.Flush(context.Background()); err != nil {
			c.log.Debug().Err(err).Msg("coalesced flush failed; batch requeued")
		}
	})
}

// Pending returns the number of staged, not yet persisted keys.
func (c *WriteCoalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush persists the current batch immediately. On failure the batch is
// written to the fallback store when one is configured, then merged back
// into the pending buffer with newer writes to the same key winning.
func (c *WriteCoalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.timer.Cancel()
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = make(map[string][]byte)
	c.timer.Cancel()
	c.mu.Unlock()

	err := c.primary.SetMany(ctx, batch)
	if err == nil {
		return nil
	}

	if c.fallback != nil {
		if fbErr := c.fallback.SetMany(ctx, batch); fbErr != nil {
			c.log.Warn().Err(fbErr).Msg("fallback store write failed")
		}
	}

	c.mu.Lock()
	for k, v := range batch {
		if _, refilled := c.pending[k]; !refilled {
			c.pending[k] = v
		}
	}
	if !c.closed {
		c.timer.Schedule(c.debounce, func() {
			_ = c.Flush(context.Background())
		})
	}
	c.mu.Unlock()
	return err
}

// Close flushes whatever is staged and stops the debounce timer. Later
// writes are dropped.
func (c *WriteCoalescer) Close(ctx context.Context) error {
	err := c.Flush(ctx)
	c.mu.Lock()
	c.closed = true
	c.timer.Cancel()
	c.mu.Unlock()
	return err
}
