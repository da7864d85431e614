package copilot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

// captureWriter records ledger persistence calls.
type captureWriter struct {
	mu    sync.Mutex
	wrote map[string][]byte
	calls int
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{wrote: make(map[string][]byte)}
}

func (w *captureWriter) Set(key string, value []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wrote[key] = value
	w.calls++
}

func (w *captureWriter) last(key string) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wrote[key]
}

func testLedger(t *testing.T, handler OperationHandler, opts ...LedgerOption) (*OperationLedger, *captureWriter) {
	t.Helper()
	registry := NewHandlerRegistry()
	registry.Register(OpSubmitTurn, handler)
	writer := newCaptureWriter()
	base := []LedgerOption{WithBackoff(time.Millisecond, 5*time.Millisecond)}
	return NewOperationLedger(registry, writer, append(base, opts...)...), writer
}

func turnPayload() SubmitTurnPayload {
	return SubmitTurnPayload{
		CaseID:     "case-1",
		Query:      "why is the pod restarting",
		QuestionID: "opt-msg-q",
		ResponseID: "opt-msg-r",
	}
}

func TestLedgerExecute(t *testing.T) {
	t.Run("success completes and drops the operation", func(t *testing.T) {
		ledger, _ := testLedger(t, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error { return nil },
		})
		op := ledger.Add(turnPayload())

		if err := ledger.Execute(context.Background(), op.ID); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if _, ok := ledger.Get(op.ID); ok {
			t.Fatal("completed operation still tracked")
		}
	})

	t.Run("transient errors retry until the attempt cap", func(t *testing.T) {
		var attempts int
		ledger, _ := testLedger(t, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				attempts++
				return errors.New("connection reset")
			},
		}, WithMaxAttempts(3))
		op := ledger.Add(turnPayload())

		err := ledger.Execute(context.Background(), op.ID)
		if err == nil {
			t.Fatal("expected error")
		}
		if attempts != 3 {
			t.Fatalf("attempts = %d, want 3", attempts)
		}
		got, ok := ledger.Get(op.ID)
		if !ok || got.Status != StatusFailed {
			t.Fatalf("operation = %+v, want retained as failed", got)
		}
		if got.LastError == "" {
			t.Fatal("expected recorded error")
		}
	})

	t.Run("transient failure then success", func(t *testing.T) {
		var attempts int
		ledger, _ := testLedger(t, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				attempts++
				if attempts < 2 {
					return &APIError{Code: "UPSTREAM", Status: http.StatusBadGateway}
				}
				return nil
			},
		})
		op := ledger.Add(turnPayload())

		if err := ledger.Execute(context.Background(), op.ID); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if attempts != 2 {
			t.Fatalf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("permanent errors roll back and drop the operation", func(t *testing.T) {
		var rolledBack bool
		ledger, _ := testLedger(t, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				return &APIError{Code: "INVALID_QUERY", Status: http.StatusUnprocessableEntity}
			},
			RollbackFunc: func(p OperationPayload) { rolledBack = true },
		})
		op := ledger.Add(turnPayload())

		err := ledger.Execute(context.Background(), op.ID)
		if !IsValidationError(err) {
			t.Fatalf("err = %v, want validation error", err)
		}
		if !rolledBack {
			t.Fatal("rollback not invoked")
		}
		if _, ok := ledger.Get(op.ID); ok {
			t.Fatal("rejected operation still tracked")
		}
	})

	t.Run("auth errors refresh the session and retry exactly once", func(t *testing.T) {
		var attempts, refreshes int
		handler := HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				attempts++
				if attempts == 1 {
					return &APIError{Code: "TOKEN_EXPIRED", Status: http.StatusUnauthorized}
				}
				return nil
			},
		}
		ledger, _ := testLedger(t, handler, WithSessionRefresh(func(ctx context.Context) error {
			refreshes++
			return nil
		}))
		op := ledger.Add(turnPayload())

		if err := ledger.Execute(context.Background(), op.ID); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if refreshes != 1 || attempts != 2 {
			t.Fatalf("refreshes = %d, attempts = %d", refreshes, attempts)
		}
	})

	t.Run("second auth failure is not retried again", func(t *testing.T) {
		var attempts int
		ledger, _ := testLedger(t, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				attempts++
				return &APIError{Code: "TOKEN_EXPIRED", Status: http.StatusUnauthorized}
			},
		}, WithSessionRefresh(func(ctx context.Context) error { return nil }))
		op := ledger.Add(turnPayload())

		err := ledger.Execute(context.Background(), op.ID)
		if !IsAuthError(err) {
			t.Fatalf("err = %v, want auth error", err)
		}
		if attempts != 2 {
			t.Fatalf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("conflicts complete the operation but surface the error", func(t *testing.T) {
		ledger, _ := testLedger(t, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				return &APIError{Code: "STALE_STATE", Status: http.StatusConflict}
			},
		})
		op := ledger.Add(turnPayload())

		err := ledger.Execute(context.Background(), op.ID)
		if !IsConflictError(err) {
			t.Fatalf("err = %v, want conflict error", err)
		}
		if _, ok := ledger.Get(op.ID); ok {
			t.Fatal("conflicted operation should be completed")
		}
	})
}

func TestLedgerAddNormalizesPayloads(t *testing.T) {
	// Handlers and decodePayload both work with pointer payloads;
	// queueing a value form must store the same shape.
	ledger, _ := testLedger(t, HandlerFuncs{})

	byValue := ledger.Add(turnPayload())
	byPointer := ledger.Add(&RenameCasePayload{CaseID: "case-2", Title: "t"})

	for _, id := range []string{byValue.ID, byPointer.ID} {
		op, ok := ledger.Get(id)
		if !ok {
			t.Fatalf("operation %s missing", id)
		}
		switch op.Payload.(type) {
		case *SubmitTurnPayload, *RenameCasePayload:
		default:
			t.Fatalf("operation %s payload stored as %T", id, op.Payload)
		}
	}
}

func TestLedgerComplete(t *testing.T) {
	t.Run("idempotent across duplicate confirmations", func(t *testing.T) {
		ledger, writer := testLedger(t, HandlerFuncs{})
		op := ledger.Add(turnPayload())

		ledger.Complete(op.ID)
		callsAfterFirst := writer.calls
		ledger.Complete(op.ID)
		if writer.calls != callsAfterFirst {
			t.Fatal("duplicate Complete persisted again")
		}
	})
}

func TestLedgerRetry(t *testing.T) {
	t.Run("resets attempts", func(t *testing.T) {
		var attempts int
		ledger, _ := testLedger(t, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				attempts++
				if attempts <= 3 {
					return errors.New("unreachable")
				}
				return nil
			},
		}, WithMaxAttempts(3))
		op := ledger.Add(turnPayload())

		if err := ledger.Execute(context.Background(), op.ID); err == nil {
			t.Fatal("expected initial failure")
		}
		if err := ledger.Retry(context.Background(), op.ID); err != nil {
			t.Fatalf("Retry: %v", err)
		}
	})

	t.Run("concurrent retry is rejected", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		ledger, _ := testLedger(t, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				close(started)
				<-release
				return nil
			},
		})
		op := ledger.Add(turnPayload())

		first := make(chan error, 1)
		go func() { first <- ledger.Retry(context.Background(), op.ID) }()
		<-started

		if err := ledger.Retry(context.Background(), op.ID); !errors.Is(err, ErrRetryInFlight) {
			t.Fatalf("err = %v, want ErrRetryInFlight", err)
		}
		close(release)
		if err := <-first; err != nil {
			t.Fatalf("first retry: %v", err)
		}
	})

	t.Run("unknown operation", func(t *testing.T) {
		ledger, _ := testLedger(t, HandlerFuncs{})
		if err := ledger.Retry(context.Background(), "nope"); !errors.Is(err, ErrOperationNotFound) {
			t.Fatalf("err = %v, want ErrOperationNotFound", err)
		}
	})
}

func TestLedgerRestore(t *testing.T) {
	t.Run("round-trips payloads through the store", func(t *testing.T) {
		ledger, writer := testLedger(t, HandlerFuncs{})
		ledger.Add(turnPayload())
		ledger.Add(&RenameCasePayload{CaseID: "case-2", Title: "new", PreviousTitle: "old"})

		store := NewMemoryStore()
		if err := store.Set(context.Background(), KeyPendingOps, writer.last(KeyPendingOps)); err != nil {
			t.Fatal(err)
		}

		registry := NewHandlerRegistry()
		restored := NewOperationLedger(registry, newCaptureWriter())
		if err := restored.Restore(context.Background(), store); err != nil {
			t.Fatalf("Restore: %v", err)
		}

		ops := restored.List()
		if len(ops) != 2 {
			t.Fatalf("restored %d operations, want 2", len(ops))
		}
		for _, op := range ops {
			// Interrupted operations come back failed, never silently pending.
			if op.Status != StatusFailed {
				t.Fatalf("operation %s status = %s, want failed", op.ID, op.Status)
			}
			switch p := op.Payload.(type) {
			case *SubmitTurnPayload:
				if p.Query != "why is the pod restarting" {
					t.Fatalf("payload lost content: %+v", p)
				}
			case *RenameCasePayload:
				if p.PreviousTitle != "old" {
					t.Fatalf("payload lost content: %+v", p)
				}
			default:
				t.Fatalf("unexpected payload type %T", p)
			}
		}
	})

	t.Run("restored operations replay through a fresh registry", func(t *testing.T) {
		ledger, writer := testLedger(t, HandlerFuncs{})
		ledger.Add(turnPayload())

		store := NewMemoryStore()
		if err := store.Set(context.Background(), KeyPendingOps, writer.last(KeyPendingOps)); err != nil {
			t.Fatal(err)
		}

		// A new process registers handlers anew; the persisted payload
		// alone must be enough to run the operation.
		var executed SubmitTurnPayload
		registry := NewHandlerRegistry()
		registry.Register(OpSubmitTurn, HandlerFuncs{
			ExecuteFunc: func(ctx context.Context, p OperationPayload) error {
				executed = *p.(*SubmitTurnPayload)
				return nil
			},
		})
		restored := NewOperationLedger(registry, newCaptureWriter(), WithBackoff(time.Millisecond, 5*time.Millisecond))
		if err := restored.Restore(context.Background(), store); err != nil {
			t.Fatalf("Restore: %v", err)
		}

		ops := restored.List()
		if len(ops) != 1 {
			t.Fatalf("restored %d operations, want 1", len(ops))
		}
		if err := restored.Retry(context.Background(), ops[0].ID); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if executed.Query != "why is the pod restarting" {
			t.Fatalf("handler saw payload %+v", executed)
		}
		if len(restored.List()) != 0 {
			t.Fatal("replayed operation still pending")
		}
	})

	t.Run("empty store restores nothing", func(t *testing.T) {
		ledger, _ := testLedger(t, HandlerFuncs{})
		if err := ledger.Restore(context.Background(), NewMemoryStore()); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if len(ledger.List()) != 0 {
			t.Fatal("unexpected operations")
		}
	})
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 8 * time.Second
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		attempt := i + 1
		t.Run(fmt.Sprintf("attempt %d", attempt), func(t *testing.T) {
			if got := backoffDelay(base, max, attempt); got != w {
				t.Fatalf("backoffDelay(%d) = %v, want %v", attempt, got, w)
			}
		})
	}
}
