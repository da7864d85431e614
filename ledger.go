package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Operation Kinds & Payloads
// ============================================================================

// OperationKind identifies a replayable mutation type.
type OperationKind string

const (
	OpSubmitTurn OperationKind = "submit_turn"
	OpCreateCase OperationKind = "create_case"
	OpRenameCase OperationKind = "rename_case"
	OpDeleteCase OperationKind = "delete_case"
	OpUploadData OperationKind = "upload_data"
)

// OperationStatus is the ledger-visible lifecycle state of an operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusFailed    OperationStatus = "failed"
	StatusCompleted OperationStatus = "completed"
)

// OperationPayload is the typed body of a pending operation. Each kind
// has exactly one payload struct, so persisted operations can be decoded
// and replayed after a restart.
type OperationPayload interface {
	Kind() OperationKind
}

// SubmitTurnPayload submits one user query to a case.
type SubmitTurnPayload struct {
	CaseID     string `json:"case_id"`
	Query      string `json:"query"`
	Intent     string `json:"intent,omitempty"`
	QuestionID string `json:"question_id"`
	ResponseID string `json:"response_id"`
}

func (SubmitTurnPayload) Kind() OperationKind { return OpSubmitTurn }

// CreateCasePayload creates a case for an optimistic placeholder.
type CreateCasePayload struct {
	CaseID string `json:"case_id"`
	Title  string `json:"title,omitempty"`
}

func (CreateCasePayload) Kind() OperationKind { return OpCreateCase }

// RenameCasePayload renames a case. PreviousTitle supports rollback.
type RenameCasePayload struct {
	CaseID        string `json:"case_id"`
	Title         string `json:"title"`
	PreviousTitle string `json:"previous_title"`
}

func (RenameCasePayload) Kind() OperationKind { return OpRenameCase }

// DeleteCasePayload deletes a case.
type DeleteCasePayload struct {
	CaseID string `json:"case_id"`
}

func (DeleteCasePayload) Kind() OperationKind { return OpDeleteCase }

// UploadDataPayload attaches diagnostic data to a case.
type UploadDataPayload struct {
	CaseID   string `json:"case_id"`
	FileName string `json:"file_name"`
	Data     []byte `json:"data"`
}

func (UploadDataPayload) Kind() OperationKind { return OpUploadData }

// decodePayload rebuilds the typed payload for a persisted operation.
func decodePayload(kind OperationKind, raw json.RawMessage) (OperationPayload, error) {
	var p OperationPayload
	switch kind {
	case OpSubmitTurn:
		p = &SubmitTurnPayload{}
	case OpCreateCase:
		p = &CreateCasePayload{}
	case OpRenameCase:
		p = &RenameCasePayload{}
	case OpDeleteCase:
		p = &DeleteCasePayload{}
	case OpUploadData:
		p = &UploadDataPayload{}
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// normalizePayload converts a payload to the pointer form decodePayload
// produces, so handlers see one shape whether an operation is freshly
// queued or restored from the store.
func normalizePayload(p OperationPayload) OperationPayload {
	switch v := p.(type) {
	case SubmitTurnPayload:
		return &v
	case CreateCasePayload:
		return &v
	case RenameCasePayload:
		return &v
	case DeleteCasePayload:
		return &v
	case UploadDataPayload:
		return &v
	}
	return p
}

// ============================================================================
// Pending Operations
// ============================================================================

// PendingOperation is one queued mutation with its retry bookkeeping.
type PendingOperation struct {
	ID        string           `json:"id"`
	Kind      OperationKind    `json:"kind"`
	Status    OperationStatus  `json:"status"`
	Payload   OperationPayload `json:"-"`
	Attempts  int              `json:"attempts"`
	CreatedAt time.Time        `json:"created_at"`
	LastError string           `json:"last_error,omitempty"`

	retryInFlight bool
}

// persistedOperation is the storage shape; the payload travels as raw
// JSON keyed by kind.
type persistedOperation struct {
	ID        string          `json:"id"`
	Kind      OperationKind   `json:"kind"`
	Status    OperationStatus `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	LastError string          `json:"last_error,omitempty"`
}

// ============================================================================
// Handler Registry
// ============================================================================

// OperationHandler executes and, on permanent failure, rolls back one
// operation kind.
type OperationHandler interface {
	Execute(ctx context.Context, payload OperationPayload) error
	Rollback(payload OperationPayload)
}

// HandlerRegistry maps operation kinds to their handlers. Handlers are
// registered once at engine construction, so persisted operations from a
// previous session replay without needing the closures that created them.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[OperationKind]OperationHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[OperationKind]OperationHandler)}
}

// Register installs the handler for a kind, replacing any previous one.
func (r *HandlerRegistry) Register(kind OperationKind, h OperationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handler returns the handler for kind.
func (r *HandlerRegistry) Handler(kind OperationKind) (OperationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// HandlerFuncs adapts plain functions to OperationHandler.
type HandlerFuncs struct {
	ExecuteFunc  func(ctx context.Context, payload OperationPayload) error
	RollbackFunc func(payload OperationPayload)
}

func (h HandlerFuncs) Execute(ctx context.Context, payload OperationPayload) error {
	if h.ExecuteFunc == nil {
		return nil
	}
	return h.ExecuteFunc(ctx, payload)
}

func (h HandlerFuncs) Rollback(payload OperationPayload) {
	if h.RollbackFunc != nil {
		h.RollbackFunc(payload)
	}
}

// ============================================================================
// Operation Ledger
// ============================================================================

// stateWriter is the slice of the write coalescer the ledger needs.
type stateWriter interface {
	Set(key string, value []byte)
}

// OperationLedger tracks in-flight and failed mutations. Every queued
// operation survives restarts; transient failures retry with backoff,
// permanent failures roll their optimistic state back, auth failures get
// a session refresh and exactly one immediate retry.
type OperationLedger struct {
	mu  sync.Mutex
	ops map[string]*PendingOperation

	registry       *HandlerRegistry
	writer         stateWriter
	emit           func(event string, op PendingOperation)
	refreshSession func(ctx context.Context) error

	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	log         zerolog.Logger
}

// LedgerOption configures an OperationLedger.
type LedgerOption func(*OperationLedger)

// WithMaxAttempts caps transient retries per execution.
func WithMaxAttempts(n int) LedgerOption {
	return func(l *OperationLedger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay and cap for transient retries.
func WithBackoff(base, max time.Duration) LedgerOption {
	return func(l *OperationLedger) {
		if base > 0 {
			l.backoffBase = base
		}
		if max > 0 {
			l.backoffMax = max
		}
	}
}

// WithSessionRefresh installs the auth refresh hook.
func WithSessionRefresh(fn func(ctx context.Context) error) LedgerOption {
	return func(l *OperationLedger) { l.refreshSession = fn }
}

// WithLedgerEmitter installs the event sink for operation transitions.
func WithLedgerEmitter(emit func(event string, op PendingOperation)) LedgerOption {
	return func(l *OperationLedger) { l.emit = emit }
}

// WithLedgerLogger sets the ledger's logger.
func WithLedgerLogger(log zerolog.Logger) LedgerOption {
	return func(l *OperationLedger) { l.log = log }
}

// NewOperationLedger creates a ledger that persists through writer.
func NewOperationLedger(registry *HandlerRegistry, writer stateWriter, opts ...LedgerOption) *OperationLedger {
	l := &OperationLedger{
		ops:         make(map[string]*PendingOperation),
		registry:    registry,
		writer:      writer,
		maxAttempts: 3,
		backoffBase: 500 * time.Millisecond,
		backoffMax:  8 * time.Second,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add queues a new pending operation and persists the ledger.
func (l *OperationLedger) Add(payload OperationPayload) *PendingOperation {
	op := &PendingOperation{
		ID:        uuid.NewString(),
		Kind:      payload.Kind(),
		Status:    StatusPending,
		Payload:   normalizePayload(payload),
		CreatedAt: time.Now(),
	}
	l.mu.Lock()
	l.ops[op.ID] = op
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(snapshot)
	l.notify("operation_queued", *op)
	return op
}

// Get returns a copy of the operation.
func (l *OperationLedger) Get(id string) (PendingOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[id]
	if !ok {
		return PendingOperation{}, false
	}
	return *op, true
}

// List returns copies of all tracked operations.
func (l *OperationLedger) List() []PendingOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingOperation, 0, len(l.ops))
	for _, op := range l.ops {
		out = append(out, *op)
	}
	return out
}

// Complete marks an operation done and drops it from the ledger. Calling
// it twice, or for an unknown ID, is a no-op so confirmations arriving
// over both the response path and the realtime feed stay harmless.
func (l *OperationLedger) Complete(id string) {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	done := *op
	done.Status = StatusCompleted
	delete(l.ops, id)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(snapshot)
	l.notify("operation_completed", done)
}

// Fail marks an operation failed but keeps it for manual retry or
// dismissal.
func (l *OperationLedger) Fail(id string, cause error) {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	op.Status = StatusFailed
	if cause != nil {
		op.LastError = cause.Error()
	}
	failed := *op
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(snapshot)
	l.notify("operation_failed", failed)
}

// Remove drops an operation without executing or rolling it back.
func (l *OperationLedger) Remove(id string) (PendingOperation, bool) {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return PendingOperation{}, false
	}
	removed := *op
	delete(l.ops, id)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(snapshot)
	return removed, true
}

// Retry re-executes a failed operation. A second Retry while one is
// already in flight is rejected instead of doubling the request.
func (l *OperationLedger) Retry(ctx context.Context, id string) error {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return ErrOperationNotFound
	}
	if op.retryInFlight {
		l.mu.Unlock()
		return ErrRetryInFlight
	}
	op.retryInFlight = true
	op.Status = StatusPending
	op.Attempts = 0
	op.LastError = ""
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if cur, still := l.ops[id]; still {
			cur.retryInFlight = false
		}
		l.mu.Unlock()
	}()
	return l.Execute(ctx, id)
}

// Execute runs an operation through its handler, classifying each error:
// transient failures back off and retry up to the attempt cap, auth
// failures refresh the session and retry once, validation failures roll
// back and drop the operation, conflicts complete the operation and
// surface the error to the caller for resolution.
func (l *OperationLedger) Execute(ctx context.Context, id string) error {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return ErrOperationNotFound
	}
	kind := op.Kind
	payload := op.Payload
	l.mu.Unlock()

	handler, ok := l.registry.Handler(kind)
	if !ok {
		err := fmt.Errorf("no handler registered for %s", kind)
		l.Fail(id, err)
		return err
	}

	authRetried := false
	for attempt := 1; ; attempt++ {
		l.mu.Lock()
		if cur, still := l.ops[id]; still {
			cur.Attempts = attempt
		}
		l.mu.Unlock()

		err := handler.Execute(ctx, payload)
		if err == nil {
			l.Complete(id)
			return nil
		}
		if isContextError(err) {
			l.Fail(id, err)
			return err
		}

		switch ClassifyError(err) {
		case FailureAuth:
			if !authRetried && l.refreshSession != nil {
				authRetried = true
				if refreshErr := l.refreshSession(ctx); refreshErr == nil {
					l.log.Debug().Str("op_id", id).Msg("session refreshed; retrying operation")
					continue
				}
			}
			l.Fail(id, err)
			return err

		case FailureConflict:
			// The mutation reached the server; the disagreement is about
			// state, not delivery. Hand it to conflict resolution.
			l.Complete(id)
			return err

		case FailurePermanent:
			l.log.Warn().Str("op_id", id).Str("kind", string(kind)).Err(err).
				Msg("operation rejected; rolling back")
			handler.Rollback(payload)
			l.Remove(id)
			l.notify("operation_rolled_back", PendingOperation{ID: id, Kind: kind, Status: StatusFailed, LastError: err.Error()})
			return err

		default: // transient
			if attempt >= l.maxAttempts {
				l.Fail(id, err)
				return err
			}
			delay := backoffDelay(l.backoffBase, l.backoffMax, attempt)
			l.log.Debug().Str("op_id", id).Int("attempt", attempt).Dur("delay", delay).
				Msg("transient failure; backing off")
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				l.Fail(id, err)
				return waitErr
			}
		}
	}
}

// Restore loads persisted operations from the store. Operations that
// were mid-flight when the previous session died come back as failed so
// the user decides between retry and dismiss.
func (l *OperationLedger) Restore(ctx context.Context, store StateStore) error {
	var persisted []persistedOperation
	found, err := getJSON(ctx, store, KeyPendingOps, &persisted)
	if err != nil {
		return fmt.Errorf("restore pending operations: %w", err)
	}
	if !found {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range persisted {
		payload, decErr := decodePayload(p.Kind, p.Payload)
		if decErr != nil {
			l.log.Warn().Str("op_id", p.ID).Err(decErr).Msg("dropping undecodable operation")
			continue
		}
		status := p.Status
		if status == StatusPending {
			status = StatusFailed
		}
		l.ops[p.ID] = &PendingOperation{
			ID:        p.ID,
			Kind:      p.Kind,
			Status:    status,
			Payload:   payload,
			Attempts:  p.Attempts,
			CreatedAt: p.CreatedAt,
			LastError: p.LastError,
		}
	}
	return nil
}

func (l *OperationLedger) snapshotLocked() []persistedOperation {
	out := make([]persistedOperation, 0, len(l.ops))
	for _, op := range l.ops {
		raw, err := json.Marshal(op.Payload)
		if err != nil {
			l.log.Warn().Str("op_id", op.ID).Err(err).Msg("skipping unserializable operation")
			continue
		}
		out = append(out, persistedOperation{
			ID:        op.ID,
			Kind:      op.Kind,
			Status:    op.Status,
			Payload:   raw,
			Attempts:  op.Attempts,
			CreatedAt: op.CreatedAt,
			LastError: op.LastError,
		})
	}
	return out
}

func (l *OperationLedger) persist(snapshot []persistedOperation) {
	if l.writer == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		l.log.Warn().Err(err).Msg("marshal pending operations failed")
		return
	}
	l.writer.Set(KeyPendingOps, data)
}

func (l *OperationLedger) notify(event string, op PendingOperation) {
	if l.emit != nil {
		l.emit(event, op)
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
