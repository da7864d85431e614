package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Emitter
// ============================================================================

// EngineEventHandler handles engine events.
type EngineEventHandler func(event string, payload any)

type engineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EngineEventHandler
}

func (e *engineEmitter) On(event string, handler EngineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *engineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *engineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EngineEventHandler)
}

// ============================================================================
// Client Interface
// ============================================================================

// CaseAPI is the slice of the API client the engine depends on. *Client
// satisfies it; tests substitute fakes.
type CaseAPI interface {
	CreateCase(ctx context.Context, title string) (*CaseData, error)
	SubmitTurn(ctx context.Context, caseID, query, intent string) (*TurnData, error)
	GetCase(ctx context.Context, caseID string) (*CaseData, error)
	GetCaseConversation(ctx context.Context, caseID string) (*ConversationData, error)
	ListCases(ctx context.Context, filters *ListCasesFilters) ([]CaseData, error)
	UpdateCaseTitle(ctx context.Context, caseID, title string) (*CaseData, error)
	DeleteCase(ctx context.Context, caseID string) error
	UploadCaseData(ctx context.Context, caseID, fileName string, data []byte) (*UploadResult, error)
	RefreshSession(ctx context.Context) error
}

// ============================================================================
// Engine
// ============================================================================

// EngineOptions configures a new Engine. The zero value gives working
// defaults for everything but the client and store.
type EngineOptions struct {
	Logger                  zerolog.Logger
	Retention               RetentionConfig
	RetentionInterval       time.Duration
	Debounce                time.Duration
	Version                 string
	RuntimeSessionID        string
	FallbackStore           StateStore
	ConflictCallback        ConflictCallback
	ConflictCallbackTimeout time.Duration
	MaxAttempts             int
	BackoffBase             time.Duration
	BackoffMax              time.Duration
	RecoveryCooldown        time.Duration
}

// Engine is the local-state engine: it owns the cached cases and
// conversations, applies optimistic updates before the network round
// trip, and reconciles them against server responses, the realtime feed,
// and cold-start recovery.
type Engine struct {
	engineEmitter

	client    CaseAPI
	store     StateStore
	coalescer *WriteCoalescer
	ids       *IdentityAllocator
	recon     *ReconciliationMap
	registry  *HandlerRegistry
	ledger    *OperationLedger
	resolver  *ConflictResolver
	recovery  *RecoveryCoordinator
	retention *RetentionManager
	log       zerolog.Logger

	mu           sync.Mutex
	cases        map[string]*CaseRecord
	threads      map[string]*CaseThread
	titleSources map[string]string
	pinned       map[string]bool
	activeCase   string
	execTails    map[string]chan struct{}

	retentionInterval time.Duration
	stopCh            chan struct{}
	stopped           bool
}

// NewEngine wires an engine from its collaborators. Nothing starts
// running until Start.
func NewEngine(client CaseAPI, store StateStore, opts EngineOptions) *Engine {
	log := opts.Logger
	if opts.RetentionInterval == 0 {
		opts.RetentionInterval = 10 * time.Minute
	}

	e := &Engine{
		engineEmitter: engineEmitter{listeners: make(map[string][]EngineEventHandler)},
		client:        client,
		store:         store,
		ids:           NewIdentityAllocator(),
		recon:         NewReconciliationMap(),
		registry:      NewHandlerRegistry(),
		retention:     NewRetentionManager(opts.Retention),
		log:           log,

		cases:        make(map[string]*CaseRecord),
		threads:      make(map[string]*CaseThread),
		titleSources: make(map[string]string),
		pinned:       make(map[string]bool),
		execTails:    make(map[string]chan struct{}),

		retentionInterval: opts.RetentionInterval,
		stopCh:            make(chan struct{}),
	}

	coalescerOpts := []CoalescerOption{WithCoalescerLogger(log)}
	if opts.Debounce > 0 {
		coalescerOpts = append(coalescerOpts, WithDebounce(opts.Debounce))
	}
	if opts.FallbackStore != nil {
		coalescerOpts = append(coalescerOpts, WithFallbackStore(opts.FallbackStore))
	}
	e.coalescer = NewWriteCoalescer(store, coalescerOpts...)

	resolverOpts := []ResolverOption{WithResolverLogger(log)}
	if opts.ConflictCallback != nil {
		resolverOpts = append(resolverOpts, WithConflictCallback(opts.ConflictCallback))
	}
	if opts.ConflictCallbackTimeout > 0 {
		resolverOpts = append(resolverOpts, WithCallbackTimeout(opts.ConflictCallbackTimeout))
	}
	e.resolver = NewConflictResolver(resolverOpts...)

	ledgerOpts := []LedgerOption{
		WithLedgerLogger(log),
		WithSessionRefresh(client.RefreshSession),
		WithLedgerEmitter(func(event string, op PendingOperation) {
			e.emit(event, op)
		}),
	}
	if opts.MaxAttempts > 0 {
		ledgerOpts = append(ledgerOpts, WithMaxAttempts(opts.MaxAttempts))
	}
	if opts.BackoffBase > 0 || opts.BackoffMax > 0 {
		ledgerOpts = append(ledgerOpts, WithBackoff(opts.BackoffBase, opts.BackoffMax))
	}
	e.ledger = NewOperationLedger(e.registry, e.coalescer, ledgerOpts...)

	recoveryOpts := []RecoveryOption{WithRecoveryLogger(log)}
	if opts.RecoveryCooldown > 0 {
		recoveryOpts = append(recoveryOpts, WithRecoveryCooldown(opts.RecoveryCooldown))
	}
	e.recovery = NewRecoveryCoordinator(client, store, opts.Version, opts.RuntimeSessionID, recoveryOpts...)

	e.registerHandlers()
	return e
}

// SetConflictCallback installs or replaces the conflict prompt callback.
func (e *Engine) SetConflictCallback(cb ConflictCallback) {
	e.resolver.SetCallback(cb)
}

// Start loads persisted state, restores the operation ledger, and runs
// cold-start recovery when staleness signals are present. It then starts
// the background retention loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loadState(ctx); err != nil {
		return err
	}
	if err := e.ledger.Restore(ctx, e.store); err != nil {
		return err
	}

	signals, err := e.recovery.DetectStaleState(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("staleness detection failed")
	}
	if len(signals) == 0 {
		if err := e.recovery.RecordIdentity(ctx); err != nil {
			e.log.Warn().Err(err).Msg("failed to record client identity")
		}
	} else {
		e.log.Info().Interface("signals", signals).Msg("stale local state; recovering")
		records, recErr := e.recovery.Recover(ctx)
		switch {
		case recErr == ErrRecoveryInProgress:
			e.log.Debug().Msg("recovery already in progress")
		case recErr != nil:
			e.log.Warn().Err(recErr).Msg("recovery failed; keeping local state")
		default:
			e.applyRecoveredCases(records)
		}
	}

	go e.retentionLoop()
	return nil
}

// Close stops background work and flushes pending writes.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stopCh)
	}
	e.mu.Unlock()

	err := e.coalescer.Close(ctx)
	e.removeAll()
	return err
}

// ============================================================================
// State Accessors
// ============================================================================

// Cases returns the cached case records, pinned first, then newest
// activity first.
func (e *Engine) Cases() []CaseRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CaseRecord, 0, len(e.cases))
	for _, c := range e.cases {
		rec := *c
		rec.Pinned = e.pinned[rec.CaseID]
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Conversation returns the cached items for a case.
func (e *Engine) Conversation(caseID string) []ConversationItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	th := e.threadLocked(caseID)
	if th == nil {
		return nil
	}
	out := make([]ConversationItem, len(th.Items))
	copy(out, th.Items)
	return out
}

// ActiveCase returns the currently open case ID, or "".
func (e *Engine) ActiveCase() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCase
}

// SetActiveCase marks a case as the one the user is looking at.
func (e *Engine) SetActiveCase(caseID string) {
	e.mu.Lock()
	e.activeCase = e.recon.Resolve(caseID)
	if _, known := e.cases[e.activeCase]; !known {
		e.activeCase = caseID
	}
	e.mu.Unlock()
	e.persistState()
}

// PendingOperations returns the tracked operations.
func (e *Engine) PendingOperations() []PendingOperation {
	return e.ledger.List()
}

// ============================================================================
// Submit Query
// ============================================================================

// SubmitResult reports the IDs of the optimistic artifacts created for a
// submitted query. Done receives the final outcome of the network side.
type SubmitResult struct {
	CaseID      string
	QuestionID  string
	ResponseID  string
	OperationID string
	Done        <-chan error
}

// SubmitQuery records the user's question and a loading placeholder
// locally, queues the network operation, and returns immediately. When
// no case is active, an optimistic case is created as well, so the UI
// never waits on case creation.
func (e *Engine) SubmitQuery(ctx context.Context, query string) (*SubmitResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	now := time.Now()
	e.mu.Lock()
	caseID := e.activeCase
	if caseID == "" || e.cases[caseID] == nil {
		caseID = e.ids.Generate(KindCase)
		e.cases[caseID] = &CaseRecord{
			CaseID:     caseID,
			Title:      deriveTitle(query),
			Status:     "open",
			CreatedAt:  now,
			UpdatedAt:  now,
			Optimistic: true,
		}
		e.titleSources[caseID] = TitleSourceAuto
		e.threads[caseID] = &CaseThread{Hydrated: true}
		e.activeCase = caseID
	}

	questionID := e.ids.Generate(KindMessage)
	responseID := e.ids.Generate(KindMessage)
	th := e.threads[caseID]
	if th == nil {
		th = &CaseThread{Hydrated: true}
		e.threads[caseID] = th
	}
	th.Items = append(th.Items,
		ConversationItem{
			ID:         questionID,
			Question:   query,
			Optimistic: true,
			Timestamp:  now,
		},
		ConversationItem{
			ID:         responseID,
			Optimistic: true,
			Loading:    true,
			Timestamp:  now.Add(time.Millisecond),
		},
	)
	if rec := e.cases[caseID]; rec != nil {
		rec.UpdatedAt = now
	}
	e.mu.Unlock()

	e.persistState()
	e.emit("turn.submitted", map[string]string{"caseId": caseID, "questionId": questionID})

	op := e.ledger.Add(&SubmitTurnPayload{
		CaseID:     caseID,
		Query:      query,
		QuestionID: questionID,
		ResponseID: responseID,
	})

	wait, slot := e.queueTicket(caseID)
	done := make(chan error, 1)
	go func() {
		err := e.runQueued(wait, slot, func() error {
			return e.ledger.Execute(context.Background(), op.ID)
		})
		e.afterExecute(*op, err)
		done <- err
	}()

	return &SubmitResult{
		CaseID:      caseID,
		QuestionID:  questionID,
		ResponseID:  responseID,
		OperationID: op.ID,
		Done:        done,
	}, nil
}

// queueTicket reserves an execution slot in the case's queue. It must
// be called before the executing goroutine starts, so slots are
// ordered by submission. The queue key is the case's provisional id
// when it has one, so the queue survives reconciliation: operations
// queued before and after the real id arrived still serialize.
func (e *Engine) queueTicket(caseID string) (wait <-chan struct{}, slot chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := caseID
	if opt, ok := e.recon.OptimisticID(caseID); ok {
		key = opt
	}
	prev := e.execTails[key]
	next := make(chan struct{})
	e.execTails[key] = next
	return prev, next
}

// runQueued waits for the previous operation on the same case to
// finish, runs fn, and releases the slot. Same-case operations reach
// the server in submission order; different cases proceed
// independently.
func (e *Engine) runQueued(wait <-chan struct{}, slot chan struct{}, fn func() error) error {
	defer close(slot)
	if wait != nil {
		<-wait
	}
	return fn()
}

// afterExecute applies the UI consequences of an operation outcome that
// the handlers themselves do not cover.
func (e *Engine) afterExecute(op PendingOperation, err error) {
	if err == nil {
		return
	}
	p, isTurn := op.Payload.(*SubmitTurnPayload)
	if !isTurn {
		return
	}
	switch ClassifyError(err) {
	case FailureConflict:
		// The ledger completed the operation; settle the turn locally,
		// then resolve the state split.
		e.resolveTurnConflict(*p)
		e.refetchCase(p.CaseID)
	case FailureTransient, FailureAuth:
		e.markTurnFailed(*p)
	}
}

// resolveTurnConflict settles local state for a turn the server accepted
// but answered with a conflict. The submission reached the server, so
// the question is confirmed history, the empty placeholder is dropped,
// and the conversation is marked for rehydration so the server's copy
// of the turn is fetched on the next open.
func (e *Engine) resolveTurnConflict(p SubmitTurnPayload) {
	e.mu.Lock()
	if th := e.threadLocked(p.CaseID); th != nil {
		kept := th.Items[:0]
		for _, it := range th.Items {
			if it.ID == p.ResponseID && it.Response == "" {
				continue
			}
			if it.ID == p.QuestionID || it.ID == p.ResponseID {
				it.Optimistic = false
				it.Loading = false
				it.Failed = false
			}
			kept = append(kept, it)
		}
		th.Items = kept
		th.Hydrated = false
	}
	e.mu.Unlock()
	e.persistState()
}

// ============================================================================
// Case Operations
// ============================================================================

// OpenCase makes a case active and hydrates its conversation from the
// server the first time it is opened. Optimistic items survive
// hydration; confirmed history replaces everything else.
func (e *Engine) OpenCase(ctx context.Context, caseID string) error {
	e.mu.Lock()
	resolved := e.recon.Resolve(caseID)
	if _, known := e.cases[resolved]; !known {
		resolved = caseID
	}
	e.activeCase = resolved
	th := e.threads[resolved]
	hydrated := th != nil && th.Hydrated
	optimisticCase := IsOptimisticID(resolved)
	e.mu.Unlock()

	if hydrated || optimisticCase {
		e.persistState()
		return nil
	}

	conv, err := e.client.GetCaseConversation(ctx, resolved)
	if err != nil {
		return fmt.Errorf("hydrate case %s: %w", resolved, err)
	}

	items := make([]ConversationItem, 0, len(conv.Messages))
	items = appendServerMessages(items, conv.Messages)

	e.mu.Lock()
	existing := e.threads[resolved]
	if existing != nil {
		for _, it := range existing.Items {
			if it.Optimistic {
				items = append(items, it)
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
	e.threads[resolved] = &CaseThread{Items: items, Hydrated: true}
	rec := e.cases[resolved]
	var baseline CaseRecord
	if rec != nil {
		baseline = *rec
	}
	e.mu.Unlock()

	if rec != nil {
		e.resolver.RecordSynced(baseline)
	}
	e.persistState()
	e.emit("case.hydrated", map[string]any{"caseId": resolved, "messages": len(items)})
	return nil
}

// RenameCase applies the new title locally and queues the server rename.
// Renaming a case that only exists optimistically needs no network call
// of its own; the title rides along when the case is created.
func (e *Engine) RenameCase(ctx context.Context, caseID, title string) (*PendingOperation, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}

	e.mu.Lock()
	resolved := e.recon.Resolve(caseID)
	rec := e.cases[resolved]
	if rec == nil {
		resolved = caseID
		rec = e.cases[resolved]
	}
	if rec == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown case %s", caseID)
	}
	previous := rec.Title
	rec.Title = title
	rec.UpdatedAt = time.Now()
	e.titleSources[resolved] = TitleSourceUser
	unreconciled := IsOptimisticID(resolved)
	e.mu.Unlock()

	e.persistState()
	e.emit("case.renamed", map[string]string{"caseId": resolved, "title": title})

	if unreconciled {
		return nil, nil
	}

	op := e.ledger.Add(&RenameCasePayload{
		CaseID:        resolved,
		Title:         title,
		PreviousTitle: previous,
	})
	wait, slot := e.queueTicket(resolved)
	go func() {
		err := e.runQueued(wait, slot, func() error {
			return e.ledger.Execute(context.Background(), op.ID)
		})
		if err != nil && IsConflictError(err) {
			e.refetchCase(resolved)
		}
	}()
	return op, nil
}

// DeleteCase removes the case locally right away and queues the server
// delete. Deleting an unreconciled optimistic case is purely local.
func (e *Engine) DeleteCase(ctx context.Context, caseID string) (*PendingOperation, error) {
	e.mu.Lock()
	resolved := e.recon.Resolve(caseID)
	if _, known := e.cases[resolved]; !known {
		resolved = caseID
	}
	if _, known := e.cases[resolved]; !known {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown case %s", caseID)
	}
	delete(e.cases, resolved)
	delete(e.threads, resolved)
	delete(e.titleSources, resolved)
	delete(e.pinned, resolved)
	if e.activeCase == resolved {
		e.activeCase = ""
	}
	unreconciled := IsOptimisticID(resolved)
	e.mu.Unlock()

	e.resolver.Forget(resolved)
	e.persistState()
	e.emit("case.deleted", map[string]string{"caseId": resolved})

	// Queued work for the case is moot either way; drop it before the
	// server delete is enqueued so only the delete itself remains.
	e.dropOperationsForCase(resolved)

	if unreconciled {
		return nil, nil
	}

	op := e.ledger.Add(&DeleteCasePayload{CaseID: resolved})
	wait, slot := e.queueTicket(resolved)
	go func() {
		_ = e.runQueued(wait, slot, func() error {
			return e.ledger.Execute(context.Background(), op.ID)
		})
	}()
	return op, nil
}

// UploadData queues a diagnostic-data upload for a case.
func (e *Engine) UploadData(ctx context.Context, caseID, fileName string, data []byte) (*PendingOperation, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}
	e.mu.Lock()
	resolved := e.recon.Resolve(caseID)
	if _, known := e.cases[resolved]; !known {
		resolved = caseID
	}
	if _, known := e.cases[resolved]; !known {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown case %s", caseID)
	}
	e.mu.Unlock()

	op := e.ledger.Add(&UploadDataPayload{CaseID: resolved, FileName: fileName, Data: data})
	wait, slot := e.queueTicket(resolved)
	go func() {
		_ = e.runQueued(wait, slot, func() error {
			return e.ledger.Execute(context.Background(), op.ID)
		})
	}()
	return op, nil
}

// PinCase marks a case pinned. Pins are local-only state.
func (e *Engine) PinCase(caseID string) {
	e.setPinned(caseID, true)
}

// UnpinCase clears a case's pin.
func (e *Engine) UnpinCase(caseID string) {
	e.setPinned(caseID, false)
}

func (e *Engine) setPinned(caseID string, pinned bool) {
	e.mu.Lock()
	resolved := e.recon.Resolve(caseID)
	if _, known := e.cases[resolved]; !known {
		resolved = caseID
	}
	if pinned {
		e.pinned[resolved] = true
	} else {
		delete(e.pinned, resolved)
	}
	e.mu.Unlock()
	e.persistState()
}

// RetryOperation re-runs a failed operation. The returned channel
// receives the final outcome; a retry already in flight is reported
// through it as ErrRetryInFlight.
func (e *Engine) RetryOperation(id string) (<-chan error, error) {
	op, ok := e.ledger.Get(id)
	if !ok {
		return nil, ErrOperationNotFound
	}
	if p, isTurn := op.Payload.(*SubmitTurnPayload); isTurn {
		e.markTurnLoading(*p)
	}

	wait, slot := e.queueTicket(payloadCaseID(op.Payload))
	done := make(chan error, 1)
	go func() {
		err := e.runQueued(wait, slot, func() error {
			return e.ledger.Retry(context.Background(), id)
		})
		e.afterExecute(op, err)
		done <- err
	}()
	return done, nil
}

// DismissOperation drops a failed operation without retrying it. The
// optimistic items it created stay in the conversation as plain local
// history, no longer marked in-flight.
func (e *Engine) DismissOperation(id string) error {
	op, ok := e.ledger.Remove(id)
	if !ok {
		return ErrOperationNotFound
	}
	if p, isTurn := op.Payload.(*SubmitTurnPayload); isTurn {
		e.mu.Lock()
		if th := e.threadLocked(p.CaseID); th != nil {
			for i := range th.Items {
				if th.Items[i].ID == p.QuestionID || th.Items[i].ID == p.ResponseID {
					th.Items[i].Optimistic = false
					th.Items[i].Loading = false
					th.Items[i].Failed = false
				}
			}
		}
		e.mu.Unlock()
		e.persistState()
	}
	e.emit("operation_dismissed", op)
	return nil
}

// ============================================================================
// Operation Handlers
// ============================================================================

func (e *Engine) registerHandlers() {
	e.registry.Register(OpSubmitTurn, HandlerFuncs{
		ExecuteFunc: func(ctx context.Context, payload OperationPayload) error {
			p := payload.(*SubmitTurnPayload)
			realID, err := e.resolveCaseID(ctx, p.CaseID)
			if err != nil {
				return err
			}
			turn, err := e.client.SubmitTurn(ctx, realID, p.Query, p.Intent)
			if err != nil {
				return err
			}
			e.applyTurnResult(*p, turn)
			return nil
		},
		RollbackFunc: func(payload OperationPayload) {
			p := payload.(*SubmitTurnPayload)
			e.removeTurnItems(*p)
		},
	})

	e.registry.Register(OpCreateCase, HandlerFuncs{
		ExecuteFunc: func(ctx context.Context, payload OperationPayload) error {
			p := payload.(*CreateCasePayload)
			if _, mapped := e.recon.RealID(p.CaseID); mapped {
				return nil
			}
			data, err := e.client.CreateCase(ctx, p.Title)
			if err != nil {
				return err
			}
			e.adoptRealCase(p.CaseID, *data)
			return nil
		},
		RollbackFunc: func(payload OperationPayload) {
			p := payload.(*CreateCasePayload)
			e.mu.Lock()
			delete(e.cases, p.CaseID)
			delete(e.threads, p.CaseID)
			delete(e.titleSources, p.CaseID)
			if e.activeCase == p.CaseID {
				e.activeCase = ""
			}
			e.mu.Unlock()
			e.persistState()
		},
	})

	e.registry.Register(OpRenameCase, HandlerFuncs{
		ExecuteFunc: func(ctx context.Context, payload OperationPayload) error {
			p := payload.(*RenameCasePayload)
			realID, err := e.resolveCaseID(ctx, p.CaseID)
			if err != nil {
				return err
			}
			data, err := e.client.UpdateCaseTitle(ctx, realID, p.Title)
			if err != nil {
				return err
			}
			e.resolver.RecordSynced(data.Record())
			return nil
		},
		RollbackFunc: func(payload OperationPayload) {
			p := payload.(*RenameCasePayload)
			e.mu.Lock()
			resolved := e.recon.Resolve(p.CaseID)
			if rec := e.cases[resolved]; rec != nil && rec.Title == p.Title {
				rec.Title = p.PreviousTitle
			}
			e.mu.Unlock()
			e.persistState()
		},
	})

	e.registry.Register(OpDeleteCase, HandlerFuncs{
		ExecuteFunc: func(ctx context.Context, payload OperationPayload) error {
			p := payload.(*DeleteCasePayload)
			realID, err := e.resolveCaseID(ctx, p.CaseID)
			if err != nil {
				return err
			}
			return e.client.DeleteCase(ctx, realID)
		},
		RollbackFunc: func(payload OperationPayload) {
			p := payload.(*DeleteCasePayload)
			// The case is gone locally; the server still has it. Refetch
			// restores the authoritative copy.
			go e.refetchCase(p.CaseID)
		},
	})

	e.registry.Register(OpUploadData, HandlerFuncs{
		ExecuteFunc: func(ctx context.Context, payload OperationPayload) error {
			p := payload.(*UploadDataPayload)
			realID, err := e.resolveCaseID(ctx, p.CaseID)
			if err != nil {
				return err
			}
			result, err := e.client.UploadCaseData(ctx, realID, p.FileName, p.Data)
			if err != nil {
				return err
			}
			e.emit("upload.completed", result)
			return nil
		},
		RollbackFunc: func(payload OperationPayload) {},
	})
}

// resolveCaseID maps an optimistic case ID to its real one, creating the
// case server-side on first use. Operations against an already-real ID
// pass through.
func (e *Engine) resolveCaseID(ctx context.Context, caseID string) (string, error) {
	if !IsOptimisticID(caseID) {
		return caseID, nil
	}
	if realID, ok := e.recon.RealID(caseID); ok {
		return realID, nil
	}

	e.mu.Lock()
	title := ""
	if e.titleSources[caseID] == TitleSourceUser {
		if rec := e.cases[caseID]; rec != nil {
			title = rec.Title
		}
	}
	e.mu.Unlock()

	data, err := e.client.CreateCase(ctx, title)
	if err != nil {
		return "", err
	}
	e.adoptRealCase(caseID, *data)
	return data.CaseID, nil
}

// adoptRealCase installs the server identity for an optimistic case:
// the mapping is recorded and every local structure keyed by the
// optimistic ID moves to the real one.
func (e *Engine) adoptRealCase(optimisticID string, data CaseData) {
	e.recon.AddMapping(optimisticID, data.CaseID)

	e.mu.Lock()
	if rec, ok := e.cases[optimisticID]; ok {
		delete(e.cases, optimisticID)
		rec.CaseID = data.CaseID
		rec.OwnerID = data.OwnerID
		rec.Status = data.Status
		rec.Optimistic = false
		if server := data.Record(); e.titleSources[optimisticID] != TitleSourceUser && server.Title != "" {
			rec.Title = server.Title
		}
		e.cases[data.CaseID] = rec
	}
	if th, ok := e.threads[optimisticID]; ok {
		delete(e.threads, optimisticID)
		e.threads[data.CaseID] = th
	}
	if src, ok := e.titleSources[optimisticID]; ok {
		delete(e.titleSources, optimisticID)
		e.titleSources[data.CaseID] = src
	}
	if e.pinned[optimisticID] {
		delete(e.pinned, optimisticID)
		e.pinned[data.CaseID] = true
	}
	if e.activeCase == optimisticID {
		e.activeCase = data.CaseID
	}
	e.mu.Unlock()

	e.resolver.RecordSynced(data.Record())
	e.persistState()
	e.emit("case.reconciled", map[string]string{"optimisticId": optimisticID, "caseId": data.CaseID})
}

// applyTurnResult confirms the optimistic question and fills in the
// agent's response.
func (e *Engine) applyTurnResult(p SubmitTurnPayload, turn *TurnData) {
	e.mu.Lock()
	th := e.threadLocked(p.CaseID)
	if th != nil {
		for i := range th.Items {
			switch th.Items[i].ID {
			case p.QuestionID:
				th.Items[i].Optimistic = false
				th.Items[i].TurnNumber = turn.TurnNumber
			case p.ResponseID:
				th.Items[i].Optimistic = false
				th.Items[i].Loading = false
				th.Items[i].Failed = false
				th.Items[i].Response = turn.AgentResponse
				th.Items[i].TurnNumber = turn.TurnNumber
				th.Items[i].CaseStatus = turn.CaseStatus
			}
		}
	}
	resolved := e.recon.Resolve(p.CaseID)
	if rec := e.cases[resolved]; rec != nil {
		rec.UpdatedAt = time.Now()
		if turn.CaseStatus != "" {
			rec.Status = turn.CaseStatus
		}
	}
	e.mu.Unlock()
	e.persistState()
	e.emit("turn.completed", map[string]any{"caseId": resolved, "turnNumber": turn.TurnNumber})
}

func (e *Engine) markTurnFailed(p SubmitTurnPayload) {
	e.setTurnFlags(p, true, false)
}

func (e *Engine) markTurnLoading(p SubmitTurnPayload) {
	e.setTurnFlags(p, false, true)
}

func (e *Engine) setTurnFlags(p SubmitTurnPayload, failed, loading bool) {
	e.mu.Lock()
	if th := e.threadLocked(p.CaseID); th != nil {
		for i := range th.Items {
			if th.Items[i].ID == p.ResponseID {
				th.Items[i].Failed = failed
				th.Items[i].Loading = loading
			}
			if th.Items[i].ID == p.QuestionID {
				th.Items[i].Failed = failed
			}
		}
	}
	e.mu.Unlock()
	e.persistState()
}

// removeTurnItems rolls an optimistic turn out of the conversation.
func (e *Engine) removeTurnItems(p SubmitTurnPayload) {
	e.mu.Lock()
	if th := e.threadLocked(p.CaseID); th != nil {
		kept := th.Items[:0]
		for _, it := range th.Items {
			if it.ID != p.QuestionID && it.ID != p.ResponseID {
				kept = append(kept, it)
			}
		}
		th.Items = kept
	}
	e.mu.Unlock()
	e.persistState()
	e.emit("turn.rolled_back", map[string]string{"caseId": p.CaseID, "questionId": p.QuestionID})
}

// dropOperationsForCase removes queued operations that reference a
// deleted case. Operations queued before reconciliation carry the
// provisional id, so both forms are matched.
func (e *Engine) dropOperationsForCase(caseID string) {
	resolved := e.recon.Resolve(caseID)
	for _, op := range e.ledger.List() {
		id := payloadCaseID(op.Payload)
		if id == "" {
			continue
		}
		if id == caseID || e.recon.Resolve(id) == resolved {
			e.ledger.Remove(op.ID)
		}
	}
}

func payloadCaseID(p OperationPayload) string {
	switch v := p.(type) {
	case *SubmitTurnPayload:
		return v.CaseID
	case *CreateCasePayload:
		return v.CaseID
	case *RenameCasePayload:
		return v.CaseID
	case *DeleteCasePayload:
		return v.CaseID
	case *UploadDataPayload:
		return v.CaseID
	}
	return ""
}

// ============================================================================
// Refetch & Conflict Resolution
// ============================================================================

// refetchCase pulls the authoritative copy of a case and reconciles it
// with local state through the conflict resolver.
func (e *Engine) refetchCase(caseID string) {
	resolved := e.recon.Resolve(caseID)
	if IsOptimisticID(resolved) {
		return
	}

	data, err := e.client.GetCase(context.Background(), resolved)
	if err != nil {
		e.log.Warn().Str("case_id", resolved).Err(err).Msg("refetch failed")
		return
	}
	e.applyRemoteCase(*data)
}

// applyRemoteCase merges a server copy into local state. Unknown cases
// are adopted as-is; known ones go through conflict resolution.
func (e *Engine) applyRemoteCase(data CaseData) {
	remote := data.Record()

	e.mu.Lock()
	rec := e.cases[remote.CaseID]
	var local CaseRecord
	if rec != nil {
		local = *rec
	}
	e.mu.Unlock()

	if rec == nil {
		e.mu.Lock()
		adopted := remote
		e.cases[remote.CaseID] = &adopted
		e.mu.Unlock()
		e.resolver.RecordSynced(remote)
		e.persistState()
		return
	}

	merged, det := e.resolver.Resolve(local, remote)
	e.mu.Lock()
	if cur := e.cases[remote.CaseID]; cur != nil {
		cur.Title = merged.Title
		cur.Status = merged.Status
		cur.UpdatedAt = merged.UpdatedAt
	}
	e.mu.Unlock()
	e.persistState()

	if det.HasConflict() {
		e.emit("case.conflict_resolved", det)
	}
}

// ============================================================================
// Realtime Feed
// ============================================================================

// AttachRealtime subscribes the engine to a feed client's events so
// server-side changes made by other clients land in local state.
func (e *Engine) AttachRealtime(fc *FeedClient) {
	fc.OnCaseUpdated(func(p CaseUpdatedPayload) {
		e.applyRemoteCase(CaseData{
			CaseID:    p.CaseID,
			Title:     p.Title,
			Status:    p.Status,
			UpdatedAt: p.UpdatedAt,
		})
	})
	fc.OnTurnAppended(func(p TurnAppendedPayload) {
		e.applyFeedTurn(p)
	})
	fc.OnCaseDeleted(func(p CaseDeletedPayload) {
		e.mu.Lock()
		delete(e.cases, p.CaseID)
		delete(e.threads, p.CaseID)
		delete(e.titleSources, p.CaseID)
		delete(e.pinned, p.CaseID)
		if e.activeCase == p.CaseID {
			e.activeCase = ""
		}
		e.mu.Unlock()
		e.resolver.Forget(p.CaseID)
		e.persistState()
		e.emit("case.deleted", map[string]string{"caseId": p.CaseID})
	})
}

func (e *Engine) applyFeedTurn(p TurnAppendedPayload) {
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.persistState()
	}()

	th := e.threadLocked(p.CaseID)
	if th == nil || !th.Hydrated {
		// Not cached locally; the next hydration will pick it up.
		return
	}
	for _, it := range th.Items {
		if it.ID == p.MessageID {
			return
		}
	}

	item := ConversationItem{
		ID:         p.MessageID,
		TurnNumber: p.TurnNumber,
		Timestamp:  parseTime(p.CreatedAt),
	}
	if p.Role == "user" {
		item.Question = p.Content
	} else {
		item.Response = p.Content
	}
	th.Items = append(th.Items, item)
	sort.SliceStable(th.Items, func(i, j int) bool {
		return th.Items[i].Timestamp.Before(th.Items[j].Timestamp)
	})
}

// ============================================================================
// Recovery & Retention
// ============================================================================

// applyRecoveredCases replaces cached case metadata with the recovered
// authoritative list. Conversations come back as unhydrated placeholders
// except where optimistic items must survive.
func (e *Engine) applyRecoveredCases(records []CaseRecord) {
	if records == nil {
		return
	}

	// Cases referenced by queued or failed operations hold user intent
	// that has not reached the server yet; the server's list cannot be
	// trusted to include them.
	referenced := make(map[string]bool)
	for _, op := range e.ledger.List() {
		if id := payloadCaseID(op.Payload); id != "" {
			referenced[id] = true
			referenced[e.recon.Resolve(id)] = true
		}
	}

	e.mu.Lock()
	fresh := make(map[string]*CaseRecord, len(records))
	for i := range records {
		rec := records[i]
		fresh[rec.CaseID] = &rec
	}
	// Local-only work must survive recovery: optimistic cases, cases
	// with in-flight operations, and cases whose conversations still
	// hold unconfirmed items.
	for id, rec := range e.cases {
		if rec.Optimistic || referenced[id] {
			fresh[id] = rec
			continue
		}
		if old := e.threads[id]; old != nil && threadHasOptimistic(old) {
			fresh[id] = rec
		}
	}
	e.cases = fresh

	threads := make(map[string]*CaseThread, len(fresh))
	for id := range fresh {
		old := e.threads[id]
		if old != nil && threadHasOptimistic(old) {
			threads[id] = old
			continue
		}
		threads[id] = &CaseThread{Hydrated: false}
	}
	e.threads = threads

	if _, known := e.cases[e.activeCase]; !known {
		e.activeCase = ""
	}
	e.mu.Unlock()

	for _, rec := range records {
		e.resolver.RecordSynced(rec)
	}
	e.persistState()
	e.emit("recovery.completed", map[string]int{"cases": len(records)})
}

func (e *Engine) retentionLoop() {
	ticker := time.NewTicker(e.retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runRetention()
		}
	}
}

func (e *Engine) runRetention() {
	failedCases := make(map[string]bool)
	for _, op := range e.ledger.List() {
		if id := payloadCaseID(op.Payload); id != "" {
			failedCases[e.recon.Resolve(id)] = true
		}
	}

	e.mu.Lock()
	for id, th := range e.threads {
		th.Items = e.retention.CleanupConversation(th.Items)
		e.threads[id] = th
	}
	protected := func(caseID string) bool {
		if caseID == e.activeCase || failedCases[caseID] {
			return true
		}
		rec := e.cases[caseID]
		return rec != nil && rec.Optimistic
	}
	evicted := e.retention.CleanupCases(e.threads, protected)
	for _, id := range evicted {
		e.threads[id] = &CaseThread{Hydrated: false}
	}
	e.mu.Unlock()

	if len(evicted) > 0 {
		e.log.Debug().Int("evicted", len(evicted)).Msg("retention evicted conversations")
	}
	e.persistState()
}

// ============================================================================
// Persistence
// ============================================================================

func (e *Engine) threadLocked(caseID string) *CaseThread {
	if th := e.threads[caseID]; th != nil {
		return th
	}
	return e.threads[e.recon.Resolve(caseID)]
}

func (e *Engine) loadState(ctx context.Context) error {
	var threads map[string]*CaseThread
	if _, err := getJSON(ctx, e.store, KeyConversations, &threads); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	if threads != nil {
		e.mu.Lock()
		e.threads = threads
		e.mu.Unlock()
	}

	var cases map[string]*CaseRecord
	if _, err := getJSON(ctx, e.store, KeyCaseTitles, &cases); err != nil {
		return fmt.Errorf("load cases: %w", err)
	}
	if cases != nil {
		e.mu.Lock()
		e.cases = cases
		e.mu.Unlock()
	}

	var sources map[string]string
	if _, err := getJSON(ctx, e.store, KeyTitleSources, &sources); err != nil {
		return fmt.Errorf("load title sources: %w", err)
	}
	if sources != nil {
		e.mu.Lock()
		e.titleSources = sources
		e.mu.Unlock()
	}

	var pinned map[string]bool
	if _, err := getJSON(ctx, e.store, KeyPinnedCases, &pinned); err != nil {
		return fmt.Errorf("load pins: %w", err)
	}
	if pinned != nil {
		e.mu.Lock()
		e.pinned = pinned
		e.mu.Unlock()
	}

	if active, found, err := e.store.Get(ctx, KeyActiveCase); err == nil && found {
		e.mu.Lock()
		e.activeCase = string(active)
		e.mu.Unlock()
	}

	var mappings []IDMapping
	if _, err := getJSON(ctx, e.store, KeyIDMappings, &mappings); err != nil {
		return fmt.Errorf("load id mappings: %w", err)
	}
	e.recon.Restore(mappings)

	return nil
}

func (e *Engine) persistState() {
	e.mu.Lock()
	batch := map[string][]byte{}
	if data, err := json.Marshal(e.threads); err == nil {
		batch[KeyConversations] = data
	}
	if data, err := json.Marshal(e.cases); err == nil {
		batch[KeyCaseTitles] = data
	}
	if data, err := json.Marshal(e.titleSources); err == nil {
		batch[KeyTitleSources] = data
	}
	if data, err := json.Marshal(e.pinned); err == nil {
		batch[KeyPinnedCases] = data
	}
	batch[KeyActiveCase] = []byte(e.activeCase)
	e.mu.Unlock()

	if data, err := json.Marshal(e.recon.Snapshot()); err == nil {
		batch[KeyIDMappings] = data
	}
	e.coalescer.SetMany(batch)
}

// Flush forces pending state writes through immediately.
func (e *Engine) Flush(ctx context.Context) error {
	return e.coalescer.Flush(ctx)
}

func appendServerMessages(items []ConversationItem, msgs []ConversationMessage) []ConversationItem {
	for _, m := range msgs {
		item := ConversationItem{
			ID:         m.MessageID,
			TurnNumber: m.TurnNumber,
			CaseStatus: m.CaseStatus,
			Timestamp:  parseTime(m.CreatedAt),
		}
		if m.Role == "user" {
			item.Question = m.Content
		} else {
			item.Response = m.Content
		}
		items = append(items, item)
	}
	return items
}

// deriveTitle produces a provisional case title from the first query.
// Truncation counts runes so multibyte queries are never split
// mid-character.
func deriveTitle(query string) string {
	const maxLen = 60
	runes := []rune(query)
	if len(runes) <= maxLen {
		return query
	}
	cut := runes[:maxLen]
	for i := len(cut) - 1; i > maxLen/2; i-- {
		if cut[i] == ' ' {
			cut = cut[:i]
			break
		}
	}
	return string(cut) + "..."
}
