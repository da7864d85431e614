package copilot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Cold-Start Recovery
// ============================================================================

// StalenessSignal names the concrete reason local state is suspect.
type StalenessSignal string

const (
	SignalReloadDetected   StalenessSignal = "reload_detected"
	SignalVersionChanged   StalenessSignal = "version_changed"
	SignalSessionRestarted StalenessSignal = "session_restarted"
)

// caseLister is the slice of the API client recovery needs.
type caseLister interface {
	ListCases(ctx context.Context, filters *ListCasesFilters) ([]CaseData, error)
}

// RecoveryCoordinator re-baselines local state after events that can leave
// it stale: an extension reload, a client upgrade, or a new runtime
// session. Detection is purely signal-driven; recovery fetches case
// metadata only, leaving conversation bodies to lazy hydration.
type RecoveryCoordinator struct {
	client    caseLister
	store     StateStore
	version   string
	sessionID string
	cooldown  time.Duration
	log       zerolog.Logger
}

// RecoveryOption configures a RecoveryCoordinator.
type RecoveryOption func(*RecoveryCoordinator)

// WithRecoveryCooldown sets the minimum interval between recovery runs.
func WithRecoveryCooldown(d time.Duration) RecoveryOption {
	return func(r *RecoveryCoordinator) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithRecoveryLogger sets the coordinator's logger.
func WithRecoveryLogger(log zerolog.Logger) RecoveryOption {
	return func(r *RecoveryCoordinator) { r.log = log }
}

// NewRecoveryCoordinator creates a coordinator for the given client
// version and runtime session.
func NewRecoveryCoordinator(client caseLister, store StateStore, version, sessionID string, opts ...RecoveryOption) *RecoveryCoordinator {
	r := &RecoveryCoordinator{
		client:    client,
		store:     store,
		version:   version,
		sessionID: sessionID,
		cooldown:  5 * time.Minute,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DetectStaleState returns the staleness signals currently present. An
// empty slice means local state can be trusted as-is.
func (r *RecoveryCoordinator) DetectStaleState(ctx context.Context) ([]StalenessSignal, error) {
	var signals []StalenessSignal

	reload, found, err := r.store.Get(ctx, KeyReloadDetected)
	if err != nil {
		return nil, fmt.Errorf("read reload flag: %w", err)
	}
	if found && string(reload) == "true" {
		signals = append(signals, SignalReloadDetected)
	}

	version, found, err := r.store.Get(ctx, KeyClientVersion)
	if err != nil {
		return nil, fmt.Errorf("read client version: %w", err)
	}
	if found && string(version) != r.version {
		signals = append(signals, SignalVersionChanged)
	}

	session, found, err := r.store.Get(ctx, KeyRuntimeSession)
	if err != nil {
		return nil, fmt.Errorf("read runtime session: %w", err)
	}
	if found && string(session) != r.sessionID {
		signals = append(signals, SignalSessionRestarted)
	}

	return signals, nil
}

// RecordIdentity stores the current client version and runtime session
// so the next start can compare against them. Called when startup found
// no staleness; a recovery run writes the same markers itself.
func (r *RecoveryCoordinator) RecordIdentity(ctx context.Context) error {
	return r.store.SetMany(ctx, map[string][]byte{
		KeyClientVersion:  []byte(r.version),
		KeyRuntimeSession: []byte(r.sessionID),
	})
}

// Recover refetches authoritative case metadata and updates the
// recovery bookkeeping. It refuses to run while another run holds the
// in-progress flag or within the cooldown window after the last attempt.
// The in-progress flag is cleared on every exit path so a failed run
// never wedges future ones.
func (r *RecoveryCoordinator) Recover(ctx context.Context) ([]CaseRecord, error) {
	inProgress, found, err := r.store.Get(ctx, KeyRecoveryInProgress)
	if err != nil {
		return nil, fmt.Errorf("read recovery flag: %w", err)
	}
	if found && string(inProgress) == "true" {
		return nil, ErrRecoveryInProgress
	}

	if last, found, err := r.store.Get(ctx, KeyLastRecoveryAttempt); err == nil && found {
		if at, parseErr := time.Parse(time.RFC3339Nano, string(last)); parseErr == nil {
			if time.Since(at) < r.cooldown {
				r.log.Debug().Time("last_attempt", at).Msg("recovery skipped; within cooldown")
				return nil, nil
			}
		}
	}

	now := time.Now()
	if err := r.store.SetMany(ctx, map[string][]byte{
		KeyRecoveryInProgress:  []byte("true"),
		KeyLastRecoveryAttempt: []byte(now.Format(time.RFC3339Nano)),
	}); err != nil {
		return nil, fmt.Errorf("mark recovery in progress: %w", err)
	}
	defer func() {
		if clearErr := r.store.Remove(context.Background(), KeyRecoveryInProgress); clearErr != nil {
			r.log.Warn().Err(clearErr).Msg("failed to clear recovery flag")
		}
	}()

	cases, err := r.client.ListCases(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("recovery list cases: %w", err)
	}

	records := make([]CaseRecord, 0, len(cases))
	for _, cd := range cases {
		records = append(records, cd.Record())
	}

	if err := r.store.SetMany(ctx, map[string][]byte{
		KeyClientVersion:  []byte(r.version),
		KeyRuntimeSession: []byte(r.sessionID),
		KeyLastSyncAt:     []byte(now.Format(time.RFC3339Nano)),
	}); err != nil {
		return records, fmt.Errorf("update recovery bookkeeping: %w", err)
	}
	if err := r.store.Remove(ctx, KeyReloadDetected); err != nil {
		r.log.Warn().Err(err).Msg("failed to clear reload flag")
	}

	r.log.Info().Int("cases", len(records)).Msg("recovery completed")
	return records, nil
}
