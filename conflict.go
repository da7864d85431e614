package copilot

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Conflict Detection
// ============================================================================

// ConflictClass describes how a single field differs between the local and
// remote copies of a case, relative to the last synced baseline.
type ConflictClass string

const (
	ConflictNone       ConflictClass = "none"
	ConflictLocalOnly  ConflictClass = "local_only"
	ConflictRemoteOnly ConflictClass = "remote_only"
	ConflictDiverged   ConflictClass = "diverged"
)

// FieldDiff is the per-field outcome of conflict detection.
type FieldDiff struct {
	Field  string        `json:"field"`
	Local  string        `json:"local"`
	Remote string        `json:"remote"`
	Base   string        `json:"base"`
	Class  ConflictClass `json:"class"`
}

// ConflictDetectionResult aggregates field diffs for one case.
type ConflictDetectionResult struct {
	CaseID string      `json:"case_id"`
	Fields []FieldDiff `json:"fields"`
}

// HasConflict reports whether any field diverged on both sides.
func (r ConflictDetectionResult) HasConflict() bool {
	for _, f := range r.Fields {
		if f.Class == ConflictDiverged {
			return true
		}
	}
	return false
}

// ============================================================================
// Resolution
// ============================================================================

// Resolution is the user's (or the default) answer to a diverged case.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerge      Resolution = "merge"
	ResolutionCancel     Resolution = "cancel"
)

// ConflictPrompt carries everything the UI needs to ask the user about a
// diverged case: both full copies, the field diffs, and a precomputed
// merge candidate.
type ConflictPrompt struct {
	CaseID   string
	Conflict ConflictDetectionResult
	Local    CaseRecord
	Remote   CaseRecord
	Merge    CaseRecord
}

// ConflictCallback answers a conflict prompt. It runs on its own
// goroutine; a slow or absent answer falls back to keeping local.
type ConflictCallback func(ConflictPrompt) Resolution

// CaseBackup snapshots the local copy before a destructive resolution.
type CaseBackup struct {
	Record  CaseRecord `json:"record"`
	TakenAt time.Time  `json:"taken_at"`
	Reason  string     `json:"reason"`
}

// ============================================================================
// Resolver
// ============================================================================

// ConflictResolver compares local case state against freshly fetched
// remote state. It keeps a baseline per case, recorded at the last sync,
// so one-sided edits can be told apart from genuine divergence.
type ConflictResolver struct {
	mu        sync.Mutex
	baselines map[string]CaseRecord
	backups   map[string][]CaseBackup

	callback        ConflictCallback
	callbackTimeout time.Duration
	log             zerolog.Logger
}

// ResolverOption configures a ConflictResolver.
type ResolverOption func(*ConflictResolver)

// WithConflictCallback installs the prompt callback for diverged cases.
func WithConflictCallback(cb ConflictCallback) ResolverOption {
	return func(r *ConflictResolver) { r.callback = cb }
}

// WithCallbackTimeout bounds how long Resolve waits for a prompt answer.
func WithCallbackTimeout(d time.Duration) ResolverOption {
	return func(r *ConflictResolver) {
		if d > 0 {
			r.callbackTimeout = d
		}
	}
}

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(log zerolog.Logger) ResolverOption {
	return func(r *ConflictResolver) { r.log = log }
}

// NewConflictResolver creates a resolver with no baselines.
func NewConflictResolver(opts ...ResolverOption) *ConflictResolver {
	r := &ConflictResolver{
		baselines:       make(map[string]CaseRecord),
		backups:         make(map[string][]CaseBackup),
		callbackTimeout: 30 * time.Second,
		log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetCallback replaces the prompt callback.
func (r *ConflictResolver) SetCallback(cb ConflictCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

// RecordSynced stores remote as the new baseline for its case. Call it
// after every successful sync or resolution so the next detection has a
// correct three-way reference.
func (r *ConflictResolver) RecordSynced(remote CaseRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baselines[remote.CaseID] = remote
}

// Forget drops the baseline and backups for a case.
func (r *ConflictResolver) Forget(caseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.baselines, caseID)
	delete(r.backups, caseID)
}

// Detect classifies the differences between local and remote. Without a
// baseline any difference is treated as diverged, which errs toward
// asking instead of silently overwriting.
func (r *ConflictResolver) Detect(local, remote CaseRecord) ConflictDetectionResult {
	r.mu.Lock()
	base, hasBase := r.baselines[local.CaseID]
	r.mu.Unlock()

	res := ConflictDetectionResult{CaseID: local.CaseID}
	res.Fields = append(res.Fields,
		classifyField("title", local.Title, remote.Title, base.Title, hasBase),
		classifyField("status", local.Status, remote.Status, base.Status, hasBase),
	)
	return res
}

func classifyField(name, local, remote, base string, hasBase bool) FieldDiff {
	d := FieldDiff{Field: name, Local: local, Remote: remote, Base: base}
	switch {
	case local == remote:
		d.Class = ConflictNone
	case !hasBase:
		d.Class = ConflictDiverged
	case local == base:
		d.Class = ConflictRemoteOnly
	case remote == base:
		d.Class = ConflictLocalOnly
	default:
		d.Class = ConflictDiverged
	}
	return d
}

// Resolve merges local and remote into the record the engine should keep.
// One-sided changes merge automatically. Diverged fields go to the
// conflict callback; no callback, a timeout, or cancel all keep local so
// unconfirmed user edits are never lost silently. Before remote wins a
// diverged field, the local copy is backed up.
func (r *ConflictResolver) Resolve(local, remote CaseRecord) (CaseRecord, ConflictDetectionResult) {
	det := r.Detect(local, remote)

	merged := local
	merged.UpdatedAt = latest(local.UpdatedAt, remote.UpdatedAt)
	for _, f := range det.Fields {
		if f.Class == ConflictRemoteOnly {
			setCaseField(&merged, f.Field, f.Remote)
		}
	}

	if !det.HasConflict() {
		r.RecordSynced(remote)
		return merged, det
	}

	remoteMerge := merged
	for _, f := range det.Fields {
		if f.Class == ConflictDiverged {
			setCaseField(&remoteMerge, f.Field, f.Remote)
		}
	}

	answer := r.ask(ConflictPrompt{
		CaseID:   local.CaseID,
		Conflict: det,
		Local:    local,
		Remote:   remote,
		Merge:    remoteMerge,
	})

	switch answer {
	case ResolutionKeepRemote, ResolutionMerge:
		r.backup(local, "resolved_"+string(answer))
		merged = remoteMerge
		r.RecordSynced(remote)
	default:
		// keep_local and cancel both leave the local copy intact; the
		// baseline stays stale so the conflict resurfaces next sync.
		r.log.Debug().Str("case_id", local.CaseID).Str("resolution", string(answer)).
			Msg("conflict kept local copy")
	}
	return merged, det
}

func (r *ConflictResolver) ask(prompt ConflictPrompt) Resolution {
	r.mu.Lock()
	cb := r.callback
	timeout := r.callbackTimeout
	r.mu.Unlock()

	if cb == nil {
		return ResolutionKeepLocal
	}

	answered := make(chan Resolution, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Warn().Interface("panic", rec).Msg("conflict callback panicked")
			}
		}()
		answered <- cb(prompt)
	}()

	select {
	case ans := <-answered:
		return ans
	case <-time.After(timeout):
		r.log.Warn().Str("case_id", prompt.CaseID).Msg("conflict prompt timed out; keeping local")
		return ResolutionKeepLocal
	}
}

func (r *ConflictResolver) backup(local CaseRecord, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backups[local.CaseID] = append(r.backups[local.CaseID], CaseBackup{
		Record:  local,
		TakenAt: time.Now(),
		Reason:  reason,
	})
}

// BackupsForCase returns the snapshots taken before destructive
// resolutions on the given case, oldest first.
func (r *ConflictResolver) BackupsForCase(caseID string) []CaseBackup {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CaseBackup, len(r.backups[caseID]))
	copy(out, r.backups[caseID])
	return out
}

func setCaseField(rec *CaseRecord, field, value string) {
	switch field {
	case "title":
		rec.Title = value
	case "status":
		rec.Status = value
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
