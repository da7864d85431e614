package copilot

import (
	"context"
	"encoding/json"
	"sync"
)

// ============================================================================
// Storage Keys
// ============================================================================

// The engine persists its state under a small fixed key set.
const (
	KeyConversations  = "conversations"
	KeyCaseTitles     = "case_titles"
	KeyTitleSources   = "title_sources"
	KeyPendingOps     = "pending_operations"
	KeyIDMappings     = "id_mappings"
	KeyPinnedCases    = "pinned_cases"
	KeyActiveCase     = "active_case"
	KeyClientVersion  = "client_version"
	KeyRuntimeSession = "runtime_session_id"
	KeyLastSyncAt     = "last_sync_at"
	KeyReloadDetected = "reload_detected"
	KeyRecoveryInProgress  = "recovery_in_progress"
	KeyLastRecoveryAttempt = "last_recovery_attempt"
)

// ============================================================================
// StateStore
// ============================================================================

// StateStore is the persistent-storage collaborator: asynchronous get/set/
// remove over the fixed key set above. Implementations must be safe for
// concurrent use.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	SetMany(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// getJSON reads and unmarshals a stored value. A missing key leaves v
// untouched and returns false.
func getJSON(ctx context.Context, store StateStore, key string, v interface{}) (bool, error) {
	data, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory StateStore. It backs tests and
// serves as the synchronous fallback when the durable store is unavailable.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) SetMany(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
