package copilot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Identity Allocator
// ============================================================================

// EntityKind tags an optimistic identifier with the kind of entity it
// stands in for.
type EntityKind string

const (
	KindCase      EntityKind = "case"
	KindMessage   EntityKind = "msg"
	KindOperation EntityKind = "op"
)

const optimisticPrefix = "opt-"

// IdentityAllocator mints provisional identifiers for entities that do not
// yet exist on the server. Ids carry a millisecond timestamp so they sort
// approximately by creation time, plus a slice of UUID entropy so they are
// never reused.
type IdentityAllocator struct{}

// NewIdentityAllocator creates an allocator.
func NewIdentityAllocator() *IdentityAllocator {
	return &IdentityAllocator{}
}

// Generate mints a fresh optimistic id for the given entity kind.
func (a *IdentityAllocator) Generate(kind EntityKind) string {
	entropy := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s-%d-%s", optimisticPrefix, kind, time.Now().UnixMilli(), entropy)
}

// IsOptimistic reports whether id was minted locally and still needs
// reconciliation before it can be sent to the server.
func (a *IdentityAllocator) IsOptimistic(id string) bool {
	return IsOptimisticID(id)
}

// IsOptimisticID is the classification predicate used everywhere an id
// might need reconciliation. Authoritative server ids never carry the
// optimistic prefix.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, optimisticPrefix)
}

// ============================================================================
// Reconciliation Map
// ============================================================================

// IDMapping pairs an optimistic id with the authoritative id the server
// issued for it.
type IDMapping struct {
	OptimisticID string    `json:"optimisticId"`
	RealID       string    `json:"realId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReconciliationMap is the bidirectional optimistic-to-authoritative id
// lookup. Mappings are written exactly once, in the success path of an
// entity-creation request, and are immutable until the entity is deleted
// locally.
type ReconciliationMap struct {
	mu           sync.RWMutex
	byOptimistic map[string]IDMapping
	byReal       map[string]string
}

// NewReconciliationMap creates an empty map.
func NewReconciliationMap() *ReconciliationMap {
	return &ReconciliationMap{
		byOptimistic: make(map[string]IDMapping),
		byReal:       make(map[string]string),
	}
}

// AddMapping records optimisticID → realID. An existing entry is never
// overwritten: the first mapping wins and later calls are no-ops.
func (m *ReconciliationMap) AddMapping(optimisticID, realID string) {
	if optimisticID == "" || realID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byOptimistic[optimisticID]; exists {
		return
	}
	m.byOptimistic[optimisticID] = IDMapping{
		OptimisticID: optimisticID,
		RealID:       realID,
		CreatedAt:    time.Now(),
	}
	m.byReal[realID] = optimisticID
}

// RealID returns the authoritative id for an optimistic one. The second
// return is false while the entity is not yet reconciled; callers must
// then keep treating the optimistic id as canonical.
func (m *ReconciliationMap) RealID(optimisticID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.byOptimistic[optimisticID]
	if !ok {
		return "", false
	}
	return mapping.RealID, true
}

// OptimisticID returns the provisional id a real id was reconciled from.
func (m *ReconciliationMap) OptimisticID(realID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opt, ok := m.byReal[realID]
	return opt, ok
}

// Resolve maps id to its authoritative form when one is known, otherwise
// returns id unchanged.
func (m *ReconciliationMap) Resolve(id string) string {
	if !IsOptimisticID(id) {
		return id
	}
	if real, ok := m.RealID(id); ok {
		return real
	}
	return id
}

// RemoveMapping drops the entry for a locally deleted entity.
func (m *ReconciliationMap) RemoveMapping(optimisticID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapping, ok := m.byOptimistic[optimisticID]; ok {
		delete(m.byReal, mapping.RealID)
		delete(m.byOptimistic, optimisticID)
	}
}

// Snapshot returns all mappings for persistence.
func (m *ReconciliationMap) Snapshot() []IDMapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IDMapping, 0, len(m.byOptimistic))
	for _, mapping := range m.byOptimistic {
		out = append(out, mapping)
	}
	return out
}

// Restore loads persisted mappings, preserving the no-overwrite rule.
func (m *ReconciliationMap) Restore(mappings []IDMapping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mapping := range mappings {
		if mapping.OptimisticID == "" || mapping.RealID == "" {
			continue
		}
		if _, exists := m.byOptimistic[mapping.OptimisticID]; exists {
			continue
		}
		m.byOptimistic[mapping.OptimisticID] = mapping
		m.byReal[mapping.RealID] = mapping.OptimisticID
	}
}
