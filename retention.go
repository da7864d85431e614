package copilot

import (
	"sort"
)

// ============================================================================
// Retention
// ============================================================================

// RetentionConfig bounds how much conversation history stays in local state.
type RetentionConfig struct {
	// MaxMessages is the per-conversation ceiling. When a conversation
	// crosses it, confirmed messages are trimmed down to
	// MaxMessages - TrimHeadroom so trims do not fire on every append.
	MaxMessages int

	// TrimHeadroom is subtracted from MaxMessages when trimming, leaving
	// room for new messages before the next trim.
	TrimHeadroom int

	// MaxConversations caps how many case threads stay cached locally.
	MaxConversations int
}

// DefaultRetentionConfig returns the standard retention bounds.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MaxMessages:      500,
		TrimHeadroom:     50,
		MaxConversations: 50,
	}
}

func (c RetentionConfig) normalized() RetentionConfig {
	d := DefaultRetentionConfig()
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.TrimHeadroom < 0 || c.TrimHeadroom >= c.MaxMessages {
		c.TrimHeadroom = d.TrimHeadroom
		if c.TrimHeadroom >= c.MaxMessages {
			c.TrimHeadroom = c.MaxMessages / 10
		}
	}
	if c.MaxConversations <= 0 {
		c.MaxConversations = d.MaxConversations
	}
	return c
}

// RetentionManager trims local conversation state while never evicting
// optimistic entries, which may be the only copy of unconfirmed work.
type RetentionManager struct {
	cfg RetentionConfig
}

// NewRetentionManager creates a manager with the given bounds. Zero or
// invalid fields fall back to defaults.
func NewRetentionManager(cfg RetentionConfig) *RetentionManager {
	return &RetentionManager{cfg: cfg.normalized()}
}

// CleanupConversation trims one conversation's items when they exceed the
// ceiling. Optimistic items always survive; of the confirmed items only
// the newest MaxMessages - TrimHeadroom are kept. The result is ordered
// by timestamp ascending.
func (m *RetentionManager) CleanupConversation(items []ConversationItem) []ConversationItem {
	if len(items) <= m.cfg.MaxMessages {
		return items
	}

	var optimistic, confirmed []ConversationItem
	for _, it := range items {
		if it.Optimistic {
			optimistic = append(optimistic, it)
		} else {
			confirmed = append(confirmed, it)
		}
	}

	keep := m.cfg.MaxMessages - m.cfg.TrimHeadroom
	if len(confirmed) > keep {
		sort.SliceStable(confirmed, func(i, j int) bool {
			return confirmed[i].Timestamp.Before(confirmed[j].Timestamp)
		})
		confirmed = confirmed[len(confirmed)-keep:]
	}

	out := make([]ConversationItem, 0, len(confirmed)+len(optimistic))
	out = append(out, confirmed...)
	out = append(out, optimistic...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// CleanupCases returns the IDs of case threads to evict when the cache
// holds more than MaxConversations. Threads for which protected returns
// true are never evicted. Eviction order is oldest last activity first.
func (m *RetentionManager) CleanupCases(threads map[string]*CaseThread, protected func(caseID string) bool) []string {
	if len(threads) <= m.cfg.MaxConversations {
		return nil
	}

	type candidate struct {
		caseID string
		lastAt int64
	}
	var candidates []candidate
	for id, th := range threads {
		if protected != nil && protected(id) {
			continue
		}
		if threadHasOptimistic(th) {
			continue
		}
		var lastAt int64
		if th != nil && len(th.Items) > 0 {
			lastAt = th.Items[len(th.Items)-1].Timestamp.UnixMilli()
		}
		candidates = append(candidates, candidate{caseID: id, lastAt: lastAt})
	}

	excess := len(threads) - m.cfg.MaxConversations
	if excess <= 0 || len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAt < candidates[j].lastAt
	})
	if excess > len(candidates) {
		excess = len(candidates)
	}
	evict := make([]string, 0, excess)
	for _, c := range candidates[:excess] {
		evict = append(evict, c.caseID)
	}
	return evict
}

func threadHasOptimistic(th *CaseThread) bool {
	if th == nil {
		return false
	}
	for _, it := range th.Items {
		if it.Optimistic {
			return true
		}
	}
	return false
}
