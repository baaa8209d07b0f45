// Package session holds the mutable state of one task run: the append-only
// execution history, working and long-term memory, the tab registry and the
// intervention mode. One Memory instance is owned by one orchestrator run and
// all mutation goes through its methods; no caller ever holds a reference to
// an internal container.
package session

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
)

// FactStore persists long-term-memory facts across runs. Persistence is an
// optimization, never a correctness requirement, so store failures are logged
// and swallowed.
type FactStore interface {
	SaveFact(ctx context.Context, fact string) error
	LoadFacts(ctx context.Context) ([]string, error)
}

// Memory is the session state container.
type Memory struct {
	mu sync.RWMutex

	history           []schemas.ExecutionRecord
	working           []string
	facts             []string
	normalized        map[string]struct{}
	completedSubgoals []schemas.Subgoal
	tabs              []schemas.Tab
	mode              schemas.InterventionMode

	store  FactStore
	logger *zap.Logger
}

// New creates a session memory. store may be nil; when present, previously
// persisted facts seed the long-term memory.
func New(ctx context.Context, mode schemas.InterventionMode, store FactStore, logger *zap.Logger) *Memory {
	m := &Memory{
		normalized: make(map[string]struct{}),
		mode:       mode,
		store:      store,
		logger:     logger.Named("session"),
	}
	if store != nil {
		facts, err := store.LoadFacts(ctx)
		if err != nil {
			m.logger.Warn("Failed to load persisted facts", zap.Error(err))
		}
		for _, f := range facts {
			m.addFactLocked(f, false)
		}
	}
	return m
}

// -- History --

// AppendRecord appends one execution record. History is append-only; records
// are copied in and never handed back by reference to internal storage.
func (m *Memory) AppendRecord(rec schemas.ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
}

// HistoryLen returns the number of records appended so far.
func (m *Memory) HistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

// RecentHistory returns a copy of the most recent n records, oldest first.
func (m *Memory) RecentHistory(n int) []schemas.ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]schemas.ExecutionRecord, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// LastRecordNamed returns the most recent record for the given tool name.
func (m *Memory) LastRecordNamed(name string) (schemas.ExecutionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Call.Name == name {
			return m.history[i], true
		}
	}
	return schemas.ExecutionRecord{}, false
}

// -- Working memory --

// ClearWorking resets the working memory. Called exactly once at subgoal start.
func (m *Memory) ClearWorking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.working = nil
}

// PushWorking appends a note scoped to the current subgoal.
func (m *Memory) PushWorking(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.working = append(m.working, note)
}

// WorkingNotes returns a copy of the current subgoal's notes.
func (m *Memory) WorkingNotes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.working))
	copy(out, m.working)
	return out
}

// -- Long-term memory --

// AddFact stores a durable fact, deduplicated case- and whitespace-insensitively.
// Returns true when the fact was new.
func (m *Memory) AddFact(ctx context.Context, fact string) bool {
	m.mu.Lock()
	added := m.addFactLocked(fact, true)
	m.mu.Unlock()

	if added && m.store != nil {
		if err := m.store.SaveFact(ctx, strings.TrimSpace(fact)); err != nil {
			m.logger.Warn("Failed to persist fact", zap.Error(err))
		}
	}
	return added
}

func (m *Memory) addFactLocked(fact string, trim bool) bool {
	if trim {
		fact = strings.TrimSpace(fact)
	}
	if fact == "" {
		return false
	}
	key := normalizeFact(fact)
	if _, seen := m.normalized[key]; seen {
		return false
	}
	m.normalized[key] = struct{}{}
	m.facts = append(m.facts, fact)
	return true
}

// Facts returns a copy of the long-term memory.
func (m *Memory) Facts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.facts))
	copy(out, m.facts)
	return out
}

func normalizeFact(fact string) string {
	return strings.ToLower(strings.Join(strings.Fields(fact), " "))
}

// -- Subgoals --

// CompleteSubgoal records a finished subgoal.
func (m *Memory) CompleteSubgoal(sg schemas.Subgoal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedSubgoals = append(m.completedSubgoals, sg)
}

// CompletedSubgoals returns a copy of the completed subgoal list.
func (m *Memory) CompletedSubgoals() []schemas.Subgoal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.Subgoal, len(m.completedSubgoals))
	copy(out, m.completedSubgoals)
	return out
}

// -- Tab registry --

// UpdateTabs replaces the tab registry. Called after any operation that can
// open, close or switch tabs.
func (m *Memory) UpdateTabs(tabs []schemas.Tab) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs = make([]schemas.Tab, len(tabs))
	copy(m.tabs, tabs)
}

// Tabs returns a copy of the current tab registry.
func (m *Memory) Tabs() []schemas.Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.Tab, len(m.tabs))
	copy(out, m.tabs)
	return out
}

// -- Intervention mode --

// Mode returns the current intervention mode.
func (m *Memory) Mode() schemas.InterventionMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode switches the intervention mode mid-run.
func (m *Memory) SetMode(mode schemas.InterventionMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}
