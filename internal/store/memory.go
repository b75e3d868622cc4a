// Package store persists wizard snapshots and the execution history.
//
// Memory keeps everything in process and is used when no database is
// configured. Postgres stores snapshots as JSONB so wizards survive a
// restart and the history can be queried across instances.
package store

import (
	"context"
	"slices"
	"sync"

	"github.com/JonMunkholm/importwizard/internal/wizard"
)

// DefaultHistoryLimit applies when History is called with a non-positive limit.
const DefaultHistoryLimit = 50

// Memory is an in-process wizard.Store.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]wizard.Record
	history   []wizard.ExecutionRecord
	maxLen    int
}

// NewMemory keeps at most maxHistory execution records; older entries are
// dropped first. A non-positive maxHistory keeps 1000.
func NewMemory(maxHistory int) *Memory {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Memory{
		snapshots: make(map[string]wizard.Record),
		maxLen:    maxHistory,
	}
}

func (m *Memory) SaveSnapshot(_ context.Context, rec wizard.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.State = rec.State.Clone()
	m.snapshots[rec.ID] = rec
	return nil
}

func (m *Memory) DeleteSnapshot(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
	return nil
}

// LoadSnapshots returns every snapshot, oldest update first.
func (m *Memory) LoadSnapshots(context.Context) ([]wizard.Record, error) {
	m.mu.RLock()
	out := make([]wizard.Record, 0, len(m.snapshots))
	for _, rec := range m.snapshots {
		rec.State = rec.State.Clone()
		out = append(out, rec)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b wizard.Record) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return out, nil
}

func (m *Memory) RecordExecution(_ context.Context, rec wizard.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	if over := len(m.history) - m.maxLen; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	return nil
}

// History returns up to limit records, newest first.
func (m *Memory) History(_ context.Context, limit int) ([]wizard.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := min(limit, len(m.history))
	out := make([]wizard.ExecutionRecord, 0, n)
	for i := len(m.history) - 1; i >= len(m.history)-n; i-- {
		out = append(out, m.history[i])
	}
	return out, nil
}

var _ wizard.Store = (*Memory)(nil)
