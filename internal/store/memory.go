package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "authrisk/internal/errors"
)

// MemoryStore is an in-process Store for single-node tooling and tests
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (f Filter) matches(r *Record) bool {
	switch {
	case f.Kind != "" && r.Kind != f.Kind:
		return false
	case f.SubjectID != "" && r.SubjectID != f.SubjectID:
		return false
	case f.IP != "" && r.IP != f.IP:
		return false
	case f.Type != "" && r.Type != f.Type:
		return false
	case !f.Since.IsZero() && r.CreatedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && !r.CreatedAt.Before(f.Until):
		return false
	}
	return true
}

// Insert appends a copy of rec
func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	if rec.Kind == "" {
		return apperrors.NewValidationError("kind", "record kind is required")
	}
	rec.Prepare(m.now())

	// round-trip Data so callers observe the same types a SQL store returns
	stored := *rec
	stored.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	if rec.Data != nil {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return apperrors.NewValidationError("data", err.Error())
		}
		stored.Data = nil
		if err := json.Unmarshal(raw, &stored.Data); err != nil {
			return apperrors.NewValidationError("data", err.Error())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, stored)
	return nil
}

// Query returns matching records, newest first
func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	var out []Record
	for i := range m.records {
		if f.matches(&m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Count returns the number of matching records
func (m *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for i := range m.records {
		if f.matches(&m.records[i]) {
			n++
		}
	}
	return n, nil
}

// Delete removes matching records
func (m *MemoryStore) Delete(ctx context.Context, f Filter) (int64, error) {
	if f == (Filter{}) {
		return 0, apperrors.NewValidationError("filter", "delete requires at least one constraint")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	var removed int64
	for _, r := range m.records {
		if f.matches(&r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return removed, nil
}
