package captcha

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	records []Record
	seq     int64
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Insert implements Backend.
func (m *MemoryBackend) Insert(ctx context.Context, rec *Record, limits Limits) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errBackendClosed
	}

	m.seq++
	rec.ID = m.seq
	m.records = append(m.records, *rec)

	unused := 0
	for _, r := range m.records {
		if !r.IsUsed {
			unused++
		}
	}

	evicted := 0
	for n := limits.maxEvictions(unused); n > 0; n-- {
		idx := m.oldestUnusedLocked(rec.ID)
		if idx < 0 {
			break
		}
		m.records = append(m.records[:idx], m.records[idx+1:]...)
		evicted++
	}
	return evicted, nil
}

func (m *MemoryBackend) oldestUnusedLocked(exclude int64) int {
	idx := -1
	for i, r := range m.records {
		if r.IsUsed || r.ID == exclude {
			continue
		}
		if idx < 0 || newer(m.records[idx], r) {
			idx = i
		}
	}
	return idx
}

// TakeNewest implements Backend.
func (m *MemoryBackend) TakeNewest(ctx context.Context, filter TakeFilter, now time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, errBackendClosed
	}

	idx := -1
	for i, r := range m.records {
		if !filter.matches(r) {
			continue
		}
		if idx < 0 || newer(r, m.records[idx]) {
			idx = i
		}
	}
	if idx < 0 {
		return Record{}, ErrNotFound
	}
	m.records[idx].IsUsed = true
	m.records[idx].UpdatedAt = now
	return cloneRecord(m.records[idx]), nil
}

// List implements Backend.
func (m *MemoryBackend) List(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, cloneRecord(r))
	}
	sortByID(out)
	return out, nil
}

// Update implements Backend.
func (m *MemoryBackend) Update(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == rec.ID {
			m.records[i].Solution = rec.Solution
			m.records[i].IsCorrect = rec.IsCorrect
			m.records[i].UpdatedAt = rec.UpdatedAt
			return nil
		}
	}
	return ErrNotFound
}

// DeleteBefore implements Backend.
func (m *MemoryBackend) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	removed := 0
	for _, r := range m.records {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return removed, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneRecord(r Record) Record {
	if r.Image != nil {
		r.Image = append([]byte(nil), r.Image...)
	}
	return r
}
