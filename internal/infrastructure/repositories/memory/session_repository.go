package memory

import (
	"context"
	"sort"
	"sync"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
)

type MemorySessionRepository struct {
	records map[domain.SessionID]domain.SessionRecord
	mu      sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		records: make(map[domain.SessionID]domain.SessionRecord),
	}
}

// Save stores a copy; later changes to record are not visible until saved again.
func (r *MemorySessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[record.ID] = *record
	return nil
}

func (r *MemorySessionRepository) Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return &record, nil
}

func (r *MemorySessionRepository) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	return r.list(func(rec *domain.SessionRecord) bool { return rec.Active() }), nil
}

func (r *MemorySessionRepository) ListByStream(ctx context.Context, streamID domain.StreamID) ([]*domain.SessionRecord, error) {
	return r.list(func(rec *domain.SessionRecord) bool { return rec.StreamID == streamID }), nil
}

func (r *MemorySessionRepository) list(match func(*domain.SessionRecord) bool) []*domain.SessionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.SessionRecord
	for _, record := range r.records {
		rec := record
		if match(&rec) {
			out = append(out, &rec)
		}
	}
	sortByStart(out)
	return out
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *MemorySessionRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func sortByStart(records []*domain.SessionRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}
