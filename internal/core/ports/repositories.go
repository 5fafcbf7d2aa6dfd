package ports

import (
	"context"

	"livecore/internal/core/domain"
)

// SessionRepository is the registry of live sessions read by the catalog.
type SessionRepository interface {
	Save(ctx context.Context, record *domain.SessionRecord) error
	Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
	ListActive(ctx context.Context) ([]*domain.SessionRecord, error)
	ListByStream(ctx context.Context, streamID domain.StreamID) ([]*domain.SessionRecord, error)
	Delete(ctx context.Context, id domain.SessionID) error
	Ping(ctx context.Context) error
}
