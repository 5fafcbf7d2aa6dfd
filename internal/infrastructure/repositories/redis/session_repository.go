package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "livecore:"

type RedisSessionRepository struct {
	client *redis.Client
	prefix string
	// ttl bounds how long finished sessions stay readable. Active ones never expire.
	ttl time.Duration
}

func NewRedisSessionRepository(client *redis.Client, ttl time.Duration) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: keyPrefix + "session:",
		ttl:    ttl,
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisSessionRepository) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisSessionRepository) streamKey(streamID domain.StreamID) string {
	return fmt.Sprintf("%sstream:%s:sessions", keyPrefix, streamID)
}

func (r *RedisSessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "save", "sessions")
	defer span.End()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	var ttl time.Duration
	if !record.Active() {
		ttl = r.ttl
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(record.ID), data, ttl)
	pipe.SAdd(ctx, r.streamKey(record.StreamID), string(record.ID))
	if record.Active() {
		pipe.SAdd(ctx, r.activeKey(), string(record.ID))
	} else {
		pipe.SRem(ctx, r.activeKey(), string(record.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var record domain.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &record, nil
}

func (r *RedisSessionRepository) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	records, err := r.loadSet(ctx, r.activeKey())
	if err != nil {
		return nil, err
	}

	active := records[:0]
	for _, rec := range records {
		if rec.Active() {
			active = append(active, rec)
		}
	}
	return active, nil
}

func (r *RedisSessionRepository) ListByStream(ctx context.Context, streamID domain.StreamID) ([]*domain.SessionRecord, error) {
	return r.loadSet(ctx, r.streamKey(streamID))
}

// loadSet resolves the ids in an index set. Ids whose record has expired are
// pruned from the set.
func (r *RedisSessionRepository) loadSet(ctx context.Context, setKey string) ([]*domain.SessionRecord, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "list", "sessions")
	defer span.End()

	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from Redis: %w", setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(domain.SessionID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions from Redis: %w", err)
	}

	var (
		records []*domain.SessionRecord
		stale   []interface{}
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var record domain.SessionRecord
		if err := json.Unmarshal([]byte(s), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session %s: %w", ids[i], err)
		}
		records = append(records, &record)
	}

	if len(stale) > 0 {
		r.client.SRem(ctx, setKey, stale...)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	record, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.activeKey(), string(id))
	pipe.SRem(ctx, r.streamKey(record.StreamID), string(id))
	pipe.Del(ctx, r.sessionKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
