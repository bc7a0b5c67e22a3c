package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

const (
	sessionKeyPrefix = "lab:session:"
	userKeyPrefix    = "lab:user:"
)

// RedisRepository archives sessions as JSON documents that expire after a TTL.
// A per-user sorted set indexes a user's sessions by creation time.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisRepository{client: client, ttl: ttl}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Save(ctx context.Context, s models.LabSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	userKey := userKeyPrefix + s.UserID
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKeyPrefix+s.SessionID, data, r.ttl)
		pipe.ZAdd(ctx, userKey, redis.Z{Score: float64(s.CreatedAt.UnixMilli()), Member: s.SessionID})
		pipe.Expire(ctx, userKey, r.ttl)
		return nil
	})
	return err
}

func (r *RedisRepository) Get(ctx context.Context, sessionID string) (models.LabSession, error) {
	data, err := r.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.LabSession{}, fmt.Errorf("%w: %s", models.ErrNotFound, sessionID)
		}
		return models.LabSession{}, err
	}

	var s models.LabSession
	if err := json.Unmarshal(data, &s); err != nil {
		return models.LabSession{}, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return s, nil
}

// ListByUser returns a user's archived sessions, newest first. Sessions whose
// document already expired are skipped.
func (r *RedisRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.LabSession, error) {
	ids, err := r.client.ZRevRange(ctx, userKeyPrefix+userID, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.LabSession{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKeyPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.LabSession, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s models.LabSession
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
