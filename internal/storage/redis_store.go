package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/coride/internal/models"
)

// RedisStore caches search results under prefix+search_id until they expire.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(addr, password, prefix string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreWithClient(c, prefix)
}

func NewRedisStoreWithClient(c *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "search:"
	}
	return &RedisStore{client: c, prefix: prefix, now: time.Now}
}

func (r *RedisStore) SaveSearch(ctx context.Context, res models.SearchResult) error {
	ttl := res.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+res.SearchID, b, ttl).Err()
}

func (r *RedisStore) GetSearch(ctx context.Context, id string) (models.SearchResult, error) {
	b, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.SearchResult{}, ErrNotFound
	}
	if err != nil {
		return models.SearchResult{}, err
	}
	var res models.SearchResult
	if err := json.Unmarshal(b, &res); err != nil {
		return models.SearchResult{}, err
	}
	if res.Expired(r.now()) {
		return models.SearchResult{}, ErrNotFound
	}
	return res, nil
}

// Ping reports whether redis is reachable, for readiness checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }
