package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/proxy-pool-api/internal/types"
	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// Hash fields of the pool key
const (
	fieldBody        = "body"
	fieldAlive       = "alive"
	fieldLastRefresh = "last_refresh"
	fieldLastCheck   = "last_check"
	fieldSavedAt     = "saved_at"
)

// RedisStorage keeps the pool in one hash, so freshness is readable with HMGET
type RedisStorage struct {
	client *redis.Client
	key    string
}

func NewRedisStorage(addr, key string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	if key == "" {
		key = "proxypool:snapshot"
	}
	return &RedisStorage{client: client, key: key}, nil
}

func (r *RedisStorage) Save(snapshot *types.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}
	fresh := freshnessOf(snapshot)

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	// MULTI/EXEC so a reader never sees a body from one save and stamps from another
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key,
			fieldBody, body,
			fieldAlive, fresh.Alive,
			fieldLastRefresh, fresh.LastRefresh.Format(time.RFC3339Nano),
			fieldLastCheck, fresh.LastCheck.Format(time.RFC3339Nano),
			fieldSavedAt, fresh.SavedAt.Format(time.RFC3339Nano),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStorage) Load() (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", r.key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	fresh, err := parseFreshness(fields)
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", r.key, err)
	}

	var snapshot types.Snapshot
	if err := json.Unmarshal([]byte(fields[fieldBody]), &snapshot); err != nil {
		return nil, fmt.Errorf("decode pool: %w", err)
	}
	return loaded("redis", fresh, &snapshot), nil
}

func parseFreshness(fields map[string]string) (Freshness, error) {
	var (
		fresh Freshness
		err   error
	)
	if fresh.Alive, err = strconv.Atoi(fields[fieldAlive]); err != nil {
		return fresh, fmt.Errorf("field %s: %w", fieldAlive, err)
	}
	stamps := map[string]*time.Time{
		fieldLastRefresh: &fresh.LastRefresh,
		fieldLastCheck:   &fresh.LastCheck,
		fieldSavedAt:     &fresh.SavedAt,
	}
	for field, dst := range stamps {
		if *dst, err = time.Parse(time.RFC3339Nano, fields[field]); err != nil {
			return fresh, fmt.Errorf("field %s: %w", field, err)
		}
	}
	return fresh, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
