package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentalon/apichain/internal/orchestrator"
)

// RedisStore keeps each record as a JSON value under prefix+"chain:"+name
// and indexes names in a sorted set scored by update time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisRecord struct {
	ID        string                   `json:"id"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	Chain     *orchestrator.Serialized `json:"chain"`
}

// NewRedisStore wraps client. The caller's client is closed by Close.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects and pings the server before returning the store.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("state store: redis ping: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) key(name string) string { return s.prefix + "chain:" + name }
func (s *RedisStore) indexKey() string       { return s.prefix + "chains" }

func (s *RedisStore) get(ctx context.Context, name string) (*redisRecord, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("chain load %s: %w", name, err)
	}
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("chain load %s: decode: %w", name, err)
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, name string, rec *orchestrator.Serialized) error {
	if err := checkSave(name, rec); err != nil {
		return err
	}
	now := time.Now().UTC()
	stored := &redisRecord{ID: newID(), CreatedAt: now, UpdatedAt: now, Chain: rec}
	if old, err := s.get(ctx, name); err == nil {
		stored.ID = old.ID
		stored.CreatedAt = old.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("chain save: marshal: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(name), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: name})
		return nil
	})
	if err != nil {
		return fmt.Errorf("chain save %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, name string) (*orchestrator.Serialized, error) {
	rec, err := s.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return rec.Chain, nil
}

// List returns entries ordered by name.
func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	names, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chain list: %w", err)
	}
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		rec, err := s.get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			ID:        rec.ID,
			Name:      name,
			ChainType: chainType(rec.Chain),
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	sortEntries(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(name))
		pipe.ZRem(ctx, s.indexKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("chain delete %s: %w", name, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
