// Package rediscache stores embedding vectors in Redis so they survive
// process restarts and can be shared between instances.
package rediscache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Address   string
	Password  string
	Database  int
	KeyPrefix string
	TTL       time.Duration
}

// Store is a Redis-backed embedding side store.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}
	return NewWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "docqa:emb:"
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the vectors stored under keys. Missing keys are omitted.
func (s *Store) Get(ctx context.Context, keys []string) (map[string][]float64, error) {
	if len(keys) == 0 {
		return map[string][]float64{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	vals, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float64, len(keys))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", keys[i], err)
		}
		out[keys[i]] = vec
	}
	return out, nil
}

// Set writes all entries in one pipeline.
func (s *Store) Set(ctx context.Context, entries map[string][]float64) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range entries {
			p.Set(ctx, s.prefix+k, encode(v), s.ttl)
		}
		return nil
	})
	return err
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func encode(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
	}
	return buf
}

var errCorrupt = errors.New("corrupt vector encoding")

func decode(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errCorrupt
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, nil
}
