// Package redisstore persists snapshots in a single Redis key.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/snapshot"
)

// DefaultKey holds the snapshot when Config.Key is empty.
const DefaultKey = "hush:snapshot"

// Config selects the Redis server and key.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Store reads and writes the snapshot document with GET/SET.
type Store struct {
	client *redis.Client
	key    string
}

// New builds a client for cfg. go-redis dials on first command, so New
// succeeds even while the server is down; use Ping to check reachability.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return NewWithClient(client, cfg.Key), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, key string) *Store {
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Ping checks that the server answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Save overwrites the snapshot key. The key has no expiry.
func (s *Store) Save(ctx context.Context, snap *correlate.Snapshot) error {
	b, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, b, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// Load reads the snapshot key. A missing key is not an error.
func (s *Store) Load(ctx context.Context) (*correlate.Snapshot, bool, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	snap, err := snapshot.Decode(b)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}
