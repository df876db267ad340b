package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	hc "github.com/linnemanlabs/hush/internal/cfg"
	"github.com/linnemanlabs/hush/internal/postgres"
	"github.com/linnemanlabs/hush/internal/snapshot"
	"github.com/linnemanlabs/hush/internal/snapshot/filestore"
	"github.com/linnemanlabs/hush/internal/snapshot/memstore"
	"github.com/linnemanlabs/hush/internal/snapshot/pgstore"
	"github.com/linnemanlabs/hush/internal/snapshot/redisstore"
)

// pingTimeout bounds the startup reachability check.
const pingTimeout = 5 * time.Second

// pinger is implemented by network-backed stores.
type pinger interface {
	Ping(ctx context.Context) error
}

// openStore picks the snapshot backend: postgres, then redis, then a file,
// falling back to memory. Only configuration errors are returned. A backend
// that cannot be reached is still returned, with a warning: its clients
// reconnect on their own, Restore then starts the engine empty and later
// flushes retry. The returned close func is never nil.
func openStore(ctx context.Context, c *hc.Config, L log.Logger) (snapshot.Store, func(), error) {
	switch {
	case c.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st := pgstore.New(pool)
		L.Info(ctx, "using postgres snapshot store")
		checkReachable(ctx, L, "postgres", st)
		return st, pool.Close, nil

	case c.RedisAddr != "":
		st, err := redisstore.New(redisstore.Config{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Key:      c.RedisKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redisstore init: %w", err)
		}
		L.Info(ctx, "using redis snapshot store", "addr", c.RedisAddr, "key", c.RedisKey)
		checkReachable(ctx, L, "redis", st)
		return st, func() {
			if err := st.Close(); err != nil {
				L.Error(context.Background(), err, "failed to close redis client")
			}
		}, nil

	case c.SnapshotFile != "":
		st := filestore.New(c.SnapshotFile)
		L.Info(ctx, "using file snapshot store", "path", st.Path())
		return st, func() {}, nil

	default:
		L.Info(ctx, "using in-memory snapshot store (state is lost on restart)")
		return memstore.New(), func() {}, nil
	}
}

// checkReachable reports whether p answered within pingTimeout. Failure is
// only logged.
func checkReachable(ctx context.Context, L log.Logger, backend string, p pinger) bool {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := p.Ping(pctx); err != nil {
		L.Warn(ctx, "snapshot store unreachable, continuing without it until it recovers",
			"backend", backend, "error", err)
		return false
	}
	return true
}
