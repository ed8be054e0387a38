// Package lock provides cross-process run locks so that only one flusher
// instance drains the event log at a time.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is a non-blocking mutual exclusion lock shared between processes.
// A Locker instance must not be acquired concurrently from several goroutines.
type Locker interface {
	// Acquire tries to take the lock. It returns false if another owner holds it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// Refresher is implemented by locks that expire unless renewed. Holders of a
// long run call Refresh well within TTL.
type Refresher interface {
	// Refresh pushes the expiry out by TTL. It returns false if the lock is
	// no longer owned by this instance.
	Refresh(ctx context.Context) (bool, error)
	TTL() time.Duration
}

// Config selects the lock backend.
//
// Driver values:
//   - "" or "none": no cross-process lock
//   - "redis": SET NX with TTL
//   - "postgres": session advisory lock on the event store database
type Config struct {
	Driver        string
	Key           string
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

const DefaultKey = "mailflush:run"

// Open builds the configured lock. db is only consulted by the postgres
// driver and may be nil otherwise. The returned closer releases backend
// resources owned by the lock (the redis client).
func Open(cfg Config, db *sql.DB) (Locker, func() error, error) {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultKey
	}
	noClose := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, noClose, nil
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, nil, errors.New("lock.redis_addr is required for redis lock")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		return NewRedisLock(client, key, ttl), client.Close, nil
	case "postgres", "pg":
		if db == nil {
			return nil, nil, errors.New("postgres lock requires the postgres storage driver")
		}
		return NewPGAdvisoryLock(db, key), noClose, nil
	default:
		return nil, nil, errors.New("unknown lock driver: " + cfg.Driver)
	}
}
