package lease

import (
	"context"
	"errors"
	"time"
)

// ErrHeld indicates another holder owns the lease.
var ErrHeld = errors.New("lease: held by another owner")

// Lease is an exclusive, time-bounded claim on a key.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
	backend   Locker
}

// Locker acquires and releases leases on one backend.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Config selects the lease backend.
type Config struct {
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}
