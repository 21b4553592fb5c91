package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisBreakerDuration = 30 * time.Second

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// Manager hands out leases from Redis when configured, falling back to memory while Redis is unhealthy.
type Manager struct {
	cfg            Config
	nowFn          func() time.Time
	memoryLocker   *MemoryLocker
	newRedisClient RedisClientFactory
	mu             sync.Mutex
	redisLocker    *RedisLocker
	breakerUntil   time.Time
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(cfg Config, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Manager{
		cfg:            cfg,
		nowFn:          nowFn,
		memoryLocker:   NewMemoryLocker(),
		newRedisClient: newRedisClient,
	}
}

// Acquire claims key for ttl. It returns ErrHeld when another owner has it.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if m == nil {
		return nil, errors.New("lease: nil manager")
	}
	if key == "" || ttl <= 0 {
		return nil, errors.New("lease: key and ttl are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.nowFn()
	token := uuid.NewString()

	var backend Locker = m.memoryLocker
	usingRedis := false
	if m.cfg.RedisEnabled {
		if locker := m.redis(ctx, now); locker != nil {
			backend, usingRedis = locker, true
		}
	}
	ok, errAcquire := backend.Acquire(ctx, key, token, ttl, now)
	if errAcquire != nil && usingRedis {
		m.tripBreaker(errAcquire, now)
		backend = m.memoryLocker
		ok, errAcquire = backend.Acquire(ctx, key, token, ttl, now)
	}
	if errAcquire != nil {
		return nil, errAcquire
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{Key: key, Token: token, ExpiresAt: now.Add(ttl), backend: backend}, nil
}

// Release gives the lease back on the backend that granted it.
func (m *Manager) Release(ctx context.Context, l *Lease) {
	if m == nil || l == nil || l.backend == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if errRelease := l.backend.Release(ctx, l.Key, l.Token); errRelease != nil {
		log.WithError(errRelease).WithField("key", l.Key).Warn("lease: release failed, lease will expire")
	}
}

// Close shuts down the Redis client, if any.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redisLocker == nil {
		return nil
	}
	errClose := m.redisLocker.client.Close()
	m.redisLocker = nil
	return errClose
}

func (m *Manager) redis(ctx context.Context, now time.Time) *RedisLocker {
	if m.isBreakerActive(now) {
		return nil
	}
	locker, errEnsure := m.ensureRedis(ctx)
	if errEnsure != nil {
		m.tripBreaker(errEnsure, now)
		return nil
	}
	return locker
}

func (m *Manager) isBreakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error, now time.Time) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(redisBreakerDuration)
	log.WithError(err).Warn("lease: redis unavailable, falling back to memory")
}

func (m *Manager) ensureRedis(ctx context.Context) (*RedisLocker, error) {
	addr := strings.TrimSpace(m.cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("lease redis: missing address")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redisLocker != nil {
		return m.redisLocker, nil
	}

	db := m.cfg.RedisDB
	if db < 0 {
		db = 0
	}
	client := m.newRedisClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(m.cfg.RedisPassword),
		DB:       db,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.redisLocker = NewRedisLocker(client, m.cfg.RedisPrefix)
	return m.redisLocker, nil
}
