package lease

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker implements leases inside one process.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]memoryEntry),
	}
}

// Acquire claims key for ttl unless an unexpired lease exists.
func (l *MemoryLocker) Acquire(_ context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[key]; ok && now.Before(entry.expiresAt) {
		return false, nil
	}
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the lease only if token still owns it.
func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[key]; ok && entry.token == token {
		delete(l.entries, key)
	}
	return nil
}
