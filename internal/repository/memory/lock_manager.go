package memory

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	token     uint64
	expiresAt time.Time
}

// LockManager hands out named locks that expire after a TTL. The nearest
// service holds one while an index rebuild runs so a second rebuild request
// is refused instead of queued; the TTL frees the name if a rebuild never
// returns.
//
// Go Learning Note — Returning a Release Func:
// AcquireLock returns a closure instead of asking callers to remember the key.
// The closure captures the entry's token, so a caller whose lock already
// expired and was taken by someone else cannot release the new holder's lock.
// Callers write `defer release()` right after acquiring.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	next  uint64
	now   func() time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]lockEntry),
		now:   time.Now,
	}
}

// AcquireLock takes key for ttl. It returns ok=false without blocking when
// the key is held and not yet expired.
func (lm *LockManager) AcquireLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if entry, exists := lm.locks[key]; exists && now.Before(entry.expiresAt) {
		return nil, false, nil
	}

	lm.next++
	token := lm.next
	lm.locks[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() { lm.release(key, token) })
	}, true, nil
}

func (lm *LockManager) release(key string, token uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if entry, exists := lm.locks[key]; exists && entry.token == token {
		delete(lm.locks, key)
	}
}

// IsLocked reports whether key is held and not expired.
func (lm *LockManager) IsLocked(key string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, exists := lm.locks[key]
	return exists && lm.now().Before(entry.expiresAt)
}
