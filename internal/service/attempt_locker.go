package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when an attempt lock could not be taken before
// the context ended.
var ErrLockTimeout = errors.New("attempt lock not acquired")

// AttemptLocker serializes every mutation of one attempt.
type AttemptLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// AttemptLockKey names the lock of a learner's attempt on a problem.
func AttemptLockKey(learnerID, problemID string) string {
	return "attempt:" + problemID + ":" + learnerID
}

// memorySlot is shared by the holder and the waiters of one key. The slot is
// dropped once nobody references it.
type memorySlot struct {
	ch   chan struct{}
	refs int
}

type memoryLocker struct {
	mu    sync.Mutex
	slots map[string]*memorySlot
}

// NewMemoryLocker returns a process-local locker.
func NewMemoryLocker() AttemptLocker {
	return &memoryLocker{slots: make(map[string]*memorySlot)}
}

func (l *memoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &memorySlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.release(key, slot)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, slot)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}
}

func (l *memoryLocker) release(key string, slot *memorySlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *memoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker returns a locker shared by every node using client. A lock
// expires after ttl if its holder dies.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) AttemptLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "gema:lock:"
	}
	return &redisLocker{client: client, prefix: prefix, ttl: ttl, retry: 20 * time.Millisecond}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.client, []string{name}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}
