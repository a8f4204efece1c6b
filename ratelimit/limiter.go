package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const pollInterval = 100 * time.Millisecond

// slideScript does prune + count + conditional insert in one atomic step so
// two workers can never both observe free capacity and both claim the last
// slot. KEYS[1] = window key; ARGV = window start, limit, now-score, member,
// expiry ms. Returns 1 when the slot was claimed.
var slideScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  return 1
end
return 0
`)

// Limiter bounds acquisitions to `limit` per rolling `period` across every
// process sharing the same Redis, falling back to process-local enforcement
// when Redis is absent or unreachable. Limiter connectivity trouble is a
// soft-degrade, never an error surfaced to callers.
type Limiter struct {
	name   string
	limit  int
	period time.Duration
	logger *zap.Logger

	rdb *redis.Client

	mu       sync.Mutex
	local    []time.Time
	degraded bool
}

func NewLimiter(name string, limit int, period time.Duration, rdb *redis.Client, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		name:   name,
		limit:  limit,
		period: period,
		logger: logger,
		rdb:    rdb,
	}
}

// Acquire claims a slot in the sliding window. timeout == 0 answers
// immediately, timeout < 0 blocks until a slot frees or ctx is done,
// timeout > 0 blocks for at most that long.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if l.tryAcquire(ctx) {
			return true
		}
		if timeout == 0 {
			return false
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

func (l *Limiter) tryAcquire(ctx context.Context) bool {
	if l.rdb != nil && !l.isDegraded() {
		ok, err := l.tryAcquireRedis(ctx)
		if err == nil {
			return ok
		}
		l.degrade(err)
	}
	return l.tryAcquireLocal()
}

func (l *Limiter) tryAcquireRedis(ctx context.Context) (bool, error) {
	now := time.Now()
	windowStart := float64(now.UnixMicro()-l.period.Microseconds()) / 1e6
	score := float64(now.UnixMicro()) / 1e6
	member := fmt.Sprintf("%d", now.UnixNano())

	res, err := slideScript.Run(ctx, l.rdb,
		[]string{"ratelimit:" + l.name},
		windowStart,
		l.limit,
		score,
		member,
		l.period.Milliseconds()+1000,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (l *Limiter) tryAcquireLocal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.period)

	kept := l.local[:0]
	for _, t := range l.local {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.local = kept

	if len(l.local) >= l.limit {
		return false
	}
	l.local = append(l.local, now)
	return true
}

func (l *Limiter) isDegraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// degrade flips the limiter to in-memory mode permanently for this process.
func (l *Limiter) degrade(err error) {
	l.mu.Lock()
	wasDegraded := l.degraded
	l.degraded = true
	l.mu.Unlock()

	if !wasDegraded {
		l.logger.Warn("Rate limiter falling back to in-memory enforcement",
			zap.String("limiter", l.name),
			zap.Error(err),
		)
	}
}
