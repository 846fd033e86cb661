package relay

import (
	"hash/fnv"
	"sync"
	"time"
)

const limiterShards = 32

// DefaultRateLimitPerSec is the per-sender message budget.
const DefaultRateLimitPerSec = 20

type senderWindow struct {
	times []time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	senders map[string]*senderWindow
}

// rateLimiter enforces a sliding one-second window per sender. Locks are
// sharded by sender so a flood from one identity cannot serialize everyone
// else's sends.
type rateLimiter struct {
	shards [limiterShards]*limiterShard
	limit  int
	window time.Duration
}

func newRateLimiter(limit int) *rateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimitPerSec
	}
	rl := &rateLimiter{limit: limit, window: time.Second}
	for i := range rl.shards {
		rl.shards[i] = &limiterShard{senders: make(map[string]*senderWindow)}
	}
	return rl
}

func (rl *rateLimiter) shardFor(sender string) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(sender))
	return rl.shards[h.Sum32()%limiterShards]
}

// allow records one send attempt and reports whether it fits the window.
func (rl *rateLimiter) allow(sender string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	shard := rl.shardFor(sender)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.senders[sender]
	if !ok {
		w = &senderWindow{}
		shard.senders[sender] = w
	}

	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= rl.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// sweep drops senders whose window holds no attempt newer than the cutoff,
// so the shard maps do not grow forever across distinct identities. Returns
// the number of evicted senders.
func (rl *rateLimiter) sweep() int {
	cutoff := time.Now().Add(-rl.window)
	removed := 0
	for _, shard := range rl.shards {
		shard.mu.Lock()
		for sender, w := range shard.senders {
			active := false
			for _, t := range w.times {
				if t.After(cutoff) {
					active = true
					break
				}
			}
			if !active {
				delete(shard.senders, sender)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// setLimit applies a hot-reloaded budget; existing windows keep their
// recorded attempts.
func (rl *rateLimiter) setLimit(limit int) {
	if limit <= 0 {
		return
	}
	for _, shard := range rl.shards {
		shard.mu.Lock()
	}
	rl.limit = limit
	for _, shard := range rl.shards {
		shard.mu.Unlock()
	}
}
