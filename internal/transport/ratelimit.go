package transport

import (
	"sync"
	"time"
)

// rateTracker tracks per-IP request counts within a rolling second window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
	}
}

func (rt *rateTracker) allow(ip string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		if len(rt.counts) > 4096 {
			rt.prune(now)
		}
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// prune drops buckets whose window has passed.
func (rt *rateTracker) prune(now time.Time) {
	for ip, b := range rt.counts {
		if now.Sub(b.windowStart) >= time.Second {
			delete(rt.counts, ip)
		}
	}
}
