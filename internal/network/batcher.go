package network

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultBatchingInterval is how long a queued packet waits for company
// before its batch is flushed.
const DefaultBatchingInterval = 20 * time.Millisecond

// Batcher flushes connection queues on a deadline. A connection is
// scheduled when its queue goes from empty to non-empty and flushed one
// interval later, so packets queued within that window share one batch.
// One Batcher serves any number of connections from a single goroutine.
type Batcher struct {
	interval time.Duration

	mu  sync.Mutex
	due map[*Connection]time.Time

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBatcher starts a batcher. A non-positive interval flushes as soon as
// the batcher goroutine gets to it.
func NewBatcher(interval time.Duration) *Batcher {
	if interval < 0 {
		interval = 0
	}
	b := &Batcher{
		interval: interval,
		due:      make(map[*Connection]time.Time),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go b.loop()
	return b
}

// Interval returns the batching interval.
func (b *Batcher) Interval() time.Duration { return b.interval }

// Schedule arranges a flush of c one interval from now, unless one is
// already pending.
func (b *Batcher) Schedule(c *Connection) {
	b.mu.Lock()
	if _, ok := b.due[c]; ok {
		b.mu.Unlock()
		return
	}
	b.due[c] = time.Now().Add(b.interval)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Remove cancels a pending flush of c.
func (b *Batcher) Remove(c *Connection) {
	b.mu.Lock()
	delete(b.due, c)
	b.mu.Unlock()
}

// Pending returns the number of connections waiting for a flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.due)
}

// Stop ends the batcher goroutine. Pending flushes are abandoned.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *Batcher) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := b.nextDeadline()
		if ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-b.stop:
			return
		case <-b.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		case <-timer.C:
		}

		for _, c := range b.takeDue(time.Now()) {
			if err := c.Flush(); err != nil && !errors.Is(err, ErrConnectionClosed) {
				log.Debug().Str("component", "batcher").Str("remote", c.Key()).Err(err).Msg("flush failed")
			}
		}
	}
}

func (b *Batcher) nextDeadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var next time.Time
	for _, at := range b.due {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next, !next.IsZero()
}

func (b *Batcher) takeDue(now time.Time) []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []*Connection
	for c, at := range b.due {
		if !at.After(now) {
			ready = append(ready, c)
			delete(b.due, c)
		}
	}
	return ready
}
