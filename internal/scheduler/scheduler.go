// Package scheduler runs the periodic housekeeping of a listening server:
// sweeping idle sessions, pruning session history and publishing status
// snapshots on the event bus.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/server"
	"github.com/energizer-project/bedrock/internal/util"
)

// Target is the server the scheduler maintains.
type Target interface {
	CleanStale(timeout time.Duration) int
	Status() server.Status
}

// HistoryPruner removes old session history.
type HistoryPruner interface {
	Prune(olderThan time.Duration) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	timers   config.TimerConfig
	target   Target
	history  HistoryPruner
	eventBus *events.EventBus

	// hostStats is replaceable in tests; gopsutil probes are slow.
	hostStats func() (cpu, mem float64)
}

// NewScheduler creates a scheduler for target. history may be nil when
// the database is disabled.
func NewScheduler(timers config.TimerConfig, target Target, history HistoryPruner, eventBus *events.EventBus) *Scheduler {
	return &Scheduler{
		timers:    timers,
		target:    target,
		history:   history,
		eventBus:  eventBus,
		hostStats: hostStats,
	}
}

// Start runs every task with a positive interval and blocks until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	var wg sync.WaitGroup
	run := func(name string, seconds int, task func()) {
		if seconds <= 0 {
			log.Debug().Str("task", name).Msg("task disabled")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, name, time.Duration(seconds)*time.Second, task)
		}()
	}

	run("stale_sweep", s.timers.StaleSweepInterval, func() { s.SweepStale() })
	if s.history != nil {
		run("history_prune", s.timers.HistoryPruneInterval, func() { s.PruneHistory() })
	}
	run("stats", s.timers.StatsInterval, func() { s.PublishStats() })

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, task func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Debug().Str("task", name).Dur("interval", interval).Msg("task scheduled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// SweepStale closes sessions idle for longer than the configured timeout.
func (s *Scheduler) SweepStale() int {
	idle := time.Duration(s.timers.SessionIdleTimeout) * time.Second
	if idle <= 0 {
		return 0
	}
	n := s.target.CleanStale(idle)
	if n > 0 {
		log.Info().Int("closed", n).Dur("idle", idle).Msg("stale sessions swept")
	}
	return n
}

// PruneHistory drops closed sessions past the retention period.
func (s *Scheduler) PruneHistory() int64 {
	if s.history == nil || s.timers.HistoryRetentionDays <= 0 {
		return 0
	}
	n, err := s.history.Prune(time.Duration(s.timers.HistoryRetentionDays) * 24 * time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("history prune failed")
		return 0
	}
	return n
}

// PublishStats emits a status snapshot of the target and the host.
func (s *Scheduler) PublishStats() events.ServerStatusPayload {
	st := s.target.Status()
	payload := events.ServerStatusPayload{
		Address:    st.Address,
		Version:    st.Version,
		Sessions:   st.Sessions,
		Players:    st.Players,
		MaxPlayers: st.MaxPlayers,
		Uptime:     int64(st.Uptime / time.Second),
	}
	payload.CPUPercent, payload.MemPercent = s.hostStats()

	log.Debug().
		Int("sessions", payload.Sessions).
		Float64("cpu", payload.CPUPercent).
		Msg("stats collected")

	s.eventBus.Publish(events.EventServerStatus, "scheduler", payload)
	return payload
}

func hostStats() (cpu, mem float64) {
	cpu, _ = util.GetCPUUsage()
	if m, err := util.GetMemoryUsage(); err == nil {
		mem = m.UsedPercent
	}
	return cpu, mem
}
