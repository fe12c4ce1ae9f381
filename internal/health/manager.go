// Package health runs periodic checks on the listening leg, the relay
// upstream and local disk space, and reports state changes on the bus.
package health

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/advertisement"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/util"
)

// CheckTimeout bounds a single check run.
const CheckTimeout = 5 * time.Second

// Disk usage thresholds, in percent.
const (
	DiskWarnPercent     = 90.0
	DiskCriticalPercent = 95.0
)

// CheckFunc returns nil when the checked subsystem is healthy.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of the latest run of one check.
type Result struct {
	Check     string    `json:"check"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type check struct {
	name string
	fn   CheckFunc
}

// Manager runs registered checks on a fixed interval.
type Manager struct {
	interval time.Duration
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu      sync.RWMutex
	checks  []check
	results map[string]Result
}

// NewManager creates a health check manager. A non-positive interval
// disables the periodic loop; RunOnce still works.
func NewManager(interval time.Duration, eventBus *events.EventBus) *Manager {
	return &Manager{
		interval: interval,
		eventBus: eventBus,
		results:  make(map[string]Result),
		logger:   log.With().Str("component", "health").Logger(),
	}
}

// Add registers a named check.
func (m *Manager) Add(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, fn: fn})
}

// Start runs every check immediately and then on each tick until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		m.logger.Info().Msg("health checks disabled")
		return
	}

	m.RunOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.interval).
		Int("checks", len(m.checks)).
		Msg("health check manager started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check once and returns the results sorted by name.
func (m *Manager) RunOnce(ctx context.Context) []Result {
	m.mu.RLock()
	checks := append([]check(nil), m.checks...)
	m.mu.RUnlock()

	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		err := c.fn(cctx)
		cancel()

		res := Result{Check: c.name, Healthy: err == nil, CheckedAt: time.Now()}
		if err != nil {
			res.Detail = err.Error()
		}
		m.record(res)
	}
	return m.Results()
}

func (m *Manager) record(res Result) {
	m.mu.Lock()
	prev, seen := m.results[res.Check]
	m.results[res.Check] = res
	m.mu.Unlock()

	if seen && prev.Healthy == res.Healthy {
		return
	}

	ev := m.logger.Info()
	if !res.Healthy {
		ev = m.logger.Warn()
	}
	ev.Str("check", res.Check).
		Bool("healthy", res.Healthy).
		Str("detail", res.Detail).
		Msg("health state changed")

	m.eventBus.Publish(events.EventHealthChanged, "health", events.HealthPayload{
		Check:   res.Check,
		Healthy: res.Healthy,
		Detail:  res.Detail,
		Time:    res.CheckedAt,
	})
}

// Results returns the latest result of every check that has run.
func (m *Manager) Results() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Result, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Check < out[j].Check })
	return out
}

// Healthy reports whether every check passed on its latest run.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if !r.Healthy {
			return false
		}
	}
	return true
}

// ListenerCheck pings the local listener through its own backend. An
// unspecified host is replaced by loopback.
func ListenerCheck(backend transport.Backend, addr func() string) CheckFunc {
	return func(ctx context.Context) error {
		a := addr()
		if a == "" {
			return fmt.Errorf("not listening")
		}
		return pingAddress(ctx, backend, loopback(a))
	}
}

// UpstreamCheck pings the server a relay forwards to.
func UpstreamCheck(backend transport.Backend, address string) CheckFunc {
	return func(ctx context.Context) error {
		return pingAddress(ctx, backend, address)
	}
}

// DiskCheck fails once the volume holding path is used above limit percent.
func DiskCheck(path string, limit float64) CheckFunc {
	return func(context.Context) error {
		usage, err := util.GetDiskUsage(path)
		if err != nil {
			return err
		}
		if usage.UsedPercent >= limit {
			return fmt.Errorf("disk usage at %.1f%% (%d GB free of %d GB)",
				usage.UsedPercent, usage.Free, usage.Total)
		}
		return nil
	}
}

func pingAddress(ctx context.Context, backend transport.Backend, address string) error {
	raw, err := backend.Ping(ctx, address)
	if err != nil {
		return fmt.Errorf("ping %s: %w", address, err)
	}
	if _, err := advertisement.Parse(raw); err != nil {
		return fmt.Errorf("ping %s: %w", address, err)
	}
	return nil
}

func loopback(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if ip != nil && ip.To4() == nil {
			return net.JoinHostPort("::1", port)
		}
		return net.JoinHostPort("127.0.0.1", port)
	}
	return address
}
