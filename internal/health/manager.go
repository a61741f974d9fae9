// Package health runs the periodic shard reachability probes, the disk
// check on the data directory and the heartbeat. Probe results feed the
// server list the gateway advertises.
package health

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/gateway"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/util"
)

const probeTimeout = 3 * time.Second

// DialFunc opens a probe connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ShardStatus is the last probe result for one shard.
type ShardStatus struct {
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	Up        bool          `json:"up"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

// Manager runs periodic health checks and serves as the gateway's shard
// directory.
type Manager struct {
	cfg      *config.Config
	bus      *events.Bus
	sessions *session.Table
	dial     DialFunc
	logger   zerolog.Logger

	mu     sync.RWMutex
	status map[int]ShardStatus // by configuration index
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, bus *events.Bus, sessions *session.Table) *Manager {
	d := &net.Dialer{Timeout: probeTimeout}
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		sessions: sessions,
		dial:     d.DialContext,
		logger:   util.ComponentLogger("health"),
		status:   make(map[int]ShardStatus),
	}
}

// SetDialer replaces the probe dialer.
func (m *Manager) SetDialer(dial DialFunc) {
	m.dial = dial
}

// Start launches every check with its own ticker and blocks until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetTimers()

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"shards", timers.ShardCheckInterval, m.CheckShards},
		{"disk_utilization", timers.DiskCheckInterval, m.checkDiskUtilization},
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(config.Seconds(check.interval))
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", len(checks)).Msg("health check manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// CheckShards probes every configured shard once.
func (m *Manager) CheckShards(ctx context.Context) {
	for i, sh := range m.cfg.GetShards() {
		address := net.JoinHostPort(sh.Address, fmt.Sprint(sh.Port))
		st := ShardStatus{Name: sh.Name, Address: address, CheckedAt: time.Now()}

		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		conn, err := m.dial(pctx, "tcp", address)
		cancel()
		if err == nil {
			st.Up = true
			st.Latency = time.Since(start)
			conn.Close()
		} else {
			st.Error = err.Error()
		}

		m.mu.Lock()
		prev, seen := m.status[i]
		m.status[i] = st
		m.mu.Unlock()

		if seen && prev.Up == st.Up {
			continue
		}
		ev := m.logger.Info()
		if !st.Up {
			ev = m.logger.Warn().Str("error", st.Error)
		}
		ev.Str("shard", sh.Name).Str("address", address).Bool("up", st.Up).Msg("shard reachability changed")
		m.emit(ctx, events.EventShardHealth, events.ShardHealthPayload{
			Shard:   sh.Name,
			Address: address,
			Up:      st.Up,
			Error:   st.Error,
		})
	}
}

// Status returns the last probe result of every shard, in configuration
// order. Shards not probed yet are omitted.
func (m *Manager) Status() []ShardStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ShardStatus
	for i := range m.cfg.GetShards() {
		if st, ok := m.status[i]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Shards implements gateway.ShardDirectory. A shard is up until a probe
// says otherwise.
func (m *Manager) Shards() []gateway.Shard {
	shards := gateway.ShardsFromConfig(m.cfg.GetShards())

	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range shards {
		if st, ok := m.status[int(shards[i].Index)]; ok {
			shards[i].Up = st.Up
		}
	}
	return shards
}

// checkDiskUtilization monitors the database volume and alerts at thresholds.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := filepath.Dir(m.cfg.GetDatabase().Path)
	usage, err := util.GetDiskUsage(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
		return
	}

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	level := diskAlertLevel(usage.UsedPercent)
	if level == "" {
		return
	}

	m.logger.Warn().Str("level", level).Str("path", path).
		Msgf("disk usage at %.1f%% (%d GB free of %d GB total)", usage.UsedPercent, usage.Free, usage.Total)
	m.emit(ctx, events.EventDiskAlert, events.DiskAlertPayload{
		Path:        path,
		UsedPercent: usage.UsedPercent,
		Level:       level,
	})
}

// diskAlertLevel maps usage to an alert level: 80%, 90%, 95%, 100%.
func diskAlertLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 100:
		return "critical"
	case usedPercent >= 95:
		return "error"
	case usedPercent >= 90:
		return "warning"
	case usedPercent >= 80:
		return "info"
	}
	return ""
}

func (m *Manager) heartbeat(ctx context.Context) {
	payload := events.HeartbeatPayload{Timestamp: time.Now().Unix()}
	if m.sessions != nil {
		payload.Sessions = m.sessions.Count()
	}
	for _, st := range m.Status() {
		if st.Up {
			payload.ShardsUp++
		} else {
			payload.ShardsDown++
		}
	}
	m.emit(ctx, events.EventHeartbeat, payload)
}

func (m *Manager) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, events.Event{Type: t, Source: "health_check", Payload: payload})
}
