// Package scheduler runs the gateway's periodic maintenance: idle session
// sweeps, throttle and auth key pruning, stats snapshots and the daily
// login history and log file cleanup.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/util"
)

// Sweeper drops idle and closed sessions.
type Sweeper interface {
	Sweep(idle time.Duration) int
}

// ThrottlePruner drops expired connect-rate windows.
type ThrottlePruner interface {
	PruneThrottle() int
}

// KeyPruner drops expired shard auth keys.
type KeyPruner interface {
	PruneKeys() int
}

// LoginHistory trims the login audit table.
type LoginHistory interface {
	CleanLoginHistory(days int) (int64, error)
}

// Deps are the components the scheduler maintains. Nil members are skipped.
type Deps struct {
	Sessions Sweeper
	Listener ThrottlePruner
	Gateway  KeyPruner
	Accounts LoginHistory
	Stats    *diag.Stats
	Bus      *events.Bus
}

// Counters summarises what the scheduler has done so far.
type Counters struct {
	Sweeps         uint64 `json:"sweeps"`
	SessionsSwept  uint64 `json:"sessions_swept"`
	KeysPruned     uint64 `json:"keys_pruned"`
	LoginsTrimmed  uint64 `json:"logins_trimmed"`
	LogsRemoved    uint64 `json:"logs_removed"`
	StatsSnapshots uint64 `json:"stats_snapshots"`
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	// Housekeeping runs daily at this local time.
	housekeepingHour, housekeepingMinute int

	sweeps         atomic.Uint64
	sessionsSwept  atomic.Uint64
	keysPruned     atomic.Uint64
	loginsTrimmed  atomic.Uint64
	logsRemoved    atomic.Uint64
	statsSnapshots atomic.Uint64
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:              cfg,
		deps:             deps,
		logger:           util.ComponentLogger("scheduler"),
		now:              time.Now,
		housekeepingHour: 4,
	}
}

// SetHousekeepingTime changes the daily housekeeping time from "HH:MM".
func (s *Scheduler) SetHousekeepingTime(hhmm string) error {
	var hour, minute int
	if _, err := fmt.Sscanf(strings.TrimSpace(hhmm), "%d:%d", &hour, &minute); err != nil {
		return fmt.Errorf("invalid housekeeping time %q: %w", hhmm, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid housekeeping time %q", hhmm)
	}
	s.housekeepingHour, s.housekeepingMinute = hour, minute
	return nil
}

// Start runs every task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	timers := s.cfg.GetTimers()
	s.logger.Info().
		Int("sweep_interval_sec", timers.SweepInterval).
		Int("stats_interval_sec", timers.StatsInterval).
		Msg("scheduler started")

	var wg sync.WaitGroup
	every := func(interval int, task func(context.Context)) {
		if interval <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(config.Seconds(interval))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					task(ctx)
				}
			}
		}()
	}

	every(timers.SweepInterval, s.Sweep)
	every(timers.StatsInterval, s.PublishStats)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runHousekeepingLoop(ctx)
	}()

	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Sweep drops idle sessions, expired throttle windows and expired auth keys.
func (s *Scheduler) Sweep(_ context.Context) {
	s.sweeps.Add(1)
	idle := config.Seconds(s.cfg.GetTimers().IdleTimeout)

	var swept, throttled, keys int
	if s.deps.Sessions != nil {
		swept = s.deps.Sessions.Sweep(idle)
		s.sessionsSwept.Add(uint64(swept))
	}
	if s.deps.Listener != nil {
		throttled = s.deps.Listener.PruneThrottle()
	}
	if s.deps.Gateway != nil {
		keys = s.deps.Gateway.PruneKeys()
		s.keysPruned.Add(uint64(keys))
	}

	if swept+throttled+keys > 0 {
		s.logger.Debug().
			Int("sessions", swept).
			Int("throttle_windows", throttled).
			Int("auth_keys", keys).
			Msg("sweep completed")
	}
}

// PublishStats logs a counter summary and emits it on the bus.
func (s *Scheduler) PublishStats(ctx context.Context) {
	if s.deps.Stats == nil {
		return
	}
	snap := s.deps.Stats.Snapshot()
	s.statsSnapshots.Add(1)

	s.logger.Info().
		Int64("live_sessions", snap.LiveSessions).
		Uint64("accepted", snap.AcceptedSessions).
		Uint64("handshake_failed", snap.HandshakeFailed).
		Uint64("faults", snap.TotalFaults()).
		Str("wire_in", formatBytes(int64(snap.WireBytesIn))).
		Str("wire_out", formatBytes(int64(snap.WireBytesOut))).
		Msg("stats snapshot")

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(ctx, events.Event{
			Type:    events.EventStatsSnapshot,
			Source:  "scheduler",
			Payload: snap,
		})
	}
}

// Housekeeping trims the login history and removes old log files, both by
// the configured retention.
func (s *Scheduler) Housekeeping(_ context.Context) {
	logging := s.cfg.GetLogging()

	var trimmed int64
	if s.deps.Accounts != nil {
		n, err := s.deps.Accounts.CleanLoginHistory(logging.RetentionDays)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to trim login history")
		}
		trimmed = n
		s.loginsTrimmed.Add(uint64(n))
	}

	removed := util.CleanOldLogs(logging.Directory, logging.RetentionDays, s.now())
	s.logsRemoved.Add(uint64(removed))

	s.logger.Info().
		Int64("logins_trimmed", trimmed).
		Int("logs_removed", removed).
		Int("retention_days", logging.RetentionDays).
		Msg("housekeeping completed")
}

func (s *Scheduler) runHousekeepingLoop(ctx context.Context) {
	for {
		nextRun := s.nextHousekeeping(s.now())
		wait := nextRun.Sub(s.now())
		if wait <= 0 {
			wait = 24 * time.Hour
		}
		s.logger.Debug().Time("next_run", nextRun).Dur("sleep", wait).Msg("housekeeping scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Housekeeping(ctx)
		}
	}
}

// nextHousekeeping returns the first housekeeping time strictly after now.
func (s *Scheduler) nextHousekeeping(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.housekeepingHour, s.housekeepingMinute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Counters returns the task counters.
func (s *Scheduler) Counters() Counters {
	return Counters{
		Sweeps:         s.sweeps.Load(),
		SessionsSwept:  s.sessionsSwept.Load(),
		KeysPruned:     s.keysPruned.Load(),
		LoginsTrimmed:  s.loginsTrimmed.Load(),
		LogsRemoved:    s.logsRemoved.Load(),
		StatsSnapshots: s.statsSnapshots.Load(),
	}
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
