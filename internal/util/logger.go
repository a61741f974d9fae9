// Package util provides host, logging and crypto helpers used throughout
// shardgate.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level         string
	Directory     string
	RetentionDays int
	Console       bool
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:         "info",
		Directory:     "logs",
		RetentionDays: 7,
		Console:       true,
	}
}

var (
	logMu   sync.Mutex
	logFile *os.File
)

// LogFileName is the daily log file name for day.
func LogFileName(day time.Time) string {
	return "shardgate_" + day.Format(time.DateOnly) + ".log"
}

// InitLogger points the global zerolog logger at today's JSON log file and,
// when enabled, a console writer. Calling it again swaps the outputs and
// closes the previous file.
func InitLogger(cfg LogConfig) error {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}
	path := filepath.Join(cfg.Directory, LogFileName(time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	out := io.Writer(f)
	if cfg.Console {
		out = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly})
	}

	logMu.Lock()
	prev := logFile
	logFile = f
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(out).With().Timestamp().Str("app", "shardgate").Logger()
	logMu.Unlock()

	if prev != nil && prev != f {
		prev.Close()
	}

	log.Info().Str("level", level.String()).Str("log_file", path).Msg("logger initialized")

	go func() {
		if n := CleanOldLogs(cfg.Directory, cfg.RetentionDays, time.Now()); n > 0 {
			log.Info().Int("removed", n).Msg("removed old log files")
		}
	}()
	return nil
}

// CleanOldLogs removes shardgate log files last written more than
// retentionDays before now. A non-positive retention keeps everything.
func CleanOldLogs(directory string, retentionDays int, now time.Time) int {
	if retentionDays <= 0 {
		return 0
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".log" || !strings.HasPrefix(name, "shardgate_") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(directory, name)
		if err := os.Remove(path); err == nil {
			removed++
			log.Debug().Str("file", path).Msg("removed old log file")
		}
	}
	return removed
}

// ComponentLogger derives a logger tagged with component from the current
// global logger. Derive after InitLogger so the configured outputs apply.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
