// shardgate - login gateway and protocol engine for legacy MMO clients.
//
// shardgate accepts game clients, negotiates encryption and compression per
// client version, authenticates accounts against a sqlite store and
// redirects players to their shard. A REST API, an operator console and
// MQTT telemetry expose what the engine is doing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/api"
	"github.com/energizer-project/shardgate/internal/cli"
	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/db"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/dispatch"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/gateway"
	"github.com/energizer-project/shardgate/internal/health"
	"github.com/energizer-project/shardgate/internal/network"
	"github.com/energizer-project/shardgate/internal/scheduler"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/telemetry"
	"github.com/energizer-project/shardgate/internal/util"
)

const (
	AppName    = "shardgate"
	AppVersion = api.Version
	Banner     = `
      _                   _             _
  ___| |__   __ _ _ __ __| | __ _  __ _| |_ ___
 / __| '_ \ / _' | '__/ _' |/ _' |/ _' | __/ _ \
 \__ \ | | | (_| | | | (_| | (_| | (_| | ||  __/
 |___/_| |_|\__,_|_|  \__,_|\__, |\__,_|\__\___|
                            |___/  v%s
 Login gateway & protocol engine
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	runSetup := flag.Bool("setup", false, "run the interactive setup wizard before starting")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting shardgate")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:         logging.Level,
		Directory:     logging.Directory,
		RetentionDays: logging.RetentionDays,
		Console:       true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if *runSetup || !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Info().Msg("launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dbCfg := cfg.GetDatabase()
	database, err := db.NewDatabase(dbCfg.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	policies, err := db.NewPolicyStore(ctx, database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load version policies")
	}
	accounts := db.NewAccountStore(database)

	// Protocol engine
	bus := events.NewBus()
	stats := diag.NewStats()
	sessions := session.NewTable()
	registry := dispatch.NewRegistry()

	healthMgr := health.NewManager(cfg, bus, sessions)

	timers := cfg.GetTimers()
	gw := gateway.New(accounts, gateway.Options{
		Shards:             healthMgr,
		AutoCreateAccounts: dbCfg.AutoCreateAccounts,
		AuthKeyTTL:         config.Seconds(timers.AuthKeyTTL),
		Sessions:           sessions,
		Bus:                bus,
	})
	if err := gw.Register(registry); err != nil {
		log.Fatal().Err(err).Msg("failed to register login handlers")
	}

	queue := dispatch.NewTaskQueue(cfg.GetProtocol().Workers)
	dispatcher := dispatch.NewDispatcher(registry, sessions, queue, stats)
	tcpListener := network.NewTCPListener(cfg, sessions, dispatcher, policies, stats, bus)

	// Outer surfaces
	var apiServer *api.Server
	if cfg.GetAPI().Enabled {
		apiServer = api.NewServer(cfg, api.Deps{
			Sessions: sessions,
			Stats:    stats,
			Registry: registry,
			Queue:    queue,
			Policies: policies,
			Accounts: accounts,
			Gateway:  gw,
			Health:   healthMgr,
			Bus:      bus,
		})
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, scheduler.Deps{
		Sessions: sessions,
		Listener: tcpListener,
		Gateway:  gw,
		Accounts: accounts,
		Stats:    stats,
		Bus:      bus,
	})

	shutdownCh := make(chan string, 1)
	bus.Subscribe(events.EventShutdown, "main.shutdown", func(_ context.Context, e events.Event) error {
		select {
		case shutdownCh <- e.Source:
		default:
		}
		return nil
	})

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	queue.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.GetNetwork().ListenAddr()).Msg("starting login listener")
		if err := startWithRetry(ctx, "login listener", tcpListener.Start, 5); err != nil {
			log.Error().Err(err).Msg("login listener failed after retries")
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if !*noConsole {
		console := cli.NewCLI(cli.Deps{
			Sessions: sessions,
			Stats:    stats,
			Health:   healthMgr,
			Policies: policies,
			Bus:      bus,
		}, os.Stdout)
		// Not in wg: a read on stdin cannot be interrupted.
		go console.Start(ctx, os.Stdin)
	}

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case source := <-shutdownCh:
		log.Info().Str("source", source).Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	if err := tcpListener.Stop(); err != nil {
		log.Debug().Err(err).Msg("listener close")
	}
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			log.Warn().Err(err).Msg("API server shutdown failed")
		}
	}
	sessions.CloseAll("shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	queue.Stop()
	bus.Stop()

	log.Info().Msg("shardgate stopped")
}

// startWithRetry attempts to start a listener or server, retrying bind
// errors every 3 seconds. It returns nil once startFn returns nil, or the
// last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil || ctx.Err() != nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
