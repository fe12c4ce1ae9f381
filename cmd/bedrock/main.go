// Bedrock - Minecraft Bedrock Edition protocol server and relay.
//
// Bedrock listens for Bedrock clients over RakNet or WebSocket, negotiates
// versions, compression and login, and either hosts players itself or
// relays them to an upstream server. Around the protocol engine it runs a
// REST admin API, session history in SQLite, health checks, MQTT telemetry
// and an interactive console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/api"
	"github.com/energizer-project/bedrock/internal/cli"
	"github.com/energizer-project/bedrock/internal/client"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/db"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/health"
	"github.com/energizer-project/bedrock/internal/relay"
	"github.com/energizer-project/bedrock/internal/scheduler"
	"github.com/energizer-project/bedrock/internal/server"
	"github.com/energizer-project/bedrock/internal/telemetry"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/util"
)

const Banner = `
  _              _                _
 | |__  ___   __| |_ _  ___  ___ | | __
 | '_ \/ -_) / _' | '_|/ _ \/ __|| |/ /
 |_.__/\___| \__,_|_|  \___/\___||_|\_\
  v%s  Minecraft Bedrock protocol server & relay
`

func main() {
	fmt.Printf(Banner, util.AppVersion)
	fmt.Println()

	// Defaults until the configuration is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.AppVersion).
		Str("platform", string(util.GetPlatform())).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting bedrock")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.ApplicationData.Logging
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if cfg.IsFirstRun() {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
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

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	backend, err := transport.Get(cfg.Server.Backend)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid transport backend")
	}

	// The listening leg. A relay is a server whose players are forwarded.
	var srv *server.Server
	switch cfg.Mode {
	case config.ModeRelay:
		r, err := relay.New(relay.Options{
			Server:        cfg.GetServer(),
			Upstream:      cfg.GetClient(),
			Destination:   cfg.GetRelay().Destination,
			ServerOptions: []server.Option{server.WithEventBus(eventBus), server.WithBackend(backend)},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create relay")
		}
		srv = r.Server
	default:
		srv, err = server.New(cfg.GetServer(), server.WithEventBus(eventBus), server.WithBackend(backend))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create server")
		}
	}

	// Session history and operators.
	var (
		database  *db.Database
		history   *db.SessionStore
		operators *db.OperatorStore
		pruner    scheduler.HistoryPruner
	)
	if dbCfg := cfg.ApplicationData.Database; dbCfg.Enabled {
		database, err = db.NewDatabase(dbCfg.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		if history, err = db.NewSessionStore(database); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare session history")
		}
		if operators, err = db.NewOperatorStore(database); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare operators")
		}
		history.Subscribe(eventBus)
		pruner = history

		if n, err := operators.PruneActions(cfg.ApplicationData.Timers.HistoryRetentionDays); err != nil {
			log.Warn().Err(err).Msg("failed to prune audit log")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("pruned audit log")
		}
	}

	pinger := client.NewPinger(backend, client.DefaultPingTTL)

	timers := cfg.ApplicationData.Timers
	healthMgr := health.NewManager(time.Duration(timers.HealthCheckInterval)*time.Second, eventBus)
	healthMgr.Add("listener", health.ListenerCheck(backend, srv.Addr))
	if cfg.Mode == config.ModeRelay {
		upstreamBackend := backend
		if b, err := transport.Get(cfg.Client.Backend); err == nil {
			upstreamBackend = b
		}
		healthMgr.Add("upstream", health.UpstreamCheck(upstreamBackend, cfg.Relay.Destination.Address()))
	}
	if database != nil {
		healthMgr.Add("disk", health.DiskCheck(filepath.Dir(database.Path()), health.DiskCriticalPercent))
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.ApplicationData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.ApplicationData.MQTT, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(timers, srv, pruner, eventBus)

	var apiServer *api.Server
	if cfg.ApplicationData.API.Enabled {
		apiServer = api.NewServer(cfg, srv)
		apiServer.SetDependencies(operators, history, pinger)
		apiServer.SetHealth(healthMgr)
	}

	console := cli.NewCLI(cfg, eventBus, srv)
	console.SetDependencies(history, pinger)

	if err := srv.Listen(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("task", name).Msg("starting")
			fn()
		}()
	}

	run("scheduler", func() { sched.Start(ctx) })
	run("health", func() { healthMgr.Start(ctx) })
	if mqttHandler != nil {
		run("mqtt", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}
	if apiServer != nil {
		run("api", func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("API server failed")
			}
		})
	}
	// The console blocks on stdin, so it is not waited for.
	go console.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	timeout := time.Duration(timers.ShutdownTimeout) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Close(shutdownCtx, server.DefaultCloseReason); err != nil {
		log.Warn().Err(err).Msg("server did not close cleanly")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn().Dur("timeout", timeout).Msg("shutdown timed out, forcing exit")
	}

	eventBus.Stop(time.Second)
	if database != nil {
		if err := database.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}

	log.Info().Msg("bedrock stopped")
}
