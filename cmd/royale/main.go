// Royale - multiplayer rhythm-game lobby server.
//
// Royale accepts game clients over TCP, runs nomination, voting and
// synchronized song rounds, exposes an admin REST API and console, and
// publishes round telemetry via MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/royale-project/royale/internal/api"
	"github.com/royale-project/royale/internal/chart"
	"github.com/royale-project/royale/internal/cli"
	"github.com/royale-project/royale/internal/config"
	"github.com/royale-project/royale/internal/events"
	"github.com/royale-project/royale/internal/health"
	"github.com/royale-project/royale/internal/lobby"
	"github.com/royale-project/royale/internal/network"
	"github.com/royale-project/royale/internal/scheduler"
	"github.com/royale-project/royale/internal/telemetry"
	"github.com/royale-project/royale/internal/util"
)

const (
	AppName    = "Royale"
	AppVersion = "1.0.0"
	Banner     = `
  ____                   _
 |  _ \ ___  _   _  __ _| | ___
 | |_) / _ \| | | |/ _' | |/ _ \
 |  _ < (_) | |_| | (_| | |  __/
 |_| \_\___/ \__, |\__,_|_|\___|
             |___/  v%s
 Rhythm Battle Lobby Server
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Royale")

	configDir := config.DefaultConfigDir
	if dir := os.Getenv("ROYALE_CONFIG_DIR"); dir != "" {
		configDir = dir
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
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

	srv := cfg.GetServer()
	timers := cfg.GetTimers()
	lobbyServer := lobby.New(lobby.Settings{
		Motd:           srv.Motd,
		SafeFrames:     uint8(srv.SafeFrames),
		VotingEnabled:  srv.VotingEnabled,
		MinPlayers:     srv.MinPlayers,
		MaxNominations: srv.MaxNominations,
		Nominate:       timers.Nominate(),
		Vote:           timers.Vote(),
		Prepare:        timers.Prepare(),
		Finish:         timers.Finish(),
		Heartbeat:      timers.Heartbeat(),
		GameEndGrace:   timers.GameEndGrace(),
	}, chart.NewLoader(srv.ChartsDir), chart.NewAssetSource(srv.SilenceClip), lobby.WithEvents(eventBus))

	if _, err := lobbyServer.ReloadCharts(true); err != nil {
		log.Warn().Err(err).Str("dir", srv.ChartsDir).Msg("initial chart load failed, starting with an empty catalogue")
	}

	tcpListener := network.NewTCPListener(fmt.Sprintf(":%d", srv.Port), lobbyServer, network.Auth{
		Password:      srv.Password,
		AdminPassword: srv.AdminPassword,
	})

	var apiServer *api.Server
	if cfg.GetAPI().Enabled {
		apiServer = api.NewServer(cfg, lobbyServer)
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.GetMQTT(), eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	healthMgr := health.NewManager(cfg, eventBus, tcpListener.Registry(), lobbyServer)
	sched := scheduler.NewScheduler(cfg, lobbyServer)
	quitCh := make(chan struct{})
	var quitOnce sync.Once
	cliHandler := cli.NewCLI(lobbyServer, eventBus, os.Stdin, os.Stdout, func() {
		quitOnce.Do(func() { close(quitCh) })
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting lobby heartbeat")
		lobbyServer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", srv.Port).Msg("starting TCP listener")
		warnIfPortBusy("TCP listener", srv.Port)
		if err := startWithRetry(ctx, "TCP listener", tcpListener.Start, 5); err != nil {
			log.Error().Err(err).Msg("TCP listener failed after retries")
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting REST API server")
		warnIfPortBusy("API server", cfg.GetAPI().Port)
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

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
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// The console is not waited for: it may be blocked reading stdin.
	go cliHandler.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
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

	eventBus.Stop()
	log.Info().Msg("Royale stopped")
}

func warnIfPortBusy(name string, port int) {
	if !config.IsPortAvailable(port) {
		log.Warn().Str("component", name).Int("port", port).Msg("port is already in use, bind will be retried")
	}
}

// startWithRetry retries startFn on failure with a fixed 3-second interval,
// which covers sockets still held by a previous process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
