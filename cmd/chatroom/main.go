// Chatroom - client for msgpack chatroom servers.
//
// The client keeps one session to a chatroom server, correlates requests
// with their responses and routes everything else as notifications to the
// interactive shell, the local HTTP bridge, the chat log and the MQTT relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chatroom-project/chatroom/internal/api"
	"github.com/chatroom-project/chatroom/internal/cli"
	"github.com/chatroom-project/chatroom/internal/client"
	"github.com/chatroom-project/chatroom/internal/config"
	"github.com/chatroom-project/chatroom/internal/db"
	"github.com/chatroom-project/chatroom/internal/events"
	"github.com/chatroom-project/chatroom/internal/health"
	"github.com/chatroom-project/chatroom/internal/scheduler"
	"github.com/chatroom-project/chatroom/internal/session"
	"github.com/chatroom-project/chatroom/internal/telemetry"
	"github.com/chatroom-project/chatroom/internal/util"
)

const (
	AppName    = "Chatroom"
	AppVersion = "1.0.0"
	Banner     = `
   ____ _           _
  / ___| |__   __ _| |_ _ __ ___   ___  _ __ ___
 | |   | '_ \ / _' | __| '__/ _ \ / _ \| '_ ' _ \
 | |___| | | | (_| | |_| | | (_) | (_) | | | | | |
  \____|_| |_|\__,_|\__|_|  \___/ \___/|_| |_| |_|
                                          v%s
`
)

type options struct {
	configDir string
	verbose   int
	headless  bool
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "chatroom",
		Short:         "Client for msgpack chatroom servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configDir, "config", "c", config.DefaultConfigDir, "configuration directory")
	rootCmd.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "raise log verbosity (repeatable)")
	rootCmd.Flags().BoolVar(&opts.headless, "headless", false, "run without the interactive shell")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s/%s)\n", AppName, AppVersion, runtime.GOOS, runtime.GOARCH)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first, reconfigured after the config is loaded.
	logCfg := util.DefaultLogConfig()
	logCfg.Level = util.LevelFromVerbosity(logCfg.Level, opts.verbose)
	if err := util.InitLogger(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting Chatroom")

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging := cfg.GetApplicationData().Logging
	if err := util.InitLogger(util.LogConfig{
		Level:      util.LevelFromVerbosity(logging.Level, opts.verbose),
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
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
		if !cfg.IsFirstRun() || opts.headless {
			return errors.New("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
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

	eventBus := events.NewEventBus()

	srv := cfg.GetServer()
	player := cfg.GetPlayer()
	appData := cfg.GetApplicationData()

	chatClient := client.New(client.Options{
		Session: session.Options{
			ConnectTimeout: srv.ConnectTimeout(),
			WriteTimeout:   srv.WriteTimeout(),
			RequestTimeout: srv.RequestTimeout(),
			MaxFrameSize:   srv.MaxFrameSize(),
		},
		PlayerID: player.PlayerID,
		Master:   player.Master,
		Bus:      eventBus,
	})
	log.Info().Str("player_id", chatClient.PlayerID()).Msg("player identity")

	// History stays a nil interface when the chat log is off.
	var chatLog *db.ChatLog
	var history interface {
		cli.History
		api.History
	}
	if appData.ChatLog.Enabled {
		chatLog, err = db.OpenChatLog(appData.ChatLog.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open chat log, history disabled")
		} else {
			chatLog.Attach(eventBus)
			history = chatLog
		}
	}

	healthMgr := health.NewManager(appData.Keepalive, chatClient, eventBus)

	var relay *telemetry.Relay
	if appData.MQTT.Enabled {
		relay, err = telemetry.NewRelay(appData.MQTT, player.Name, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, relay disabled")
		}
	}

	var apiServer *api.Server
	if appData.API.Enabled {
		if !config.IsPortAvailable(appData.API.Port) {
			log.Warn().Int("port", appData.API.Port).Msg("API port is in use, will retry binding")
		}
		apiServer = api.NewServer(cfg, eventBus, chatClient, history)
	}

	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	var wg sync.WaitGroup

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", appData.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT relay")
			if err := relay.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT relay failed")
			}
		}()
	}

	if chatLog != nil {
		sched := scheduler.NewScheduler(appData.ChatLog, chatLog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	}

	if srv.AutoConnect {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := autoConnect(ctx, cfg, chatClient); err != nil {
				log.Warn().Err(err).Msg("auto-connect failed")
			}
		}()
	}

	if !opts.headless {
		shell := cli.NewCLI(cfg, eventBus, chatClient, history, os.Stdin, os.Stdout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			shell.Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "main"})
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Goodbye goes out while the relay and chat log can still see the
	// disconnect.
	if err := chatClient.Close(); err != nil {
		log.Debug().Err(err).Msg("close on shutdown")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()
	if chatLog != nil {
		if err := chatLog.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close chat log")
		}
	}

	log.Info().Msg("Chatroom stopped")
	return nil
}

// autoConnect runs the configured connect, join and room sequence.
func autoConnect(ctx context.Context, cfg *config.Config, c *client.Client) error {
	srv := cfg.GetServer()
	player := cfg.GetPlayer()

	if err := c.Connect(ctx, srv.Addr()); err != nil {
		return err
	}
	if player.Name == "" {
		log.Info().Str("addr", srv.Addr()).Msg("connected; no player name configured, skipping join")
		return nil
	}
	if _, err := c.JoinServer(ctx, player.Name, player.Password); err != nil {
		return err
	}
	if player.AutoRoom < 0 {
		return nil
	}
	_, err := c.JoinRoom(ctx, player.AutoRoom, "")
	return err
}

// startWithRetry retries startFn on failure with a fixed 3-second interval.
// It returns nil on success or the last error once retries run out.
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
