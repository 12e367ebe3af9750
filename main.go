// Command codepercent is a Neovim remote plugin host that measures how much
// of the code written in each language came from accepted AI suggestions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"codepercent/client/telemetryapi"
	"codepercent/config"
	"codepercent/engine"
	"codepercent/logger"
	"codepercent/metrics"
	"codepercent/settings"

	"github.com/neovim/go-client/nvim"
)

func main() {
	var (
		socket   = flag.String("socket", "", "nvim RPC socket to dial; stdio when empty")
		cfgPath  = flag.String("config", "", "path to config.toml")
		stateDir = flag.String("state-dir", defaultStateDir(), "directory for the log file and client id")
		logLevel = flag.String("log-level", "", "override the configured log level")
	)
	flag.Parse()

	if err := run(*socket, *cfgPath, *stateDir, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "codepercent: %v\n", err)
		os.Exit(1)
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "codepercent")
	}
	return ""
}

func run(socket, cfgPath, stateDir, logLevel string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if stateDir != "" {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		ll, err := logger.Open(filepath.Join(stateDir, "codepercent.log"), logger.ParseLogLevel(cfg.LogLevel))
		if err != nil {
			return err
		}
		defer ll.Close()
	}

	var provider settings.Provider = settings.Static(cfg.TelemetryEnabled)
	if cfgPath != "" {
		w, err := settings.NewWatcher(cfgPath, cfg.TelemetryEnabled)
		if err != nil {
			logger.Warn("config watch disabled: %v", err)
		} else {
			defer w.Close()
			provider = w
		}
	}

	var sender metrics.Sender = metrics.LogSender{}
	var apiSender *telemetryapi.Sender
	if cfg.TelemetryURL != "" {
		id, err := clientID(stateDir)
		if err != nil {
			logger.Warn("client id not persisted, using %s for this session: %v", id, err)
		}
		client := telemetryapi.NewClient(cfg.TelemetryURL, id, cfg.TelemetryTimeout())
		apiSender = telemetryapi.NewSender(client, cfg.TelemetryRatePerSecond, cfg.TelemetryTimeout())
		sender = apiSender
	}

	eng := engine.NewEngine(engine.EngineConfig{
		TimeWindow:     cfg.TimeWindow(),
		TracksLanguage: cfg.TracksLanguage,
	}, sender, provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	var n *nvim.Nvim
	if socket != "" {
		n, err = nvim.Dial(socket, nvim.DialServe(false), nvim.DialLogf(logger.Printf))
	} else {
		n, err = nvim.New(os.Stdin, os.Stdout, os.Stdout, logger.Printf)
	}
	if err != nil {
		eng.Stop()
		return fmt.Errorf("connect to nvim: %w", err)
	}

	if err := eng.SetNvim(n); err != nil {
		eng.Stop()
		n.Close()
		return fmt.Errorf("register handlers: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- n.Serve() }()

	logger.Info("codepercent ready (window %s, telemetry %v)", cfg.TimeWindow(), provider.TelemetryEnabled())

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err = <-serveErr:
		if err != nil {
			logger.Warn("nvim connection closed: %v", err)
		}
	}

	eng.Stop()
	n.Close()
	if apiSender != nil {
		apiSender.Wait()
	}
	return nil
}
