// Command voxbridge-relay serves the voxbridge relay: it bridges client audio
// websockets to the upstream realtime provider and forwards offers and chat
// requests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/history"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/pkg/memory"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional, hot-reloaded)")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	// The watcher may fire before the relay exists.
	var live atomic.Pointer[relay.Server]
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, func(prev, next *config.Config) {
			applyReload(&level, live.Load(), prev, next)
		})
		if err == nil {
			cfg = watcher.Current()
			defer watcher.Stop()
		}
	} else {
		cfg, err = config.Load("")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge-relay: %v\n", err)
		return 1
	}
	level.Set(cfg.Server.LogLevel.SlogLevel())

	slog.Info("voxbridge-relay starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"model", cfg.Upstream.Model,
	)
	if cfg.Upstream.APIKey == "" {
		slog.Warn("no upstream API key configured, set OPENAI_API_KEY")
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "voxbridge-relay"
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		TraceStdout:  cfg.Telemetry.StdoutTraces,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Dependency graph ──────────────────────────────────────────────────────
	injector := do.New()
	do.ProvideValue(injector, cfg)
	history.RegisterDI(injector)
	relay.RegisterDI(injector)

	if cfg.History.Driver != config.HistoryNone {
		if _, err := do.Invoke[memory.Store](injector); err != nil {
			slog.Error("failed to open history store", "err", err)
			return 1
		}
	}
	srvRelay, err := do.Invoke[*relay.Server](injector)
	if err != nil {
		slog.Error("failed to build relay", "err", err)
		return 1
	}
	live.Store(srvRelay)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srvRelay.Handler(),
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS.Enabled() {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	slog.Info("relay ready", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS.Enabled())

	exit := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "err", err)
			exit = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := srvRelay.Shutdown(shutdownCtx); err != nil {
		slog.Warn("relay sessions did not finish", "err", err, "active", srvRelay.ActiveSessions())
		exit = 1
	}
	if store, err := do.Invoke[memory.Store](injector); err == nil {
		if err := store.Close(); err != nil {
			slog.Warn("history close error", "err", err)
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// applyReload applies the hot-reloadable parts of a configuration change and
// reports the rest.
func applyReload(level *slog.LevelVar, srv *relay.Server, prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged && srv != nil {
		srv.SetSessionConfig(relay.SessionConfig(next.Upstream))
		slog.Info("upstream session settings reloaded, applies to new sessions")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}
