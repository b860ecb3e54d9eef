// Command voxbridge is the voxbridge client. It replays a WAV file as the
// microphone, streams it to a voxbridge relay and writes the assistant's
// spoken replies to another WAV file, printing status and transcript lines as
// the conversation runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	inPath := flag.String("in", "", "WAV file replayed as the microphone (required)")
	outPath := flag.String("out", "reply.wav", "WAV file the assistant's audio is written to")
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "voxbridge: -in is required")
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	})))
	slog.Info("voxbridge starting",
		"server_url", cfg.Transport.ServerURL,
		"in", *inPath,
		"out", *outPath,
		"history", cfg.History.Driver,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg,
		app.WithInputFile(*inPath),
		app.WithOutputFile(*outPath),
	)
	if err != nil {
		slog.Error("failed to initialise client", "err", err)
		return 1
	}

	ctrl := application.Controller()
	ctrl.OnStatus(func(s string) { fmt.Printf("[status] %s\n", s) })
	ctrl.OnTranscript(func(t session.Transcript) {
		fmt.Printf("[%s] %s\n", t.Timestamp.Format(time.TimeOnly), t.Text)
	})
	ctrl.OnError(func(err error) { fmt.Fprintf(os.Stderr, "[error] %v\n", err) })

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("conversation failed", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye", "transcripts", len(ctrl.Transcripts()))
	return exit
}
