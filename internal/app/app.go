// Package app wires the voxbridge client into a running application.
//
// The App struct owns the full lifecycle: New builds the audio devices, the
// relay transport, the optional transcript history and the session
// controller; Run drives one conversation until the input ends, the remote
// side hangs up or the context is cancelled; Shutdown tears everything down.
//
// For testing, inject mock implementations via functional options
// (WithCapture, WithOutput, WithDialer, WithHistory). When an option is not
// provided, New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/history"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/session"
	"github.com/MrWong99/voxbridge/internal/transport"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/chunker"
	"github.com/MrWong99/voxbridge/pkg/audio/wavdev"
	"github.com/MrWong99/voxbridge/pkg/memory"
)

// trailingSilence is appended to WAV input so the remote turn detection can
// close the final utterance.
const trailingSilence = time.Second

// App owns all client subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	inPath  string
	outPath string

	capture    audio.CaptureDevice
	output     audio.OutputDevice
	history    memory.Store
	dialer     transport.Dialer
	negotiator transport.Negotiator
	metrics    *observe.Metrics
	ctrlOpts   []session.Option

	ctrl *session.Controller

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInputFile sets the WAV file replayed as the microphone.
func WithInputFile(path string) Option {
	return func(a *App) { a.inPath = path }
}

// WithOutputFile sets the WAV file the assistant's audio is written to.
func WithOutputFile(path string) Option {
	return func(a *App) { a.outPath = path }
}

// WithCapture injects a capture device instead of opening the input file.
func WithCapture(d audio.CaptureDevice) Option {
	return func(a *App) { a.capture = d }
}

// WithOutput injects an output device instead of creating the output file.
func WithOutput(d audio.OutputDevice) Option {
	return func(a *App) { a.output = d }
}

// WithHistory injects a transcript store instead of opening the configured
// backend.
func WithHistory(s memory.Store) Option {
	return func(a *App) { a.history = s }
}

// WithDialer injects the relay dialer instead of the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics sink passed to the controller.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithControllerOptions passes extra options to the session controller.
func WithControllerOptions(opts ...session.Option) Option {
	return func(a *App) { a.ctrlOpts = append(a.ctrlOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Transcript history ────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Relay transport ───────────────────────────────────────────────
	a.initTransport()

	// ── 4. Session controller ────────────────────────────────────────────
	a.ctrl = session.NewController(session.Deps{
		Capture:    a.capture,
		Output:     a.output,
		Dialer:     a.dialer,
		Negotiator: a.negotiator,
		History:    a.history,
	}, a.controllerConfig(), append([]session.Option{
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	}, a.ctrlOpts...)...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDevices opens the WAV devices unless both were injected.
func (a *App) initDevices() error {
	ac := a.cfg.Audio
	if a.capture == nil {
		if a.inPath == "" {
			return errors.New("no input file configured")
		}
		a.capture = wavdev.NewCapture(a.inPath,
			wavdev.WithBlockSize(ac.BlockSize),
			wavdev.WithSampleRate(ac.SampleRate),
			wavdev.WithTrailingSilence(trailingSilence),
		)
	}
	if a.output == nil {
		if a.outPath == "" {
			return errors.New("no output file configured")
		}
		sink, err := wavdev.NewSink(a.outPath, ac.SampleRate, true)
		if err != nil {
			return err
		}
		a.output = sink
	}
	// The controller never closes Output.
	a.closers = append(a.closers, a.output.Close)
	return nil
}

// initHistory opens the configured transcript backend or keeps the injected
// one. An empty driver disables history.
func (a *App) initHistory(ctx context.Context) error {
	if a.history == nil {
		store, err := history.Open(ctx, a.cfg.History, a.log)
		if err != nil {
			return err
		}
		if store == nil {
			return nil
		}
		a.history = store
		a.log.Info("transcript history enabled", "driver", a.cfg.History.Driver)
	}
	a.closers = append(a.closers, a.history.Close)
	return nil
}

// initTransport builds the relay dialer and, when an offer URL is set, the
// negotiator.
func (a *App) initTransport() {
	tc := a.cfg.Transport
	if a.dialer == nil {
		a.dialer = &transport.WebsocketDialer{URL: tc.ServerURL}
	}
	if tc.OfferURL != "" {
		a.negotiator = &transport.HTTPNegotiator{
			URL:    tc.OfferURL,
			Client: &http.Client{Timeout: tc.ConnectTimeout},
		}
	}
}

// controllerConfig maps the config sections onto the controller's config.
func (a *App) controllerConfig() session.Config {
	ac, tc := a.cfg.Audio, a.cfg.Transport
	return session.Config{
		Chunker: chunker.Config{
			SampleRate:       ac.SampleRate,
			SilenceThreshold: ac.SilenceThreshold,
			MinBufferSamples: int(int64(ac.SampleRate) * int64(ac.MinBuffer) / int64(time.Second)),
			MaxSilenceFrames: ac.MaxSilenceFrames,
		},
		Transport: transport.Config{
			SampleRate:           ac.SampleRate,
			ConnectTimeout:       tc.ConnectTimeout,
			HeartbeatInterval:    tc.HeartbeatInterval,
			LivenessInterval:     tc.LivenessInterval,
			ReconnectBackoff:     tc.ReconnectBackoff,
			MaxReconnectAttempts: tc.MaxReconnectAttempts,
			MaxPendingFrames:     tc.MaxPendingFrames,
			ReconnectOnStall:     tc.ReconnectOnStall,
			StallChecks:          tc.StallChecks,
		},
		MaxPlaybackQueue:      ac.MaxPlaybackQueue,
		ConsolidationInterval: a.cfg.History.FlushInterval,
	}
}

// Controller returns the session controller, for registering callbacks.
func (a *App) Controller() *session.Controller {
	return a.ctrl
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts a conversation and blocks until it is over. After the input
// ends the app keeps listening for the configured linger period, then waits
// for queued playback to finish. A relay hang-up triggers reconnects; once
// they are exhausted Run returns an error wrapping [session.ErrConnectionLost].
// Cancelling ctx ends the conversation immediately.
func (a *App) Run(ctx context.Context) error {
	if err := a.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("app: start: %w", err)
	}
	ended, captureDone := a.ctrl.Ended(), a.ctrl.CaptureDone()

	select {
	case <-ctx.Done():
		return errors.Join(ctx.Err(), a.ctrl.End())
	case <-ended:
		return a.connectionErr()
	case <-captureDone:
		a.log.Info("input finished, waiting for replies", "linger", a.cfg.Audio.Linger)
	}

	linger := time.NewTimer(a.cfg.Audio.Linger)
	defer linger.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(ctx.Err(), a.ctrl.End())
	case <-ended:
		return a.connectionErr()
	case <-linger.C:
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.Audio.Linger)
	defer cancel()
	if err := a.ctrl.WaitPlayback(waitCtx); err != nil && ctx.Err() == nil {
		a.log.Warn("playback did not drain before end", "err", err)
	}
	if err := a.ctrl.End(); err != nil {
		return err
	}
	return a.connectionErr()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// connectionErr reports whether the conversation was lost rather than ended.
// The controller only ends a conversation on its own when the relay link is
// gone for good.
func (a *App) connectionErr() error {
	if a.ctrl.State() == session.StateError {
		return fmt.Errorf("app: %w", session.ErrConnectionLost)
	}
	return nil
}

// Shutdown ends any running conversation and closes all subsystems in order.
// It respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.ctrl != nil {
			if err := a.ctrl.End(); err != nil {
				a.log.Warn("end conversation error", "err", err)
			}
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
