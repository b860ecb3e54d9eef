package relay

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/memory"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s/openai"
)

// RegisterDI provides the upstream fallback group and the relay [Server].
// A [memory.Store], when registered, is added to the readiness checks.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*resilience.FallbackGroup[s2s.Provider], error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewUpstream(cfg.Upstream, slog.Default()), nil
	})

	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		upstream := do.MustInvoke[*resilience.FallbackGroup[s2s.Provider]](i)

		h := health.New()
		if store, err := do.Invoke[memory.Store](i); err == nil {
			h.Add(health.Checker{Name: "history", Check: store.Ping})
		}
		return New(ServerConfig(cfg), upstream, WithHealth(h)), nil
	})
}

// NewUpstream builds the realtime provider group: the configured model first,
// then every fallback model, each behind its own circuit breaker.
func NewUpstream(cfg config.UpstreamConfig, log *slog.Logger) *resilience.FallbackGroup[s2s.Provider] {
	provider := func(model string) s2s.Provider {
		return openai.New(cfg.APIKey, openai.WithModel(model), openai.WithBaseURL(cfg.RealtimeURL))
	}
	fg := resilience.NewFallbackGroup(provider(cfg.Model), cfg.Model, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Breaker.MaxFailures,
			ResetTimeout: cfg.Breaker.ResetTimeout,
			HalfOpenMax:  cfg.Breaker.HalfOpenMax,
			Logger:       log,
		},
	})
	for _, m := range cfg.FallbackModels {
		fg.AddFallback(m, provider(m))
	}
	return fg
}

// ServerConfig maps the loaded configuration onto the relay's settings.
func ServerConfig(cfg *config.Config) Config {
	return Config{
		APIKey:         cfg.Upstream.APIKey,
		OfferURL:       cfg.Upstream.OfferURL,
		ChatURL:        cfg.Upstream.ChatURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		MetricsPath:    cfg.Telemetry.MetricsPath,
		Session:        SessionConfig(cfg.Upstream),
	}
}

// SessionConfig extracts the per-session upstream settings.
func SessionConfig(u config.UpstreamConfig) s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:              u.Voice,
		Instructions:       u.Instructions,
		TranscriptionModel: u.TranscriptionModel,
		TurnDetection:      u.TurnDetection,
	}
}
