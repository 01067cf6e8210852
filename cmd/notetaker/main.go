// Command notetaker joins a Discord voice channel on request, transcribes
// every participant and stores an LLM summary of the call once everyone has
// left.
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
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/notetaker/internal/analysis"
	"github.com/MrWong99/notetaker/internal/app"
	"github.com/MrWong99/notetaker/internal/callrecord"
	"github.com/MrWong99/notetaker/internal/callrecord/postgres"
	"github.com/MrWong99/notetaker/internal/callrecord/sqlite"
	"github.com/MrWong99/notetaker/internal/config"
	discordbot "github.com/MrWong99/notetaker/internal/discord"
	"github.com/MrWong99/notetaker/internal/discord/commands"
	"github.com/MrWong99/notetaker/internal/health"
	"github.com/MrWong99/notetaker/internal/observe"
	"github.com/MrWong99/notetaker/internal/resilience"
	"github.com/MrWong99/notetaker/pkg/provider/llm"
	"github.com/MrWong99/notetaker/pkg/provider/llm/anyllm"
	"github.com/MrWong99/notetaker/pkg/provider/llm/openai"
	"github.com/MrWong99/notetaker/pkg/provider/stt"
	"github.com/MrWong99/notetaker/pkg/provider/stt/deepgram"
	"github.com/MrWong99/notetaker/pkg/provider/vad"
	"github.com/MrWong99/notetaker/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A missing .env file is fine; the variables may come from the environment.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "notetaker: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "notetaker: %v\n", err)
		}
		return 1
	}
	if cfg.Discord.Token == "" {
		fmt.Fprintln(os.Stderr, "notetaker: discord.token is required (or set NOTETAKER_DISCORD_TOKEN)")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("notetaker starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Call record store ─────────────────────────────────────────────────────
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open call record store", "err", err)
		return 1
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				slog.Warn("store close error", "err", err)
			}
		}()
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to create stt provider", "name", cfg.Providers.STT.Name, "err", err)
		return 1
	}
	guardedSTT := resilience.NewSTT(sttProvider, resilience.CircuitBreakerConfig{Name: "stt:" + cfg.Providers.STT.Name}, metrics)
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	analyzer, err := buildAnalyzer(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to create analyzer", "err", err)
		return 1
	}

	var newVAD func() (vad.Engine, error)
	if cfg.Providers.VAD.Name != "" {
		entry := cfg.Providers.VAD
		newVAD = func() (vad.Engine, error) { return reg.CreateVAD(entry) }
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	worker, err := app.NewWorker(app.WorkerConfig{
		STT:                 guardedSTT,
		STTConfig:           stt.StreamConfig{Language: optString(cfg.Providers.STT.Options, "language")},
		NewVAD:              newVAD,
		Analyzer:            analyzer,
		Store:               store,
		CreateRecord:        cfg.Calls.ShouldCreateRecord(),
		PreRollFrames:       cfg.Calls.PreRollFrames,
		FinalizeTimeout:     cfg.Calls.FinalizeTimeout,
		SessionCloseTimeout: cfg.Calls.SessionCloseTimeout,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		slog.Error("failed to create worker", "err", err)
		return 1
	}
	if err := worker.Prewarm(); err != nil {
		slog.Error("failed to prewarm worker", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:   cfg.Discord.Token,
		GuildID: cfg.Discord.GuildID,
		RoleID:  cfg.Discord.RoleID,
	}, logger)
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}()
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	application, err := app.New(app.Config{
		Platform: bot.Platform(),
		Worker:   worker,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	commands.NewNotesCommands(bot, application, cfg.Calls.FinalizeTimeout+time.Minute)

	// ── Ops server ────────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.Ready("discord", bot.Ready, "gateway not connected"),
		health.Ready("vad", worker.Prewarmed, "vad engine not prewarmed"),
	}
	if store != nil {
		checkers = append(checkers, health.Ping("storage", store))
	}
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", "err", err)
			stop()
		}
	}()

	// Start the Discord bot interaction loop in a separate goroutine.
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot error", "err", err)
			stop()
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	// An active call is finalized before the bot disconnects.
	finalizeTimeout := cfg.Calls.FinalizeTimeout
	if finalizeTimeout <= 0 {
		finalizeTimeout = config.DefaultFinalizeTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout+shutdownGrace)
	defer cancel()

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops server shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Storage ───────────────────────────────────────────────────────────────────

// openStore opens the configured call record backend. It returns a nil store
// when storage is disabled.
func openStore(ctx context.Context, cfg config.StorageConfig) (callrecord.Store, error) {
	switch cfg.Backend {
	case config.StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		slog.Info("call record store opened", "backend", "postgres")
		return s, nil
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("call record store opened", "backend", "sqlite", "path", cfg.SQLitePath)
		return s, nil
	default:
		return nil, nil
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai talks to the API directly; the remaining hosted providers share
	// the any-llm pattern: optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms, ok := optInt(entry.Options, "endpointing_ms"); ok {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if v, ok := optFloat(entry.Options, "floor"); ok {
			opts = append(opts, energy.WithFloor(v))
		}
		if v, ok := optFloat(entry.Options, "ceiling"); ok {
			opts = append(opts, energy.WithCeiling(v))
		}
		if ms, ok := optInt(entry.Options, "min_speech_ms"); ok {
			opts = append(opts, energy.WithMinSpeech(time.Duration(ms)*time.Millisecond))
		}
		if ms, ok := optInt(entry.Options, "hangover_ms"); ok {
			opts = append(opts, energy.WithHangover(time.Duration(ms)*time.Millisecond))
		}
		return energy.New(opts...), nil
	})

	for _, kind := range []string{"llm", "stt", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildAnalyzer creates the process-wide analyzer. Without an LLM provider
// every call is stored with the empty result.
func buildAnalyzer(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (analysis.Analyzer, error) {
	entry := cfg.Providers.LLM
	if entry.Name == "" {
		return analysis.Nop{}, nil
	}
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)

	guarded := resilience.NewLLM(p, resilience.CircuitBreakerConfig{Name: "llm:" + entry.Name}, metrics)
	opts := []analysis.Option{
		analysis.WithLogger(slog.Default()),
		analysis.WithMetrics(metrics),
	}
	if cfg.Analysis.Prompt != "" {
		opts = append(opts, analysis.WithPrompt(cfg.Analysis.Prompt))
	}
	if cfg.Analysis.Temperature != nil {
		opts = append(opts, analysis.WithTemperature(*cfg.Analysis.Temperature))
	}
	if cfg.Analysis.MaxTokens > 0 {
		opts = append(opts, analysis.WithMaxTokens(cfg.Analysis.MaxTokens))
	}
	if cfg.Analysis.Timeout > 0 {
		opts = append(opts, analysis.WithTimeout(cfg.Analysis.Timeout))
	}
	return analysis.NewLLMAnalyzer(guarded, opts...)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int and decimals as float64; both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// optInt extracts an integer from a provider Options map.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
