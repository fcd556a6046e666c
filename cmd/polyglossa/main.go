// Command polyglossa is the real-time classroom translation relay server.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/polyglossa/internal/admin"
	"github.com/MrWong99/polyglossa/internal/config"
	"github.com/MrWong99/polyglossa/internal/coordinator"
	"github.com/MrWong99/polyglossa/internal/health"
	"github.com/MrWong99/polyglossa/internal/observe"
	"github.com/MrWong99/polyglossa/internal/resilience"
	"github.com/MrWong99/polyglossa/pkg/provider/stt"
	"github.com/MrWong99/polyglossa/pkg/provider/stt/deepgram"
	sttmock "github.com/MrWong99/polyglossa/pkg/provider/stt/mock"
	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	"github.com/MrWong99/polyglossa/pkg/provider/translate/libre"
	translatemock "github.com/MrWong99/polyglossa/pkg/provider/translate/mock"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/MrWong99/polyglossa/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/MrWong99/polyglossa/pkg/provider/tts/mock"
	"github.com/MrWong99/polyglossa/pkg/repository"
	"github.com/MrWong99/polyglossa/pkg/repository/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "polyglossa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "polyglossa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("polyglossa starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"admin_addr", cfg.Server.AdminAddr,
		"log_level", cfg.Server.LogLevel,
		"test_mode", cfg.Server.TestMode,
	)

	// ── Metrics ───────────────────────────────────────────────────────────────
	metrics, metricsShutdown, err := observe.InitProvider(observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(ctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Audit store ───────────────────────────────────────────────────────────
	var repo repository.Store
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect audit store", "err", err)
			return 1
		}
		defer store.Close()
		repo = store
		slog.Info("audit store connected")

		// Rows orphaned by a previous crash are reconciled before new
		// sessions start writing.
		if n, err := store.AdminForceCleanup(ctx, time.Now()); err != nil {
			slog.Warn("startup reconciliation failed", "err", err)
		} else if n > 0 {
			slog.Info("reconciled orphaned session rows", "count", n)
		}
	} else {
		slog.Warn("no postgres_dsn configured, running memory-only")
	}

	// ── Config watcher: log level follows the file without a restart ─────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		levelVar.Set(slogLevel(next.Server.LogLevel))
		slog.Info("config reloaded", "log_level", next.Server.LogLevel)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Coordinator ───────────────────────────────────────────────────────────
	coord := coordinator.New(cfg, providers, repo, metrics)

	// ── Admin surface ─────────────────────────────────────────────────────────
	var checkers []health.Checker
	if repo != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: repo.Ping})
	}
	adminSrv := admin.New(admin.Config{
		Registry: coord.Registry(),
		Sweeper:  coord.Sweeper(),
		Expirer:  coord,
		Health:   health.New(checkers...),
	})

	printStartupSummary(cfg)

	// ── Serve ─────────────────────────────────────────────────────────────────
	public := &http.Server{Addr: cfg.Server.ListenAddr, Handler: coord.Handler()}
	internal := &http.Server{Addr: cfg.Server.AdminAddr, Handler: adminSrv.Routes()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return serve(public, cfg.Server.TLS) })
	g.Go(func() error { return serve(internal, nil) })
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		slog.Info("shutdown signal received, stopping…")
		coord.Shutdown(shutdownCtx)
		if err := public.Shutdown(shutdownCtx); err != nil {
			slog.Warn("public server shutdown error", "err", err)
		}
		if err := internal.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin server shutdown error", "err", err)
		}
		return nil
	})

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// serve runs one HTTP listener until Shutdown, with or without TLS.
func serve(srv *http.Server, tlsCfg *config.TLSConfig) error {
	var err error
	if tlsCfg != nil {
		err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if sr := optInt(entry.Options, "sample_rate"); sr > 0 {
			opts = append(opts, deepgram.WithSampleRate(sr))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	// ── Translator ────────────────────────────────────────────────────────────

	reg.RegisterTranslator("libretranslate", func(entry config.ProviderEntry) (translate.Provider, error) {
		var opts []libre.Option
		if entry.BaseURL != "" {
			opts = append(opts, libre.WithBaseURL(entry.BaseURL))
		}
		return libre.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTranslator("mock", func(config.ProviderEntry) (translate.Provider, error) {
		return &translatemock.Provider{}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice_id"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry.
// In test mode, unnamed provider slots fall back to mocks so the relay can be
// exercised end to end without external services.
func buildProviders(cfg *config.Config, reg *config.Registry) (coordinator.Providers, error) {
	ps := coordinator.Providers{}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return ps, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.Translator.Name; name != "" {
		p, err := reg.CreateTranslator(cfg.Providers.Translator)
		if err != nil {
			return ps, fmt.Errorf("create translator provider %q: %w", name, err)
		}
		ps.Translator = p
		slog.Info("provider created", "kind", "translator", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return ps, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if cfg.Server.TestMode {
		if ps.STT == nil {
			ps.STT = &sttmock.Provider{}
			slog.Info("provider created", "kind", "stt", "name", "mock")
		}
		if ps.Translator == nil {
			ps.Translator = &translatemock.Provider{}
			slog.Info("provider created", "kind", "translator", "name", "mock")
		}
		if ps.TTS == nil {
			ps.TTS = &ttsmock.Provider{}
			slog.Info("provider created", "kind", "tts", "name", "mock")
		}
	}

	if ps.Translator == nil {
		return ps, errors.New("no translator provider configured")
	}

	// External call paths go through per-provider circuit breakers so a
	// failing backend is backed off instead of hammered. Single-entry groups
	// today; additional fallback backends slot in here.
	ps.Translator = resilience.NewTranslateFallback(ps.Translator, cfg.Providers.Translator.Name, resilience.FallbackConfig{})
	if ps.TTS != nil {
		ps.TTS = resilience.NewTTSFallback(ps.TTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      Polyglossa — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Translator", cfg.Providers.Translator.Name, cfg.Providers.Translator.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	storage := "(memory only)"
	if cfg.Storage.PostgresDSN != "" {
		storage = "postgres"
	}
	fmt.Printf("║  Storage         : %-18s ║\n", storage)
	twoWay := "disabled"
	if cfg.Features.TwoWay {
		twoWay = "enabled"
	}
	fmt.Printf("║  Two-way         : %-18s ║\n", twoWay)
	fmt.Printf("║  Listen addr     : %-18s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  Admin addr      : %-18s ║\n", cfg.Server.AdminAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 18 {
		value = value[:15] + "…"
	}
	fmt.Printf("║  %-12s    : %-18s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map. Returns ""
// when the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// bare numbers as int; values of any other type yield zero.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
