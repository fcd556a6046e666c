package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram", "mock"},
	"translator": {"libretranslate", "mock"},
	"tts":        {"elevenlabs", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("translator", cfg.Providers.Translator.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// A relay without a translator cannot do its job. Outside test mode the
	// entry is mandatory; in test mode unnamed entries fall back to mocks.
	if cfg.Providers.Translator.Name == "" && !cfg.Server.TestMode {
		errs = append(errs, errors.New("providers.translator.name is required (or enable server.test_mode)"))
	}

	// Auth availability
	if len(cfg.Auth.TeacherTokens) == 0 && !cfg.Server.TestMode {
		errs = append(errs, errors.New("auth.teacher_tokens is empty; no teacher could ever connect (or enable server.test_mode)"))
	}
	if cfg.Server.TestMode {
		slog.Warn("test mode is enabled; teacher authentication is bypassed")
	}

	// Timer sanity
	if cfg.Session.ReconnectGrace >= cfg.Session.EmptyTeacherTimeout {
		errs = append(errs, fmt.Errorf("session.reconnect_grace %s must be shorter than session.empty_teacher_timeout %s",
			cfg.Session.ReconnectGrace, cfg.Session.EmptyTeacherTimeout))
	}
	if cfg.Session.CleanupInterval > cfg.Session.StudentsLeftTimeout {
		slog.Warn("cleanup interval exceeds the students-left timeout; expiry will lag",
			"cleanup_interval", cfg.Session.CleanupInterval,
			"students_left_timeout", cfg.Session.StudentsLeftTimeout,
		)
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; session history will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
