package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/polyglossa/internal/config"
)

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  test_mode: true
providers:
  translator:
    name: mock
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Session.CodeTTL != 2*time.Hour {
		t.Errorf("default code_ttl = %s, want 2h", cfg.Session.CodeTTL)
	}
	if cfg.Session.CleanupInterval != 2*time.Minute {
		t.Errorf("default cleanup_interval = %s, want 2m", cfg.Session.CleanupInterval)
	}
	if cfg.Limits.SendQueueDepth != 64 {
		t.Errorf("default send_queue_depth = %d, want 64", cfg.Limits.SendQueueDepth)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_adress: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_TranslatorRequiredOutsideTestMode(t *testing.T) {
	t.Parallel()
	yaml := `
auth:
  teacher_tokens:
    ms-garcia: "secret-token"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing translator, got nil")
	}
	if !strings.Contains(err.Error(), "providers.translator") {
		t.Errorf("error should mention providers.translator, got: %v", err)
	}
}

func TestValidate_TeacherTokensRequiredOutsideTestMode(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  translator:
    name: libretranslate
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for empty teacher_tokens, got nil")
	}
	if !strings.Contains(err.Error(), "teacher_tokens") {
		t.Errorf("error should mention teacher_tokens, got: %v", err)
	}
}

func TestValidate_TestModeLiftsRequirements(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  test_mode: true
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error in test mode: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  test_mode: true
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  test_mode: true
  tls:
    cert_file: /etc/ssl/relay.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for partial TLS config, got nil")
	}
}

func TestValidate_ReconnectGraceMustBeShortest(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  test_mode: true
session:
  reconnect_grace: 15m
  empty_teacher_timeout: 10m
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for reconnect_grace >= empty_teacher_timeout, got nil")
	}
	if !strings.Contains(err.Error(), "reconnect_grace") {
		t.Errorf("error should mention reconnect_grace, got: %v", err)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9443"
  log_level: debug
auth:
  teacher_tokens:
    ms-garcia: "tok-1"
    mr-okafor: "tok-2"
session:
  code_ttl: 1h
  stale_timeout: 45m
  cleanup_interval: 30s
limits:
  max_sessions: 50
  send_queue_depth: 32
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-2
  translator:
    name: libretranslate
    base_url: http://translate.internal:5000
  tts:
    name: elevenlabs
    api_key: el-key
storage:
  postgres_dsn: "postgres://localhost/polyglossa"
features:
  two_way: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.CodeTTL != time.Hour {
		t.Errorf("code_ttl = %s, want 1h", cfg.Session.CodeTTL)
	}
	if cfg.Limits.MaxSessions != 50 {
		t.Errorf("max_sessions = %d, want 50", cfg.Limits.MaxSessions)
	}
	if !cfg.Features.TwoWay {
		t.Error("features.two_way should be true")
	}
	if cfg.Providers.Translator.BaseURL != "http://translate.internal:5000" {
		t.Errorf("translator base_url = %q", cfg.Providers.Translator.BaseURL)
	}
	// Unset sections still get defaults.
	if cfg.Limits.MaxConnections != 5000 {
		t.Errorf("max_connections = %d, want default 5000", cfg.Limits.MaxConnections)
	}
}
