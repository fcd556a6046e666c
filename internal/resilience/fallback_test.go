package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/polyglossa/pkg/provider/translate"
	translatemock "github.com/MrWong99/polyglossa/pkg/provider/translate/mock"
)

func TestFallbackGroup_PrimarySucceeds(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("backup", "backup")

	var used string
	err := fg.Execute(func(v string) error {
		used = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != "primary" {
		t.Errorf("used %q, want primary", used)
	}
}

func TestFallbackGroup_FailsOverToBackup(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("backup", "backup")

	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 2 || tried[1] != "backup" {
		t.Errorf("tried = %v, want [primary backup]", tried)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("backup", "backup")

	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("backup", "backup")

	// Trip the primary's breaker.
	_ = fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	// Primary must not be called again while its breaker is open.
	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 1 || tried[0] != "backup" {
		t.Errorf("tried = %v, want [backup]", tried)
	}
}

func TestTranslateFallback_UsesBackupProvider(t *testing.T) {
	primary := &translatemock.Provider{Err: errTest}
	backup := &translatemock.Provider{}

	tf := NewTranslateFallback(primary, "primary", FallbackConfig{})
	tf.AddFallback("backup", backup)

	res, err := tf.Translate(context.Background(), translate.Request{
		Text:           "good morning",
		SourceLanguage: "en",
		TargetLanguage: "es",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "[es] good morning" {
		t.Errorf("result = %q, want backup mock output", res.Text)
	}
	if backup.CallCount() != 1 {
		t.Errorf("backup calls = %d, want 1", backup.CallCount())
	}
}
