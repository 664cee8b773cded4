package config

import "testing"

type sample struct {
	Name      string `env:"SAMPLE_NAME" envDefault:"relay"`
	BatchSize int    `env:"SAMPLE_BATCH_SIZE" envDefault:"10"`
}

func TestParseEnv(t *testing.T) {
	t.Setenv("SAMPLE_BATCH_SIZE", "25")

	var cfg sample
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("ParseEnv failed: %v", err)
	}
	if cfg.Name != "relay" {
		t.Fatalf("expected default name, got %q", cfg.Name)
	}
	if cfg.BatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", cfg.BatchSize)
	}
}

func TestParseEnv_InvalidValue(t *testing.T) {
	t.Setenv("SAMPLE_BATCH_SIZE", "many")

	var cfg sample
	if err := ParseEnv(&cfg); err == nil {
		t.Fatal("expected parse error for non-numeric batch size")
	}
}

func TestString(t *testing.T) {
	t.Setenv("SAMPLE_TOPIC", "dialog-events")
	t.Setenv("SAMPLE_EMPTY", "")
	if got := String("SAMPLE_TOPIC", "fallback"); got != "dialog-events" {
		t.Fatalf("expected env value, got %q", got)
	}
	if got := String("SAMPLE_EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for empty value, got %q", got)
	}
}

func TestValidatePort(t *testing.T) {
	for _, v := range []string{"0", "70000", "http"} {
		if err := ValidatePort("PORT", v); err == nil {
			t.Fatalf("expected %q to be rejected", v)
		}
	}
	if err := ValidatePort("PORT", "8080"); err != nil {
		t.Fatalf("expected 8080 to be accepted: %v", err)
	}
}
