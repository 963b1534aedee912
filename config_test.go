package actingdoll

import (
	"testing"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.CallTimeout != DefaultCallTimeout {
		t.Fatalf("expected call timeout default %s, got %s", DefaultCallTimeout, cfg.CallTimeout)
	}
}

func TestConfigValidateRejectsBadListen(t *testing.T) {
	cfg := Config{Listen: "no-port"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for listen address without port")
	}
	cfg = Config{MetricsListen: "also bad"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for metrics listen address")
	}
}

func TestConfigValidateExpandsPaths(t *testing.T) {
	t.Setenv("ACTINGDOLL_TEST_MODELS", "/srv/models")
	cfg := Config{
		ModelDir:    "$ACTINGDOLL_TEST_MODELS",
		AllowedDirs: []string{"$ACTINGDOLL_TEST_MODELS/audio"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ModelDir != "/srv/models" {
		t.Fatalf("model dir not expanded: %q", cfg.ModelDir)
	}
	if cfg.AllowedDirs[0] != "/srv/models/audio" {
		t.Fatalf("allowed dir not expanded: %q", cfg.AllowedDirs[0])
	}
}

func TestParseAllowedDirs(t *testing.T) {
	got := ParseAllowedDirs("/a:/b: :/c")
	if len(got) != 3 || got[0] != "/a" || got[1] != "/b" || got[2] != "/c" {
		t.Fatalf("unexpected dirs: %v", got)
	}
	if got := ParseAllowedDirs(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}
