package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8080" {
		t.Fatalf("HTTPAddr got=%q", cfg.HTTPAddr)
	}
	if cfg.TypingTTL != 30*time.Second {
		t.Fatalf("TypingTTL got=%v", cfg.TypingTTL)
	}
	if !cfg.ReadinessRequireHydration {
		t.Fatal("ReadinessRequireHydration default should be true")
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	data := []byte("http_addr: 0.0.0.0:9000\nlog_level: debug\ntyping_ttl: 10s\nuser_id: from-file\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LOOM_CONFIG", path)
	t.Setenv("LOOM_HTTP_ADDR", "0.0.0.0:9100")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:9100" {
		t.Fatalf("env should override file: got=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" || cfg.TypingTTL != 10*time.Second || cfg.UserID != "from-file" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestLoadConfigRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	if err := os.WriteFile(path, []byte("http_addr: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LOOM_CONFIG", path)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("malformed config file accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "complete", cfg: Config{ServerURL: "ws://h/ws", UserID: "u1", Secret: "s"}, ok: true},
		{name: "missing url", cfg: Config{UserID: "u1", Secret: "s"}},
		{name: "missing user", cfg: Config{ServerURL: "ws://h/ws", Secret: "s"}},
		{name: "missing secret", cfg: Config{ServerURL: "ws://h/ws", UserID: "u1"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("valid config rejected: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("LOOM_TEST_INT", "not-a-number")
	t.Setenv("LOOM_TEST_DUR", "-5s")
	t.Setenv("LOOM_TEST_BOOL", "maybe")

	if got := EnvInt("LOOM_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt got=%d want=7", got)
	}
	if got := EnvDuration("LOOM_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration got=%v want=1s", got)
	}
	if got := EnvBool("LOOM_TEST_BOOL", true); got != true {
		t.Fatalf("EnvBool got=%v want=true", got)
	}
}
