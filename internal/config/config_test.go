package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	cfg, err := New().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Mode != "embedded" {
		t.Errorf("expected default database mode 'embedded', got %q", cfg.Database.Mode)
	}
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("expected default embedding dimensions 384, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Embedding.VectorIndex != "bruteforce" {
		t.Errorf("expected default vector index 'bruteforce', got %q", cfg.Embedding.VectorIndex)
	}
	if cfg.Memory.DefaultScope != "Global" {
		t.Errorf("expected default scope 'Global', got %q", cfg.Memory.DefaultScope)
	}
	if !cfg.Memory.AutoCreateScope {
		t.Errorf("expected auto_create_scope default true")
	}
	if cfg.Transport.WSAddr != "" {
		t.Errorf("expected ws_addr to default to disabled (empty), got %q", cfg.Transport.WSAddr)
	}
	if cfg.Dispatch.MaxRetryAttempts != 3 {
		t.Errorf("expected default max_retry_attempts 3, got %d", cfg.Dispatch.MaxRetryAttempts)
	}
	if cfg.Dispatch.RetryDelay != time.Second {
		t.Errorf("expected default retry_delay 1s, got %v", cfg.Dispatch.RetryDelay)
	}
	if cfg.Dispatch.ResetTimeout != 60*time.Second {
		t.Errorf("expected default reset_timeout 60s, got %v", cfg.Dispatch.ResetTimeout)
	}
}

func TestLoadReadsConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	yaml := `
database:
  mode: external
  uri: mongodb://example:27017/test
memory:
  default_scope: Work
  auto_create_scope: false
transport:
  ws_addr: ":8090"
`
	if err := os.WriteFile(filepath.Join(dir, "memoryengine.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := New().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Mode != "external" {
		t.Errorf("expected overridden database mode 'external', got %q", cfg.Database.Mode)
	}
	if cfg.Memory.DefaultScope != "Work" {
		t.Errorf("expected overridden default_scope 'Work', got %q", cfg.Memory.DefaultScope)
	}
	if cfg.Memory.AutoCreateScope {
		t.Errorf("expected overridden auto_create_scope=false")
	}
	if cfg.Transport.WSAddr != ":8090" {
		t.Errorf("expected overridden ws_addr ':8090', got %q", cfg.Transport.WSAddr)
	}
	// Keys absent from the file should still fall back to defaults.
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("expected untouched key to keep its default, got %d", cfg.Embedding.Dimensions)
	}
}

func TestOnChangeFiresOnConfigFileRewrite(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	path := filepath.Join(dir, "memoryengine.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	loader := New()
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	received := make(chan Config, 1)
	loader.OnChange("test", func(cfg Config) {
		received <- cfg
	})
	loader.Watch()

	// Give fsnotify's watcher goroutine time to arm before rewriting.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	select {
	case cfg := <-received:
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected reloaded logging level 'debug', got %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnChange handler never fired after config file rewrite")
	}
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	return func() {
		if err := os.Chdir(original); err != nil {
			t.Fatalf("Chdir restore: %v", err)
		}
	}
}
