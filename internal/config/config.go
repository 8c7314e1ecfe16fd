// Package config loads the engine's configuration via spf13/viper from
// the prioritized search path (cwd, $HOME, /etc) spec.md §6 describes,
// registers defaults so a missing file is never fatal, and optionally
// hot-reloads a narrow set of tunables via fsnotify. Grounded on
// kart-io/sentinel-x's pkg/infra/config (viper + fsnotify watcher
// pattern); the teacher itself has no config loader of its own.
package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the fully-typed view over every key spec.md §6 names.
type Config struct {
	Database  DatabaseConfig
	Embedding EmbeddingConfig
	Memory    MemoryConfig
	Backup    BackupConfig
	Logging   LoggingConfig
	Transport TransportConfig
	Dispatch  DispatchConfig
}

type DatabaseConfig struct {
	Mode             string `mapstructure:"mode"`
	URI              string `mapstructure:"uri"`
	Path             string `mapstructure:"path"`
	MaxMemoryItems   int    `mapstructure:"max_memory_items"`
	MaxMemorySizeMB  int    `mapstructure:"max_memory_size_mb"`
}

type EmbeddingConfig struct {
	ModelName         string `mapstructure:"model_name"`
	ModelPath         string `mapstructure:"model_path"`
	TokenizerPath     string `mapstructure:"tokenizer_path"`
	SharedLibraryPath string `mapstructure:"shared_library_path"`
	UseGPU            bool   `mapstructure:"use_gpu"`
	AsyncEnabled      bool   `mapstructure:"async_enabled"`
	CacheSize         int    `mapstructure:"cache_size"`
	Dimensions        int    `mapstructure:"dimensions"`
	VectorIndex       string `mapstructure:"vector_index"` // "bruteforce" (default) | "chromem"
}

type MemoryConfig struct {
	DefaultScope    string `mapstructure:"default_scope"`
	AutoCreateScope bool   `mapstructure:"auto_create_scope"`
	RetentionDays   int    `mapstructure:"retention_days"`
}

type BackupConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Frequency         string `mapstructure:"frequency"`
	Retention         int    `mapstructure:"retention"`
	EncryptionEnabled bool   `mapstructure:"encryption_enabled"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// TransportConfig carries §6.1's secondary WebSocket listener address.
type TransportConfig struct {
	WSAddr string `mapstructure:"ws_addr"`
}

// DispatchConfig carries the dispatcher's retry/circuit-breaker tunables.
type DispatchConfig struct {
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// Loader wraps a viper instance with a reload subscription mechanism,
// mirroring kart-io/sentinel-x's Watcher.
type Loader struct {
	v *viper.Viper

	mu       sync.RWMutex
	handlers map[string]func(Config)
	watching bool
}

// New builds a Loader, registers every default named in spec.md §6, and
// searches the current directory, $HOME, and /etc for a config file
// named "memoryengine.yaml" (or .json/.toml — viper auto-detects).
func New() *Loader {
	v := viper.New()
	v.SetConfigName("memoryengine")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")
	v.AddConfigPath("/etc")
	v.SetEnvPrefix("MEMORYENGINE")
	v.AutomaticEnv()

	registerDefaults(v)

	return &Loader{v: v, handlers: make(map[string]func(Config))}
}

func registerDefaults(v *viper.Viper) {
	v.SetDefault("database.mode", "embedded")
	v.SetDefault("database.uri", "mongodb://localhost:27017/claude_memory")
	v.SetDefault("database.path", "")
	v.SetDefault("database.max_memory_items", 10000)
	v.SetDefault("database.max_memory_size_mb", 256)

	v.SetDefault("embedding.model_name", "mock")
	v.SetDefault("embedding.model_path", "")
	v.SetDefault("embedding.tokenizer_path", "")
	v.SetDefault("embedding.shared_library_path", "")
	v.SetDefault("embedding.use_gpu", false)
	v.SetDefault("embedding.async_enabled", true)
	v.SetDefault("embedding.cache_size", 1000)
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.vector_index", "bruteforce")

	v.SetDefault("memory.default_scope", "Global")
	v.SetDefault("memory.auto_create_scope", true)
	v.SetDefault("memory.retention_days", 180)

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.frequency", "daily")
	v.SetDefault("backup.retention", 7)
	v.SetDefault("backup.encryption_enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	v.SetDefault("transport.ws_addr", "")

	v.SetDefault("dispatch.max_retry_attempts", 3)
	v.SetDefault("dispatch.retry_delay", "1s")
	v.SetDefault("dispatch.failure_threshold", 3)
	v.SetDefault("dispatch.reset_timeout", "60s")
}

// Load reads the config file if present (a missing file is not an
// error — defaults stand in) and unmarshals into a Config.
func (l *Loader) Load() (Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		log.Printf("[CONFIG] no config file found, using defaults")
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// OnChange registers a callback invoked with the freshly reloaded
// Config whenever the watched file changes. Safe to call before or
// after Watch.
func (l *Loader) OnChange(id string, handler func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[id] = handler
}

// Watch starts fsnotify-driven hot reload of the config file, feeding
// every OnChange subscriber the freshly reloaded Config. What a reload
// changes is up to the subscribers; the binary's only subscriber logs
// the new logging.level, and the dispatcher, database and embedding
// settings are read once at startup.
func (l *Loader) Watch() {
	l.mu.Lock()
	if l.watching {
		l.mu.Unlock()
		return
	}
	l.watching = true
	l.mu.Unlock()

	l.v.WatchConfig()
	l.v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[CONFIG] config file changed: %s", e.Name)
		cfg, err := l.unmarshal()
		if err != nil {
			log.Printf("[CONFIG] reload failed: %v", err)
			return
		}
		l.mu.RLock()
		handlers := make([]func(Config), 0, len(l.handlers))
		for _, h := range l.handlers {
			handlers = append(handlers, h)
		}
		l.mu.RUnlock()
		for _, h := range handlers {
			h(cfg)
		}
	})
}
