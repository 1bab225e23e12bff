package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Sandbox backends.
const (
	BackendNoop = "noop"
	BackendJSVM = "jsvm"
	BackendWasm = "wasm"
)

// Audit sinks.
const (
	SinkLog    = "log"
	SinkSQLite = "sqlite"
	SinkBoth   = "both"
)

// ErrInvalid indicates a setting has a value outside its allowed set.
var ErrInvalid = errors.New("config: invalid value")

// Config is the root of the settings tree.
type Config struct {
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	JSVM    JSVMConfig    `mapstructure:"jsvm" yaml:"jsvm"`
	Wasm    WasmConfig    `mapstructure:"wasm" yaml:"wasm"`
	Audit   AuditConfig   `mapstructure:"audit" yaml:"audit"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console, json, auto
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig locates the audit database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SandboxConfig holds settings shared by every backend.
type SandboxConfig struct {
	Backend              string `mapstructure:"backend" yaml:"backend"`
	LibraryDir           string `mapstructure:"library_dir" yaml:"library_dir"`
	MemorySize           uint32 `mapstructure:"memory_size" yaml:"memory_size"`
	MaxString            uint32 `mapstructure:"max_string" yaml:"max_string"`
	SerializeInvocations bool   `mapstructure:"serialize_invocations" yaml:"serialize_invocations"`
	MaxCallbacks         int    `mapstructure:"max_callbacks" yaml:"max_callbacks"`
}

// JSVMConfig configures the JavaScript backend and its VM pool.
type JSVMConfig struct {
	PoolSize       int           `mapstructure:"pool_size" yaml:"pool_size"`
	Warm           int           `mapstructure:"warm" yaml:"warm"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Watch          bool          `mapstructure:"watch" yaml:"watch"`
}

// WasmConfig configures the WebAssembly backend.
type WasmConfig struct {
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages" yaml:"memory_limit_pages"`
	HeapBase         uint32        `mapstructure:"heap_base" yaml:"heap_base"`
	HostHeap         bool          `mapstructure:"host_heap" yaml:"host_heap"`
	WASI             bool          `mapstructure:"wasi" yaml:"wasi"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AuditConfig selects where escape-hatch records go.
type AuditConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Sink      string        `mapstructure:"sink" yaml:"sink"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// Validate reports the first setting outside its allowed set.
func (c *Config) Validate() error {
	if !slices.Contains([]string{BackendNoop, BackendJSVM, BackendWasm}, c.Sandbox.Backend) {
		return fmt.Errorf("%w: sandbox.backend %q (want noop, jsvm or wasm)", ErrInvalid, c.Sandbox.Backend)
	}
	if !slices.Contains([]string{SinkLog, SinkSQLite, SinkBoth}, c.Audit.Sink) {
		return fmt.Errorf("%w: audit.sink %q (want log, sqlite or both)", ErrInvalid, c.Audit.Sink)
	}
	if !slices.Contains([]string{"console", "json", "auto"}, c.Log.Format) {
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	if c.Sandbox.MemorySize == 0 {
		return fmt.Errorf("%w: sandbox.memory_size must be positive", ErrInvalid)
	}
	if c.Sandbox.MaxCallbacks <= 0 {
		return fmt.Errorf("%w: sandbox.max_callbacks must be positive", ErrInvalid)
	}
	if c.JSVM.PoolSize <= 0 {
		return fmt.Errorf("%w: jsvm.pool_size must be positive", ErrInvalid)
	}
	return nil
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads the configuration. Precedence: environment, then the file at
// path (if it exists), then defaults.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("TAINTBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", expandedPath, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the configuration from the last Load.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Path returns the config file path given to Load, expanded.
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// Get returns the raw value of key.
func Get(key string) any {
	return viper.Get(key)
}

// GetString returns key as a string.
func GetString(key string) string {
	return viper.GetString(key)
}

// Set changes key and, if a config file was loaded, persists it.
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath != "" {
		return save()
	}
	return nil
}

// Save writes the current settings to the loaded config file.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save writes all settings; the caller holds mu.
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return writeFile(configPath, data)
}

// SaveTo writes cfg to path as YAML.
func SaveTo(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

// WriteDefault writes a config file holding the default settings. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(expanded); err == nil {
			return fmt.Errorf("config file %s already exists", expanded)
		}
	}
	return SaveTo(Default(), expanded)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset clears loaded settings (mainly for tests).
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
