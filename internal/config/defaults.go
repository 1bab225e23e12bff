package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers the default value of every setting on the global
// viper instance.
func SetDefaults() {
	setDefaults(viper.GetViper())
}

// Default returns the default configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.file", "")

	v.SetDefault("storage.path", "~/.taintbox/taintbox.db")

	v.SetDefault("sandbox.backend", BackendJSVM)
	v.SetDefault("sandbox.library_dir", "~/.taintbox/libraries")
	v.SetDefault("sandbox.memory_size", 1<<20)
	v.SetDefault("sandbox.max_string", 4096)
	v.SetDefault("sandbox.serialize_invocations", true)
	v.SetDefault("sandbox.max_callbacks", 1024)

	v.SetDefault("jsvm.pool_size", 16)
	v.SetDefault("jsvm.warm", 2)
	v.SetDefault("jsvm.idle_timeout", 5*time.Minute)
	v.SetDefault("jsvm.acquire_timeout", 5*time.Second)
	v.SetDefault("jsvm.timeout", 5*time.Second)
	v.SetDefault("jsvm.watch", false)

	v.SetDefault("wasm.memory_limit_pages", 256)
	v.SetDefault("wasm.heap_base", 0)
	v.SetDefault("wasm.host_heap", false)
	v.SetDefault("wasm.wasi", true)
	v.SetDefault("wasm.timeout", 5*time.Second)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.sink", SinkBoth)
	v.SetDefault("audit.retention", 30*24*time.Hour)
}
