/*
Package config provides type-safe configuration extraction from map[string]any,
file and environment loading, and the typed view of the server settings.

# Basic Usage

	cfg := config.New(map[string]any{
	    "store": map[string]any{"driver": "sqlite", "retain": 20},
	    "tracker": map[string]any{"heartbeat_interval": "30s"},
	})

	driver := cfg.String("store.driver", "memory")             // "sqlite"
	retain := cfg.Int("store.retain", 0)                        // 20
	hb := cfg.Duration("tracker.heartbeat_interval", time.Minute) // 30s

Keys are dotted paths into nested sections. Sub returns a nested section as
its own Config.

# Type Coercion

Duration accepts duration strings, seconds as int or float64, and
time.Duration. Int and Bool also parse strings, which is how values
from the environment arrive. StringSlice splits comma-separated strings.
A value that cannot be converted yields the default.

# Loading

Load reads .env files through godotenv, then an optional YAML or JSON file,
then overlays CONVOFLOW_* variables:

	CONVOFLOW_STORE_DRIVER=redis     -> store.driver
	CONVOFLOW_LLM_API__KEY=sk-...    -> llm.api_key

ServerFrom turns the result into a Server and Validate checks it.

# Thread Safety

Config is safe for concurrent read access. With and WithEnv return copies.
*/
package config
