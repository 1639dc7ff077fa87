package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override file values.
const EnvPrefix = "CONVOFLOW_"

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// LoadEnv loads .env files into the process environment without
// overriding variables that are already set. With no arguments it loads
// ./.env when present. Missing files are not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// WithEnv overlays environment variables carrying prefix onto c.
// CONVOFLOW_STORE_DRIVER=redis becomes store.driver = "redis". Values stay
// strings; the accessors convert them.
func (c Config) WithEnv(prefix string, environ []string) Config {
	out := c
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := envKey(strings.TrimPrefix(name, prefix))
		if key == "" {
			continue
		}
		out = out.With(key, value)
	}
	return out
}

// envKey maps STORE_DRIVER to store.driver. A double underscore keeps a
// literal underscore: LLM_API__KEY becomes llm.api_key.
func envKey(name string) string {
	name = strings.ToLower(name)
	const sentinel = "\x00"
	name = strings.ReplaceAll(name, "__", sentinel)
	name = strings.ReplaceAll(name, "_", ".")
	return strings.ReplaceAll(name, sentinel, "_")
}

// Load reads .env files, then the optional config file at path, then
// applies CONVOFLOW_* overrides from the environment.
func Load(path string, envFiles ...string) (Config, error) {
	if err := LoadEnv(envFiles...); err != nil {
		return Config{}, err
	}
	cfg := New(nil)
	if path != "" {
		var err error
		cfg, err = FromFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	return cfg.WithEnv(EnvPrefix, os.Environ()), nil
}
