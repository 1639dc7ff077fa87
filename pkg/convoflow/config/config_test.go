package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  addr: ":7070"
  cors_origins:
    - http://ui.local
    - http://admin.local
fsagent:
  root: /srv/agent
store:
  driver: redis
  redis_url: redis://cache:6379/2
  redis_ttl: 72h
  codec: msgpack
  compress: true
  retain: 20
locks:
  policy: reject
tracker:
  queue_capacity: 16
  max_age: 3600
  cleanup_every: 10m
  heartbeat_interval: 15s
llm:
  provider: openai
  model: gpt-4o
  api_key: sk-file
  timeout: 45
  max_attempts: 5
log:
  level: debug
  format: text
otlp:
  endpoint: collector:4318
  insecure: true
`

const sampleJSON = `{
  "server": {"addr": ":7070", "cors_origins": ["http://ui.local", "http://admin.local"]},
  "fsagent": {"root": "/srv/agent"},
  "store": {"driver": "redis", "redis_url": "redis://cache:6379/2", "redis_ttl": "72h",
            "codec": "msgpack", "compress": true, "retain": 20},
  "locks": {"policy": "reject"},
  "tracker": {"queue_capacity": 16, "max_age": 3600, "cleanup_every": "10m", "heartbeat_interval": "15s"},
  "llm": {"provider": "openai", "model": "gpt-4o", "api_key": "sk-file", "timeout": 45, "max_attempts": 5},
  "log": {"level": "debug", "format": "text"},
  "otlp": {"endpoint": "collector:4318", "insecure": true}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func assertSample(t *testing.T, s config.Server) {
	t.Helper()
	assert.Equal(t, ":7070", s.Addr)
	assert.Equal(t, []string{"http://ui.local", "http://admin.local"}, s.CORSOrigins)
	assert.Equal(t, "/srv/agent", s.Workspace)
	assert.Equal(t, config.Store{
		Driver:   "redis",
		Path:     "convoflow.db",
		RedisURL: "redis://cache:6379/2",
		Codec:    "msgpack",
		Compress: true,
		Retain:   20,
		RedisTTL: 72 * time.Hour,
	}, s.Store)
	assert.Equal(t, "reject", s.Locks)
	assert.Equal(t, config.Tracker{
		QueueCapacity: 16,
		MaxAge:        time.Hour,
		CleanupEvery:  10 * time.Minute,
		Heartbeat:     15 * time.Second,
	}, s.Tracker)
	assert.Equal(t, config.LLM{
		Provider:    "openai",
		Model:       "gpt-4o",
		APIKey:      "sk-file",
		Timeout:     45 * time.Second,
		MaxAttempts: 5,
	}, s.LLM)
	assert.Equal(t, config.Log{Level: "debug", Format: "text"}, s.Log)
	assert.Equal(t, config.OTLP{Endpoint: "collector:4318", Insecure: true, ServiceName: "convoflow"}, s.OTLP)
}

func TestFromFile_ServerConfig(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "convoflow.yaml", sampleYAML},
		{"yml upper case", "CONVOFLOW.YML", sampleYAML},
		{"json", "convoflow.json", sampleJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.FromFile(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			s := config.ServerFrom(cfg)
			assertSample(t, s)
			require.NoError(t, s.Validate())
		})
	}
}

func TestFromFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		message string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "none.yaml") }, "read config file"},
		{"unsupported extension", func(t *testing.T) string { return writeFile(t, "convoflow.toml", "a = 1") }, "unsupported config file extension"},
		{"broken yaml", func(t *testing.T) string { return writeFile(t, "convoflow.yaml", "store: [driver") }, "parse yaml"},
		{"broken json", func(t *testing.T) string { return writeFile(t, "convoflow.json", `{"store":`) }, "parse json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.FromFile(tt.path(t))
			assert.ErrorContains(t, err, tt.message)
		})
	}
}

// TestLoad_EnvOverridesEverySection sets each key the binary reads through
// the environment only. Values arrive as strings and the accessors convert
// them.
func TestLoad_EnvOverridesEverySection(t *testing.T) {
	env := map[string]string{
		"CONVOFLOW_SERVER_ADDR":                 ":6060",
		"CONVOFLOW_SERVER_CORS__ORIGINS":        "http://a.local, http://b.local,",
		"CONVOFLOW_FSAGENT_ROOT":                "/tmp/agent",
		"CONVOFLOW_STORE_DRIVER":                "postgres",
		"CONVOFLOW_STORE_POSTGRES__DSN":         "postgres://u@db/convo",
		"CONVOFLOW_STORE_COMPRESS":              "true",
		"CONVOFLOW_STORE_RETAIN":                "4",
		"CONVOFLOW_LOCKS_POLICY":                "reject",
		"CONVOFLOW_TRACKER_QUEUE__CAPACITY":     "9",
		"CONVOFLOW_TRACKER_MAX__AGE":            "90m",
		"CONVOFLOW_TRACKER_HEARTBEAT__INTERVAL": "5s",
		"CONVOFLOW_LLM_PROVIDER":                "openai",
		"CONVOFLOW_LLM_API__KEY":                "sk-env",
		"CONVOFLOW_LLM_BASE__URL":               "http://llm.local/v1",
		"CONVOFLOW_LLM_MAX__ATTEMPTS":           "2",
		"CONVOFLOW_LOG_FORMAT":                  "text",
		"CONVOFLOW_OTLP_ENDPOINT":               "otel:4318",
		"CONVOFLOW_OTLP_INSECURE":               "1",
		"CONVOFLOW_OTLP_SERVICE__NAME":          "convoflow-test",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	s := config.ServerFrom(cfg)

	assert.Equal(t, ":6060", s.Addr)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, s.CORSOrigins)
	assert.Equal(t, "/tmp/agent", s.Workspace)
	assert.Equal(t, "postgres", s.Store.Driver)
	assert.Equal(t, "postgres://u@db/convo", s.Store.PostgresDSN)
	assert.True(t, s.Store.Compress)
	assert.Equal(t, 4, s.Store.Retain)
	assert.Equal(t, "reject", s.Locks)
	assert.Equal(t, 9, s.Tracker.QueueCapacity)
	assert.Equal(t, 90*time.Minute, s.Tracker.MaxAge)
	assert.Equal(t, 5*time.Second, s.Tracker.Heartbeat)
	assert.Equal(t, "openai", s.LLM.Provider)
	assert.Equal(t, "sk-env", s.LLM.APIKey)
	assert.Equal(t, "http://llm.local/v1", s.LLM.BaseURL)
	assert.Equal(t, 2, s.LLM.MaxAttempts)
	assert.Equal(t, "text", s.Log.Format)
	assert.Equal(t, config.OTLP{Endpoint: "otel:4318", Insecure: true, ServiceName: "convoflow-test"}, s.OTLP)
	require.NoError(t, s.Validate())
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := writeFile(t, "convoflow.yaml", sampleYAML)
	t.Setenv("CONVOFLOW_STORE_DRIVER", "sqlite")
	t.Setenv("CONVOFLOW_LLM_API__KEY", "sk-env")

	cfg, err := config.Load(path, filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	s := config.ServerFrom(cfg)

	assert.Equal(t, "sqlite", s.Store.Driver)
	assert.Equal(t, "sk-env", s.LLM.APIKey)
	assert.Equal(t, "msgpack", s.Store.Codec, "untouched file values survive")
	assert.Equal(t, 20, s.Store.Retain)
}

// TestServerFrom_UnusableValuesFallBack feeds values of the wrong type or
// shape; every field keeps its default.
func TestServerFrom_UnusableValuesFallBack(t *testing.T) {
	cfg := config.New(map[string]any{
		"server":  map[string]any{"addr": 8080, "cors_origins": []any{"http://ok", 3}},
		"store":   map[string]any{"retain": 2.5, "compress": "sometimes", "redis_ttl": "forever"},
		"tracker": map[string]any{"queue_capacity": "many", "max_age": []any{}},
		"llm":     map[string]any{"timeout": "soon"},
	})
	s := config.ServerFrom(cfg)
	defaults := config.ServerFrom(config.New(nil))

	assert.Equal(t, defaults.Addr, s.Addr)
	assert.Equal(t, defaults.CORSOrigins, s.CORSOrigins)
	assert.Equal(t, defaults.Store, s.Store)
	assert.Equal(t, defaults.Tracker, s.Tracker)
	assert.Equal(t, defaults.LLM.Timeout, s.LLM.Timeout)
}

func TestServerFrom_FlatKeys(t *testing.T) {
	// Dotted keys at the top level win over nested sections.
	cfg := config.New(map[string]any{
		"store.driver": "sqlite",
		"store":        map[string]any{"driver": "redis", "path": "nested.db"},
	})
	s := config.ServerFrom(cfg)
	assert.Equal(t, "sqlite", s.Store.Driver)
	assert.Equal(t, "nested.db", s.Store.Path)
}
