package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Server is the typed configuration of the convoflow server binary.
type Server struct {
	Addr        string
	CORSOrigins []string
	// Workspace is the directory the fs-agent workflow operates in.
	Workspace string

	Store   Store
	Locks   string // "wait" or "reject"
	Tracker Tracker
	LLM     LLM
	Log     Log
	OTLP    OTLP
}

// Store selects and configures the checkpoint store.
type Store struct {
	Driver   string // memory, sqlite, redis, postgres
	Path     string // sqlite file, ":memory:" allowed
	RedisURL string
	// PostgresDSN is a pgx connection string.
	PostgresDSN string
	Codec       string // json or msgpack
	Compress    bool
	Retain      int
	RedisTTL    time.Duration
}

// Tracker configures the graph state tracker.
type Tracker struct {
	QueueCapacity int
	MaxAge        time.Duration
	// CleanupEvery runs background eviction; zero disables it.
	CleanupEvery time.Duration
	Heartbeat    time.Duration
}

// LLM configures the model client.
type LLM struct {
	Provider    string // scripted or openai
	Model       string
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
}

// Log configures the slog handler.
type Log struct {
	Level  string
	Format string // json or text
}

// OTLP configures trace and metric export. An empty endpoint disables it.
type OTLP struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Defaults used when a key is absent.
const (
	DefaultAddr          = ":8080"
	DefaultQueueCapacity = 50
	DefaultMaxAge        = 24 * time.Hour
	DefaultHeartbeat     = 30 * time.Second
)

var (
	storeDrivers = []string{"memory", "sqlite", "redis", "postgres"}
	lockPolicies = []string{"wait", "reject"}
	llmProviders = []string{"scripted", "openai"}
	logFormats   = []string{"json", "text"}
	codecs       = []string{"json", "msgpack"}
)

// ServerFrom extracts the typed server view from c.
func ServerFrom(c Config) Server {
	s := Server{
		Addr:        c.String("server.addr", DefaultAddr),
		CORSOrigins: c.StringSlice("server.cors_origins", []string{"*"}),
		Workspace:   c.String("fsagent.root", "workspace"),
		Locks:       c.String("locks.policy", "wait"),
		Store: Store{
			Driver:      c.String("store.driver", "memory"),
			Path:        c.String("store.path", "convoflow.db"),
			RedisURL:    c.String("store.redis_url", "redis://localhost:6379/0"),
			PostgresDSN: c.String("store.postgres_dsn", ""),
			Codec:       c.String("store.codec", "json"),
			Compress:    c.Bool("store.compress", false),
			Retain:      c.Int("store.retain", 0),
			RedisTTL:    c.Duration("store.redis_ttl", 0),
		},
		Tracker: Tracker{
			QueueCapacity: c.Int("tracker.queue_capacity", DefaultQueueCapacity),
			MaxAge:        c.Duration("tracker.max_age", DefaultMaxAge),
			CleanupEvery:  c.Duration("tracker.cleanup_every", time.Hour),
			Heartbeat:     c.Duration("tracker.heartbeat_interval", DefaultHeartbeat),
		},
		LLM: LLM{
			Provider:    c.String("llm.provider", "scripted"),
			Model:       c.String("llm.model", "gpt-4o-mini"),
			APIKey:      c.String("llm.api_key", ""),
			BaseURL:     c.String("llm.base_url", ""),
			Timeout:     c.Duration("llm.timeout", 60*time.Second),
			MaxAttempts: c.Int("llm.max_attempts", 3),
		},
		Log: Log{
			Level:  c.String("log.level", "info"),
			Format: c.String("log.format", "json"),
		},
		OTLP: OTLP{
			Endpoint:    c.String("otlp.endpoint", ""),
			Insecure:    c.Bool("otlp.insecure", false),
			ServiceName: c.String("otlp.service_name", "convoflow"),
		},
	}
	return s
}

// Validate reports every invalid field at once.
func (s Server) Validate() error {
	var errs []error
	oneOf := func(field, val string, allowed []string) {
		if !slices.Contains(allowed, val) {
			errs = append(errs, fmt.Errorf("%s: %q is not one of %v", field, val, allowed))
		}
	}
	oneOf("store.driver", s.Store.Driver, storeDrivers)
	oneOf("locks.policy", s.Locks, lockPolicies)
	oneOf("llm.provider", s.LLM.Provider, llmProviders)
	oneOf("log.format", s.Log.Format, logFormats)
	oneOf("store.codec", s.Store.Codec, codecs)
	if s.Store.Driver == "postgres" && s.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn: required for postgres driver"))
	}
	if s.LLM.Provider == "openai" && s.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key: required for openai provider"))
	}
	if s.Tracker.QueueCapacity < 1 {
		errs = append(errs, errors.New("tracker.queue_capacity: must be positive"))
	}
	if s.Store.Retain < 0 {
		errs = append(errs, errors.New("store.retain: must not be negative"))
	}
	return errors.Join(errs...)
}
