package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config is the complete Regelwerk configuration.
type Config struct {
	Tier   Tier         `json:"tier"`
	Server ServerConfig `json:"server"`
	Engine EngineConfig `json:"engine"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Worker     WorkerConfig     `json:"worker"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EngineConfig bounds the work a single calculation may cause.
type EngineConfig struct {
	// MaxDepth is the maximum nesting of rule trees accepted from
	// storage or requests. Zero disables the limit.
	MaxDepth int `json:"maxDepth"`

	// MaxWorkers caps the rules evaluated concurrently per calculation.
	MaxWorkers int `json:"maxWorkers"`

	// MaxRulesPerRequest caps ruleIds in one calculation request.
	MaxRulesPerRequest int `json:"maxRulesPerRequest"`
}

// WorkerConfig controls the asynchronous calculation worker.
// Without tenant IDs the worker serves all tenants.
type WorkerConfig struct {
	Enabled     bool     `json:"enabled"`
	TenantIDs   []string `json:"tenantIds"`
	WorkerCount int      `json:"workerCount"`
}

// ServerConfig holds HTTP server settings. Timeouts are in seconds.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`
	WriteTimeout int    `json:"writeTimeout"`

	// MaxBodyBytes limits request bodies. Zero disables the limit.
	MaxBodyBytes int64 `json:"maxBodyBytes"`

	// CORSOrigins lists the browser origins allowed to call the API.
	// Empty allows any origin without credentials.
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig controls OpenTelemetry context propagation. When enabled,
// incoming W3C traceparent and baggage headers continue the caller's trace.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite, the in-process cache and channel bus.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns the community tier configuration.
func DefaultConfig() *Config {
	return &Config{
		Tier: TierCommunity,
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 1 << 20,
		},
		Engine: EngineConfig{
			MaxDepth:           64,
			MaxWorkers:         16,
			MaxRulesPerRequest: 500,
		},
		Repository: RepositoryConfig{
			Driver:     DriverSQLite,
			SQLitePath: "./regelwerk.db",
		},
		Cache: CacheConfig{
			Type:         CacheMemory,
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              BusChannel,
			ChannelBufferSize: 1000,
		},
		Worker:  WorkerConfig{WorkerCount: 5},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{ServiceName: "regelwerk"},
	}
}

// ProConfig returns the pro tier configuration, which also runs the
// asynchronous worker.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       DriverPostgres,
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "regelwerk",
	}
	cfg.Cache = CacheConfig{
		Type:           CacheRedis,
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ResultTTL:      10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              BusNATS,
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate reports every setting that cannot work, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Tier == TierCommunity || c.Tier == TierPro, "tier: unknown tier %q", c.Tier)
	check(c.Server.Port > 0 && c.Server.Port < 1<<16, "server.port: %d is out of range", c.Server.Port)
	check(c.Server.MaxBodyBytes >= 0, "server.maxBodyBytes: must not be negative")
	check(c.Engine.MaxDepth >= 0, "engine.maxDepth: must not be negative")
	check(c.Engine.MaxRulesPerRequest >= 0, "engine.maxRulesPerRequest: must not be negative")
	check(slices.Contains([]string{DriverSQLite, DriverPostgres}, c.Repository.Driver),
		"repository.driver: unsupported driver %q", c.Repository.Driver)
	check(slices.Contains([]string{CacheMemory, CacheRedis}, c.Cache.Type),
		"cache.type: unsupported cache %q", c.Cache.Type)
	check(c.Cache.ResultTTL >= 0, "cache.resultTtl: must not be negative")
	check(slices.Contains([]string{BusChannel, BusNATS}, c.EventBus.Type),
		"eventBus.type: unsupported event bus %q", c.EventBus.Type)
	check(slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)),
		"logging.level: unknown level %q", c.Logging.Level)
	check(c.Logging.Format == "json" || c.Logging.Format == "text",
		"logging.format: must be json or text, got %q", c.Logging.Format)
	for _, id := range c.Worker.TenantIDs {
		check(strings.TrimSpace(id) != "", "worker.tenantIds: blank tenant ID")
	}

	return errors.Join(errs...)
}
