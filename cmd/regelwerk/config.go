package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func initConfig(_ *cobra.Command, _ []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/regelwerk")
		}
		viper.SetConfigName("regelwerk")
		viper.SetConfigType("yaml")
	}

	// REGELWERK_SERVER_PORT overrides server.port
	viper.SetEnvPrefix("REGELWERK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := setupLogging(); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	return nil
}

func setupLogging() error {
	level := strings.ToLower(viper.GetString("logging.level"))
	format := viper.GetString("logging.format")

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info", "":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}

	var handler slog.Handler
	switch format {
	case "json", "":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// setupTracing installs the W3C propagators so incoming trace context is
// continued by the request spans.
func setupTracing(cfg domain.TracingConfig) {
	if !cfg.Enabled {
		return
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	slog.Info("trace propagation enabled", "service", cfg.ServiceName)
}

// loadConfig starts from the tier defaults and applies every key set in the
// config file, the environment or a bound flag.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if domain.Tier(viper.GetString("tier")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	setString("server.host", &cfg.Server.Host)
	setInt("server.port", &cfg.Server.Port)
	setInt("server.readTimeout", &cfg.Server.ReadTimeout)
	setInt("server.writeTimeout", &cfg.Server.WriteTimeout)
	if viper.IsSet("server.maxBodyBytes") {
		cfg.Server.MaxBodyBytes = viper.GetInt64("server.maxBodyBytes")
	}
	if viper.IsSet("server.corsOrigins") {
		cfg.Server.CORSOrigins = viper.GetStringSlice("server.corsOrigins")
	}

	setInt("engine.maxDepth", &cfg.Engine.MaxDepth)
	setInt("engine.maxWorkers", &cfg.Engine.MaxWorkers)
	setInt("engine.maxRulesPerRequest", &cfg.Engine.MaxRulesPerRequest)

	setString("repository.driver", &cfg.Repository.Driver)
	setString("repository.sqlitePath", &cfg.Repository.SQLitePath)
	setString("repository.postgresHost", &cfg.Repository.PostgresHost)
	setInt("repository.postgresPort", &cfg.Repository.PostgresPort)
	setString("repository.postgresUser", &cfg.Repository.PostgresUser)
	setString("repository.postgresPassword", &cfg.Repository.PostgresPassword)
	setString("repository.postgresDB", &cfg.Repository.PostgresDB)
	setString("repository.postgresSSLMode", &cfg.Repository.PostgresSSLMode)
	setInt("repository.maxOpenConns", &cfg.Repository.MaxOpenConns)
	setInt("repository.maxIdleConns", &cfg.Repository.MaxIdleConns)
	setDuration("repository.connMaxLifetime", &cfg.Repository.ConnMaxLifetime)

	setString("cache.type", &cfg.Cache.Type)
	setInt("cache.localMaxSize", &cfg.Cache.LocalMaxSize)
	setDuration("cache.localTTL", &cfg.Cache.LocalTTL)
	setString("cache.redisAddr", &cfg.Cache.RedisAddr)
	setString("cache.redisPassword", &cfg.Cache.RedisPassword)
	setInt("cache.redisDB", &cfg.Cache.RedisDB)
	setBool("cache.enableTwoPhase", &cfg.Cache.EnableTwoPhase)
	setDuration("cache.resultTTL", &cfg.Cache.ResultTTL)

	setString("eventBus.type", &cfg.EventBus.Type)
	setInt("eventBus.channelBufferSize", &cfg.EventBus.ChannelBufferSize)
	setString("eventBus.natsUrl", &cfg.EventBus.NATSUrl)
	setString("eventBus.natsToken", &cfg.EventBus.NATSToken)
	setInt("eventBus.natsMaxReconnects", &cfg.EventBus.NATSMaxReconnects)
	setInt("eventBus.natsReconnectWait", &cfg.EventBus.NATSReconnectWait)

	setBool("worker.enabled", &cfg.Worker.Enabled)
	setInt("worker.workerCount", &cfg.Worker.WorkerCount)
	if viper.IsSet("worker.tenantIds") {
		cfg.Worker.TenantIDs = viper.GetStringSlice("worker.tenantIds")
	}

	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)
	setBool("tracing.enabled", &cfg.Tracing.Enabled)
	setString("tracing.serviceName", &cfg.Tracing.ServiceName)

	return cfg
}

func setString(key string, dst *string) {
	if viper.IsSet(key) {
		*dst = viper.GetString(key)
	}
}

func setInt(key string, dst *int) {
	if viper.IsSet(key) {
		*dst = viper.GetInt(key)
	}
}

func setBool(key string, dst *bool) {
	if viper.IsSet(key) {
		*dst = viper.GetBool(key)
	}
}

func setDuration(key string, dst *time.Duration) {
	if viper.IsSet(key) {
		*dst = viper.GetDuration(key)
	}
}
