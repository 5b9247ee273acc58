// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/smartdevs17/channel-monitor/pkg/utils"
)

// Config holds all configuration for the application
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Contracts  ContractsConfig  `mapstructure:"contracts"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains blockchain connection configuration
type ChainConfig struct {
	NodeURL        string        `mapstructure:"node_url"`
	BackupNodes    []string      `mapstructure:"backup_nodes"`
	ChainID        uint64        `mapstructure:"chain_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// ContractsConfig holds the watched contract addresses
type ContractsConfig struct {
	TokenNetworkRegistry string `mapstructure:"token_network_registry"`
	MonitoringService    string `mapstructure:"monitoring_service"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// SyncConfig contains chain synchronization configuration
type SyncConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ConfirmationBlocks  uint64        `mapstructure:"confirmation_blocks"`
	StartBlock          uint64        `mapstructure:"start_block"`
	MaxWindow           uint64        `mapstructure:"max_window"`
	EventsHighWaterMark int           `mapstructure:"events_high_water_mark"`
}

// MonitoringConfig contains monitoring-service policy configuration
type MonitoringConfig struct {
	MinReward          uint64        `mapstructure:"min_reward"`
	TriggerFraction    float64       `mapstructure:"trigger_fraction"`
	RequestGracePeriod time.Duration `mapstructure:"request_grace_period"`
	MaxDispatchRetries int           `mapstructure:"max_dispatch_retries"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/channel-monitor")
	}

	viper.SetEnvPrefix("CHANNEL_MONITOR")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file found, rely on defaults and environment
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "channel-monitor")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	viper.SetDefault("chain.node_url", "http://localhost:8545")
	viper.SetDefault("chain.chain_id", 1)
	viper.SetDefault("chain.request_timeout", 30*time.Second)
	viper.SetDefault("chain.retry_attempts", 3)
	viper.SetDefault("chain.retry_delay", 2*time.Second)

	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.connection_string", "./data/channel-monitor.db")
	viper.SetDefault("storage.max_connections", 10)
	viper.SetDefault("storage.max_idle_time", 15*time.Minute)

	viper.SetDefault("sync.poll_interval", 5*time.Second)
	viper.SetDefault("sync.confirmation_blocks", 10)
	viper.SetDefault("sync.start_block", 0)
	viper.SetDefault("sync.max_window", 100000)
	viper.SetDefault("sync.events_high_water_mark", 1000)

	viper.SetDefault("monitoring.min_reward", 0)
	viper.SetDefault("monitoring.trigger_fraction", 0.5)
	viper.SetDefault("monitoring.request_grace_period", 15*time.Minute)
	viper.SetDefault("monitoring.max_dispatch_retries", 10)

	viper.SetDefault("server.port", 6001)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.enable_metrics", true)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// Validate checks the configuration for obvious mistakes before startup.
func (c *Config) Validate() error {
	if c.Chain.NodeURL == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "chain.node_url is required")
	}
	if !utils.IsValidAddress(c.Contracts.TokenNetworkRegistry) {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"contracts.token_network_registry is not a valid address", c.Contracts.TokenNetworkRegistry)
	}
	if !utils.IsValidAddress(c.Contracts.MonitoringService) {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"contracts.monitoring_service is not a valid address", c.Contracts.MonitoringService)
	}
	if c.Storage.Type != "sqlite" && c.Storage.Type != "postgres" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "storage.type must be sqlite or postgres", c.Storage.Type)
	}
	if c.Sync.ConfirmationBlocks < 1 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "sync.confirmation_blocks must be >= 1")
	}
	if c.Sync.MaxWindow < 1 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "sync.max_window must be >= 1")
	}
	if c.Monitoring.TriggerFraction <= 0 || c.Monitoring.TriggerFraction >= 1 {
		// The monitoring call must happen strictly inside the settle window.
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"monitoring.trigger_fraction must be in (0, 1)")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "server.port out of range")
	}
	if _, err := os.Stat(c.Storage.ConnectionString); err == nil && c.Storage.Type == "postgres" {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"storage.connection_string looks like a file path but storage.type is postgres")
	}
	return nil
}
