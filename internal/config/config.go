// Package config handles configuration loading from environment and files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration of the dmfgate server.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	// LogSecurityContext adds tenant and user to every log record.
	LogSecurityContext bool `mapstructure:"log_security_context"`

	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DMF       DMFConfig       `mapstructure:"dmf"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Download  DownloadConfig  `mapstructure:"download"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// KafkaConfig holds broker configuration.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	// VHost is the virtual host of reply addresses built from bare
	// reply_to values.
	VHost string `mapstructure:"vhost"`

	ReceiveTopic    string `mapstructure:"receive_topic"`
	AuthTopic       string `mapstructure:"auth_topic"`
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`

	Concurrency   int `mapstructure:"concurrency"`
	MaxDeliveries int `mapstructure:"max_deliveries"`
}

// RedisConfig holds the download-id cache configuration.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	TLS       bool   `mapstructure:"tls"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DMFConfig holds protocol handling configuration.
type DMFConfig struct {
	RequeueDelay              time.Duration `mapstructure:"requeue_delay"`
	MaxStatusEntriesPerAction int           `mapstructure:"max_status_entries_per_action"`
	// ArtifactBaseURL is the base of the DDI server artifact links sent in
	// DOWNLOAD_AND_INSTALL. Empty omits the links.
	ArtifactBaseURL string `mapstructure:"artifact_base_url"`
}

// AuthConfig holds device authentication configuration.
type AuthConfig struct {
	AnonymousEnabled         bool     `mapstructure:"anonymous_enabled"`
	GatewayPublicKeyFile     string   `mapstructure:"gateway_public_key_file"`
	GatewayIssuer            string   `mapstructure:"gateway_issuer"`
	GatewayAudiences         []string `mapstructure:"gateway_audiences"`
	CommonNameHeader         string   `mapstructure:"common_name_header"`
	IssuerHashHeader         string   `mapstructure:"issuer_hash_header"`
	MaxIssuerHashHeaders     int      `mapstructure:"max_issuer_hash_headers"`
	PropagateSecurityContext bool     `mapstructure:"propagate_security_context"`
}

// DownloadConfig holds download-id configuration.
type DownloadConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	IDTTL   time.Duration `mapstructure:"id_ttl"`
}

// TelemetryConfig holds tracing configuration.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Load loads configuration from environment variables and config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DMFGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dmfgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dmfgate")
		v.AddConfigPath("$HOME/.dmfgate")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_security_context", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "dmfgate")
	v.SetDefault("database.username", "dmfgate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "dmfgate")
	v.SetDefault("kafka.topic_prefix", "")
	v.SetDefault("kafka.vhost", "/")
	v.SetDefault("kafka.receive_topic", "dmf_receiver")
	v.SetDefault("kafka.auth_topic", "authentication_receiver")
	v.SetDefault("kafka.dead_letter_topic", "dmf_receiver_deadletter")
	v.SetDefault("kafka.concurrency", 8)
	v.SetDefault("kafka.max_deliveries", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.key_prefix", "dmfgate:download:")

	v.SetDefault("dmf.requeue_delay", time.Second)
	v.SetDefault("dmf.max_status_entries_per_action", 1000)
	v.SetDefault("dmf.artifact_base_url", "")

	v.SetDefault("auth.anonymous_enabled", false)
	v.SetDefault("auth.gateway_public_key_file", "")
	v.SetDefault("auth.gateway_issuer", "")
	v.SetDefault("auth.gateway_audiences", []string{})
	v.SetDefault("auth.common_name_header", "X-Ssl-Client-Cn")
	v.SetDefault("auth.issuer_hash_header", "X-Ssl-Issuer-Hash-%d")
	v.SetDefault("auth.max_issuer_hash_headers", 10)
	v.SetDefault("auth.propagate_security_context", true)

	v.SetDefault("download.base_url", "http://localhost:8080")
	v.SetDefault("download.id_ttl", time.Minute)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch {
	case c.Kafka.ReceiveTopic == "":
		return fmt.Errorf("kafka.receive_topic is required")
	case c.Kafka.AuthTopic == "":
		return fmt.Errorf("kafka.auth_topic is required")
	case c.Kafka.Concurrency < 1:
		return fmt.Errorf("kafka.concurrency must be at least 1, got %d", c.Kafka.Concurrency)
	case c.DMF.MaxStatusEntriesPerAction < 0:
		return fmt.Errorf("dmf.max_status_entries_per_action must not be negative")
	case c.Download.IDTTL <= 0:
		return fmt.Errorf("download.id_ttl must be positive")
	}
	return nil
}

// Addr returns the server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}
