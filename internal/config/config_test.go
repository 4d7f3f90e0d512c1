// Package config tests configuration loading.
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/dmfgate/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.LogSecurityContext)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "dmfgate", cfg.Database.Database)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "dmf_receiver", cfg.Kafka.ReceiveTopic)
	assert.Equal(t, "authentication_receiver", cfg.Kafka.AuthTopic)
	assert.Equal(t, "dmf_receiver_deadletter", cfg.Kafka.DeadLetterTopic)
	assert.Equal(t, 8, cfg.Kafka.Concurrency)
	assert.Equal(t, 10, cfg.Kafka.MaxDeliveries)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "dmfgate:download:", cfg.Redis.KeyPrefix)

	assert.Equal(t, time.Second, cfg.DMF.RequeueDelay)
	assert.Equal(t, 1000, cfg.DMF.MaxStatusEntriesPerAction)

	assert.False(t, cfg.Auth.AnonymousEnabled)
	assert.Equal(t, "X-Ssl-Client-Cn", cfg.Auth.CommonNameHeader)
	assert.True(t, cfg.Auth.PropagateSecurityContext)

	assert.Equal(t, time.Minute, cfg.Download.IDTTL)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DMFGATE_LOG_LEVEL", "debug")
	t.Setenv("DMFGATE_SERVER_PORT", "9090")
	t.Setenv("DMFGATE_DATABASE_HOST", "postgres.example.com")
	t.Setenv("DMFGATE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DMFGATE_DMF_REQUEUE_DELAY", "250ms")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres.example.com", cfg.Database.Host)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.DMF.RequeueDelay)
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "dmfgate.yaml")
	configContent := `
log_level: warn

server:
  host: 127.0.0.1
  port: 3000

database:
  host: db.example.com
  port: 5433
  database: dmfgate_test
  username: dmf_user
  password: secret123

kafka:
  brokers: [kafka-0:9092, kafka-1:9092]
  vhost: devices
  concurrency: 2

dmf:
  max_status_entries_per_action: 50
  artifact_base_url: https://artifacts.example.com

auth:
  anonymous_enabled: true
  gateway_audiences: [dmf]

download:
  base_url: https://dl.example.com
  id_ttl: 30s
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)

	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "dmfgate_test", cfg.Database.Database)
	assert.Equal(t, "dmf_user", cfg.Database.Username)
	assert.Equal(t, "secret123", cfg.Database.Password)

	assert.Equal(t, []string{"kafka-0:9092", "kafka-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "devices", cfg.Kafka.VHost)
	assert.Equal(t, 2, cfg.Kafka.Concurrency)
	assert.Equal(t, "dmf_receiver", cfg.Kafka.ReceiveTopic, "unset keys keep defaults")

	assert.Equal(t, 50, cfg.DMF.MaxStatusEntriesPerAction)
	assert.Equal(t, "https://artifacts.example.com", cfg.DMF.ArtifactBaseURL)
	assert.True(t, cfg.Auth.AnonymousEnabled)
	assert.Equal(t, []string{"dmf"}, cfg.Auth.GatewayAudiences)
	assert.Equal(t, "https://dl.example.com", cfg.Download.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Download.IDTTL)
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "dmfgate.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("invalid: yaml: content::: broken"), 0o644))

	_, err := config.Load(configPath)
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"zero concurrency", "DMFGATE_KAFKA_CONCURRENCY", "0"},
		{"negative quota", "DMFGATE_DMF_MAX_STATUS_ENTRIES_PER_ACTION", "-1"},
		{"zero download ttl", "DMFGATE_DOWNLOAD_ID_TTL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := config.Load("")
			require.Error(t, err)
		})
	}
}

func TestServerConfigAddr(t *testing.T) {
	cfg := config.ServerConfig{Host: "0.0.0.0", Port: 8080}
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestDatabaseConfigDSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Username: "dmfgate",
		Password: "secret",
		Database: "dmfgate_db",
		SSLMode:  "require",
	}

	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "user=dmfgate")
	assert.Contains(t, dsn, "dbname=dmfgate_db")
	assert.Contains(t, dsn, "sslmode=require")
}
