package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESC_BINARY", "/usr/local/bin/esc")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/esc", cfg.Node.Binary)
	assert.Equal(t, "127.0.0.1", cfg.Node.Host)
	assert.Equal(t, 9001, cfg.Node.Port)
	assert.Equal(t, 30*time.Second, cfg.Node.Timeout)
	assert.Zero(t, cfg.Node.RPS)
	assert.Equal(t, 3, cfg.Node.MaxAttempts)
	assert.Empty(t, cfg.Fee.ConstantsFile)
	assert.Equal(t, "fixtures.yaml", cfg.Fixtures.File)
	assert.Empty(t, cfg.DB.URL)
	assert.Equal(t, 10, cfg.DB.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cfg.DB.ConnMaxLifetime)
	assert.Equal(t, 15*time.Second, cfg.DB.PoolStatsInterval)
	assert.True(t, cfg.DB.MigrateOnStart)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "escverify:cursor:", cfg.Redis.CursorPrefix)
	assert.Zero(t, cfg.Redis.CursorTTL)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "escverify.reports", cfg.Kafka.Topic)
	assert.Equal(t, 15*time.Minute, cfg.Alert.Cooldown)
	assert.Empty(t, cfg.Tracing.Endpoint)
	assert.Equal(t, 9102, cfg.Server.MetricsPort)
	assert.Zero(t, cfg.Server.AdminPort)
	assert.Equal(t, 4, cfg.Reconcile.Concurrency)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)
	assert.Empty(t, cfg.FeeShare.VIPNodes)
	assert.True(t, cfg.FeeShare.Fraction.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, AdminLimitsConfig{
		ReconcilesPerInterval: 4,
		CursorResetsPerMinute: 10,
		ReadRPS:               1,
		ReadBurst:             5,
	}, cfg.Server.AdminLimits)
	assert.NoError(t, cfg.RequireNode())
}

func TestLoad_WithoutBinary(t *testing.T) {
	t.Setenv("ESC_BINARY", "")

	cfg, err := Load("")
	require.NoError(t, err, "offline commands run without a node binary")
	assert.ErrorIs(t, cfg.RequireNode(), ErrNoBinary)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ESC_BINARY", "esc")
	t.Setenv("ESC_HOST", "10.0.0.5")
	t.Setenv("ESC_PORT", "6511")
	t.Setenv("ESC_TIMEOUT_SEC", "5")
	t.Setenv("ESC_RPS", "2.5")
	t.Setenv("FEE_CONSTANTS_FILE", "/etc/escverify/fees.yaml")
	t.Setenv("DB_URL", "postgres://verify:verify@db:5432/escverify?sslmode=disable")
	t.Setenv("REDIS_URL", "redis://redis:6379/2")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("KAFKA_TOPIC", "ledger.reports")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.example/T0")
	t.Setenv("ALERT_COOLDOWN_SEC", "60")
	t.Setenv("RECONCILE_CONCURRENCY", "8")
	t.Setenv("VIP_NODES", "0001,0002,000A")
	t.Setenv("TOP_NODES", "0001")
	t.Setenv("PROFIT_SHARE_FRACTION", "0.25")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ADMIN_PORT", "8081")
	t.Setenv("ADMIN_RECONCILES_PER_INTERVAL", "2")
	t.Setenv("ADMIN_CURSOR_RESETS_PER_MIN", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Node.Host)
	assert.Equal(t, 6511, cfg.Node.Port)
	assert.Equal(t, 5*time.Second, cfg.Node.Timeout)
	assert.Equal(t, 2.5, cfg.Node.RPS)
	assert.Equal(t, "/etc/escverify/fees.yaml", cfg.Fee.ConstantsFile)
	assert.Equal(t, "postgres://verify:verify@db:5432/escverify?sslmode=disable", cfg.DB.URL)
	assert.Equal(t, "redis://redis:6379/2", cfg.Redis.URL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "ledger.reports", cfg.Kafka.Topic)
	assert.Equal(t, "https://hooks.slack.example/T0", cfg.Alert.SlackWebhookURL)
	assert.Equal(t, time.Minute, cfg.Alert.Cooldown)
	assert.Equal(t, 8, cfg.Reconcile.Concurrency)
	assert.Equal(t, []int{1, 2, 10}, cfg.FeeShare.VIPNodes)
	assert.Equal(t, []int{1}, cfg.FeeShare.TopNodes)
	assert.Equal(t, "0.25", cfg.FeeShare.Fraction.String())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8081, cfg.Server.AdminPort)
	assert.Equal(t, 2, cfg.Server.AdminLimits.ReconcilesPerInterval)
	assert.Equal(t, 3.0, cfg.Server.AdminLimits.CursorResetsPerMinute)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escverify.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
esc:
  binary: /opt/esc/esc
  port: 7000
reconcile:
  concurrency: 2
feeshare:
  vip_nodes: "0003,0004"
`), 0o600))
	t.Setenv("ESC_PORT", "7100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/esc/esc", cfg.Node.Binary)
	assert.Equal(t, 7100, cfg.Node.Port, "environment wins over the file")
	assert.Equal(t, 2, cfg.Reconcile.Concurrency)
	assert.Equal(t, []int{3, 4}, cfg.FeeShare.VIPNodes)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("ESC_BINARY", "esc")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad port", map[string]string{"ESC_PORT": "70000"}, "invalid ESC_PORT"},
		{"zero timeout", map[string]string{"ESC_TIMEOUT_SEC": "0"}, "ESC_TIMEOUT_SEC"},
		{"negative rps", map[string]string{"ESC_RPS": "-1"}, "ESC_RPS"},
		{"zero concurrency", map[string]string{"RECONCILE_CONCURRENCY": "0"}, "RECONCILE_CONCURRENCY"},
		{"bad vip node", map[string]string{"VIP_NODES": "0001,zz"}, "VIP_NODES"},
		{"bad fraction", map[string]string{"PROFIT_SHARE_FRACTION": "abc"}, "PROFIT_SHARE_FRACTION"},
		{"fraction above one", map[string]string{"PROFIT_SHARE_FRACTION": "1.5"}, "PROFIT_SHARE_FRACTION"},
		{"bad sample ratio", map[string]string{"OTEL_SAMPLE_RATIO": "2"}, "OTEL_SAMPLE_RATIO"},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"zero admin reconciles", map[string]string{"ADMIN_RECONCILES_PER_INTERVAL": "0"}, "ADMIN_RECONCILES_PER_INTERVAL"},
		{"zero admin read burst", map[string]string{"ADMIN_READ_BURST": "0"}, "ADMIN_READ_BURST"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ESC_BINARY", "esc")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseNodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"", nil, false},
		{"0001", []int{1}, false},
		{" 0001 , 00ff ", []int{1, 255}, false},
		{"0000", nil, true},
		{"xyz", nil, true},
	}
	for _, tc := range tests {
		got, err := parseNodes(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
