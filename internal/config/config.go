package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig
	Fee       FeeConfig
	Fixtures  FixturesConfig
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Alert     AlertConfig
	Tracing   TracingConfig
	Server    ServerConfig
	Reconcile ReconcileConfig
	FeeShare  FeeShareConfig
	Log       LogConfig
}

// NodeConfig locates the ledger client binary and the node it talks to.
type NodeConfig struct {
	Binary      string
	Host        string
	Port        int
	Timeout     time.Duration
	RPS         float64
	Burst       int
	MaxAttempts int
}

type FeeConfig struct {
	ConstantsFile string
}

type FixturesConfig struct {
	File string
}

type DBConfig struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
	PoolStatsInterval  time.Duration
	MigrateOnStart     bool
}

type RedisConfig struct {
	URL          string
	CursorPrefix string
	CursorTTL    time.Duration
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks string
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type ServerConfig struct {
	MetricsPort int
	AdminPort   int // zero disables the admin API
	AdminLimits AdminLimitsConfig
}

// AdminLimitsConfig bounds how hard admin API callers may drive the node.
// Manual reconciliations are budgeted per periodic reconcile interval.
type AdminLimitsConfig struct {
	ReconcilesPerInterval int
	CursorResetsPerMinute float64
	ReadRPS               float64
	ReadBurst             int
}

type ReconcileConfig struct {
	Concurrency int
	Interval    time.Duration
}

// FeeShareConfig names the privileged nodes of the network as hex ids.
type FeeShareConfig struct {
	VIPNodes []int
	TopNodes []int
	Fraction decimal.Decimal
}

type LogConfig struct {
	Level string
}

// envKeys maps config keys to the environment variables that set them.
var envKeys = map[string]string{
	"esc.binary":                     "ESC_BINARY",
	"esc.host":                       "ESC_HOST",
	"esc.port":                       "ESC_PORT",
	"esc.timeout_sec":                "ESC_TIMEOUT_SEC",
	"esc.rps":                        "ESC_RPS",
	"esc.burst":                      "ESC_BURST",
	"esc.max_attempts":               "ESC_MAX_ATTEMPTS",
	"fee.constants_file":             "FEE_CONSTANTS_FILE",
	"fixtures.file":                  "FIXTURES_FILE",
	"db.url":                         "DB_URL",
	"db.max_open_conns":              "DB_MAX_OPEN_CONNS",
	"db.max_idle_conns":              "DB_MAX_IDLE_CONNS",
	"db.conn_max_lifetime_min":       "DB_CONN_MAX_LIFETIME_MIN",
	"db.statement_timeout_ms":        "DB_STATEMENT_TIMEOUT_MS",
	"db.pool_stats_interval_s":       "DB_POOL_STATS_INTERVAL_SEC",
	"db.migrate_on_start":            "DB_MIGRATE_ON_START",
	"redis.url":                      "REDIS_URL",
	"redis.cursor_prefix":            "REDIS_CURSOR_PREFIX",
	"redis.cursor_ttl_hours":         "REDIS_CURSOR_TTL_HOURS",
	"kafka.brokers":                  "KAFKA_BROKERS",
	"kafka.topic":                    "KAFKA_TOPIC",
	"kafka.required_acks":            "KAFKA_REQUIRED_ACKS",
	"alert.slack_webhook_url":        "SLACK_WEBHOOK_URL",
	"alert.webhook_url":              "ALERT_WEBHOOK_URL",
	"alert.cooldown_sec":             "ALERT_COOLDOWN_SEC",
	"otel.endpoint":                  "OTEL_ENDPOINT",
	"otel.insecure":                  "OTEL_INSECURE",
	"otel.sample_ratio":              "OTEL_SAMPLE_RATIO",
	"server.metrics_port":            "METRICS_PORT",
	"server.admin_port":              "ADMIN_PORT",
	"admin.reconciles_per_interval":  "ADMIN_RECONCILES_PER_INTERVAL",
	"admin.cursor_resets_per_minute": "ADMIN_CURSOR_RESETS_PER_MIN",
	"admin.read_rps":                 "ADMIN_READ_RPS",
	"admin.read_burst":               "ADMIN_READ_BURST",
	"reconcile.concurrency":          "RECONCILE_CONCURRENCY",
	"reconcile.interval_sec":         "RECONCILE_INTERVAL_SEC",
	"feeshare.vip_nodes":             "VIP_NODES",
	"feeshare.top_nodes":             "TOP_NODES",
	"feeshare.fraction":              "PROFIT_SHARE_FRACTION",
	"log.level":                      "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("esc.binary", "")
	v.SetDefault("esc.host", "127.0.0.1")
	v.SetDefault("esc.port", 9001)
	v.SetDefault("esc.timeout_sec", 30)
	v.SetDefault("esc.rps", 0.0)
	v.SetDefault("esc.burst", 1)
	v.SetDefault("esc.max_attempts", 3)
	v.SetDefault("fee.constants_file", "")
	v.SetDefault("fixtures.file", "fixtures.yaml")
	v.SetDefault("db.url", "")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime_min", 30)
	v.SetDefault("db.statement_timeout_ms", 0)
	v.SetDefault("db.pool_stats_interval_s", 15)
	v.SetDefault("db.migrate_on_start", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cursor_prefix", "escverify:cursor:")
	v.SetDefault("redis.cursor_ttl_hours", 0)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "escverify.reports")
	v.SetDefault("kafka.required_acks", "one")
	v.SetDefault("alert.slack_webhook_url", "")
	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.cooldown_sec", 900)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.insecure", true)
	v.SetDefault("otel.sample_ratio", 1.0)
	v.SetDefault("server.metrics_port", 9102)
	v.SetDefault("server.admin_port", 0)
	v.SetDefault("admin.reconciles_per_interval", 4)
	v.SetDefault("admin.cursor_resets_per_minute", 10.0)
	v.SetDefault("admin.read_rps", 1.0)
	v.SetDefault("admin.read_burst", 5)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.interval_sec", 3600)
	v.SetDefault("feeshare.vip_nodes", "")
	v.SetDefault("feeshare.top_nodes", "")
	v.SetDefault("feeshare.fraction", "0.5")
	v.SetDefault("log.level", "info")
}

// Load reads the configuration from the environment, a .env file in the
// working directory, and the optional YAML file at path. The environment
// wins over the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			Binary:      strings.TrimSpace(v.GetString("esc.binary")),
			Host:        v.GetString("esc.host"),
			Port:        v.GetInt("esc.port"),
			Timeout:     time.Duration(v.GetInt("esc.timeout_sec")) * time.Second,
			RPS:         v.GetFloat64("esc.rps"),
			Burst:       v.GetInt("esc.burst"),
			MaxAttempts: v.GetInt("esc.max_attempts"),
		},
		Fee:      FeeConfig{ConstantsFile: v.GetString("fee.constants_file")},
		Fixtures: FixturesConfig{File: v.GetString("fixtures.file")},
		DB: DBConfig{
			URL:                v.GetString("db.url"),
			MaxOpenConns:       v.GetInt("db.max_open_conns"),
			MaxIdleConns:       v.GetInt("db.max_idle_conns"),
			ConnMaxLifetime:    time.Duration(v.GetInt("db.conn_max_lifetime_min")) * time.Minute,
			StatementTimeoutMS: v.GetInt("db.statement_timeout_ms"),
			PoolStatsInterval:  time.Duration(v.GetInt("db.pool_stats_interval_s")) * time.Second,
			MigrateOnStart:     v.GetBool("db.migrate_on_start"),
		},
		Redis: RedisConfig{
			URL:          v.GetString("redis.url"),
			CursorPrefix: v.GetString("redis.cursor_prefix"),
			CursorTTL:    time.Duration(v.GetInt("redis.cursor_ttl_hours")) * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:      splitList(v.GetString("kafka.brokers")),
			Topic:        v.GetString("kafka.topic"),
			RequiredAcks: v.GetString("kafka.required_acks"),
		},
		Alert: AlertConfig{
			SlackWebhookURL: v.GetString("alert.slack_webhook_url"),
			WebhookURL:      v.GetString("alert.webhook_url"),
			Cooldown:        time.Duration(v.GetInt("alert.cooldown_sec")) * time.Second,
		},
		Tracing: TracingConfig{
			Endpoint:    v.GetString("otel.endpoint"),
			Insecure:    v.GetBool("otel.insecure"),
			SampleRatio: v.GetFloat64("otel.sample_ratio"),
		},
		Server: ServerConfig{
			MetricsPort: v.GetInt("server.metrics_port"),
			AdminPort:   v.GetInt("server.admin_port"),
			AdminLimits: AdminLimitsConfig{
				ReconcilesPerInterval: v.GetInt("admin.reconciles_per_interval"),
				CursorResetsPerMinute: v.GetFloat64("admin.cursor_resets_per_minute"),
				ReadRPS:               v.GetFloat64("admin.read_rps"),
				ReadBurst:             v.GetInt("admin.read_burst"),
			},
		},
		Reconcile: ReconcileConfig{
			Concurrency: v.GetInt("reconcile.concurrency"),
			Interval:    time.Duration(v.GetInt("reconcile.interval_sec")) * time.Second,
		},
		Log: LogConfig{Level: strings.ToLower(v.GetString("log.level"))},
	}

	var err error
	if cfg.FeeShare.VIPNodes, err = parseNodes(v.GetString("feeshare.vip_nodes")); err != nil {
		return nil, fmt.Errorf("VIP_NODES: %w", err)
	}
	if cfg.FeeShare.TopNodes, err = parseNodes(v.GetString("feeshare.top_nodes")); err != nil {
		return nil, fmt.Errorf("TOP_NODES: %w", err)
	}
	if cfg.FeeShare.Fraction, err = decimal.NewFromString(v.GetString("feeshare.fraction")); err != nil {
		return nil, fmt.Errorf("PROFIT_SHARE_FRACTION: %w", err)
	}
	return cfg, nil
}

// ErrNoBinary is returned by RequireNode when ESC_BINARY is unset.
var ErrNoBinary = errors.New("ESC_BINARY is required")

// RequireNode checks the settings a command needs to reach the node.
// Offline commands never call it.
func (c *Config) RequireNode() error {
	if c.Node.Binary == "" {
		return ErrNoBinary
	}
	return nil
}

func (c *Config) validate() error {
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("invalid ESC_PORT: %d", c.Node.Port)
	}
	if c.Node.Timeout <= 0 {
		return fmt.Errorf("ESC_TIMEOUT_SEC must be positive")
	}
	if c.Node.RPS < 0 {
		return fmt.Errorf("ESC_RPS must not be negative")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid METRICS_PORT: %d", c.Server.MetricsPort)
	}
	if c.Server.AdminPort < 0 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("invalid ADMIN_PORT: %d", c.Server.AdminPort)
	}
	l := c.Server.AdminLimits
	if l.ReconcilesPerInterval <= 0 {
		return fmt.Errorf("ADMIN_RECONCILES_PER_INTERVAL must be positive")
	}
	if l.CursorResetsPerMinute <= 0 || l.ReadRPS <= 0 || l.ReadBurst <= 0 {
		return fmt.Errorf("ADMIN_CURSOR_RESETS_PER_MIN, ADMIN_READ_RPS and ADMIN_READ_BURST must be positive")
	}
	if c.Reconcile.Concurrency <= 0 {
		return fmt.Errorf("RECONCILE_CONCURRENCY must be positive")
	}
	if c.FeeShare.Fraction.IsNegative() || c.FeeShare.Fraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("PROFIT_SHARE_FRACTION must be within [0, 1]")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.Log.Level)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseNodes reads a comma-separated list of hex node ids ("0001,0002").
func parseNodes(s string) ([]int, error) {
	var nodes []int
	for _, part := range splitList(s) {
		n, err := strconv.ParseInt(part, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q", part)
		}
		if n <= 0 {
			return nil, fmt.Errorf("node id %q out of range", part)
		}
		nodes = append(nodes, int(n))
	}
	return nodes, nil
}
