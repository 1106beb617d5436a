package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Security    SecurityConfig    `mapstructure:"security"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Runs        RunsConfig        `mapstructure:"runs"`
	Actions     ActionsConfig     `mapstructure:"actions"`
	Connectors  ConnectorsConfig  `mapstructure:"connectors"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Credentials map[string]string `mapstructure:"credentials"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // OTLP gRPC 端点
	Insecure    bool    `mapstructure:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name"`
}

type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	// ServiceToken authenticates service-to-service calls (internal callback, /api).
	ServiceToken string `mapstructure:"service_token"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst"`
	KeyHeader         string                `mapstructure:"key_header"`
	WhitelistIPs      []string              `mapstructure:"whitelist_ips"`
	Paths             []PathRateLimitConfig `mapstructure:"paths"`
}

// PathRateLimitConfig overrides the global limit for one path prefix.
type PathRateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Prefix            string `mapstructure:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
}

type IngestConfig struct {
	DedupWindow  time.Duration `mapstructure:"dedup_window"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type RunsConfig struct {
	WallClockBudget time.Duration `mapstructure:"wall_clock_budget"`
	WatchdogSpec    string        `mapstructure:"watchdog_spec"`
	BackfillSpec    string        `mapstructure:"backfill_spec"`
	BackfillAfter   time.Duration `mapstructure:"backfill_after"`
	Concurrency     int           `mapstructure:"concurrency"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

type ActionsConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	ResultMaxBytes int           `mapstructure:"result_max_bytes"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	SlackBaseURL   string        `mapstructure:"slack_base_url"`
	GitHubBaseURL  string        `mapstructure:"github_base_url"`
}

type ConnectorsConfig struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests"`
}

type WorkerConfig struct {
	// CallbackURL, when set, receives POST /internal/process-trigger-event
	// notifications instead of executing runs in-process.
	CallbackURL string        `mapstructure:"callback_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Load 读取 viper 中的配置并覆盖默认值
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetupViper 配置文件与环境变量查找规则
func SetupViper(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("TRIGGERFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "triggerflow",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/triggerflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "triggerflow",
			},
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
		Ingest: IngestConfig{
			DedupWindow:  5 * time.Minute,
			MaxBodyBytes: 1 << 20,
		},
		Runs: RunsConfig{
			WallClockBudget: 30 * time.Minute,
			WatchdogSpec:    "@every 1m",
			BackfillSpec:    "@every 1m",
			BackfillAfter:   2 * time.Minute,
			Concurrency:     8,
			ShutdownGrace:   30 * time.Second,
		},
		Actions: ActionsConfig{
			CallTimeout:    30 * time.Second,
			ResultMaxBytes: 10 * 1024,
			MaxRetries:     2,
			RetryDelay:     500 * time.Millisecond,
			SlackBaseURL:   "https://slack.com/api",
			GitHubBaseURL:  "https://api.github.com",
		},
		Connectors: ConnectorsConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		Worker: WorkerConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// ConnString 组装 Postgres DSN（显式 dsn 优先）
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslmode)
}
