package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	JWT        JWTConfig        `yaml:"jwt"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Risk       RiskConfig       `yaml:"risk"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	// Per-IP limit applied to the public analysis endpoints.
	RequestsPerWindow int           `yaml:"requests_per_window"`
	RequestWindow     time.Duration `yaml:"request_window"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres or sqlite
	Path            string        `yaml:"path"`   // sqlite file path
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpen         int           `yaml:"max_open"`
	MaxIdle         int           `yaml:"max_idle"`
	Timeout         time.Duration `yaml:"timeout"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// CacheConfig selects the shared cache backend
type CacheConfig struct {
	Driver        string        `yaml:"driver"` // redis, memory, database
	Fallback      bool          `yaml:"fallback"`
	MemoryMaxSize int           `yaml:"memory_max_size"`
	TableName     string        `yaml:"table_name"`
	HealthCheck   time.Duration `yaml:"health_check"`
}

// JWTConfig represents JWT configuration for the admin API
type JWTConfig struct {
	SecretKey string        `yaml:"secret_key"`
	Issuer    string        `yaml:"issuer"`
	Duration  time.Duration `yaml:"duration"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	Filename   string `yaml:"filename"`
	ConfigFile string `yaml:"config_file"`
}

// GeoIPConfig points at MaxMind databases
type GeoIPConfig struct {
	CityPath string `yaml:"city_path"`
	ASNPath  string `yaml:"asn_path"`
}

// KafkaConfig configures the security event publisher
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	Version  string   `yaml:"version"`
}

// AlertingConfig configures alert delivery
type AlertingConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	RetryCount      int           `yaml:"retry_count"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	SubjectChannels []string      `yaml:"subject_channels"`
	AdminChannels   []string      `yaml:"admin_channels"`
	// Per-recipient token bucket.
	ThrottlePerMinute float64 `yaml:"throttle_per_minute"`
	ThrottleBurst     int     `yaml:"throttle_burst"`
	Webhook           struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Secret  string `yaml:"secret"`
	} `yaml:"webhook"`
	Slack struct {
		Enabled    bool   `yaml:"enabled"`
		WebhookURL string `yaml:"webhook_url"`
		Channel    string `yaml:"channel"`
		Username   string `yaml:"username"`
	} `yaml:"slack"`
	Stream struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"stream"`
}

// TracingConfig configures OpenTelemetry tracer naming
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// SchedulerConfig holds cron schedules per registered job
type SchedulerConfig struct {
	Enabled bool              `yaml:"enabled"`
	Jobs    map[string]string `yaml:"jobs"`
}

// RiskConfig is the engine's tuning surface
type RiskConfig struct {
	RetentionDays int             `yaml:"retention_days"`
	Behavior      BehaviorConfig  `yaml:"behavior"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Threat        ThreatConfig    `yaml:"threat"`
	Decision      DecisionConfig  `yaml:"decision"`
	Device        DeviceConfig    `yaml:"device"`
}

// BehaviorConfig configures profiling and anomaly scoring
type BehaviorConfig struct {
	MinSamples         int           `yaml:"min_samples"`
	LearningPeriodDays int           `yaml:"learning_period_days"`
	MaxSamples         int           `yaml:"max_samples"`
	ProfileTTL         time.Duration `yaml:"profile_ttl"`
	AnomalyThreshold   float64       `yaml:"anomaly_threshold"`
	FailOpen           bool          `yaml:"fail_open"`
}

// RateLimitConfig configures the fixed-window limiter
type RateLimitConfig struct {
	MaxAttempts  int  `yaml:"max_attempts"`
	DecaySeconds int  `yaml:"decay_seconds"`
	HashKeys     bool `yaml:"hash_keys"`
}

// ThreatConfig configures login threat checks
type ThreatConfig struct {
	Weights              map[string]int `yaml:"weights"`
	BruteForceThreshold  int            `yaml:"brute_force_threshold"`
	BruteForceWindow     time.Duration  `yaml:"brute_force_window"`
	SuspiciousIPFailures int            `yaml:"suspicious_ip_failures"`
	TakeoverIPFailures   int            `yaml:"takeover_ip_failures"`
	IPFailureWindow      time.Duration  `yaml:"ip_failure_window"`
	VPNRanges            []string       `yaml:"vpn_ranges"`
	PatternLookbackDays  int            `yaml:"pattern_lookback_days"`
	MaxDailyLogins       int            `yaml:"max_daily_logins"`
	PasswordChangeWindow time.Duration  `yaml:"password_change_window"`
	MaxDistanceKm        float64        `yaml:"max_distance_km"`
	RapidLoginInterval   time.Duration  `yaml:"rapid_login_interval"`
	DormancyPeriod       time.Duration  `yaml:"dormancy_period"`
	HistoryLimit         int            `yaml:"history_limit"`
}

// DecisionConfig configures outcome thresholds
type DecisionConfig struct {
	ChallengeThreshold float64 `yaml:"challenge_threshold"`
	BlockThreshold     float64 `yaml:"block_threshold"`
}

// DeviceConfig configures fingerprint hashing
type DeviceConfig struct {
	HashKey string `yaml:"hash_key"`
}

// Default returns the documented defaults
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "authrisk", Version: "1.0.0", Env: "development"},
		Server: ServerConfig{
			Port:              8080,
			Host:              "0.0.0.0",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			MaxHeaderBytes:    1 << 20,
			RequestsPerWindow: 120,
			RequestWindow:     time.Minute,
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Path:    "data/authrisk.db",
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			MaxOpen: 25,
			MaxIdle: 5,
			Timeout: 5 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 10},
		Cache: CacheConfig{
			Driver:        "memory",
			Fallback:      true,
			MemoryMaxSize: 10000,
			TableName:     "cache_entries",
			HealthCheck:   30 * time.Second,
		},
		JWT:        JWTConfig{Issuer: "authrisk", Duration: time.Hour},
		Monitoring: MonitoringConfig{PrometheusEnabled: true, PrometheusPath: "/metrics"},
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Kafka:      KafkaConfig{Topic: "authrisk.security-events", ClientID: "authrisk", Version: "2.1.0"},
		Alerting: AlertingConfig{
			QueueSize:         100,
			RetryCount:        2,
			RetryInterval:     2 * time.Second,
			Timeout:           10 * time.Second,
			ThrottlePerMinute: 6,
			ThrottleBurst:     3,
		},
		Tracing: TracingConfig{ServiceName: "authrisk"},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Jobs:    map[string]string{"retention_cleanup": "0 0 3 * * *"},
		},
		Risk: RiskConfig{
			RetentionDays: 90,
			Behavior: BehaviorConfig{
				MinSamples:         10,
				LearningPeriodDays: 30,
				MaxSamples:         1000,
				ProfileTTL:         time.Hour,
				AnomalyThreshold:   0.7,
				FailOpen:           true,
			},
			RateLimit: RateLimitConfig{MaxAttempts: 5, DecaySeconds: 60},
			Threat: ThreatConfig{
				Weights: map[string]int{
					"brute_force":        30,
					"suspicious_ip":      25,
					"unusual_pattern":    20,
					"account_takeover":   40,
					"geographic_anomaly": 15,
					"device_anomaly":     10,
					"time_anomaly":       5,
				},
				BruteForceThreshold:  5,
				BruteForceWindow:     15 * time.Minute,
				SuspiciousIPFailures: 10,
				TakeoverIPFailures:   20,
				IPFailureWindow:      time.Hour,
				PatternLookbackDays:  30,
				MaxDailyLogins:       10,
				PasswordChangeWindow: 24 * time.Hour,
				MaxDistanceKm:        500,
				RapidLoginInterval:   30 * time.Second,
				DormancyPeriod:       90 * 24 * time.Hour,
				HistoryLimit:         200,
			},
			Decision: DecisionConfig{ChallengeThreshold: 0.3, BlockThreshold: 0.7},
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadWithEnv loads the file, applies AUTHRISK_ overrides and validates the result
func LoadWithEnv(filename string, env *EnvManager) (*Config, error) {
	config := Default()
	if filename != "" {
		loaded, err := Load(filename)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	if env != nil {
		env.Apply(config)
	}

	if err := NewValidator(config).Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
