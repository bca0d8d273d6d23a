package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// knownThreatKinds mirrors the threat kinds that accept weights
var knownThreatKinds = map[string]bool{
	"brute_force":        true,
	"suspicious_ip":      true,
	"unusual_pattern":    true,
	"account_takeover":   true,
	"geographic_anomaly": true,
	"device_anomaly":     true,
	"time_anomaly":       true,
}

// Validator 配置验证器
type Validator struct {
	config *Config
}

// NewValidator 创建配置验证器
func NewValidator(config *Config) *Validator {
	return &Validator{config: config}
}

// Validate 验证配置，汇总所有错误一次返回
func (v *Validator) Validate() error {
	var errors []string

	checks := []struct {
		name string
		fn   func() error
	}{
		{"服务器配置错误", v.validateServer},
		{"数据库配置错误", v.validateDatabase},
		{"缓存配置错误", v.validateCache},
		{"Kafka配置错误", v.validateKafka},
		{"调度配置错误", v.validateScheduler},
		{"行为分析配置错误", v.validateBehavior},
		{"限流配置错误", v.validateRateLimit},
		{"威胁分析配置错误", v.validateThreat},
		{"决策配置错误", v.validateDecision},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %v", check.name, err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("配置验证失败:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (v *Validator) validateServer() error {
	s := v.config.Server
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("端口号必须在1-65535之间: %d", s.Port)
	}
	if s.RequestsPerWindow < 0 {
		return fmt.Errorf("requests_per_window 不能为负数")
	}
	if s.RequestsPerWindow > 0 && s.RequestWindow <= 0 {
		return fmt.Errorf("request_window 必须为正数")
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	db := v.config.Database
	switch db.Driver {
	case "sqlite":
		if db.Path == "" {
			return fmt.Errorf("sqlite 需要配置 path")
		}
	case "postgres":
		if db.Host == "" || db.DBName == "" || db.User == "" {
			return fmt.Errorf("postgres 需要配置 host, dbname, user")
		}
		if db.Port <= 0 || db.Port > 65535 {
			return fmt.Errorf("数据库端口无效: %d", db.Port)
		}
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", db.Driver)
	}
	return nil
}

func (v *Validator) validateCache() error {
	c := v.config.Cache
	switch c.Driver {
	case "redis":
		if v.config.Redis.Addr == "" {
			return fmt.Errorf("redis 驱动需要配置 redis.addr")
		}
	case "memory":
	case "database":
		if c.TableName == "" {
			return fmt.Errorf("database 驱动需要配置 table_name")
		}
	default:
		return fmt.Errorf("不支持的缓存驱动: %q", c.Driver)
	}
	if c.MemoryMaxSize < 0 {
		return fmt.Errorf("memory_max_size 不能为负数")
	}
	return nil
}

func (v *Validator) validateKafka() error {
	k := v.config.Kafka
	if !k.Enabled {
		return nil
	}
	if len(k.Brokers) == 0 {
		return fmt.Errorf("启用 Kafka 时必须配置 brokers")
	}
	if k.Topic == "" {
		return fmt.Errorf("启用 Kafka 时必须配置 topic")
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range v.config.Scheduler.Jobs {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("任务 %s 的 cron 表达式无效: %w", name, err)
		}
	}
	return nil
}

func (v *Validator) validateBehavior() error {
	b := v.config.Risk.Behavior
	if b.MinSamples < 1 {
		return fmt.Errorf("min_samples 必须大于0")
	}
	if b.LearningPeriodDays < 1 {
		return fmt.Errorf("learning_period_days 必须大于0")
	}
	if b.MaxSamples < b.MinSamples {
		return fmt.Errorf("max_samples (%d) 不能小于 min_samples (%d)", b.MaxSamples, b.MinSamples)
	}
	if b.ProfileTTL <= 0 {
		return fmt.Errorf("profile_ttl 必须为正数")
	}
	if b.AnomalyThreshold < 0 || b.AnomalyThreshold > 1 {
		return fmt.Errorf("anomaly_threshold 必须在0-1之间: %v", b.AnomalyThreshold)
	}
	if v.config.Risk.RetentionDays < 1 {
		return fmt.Errorf("retention_days 必须大于0")
	}
	return nil
}

func (v *Validator) validateRateLimit() error {
	r := v.config.Risk.RateLimit
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts 必须大于0")
	}
	if r.DecaySeconds < 1 {
		return fmt.Errorf("decay_seconds 必须大于0")
	}
	return nil
}

func (v *Validator) validateThreat() error {
	t := v.config.Risk.Threat
	for kind, weight := range t.Weights {
		if !knownThreatKinds[kind] {
			return fmt.Errorf("未知的威胁类型: %s", kind)
		}
		if weight < 0 || weight > 100 {
			return fmt.Errorf("威胁权重必须在0-100之间: %s=%d", kind, weight)
		}
	}
	for _, cidr := range t.VPNRanges {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("无效的CIDR格式: %s", cidr)
		}
	}
	durations := map[string]time.Duration{
		"brute_force_window":     t.BruteForceWindow,
		"ip_failure_window":      t.IPFailureWindow,
		"password_change_window": t.PasswordChangeWindow,
		"rapid_login_interval":   t.RapidLoginInterval,
		"dormancy_period":        t.DormancyPeriod,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s 必须为正数", name)
		}
	}
	if t.BruteForceThreshold < 1 || t.SuspiciousIPFailures < 1 || t.TakeoverIPFailures < 1 {
		return fmt.Errorf("失败次数阈值必须大于0")
	}
	if t.MaxDistanceKm <= 0 {
		return fmt.Errorf("max_distance_km 必须为正数")
	}
	return nil
}

func (v *Validator) validateDecision() error {
	d := v.config.Risk.Decision
	if d.ChallengeThreshold < 0 || d.BlockThreshold > 1 {
		return fmt.Errorf("阈值必须在0-1之间")
	}
	if d.ChallengeThreshold > d.BlockThreshold {
		return fmt.Errorf("challenge_threshold (%v) 不能大于 block_threshold (%v)", d.ChallengeThreshold, d.BlockThreshold)
	}
	return nil
}
