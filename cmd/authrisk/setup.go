package main

import (
	"context"
	"fmt"

	"authrisk/internal/alerting"
	"authrisk/internal/cache"
	"authrisk/internal/config"
	"authrisk/internal/database"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
)

func loggerConfig(cfg *config.Config) logger.Config {
	lc := logger.DefaultConfig
	if cfg.Logging.ConfigFile != "" {
		if fc, err := logger.LoadConfigFile(cfg.Logging.ConfigFile); err == nil {
			lc = fc.ForEnvironment(cfg.App.Env)
		}
	}
	if cfg.Logging.Level != "" {
		lc.Level = logger.LogLevel(cfg.Logging.Level)
	}
	if cfg.Logging.Format != "" {
		lc.Format = logger.LogFormat(cfg.Logging.Format)
	}
	if cfg.Logging.Output != "" {
		lc.Output = cfg.Logging.Output
	}
	if cfg.Logging.Filename != "" {
		lc.Filename = cfg.Logging.Filename
	}
	return lc
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Driver:          cfg.Database.Driver,
		Path:            cfg.Database.Path,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpen:         cfg.Database.MaxOpen,
		MaxIdle:         cfg.Database.MaxIdle,
		Timeout:         cfg.Database.Timeout,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
}

func openCache(ctx context.Context, cfg *config.Config, db *database.DB, log logger.Logger) (cache.Cache, error) {
	return cache.NewCacheFactory().Create(ctx, &cache.FactoryConfig{
		Driver:   cfg.Cache.Driver,
		Fallback: cfg.Cache.Fallback,
		Redis: cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		},
		MemoryMaxSize:       cfg.Cache.MemoryMaxSize,
		TableName:           cfg.Cache.TableName,
		HealthCheckInterval: cfg.Cache.HealthCheck,
		DB:                  db,
		Logger:              log,
	})
}

// alertStack is the alert manager with its channels and the notifier on top
type alertStack struct {
	manager  *alerting.AlertManager
	notifier *alerting.Notifier
	stream   *alerting.StreamHub
	kafka    *alerting.KafkaChannel
}

func (s *alertStack) Close() {
	s.manager.Stop()
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			logger.Warn("Failed to close Kafka producer", "error", err)
		}
	}
}

func setupAlerting(cfg *config.Config, metrics *monitoring.Metrics, log logger.Logger) (*alertStack, error) {
	a := cfg.Alerting
	manager := alerting.NewAlertManager(alerting.AlertConfig{
		QueueSize:     a.QueueSize,
		RetryCount:    a.RetryCount,
		RetryInterval: a.RetryInterval,
		Timeout:       a.Timeout,
	}, metrics, log)

	stack := &alertStack{manager: manager}

	if a.Webhook.Enabled {
		manager.RegisterChannel(alerting.NewWebhookChannel(&alerting.WebhookConfig{
			Enabled: true,
			URL:     a.Webhook.URL,
			Secret:  a.Webhook.Secret,
			Timeout: a.Timeout,
		}))
	}
	if a.Slack.Enabled {
		manager.RegisterChannel(alerting.NewSlackChannel(&alerting.SlackConfig{
			Enabled:    true,
			WebhookURL: a.Slack.WebhookURL,
			Channel:    a.Slack.Channel,
			Username:   a.Slack.Username,
			Timeout:    a.Timeout,
		}))
	}
	if cfg.Kafka.Enabled {
		kc, err := alerting.NewKafkaChannel(alerting.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
			Version:  cfg.Kafka.Version,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka channel: %w", err)
		}
		manager.RegisterChannel(kc)
		stack.kafka = kc
	}
	if a.Stream.Enabled {
		stack.stream = alerting.NewStreamHub(metrics, log)
		manager.RegisterChannel(stack.stream)
	}

	// 未配置受众时，管理员收到所有渠道，用户只走 webhook
	adminChannels := a.AdminChannels
	if len(adminChannels) == 0 {
		adminChannels = manager.Channels()
	}
	subjectChannels := a.SubjectChannels
	if len(subjectChannels) == 0 && a.Webhook.Enabled {
		subjectChannels = []string{"webhook"}
	}
	if len(subjectChannels) == 0 {
		log.Warn("No subject alert channels configured, subject alerts will be reported as undelivered")
	}

	stack.notifier = alerting.NewNotifier(manager, alerting.NotifierConfig{
		SubjectChannels:   subjectChannels,
		AdminChannels:     adminChannels,
		ThrottlePerMinute: a.ThrottlePerMinute,
		ThrottleBurst:     a.ThrottleBurst,
		Async:             true,
	}, metrics, log)

	manager.Start()
	return stack, nil
}
