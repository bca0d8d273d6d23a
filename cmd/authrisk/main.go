package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"authrisk/internal/api"
	"authrisk/internal/cache"
	"authrisk/internal/config"
	"authrisk/internal/database"
	"authrisk/internal/engine"
	"authrisk/internal/location"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
	"authrisk/internal/orchestrator"
	"authrisk/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		envPath    = flag.String("env", ".env", "环境变量文件路径")
		issueToken = flag.String("issue-token", "", "为指定管理员签发 admin JWT 后退出")
		watch      = flag.Duration("watch", 30*time.Second, "配置文件检查间隔，0 表示不监听")
	)
	flag.Parse()

	env := config.NewEnvManager("", "")
	if _, err := os.Stat(*envPath); err == nil {
		if err := env.LoadFromFile(*envPath); err != nil {
			log.Fatalf("加载环境变量文件失败: %v", err)
		}
	}

	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.LoadWithEnv(path, env)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	if *issueToken != "" {
		token, err := api.NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Duration).GenerateToken(*issueToken, api.RoleAdmin)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		fmt.Println(token)
		return
	}

	appLog := logger.Init(loggerConfig(cfg))
	if err := run(cfg, path, env, *watch, appLog); err != nil {
		appLog.Fatal("authrisk exited", "error", err)
	}
}

func run(cfg *config.Config, configPath string, env *config.EnvManager, watchInterval time.Duration, log logger.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("Starting authrisk", "version", cfg.App.Version, "env", cfg.App.Env)

	db, err := database.NewConnection(databaseConfig(cfg), log)
	if err != nil {
		return fmt.Errorf("连接数据库失败: %w", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart || db.Dialect() == database.DialectSQLite {
		if err := database.Migrate(db, log); err != nil {
			return fmt.Errorf("数据库迁移失败: %w", err)
		}
	}

	shared, err := openCache(ctx, cfg, db, log)
	if err != nil {
		return fmt.Errorf("初始化缓存失败: %w", err)
	}
	defer shared.Close()

	var metrics *monitoring.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewMetrics(prometheus.DefaultRegisterer)
	}

	geo, err := location.OpenGeoIP(cfg.GeoIP.CityPath, cfg.GeoIP.ASNPath, log)
	if err != nil {
		return err
	}
	defer geo.Close()

	alerts, err := setupAlerting(cfg, metrics, log)
	if err != nil {
		return err
	}
	defer alerts.Close()

	opts := engine.Options{
		Locator:  geo,
		Notifier: alerts.notifier,
		Metrics:  metrics,
		Logger:   log,
	}
	if cfg.Tracing.Enabled {
		opts.Tracer = otel.Tracer(cfg.Tracing.ServiceName)
	}
	st := store.NewSQLStore(db)
	eng, err := engine.NewFromConfig(cfg, st, shared, opts)
	if err != nil {
		return err
	}

	var scheduler *orchestrator.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = orchestrator.NewScheduler(30*time.Minute, log)
		job, err := orchestrator.NewRetentionJob(st, cfg.Risk.RetentionDays, metrics, log)
		if err != nil {
			return err
		}
		scheduler.RegisterHandler(orchestrator.TaskTypeRetention, job)
		if err := scheduler.AddConfigured(cfg.Scheduler.Jobs); err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	health := map[string]api.HealthCheck{"database": db.HealthCheck}
	if hc, ok := shared.(cache.HealthChecker); ok {
		health["cache"] = hc.HealthCheck
	}

	server, err := api.NewServer(cfg, api.Dependencies{
		Engine:    eng,
		Stream:    alerts.stream,
		Scheduler: scheduler,
		Health:    health,
		Metrics:   metrics,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	if configPath != "" && watchInterval > 0 {
		watcher := config.NewWatcher(configPath, env, watchInterval, log)
		watcher.AddCallback(func(next *config.Config) error {
			return eng.Policy().SetThresholds(engine.DecisionConfig(next))
		})
		go func() {
			if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("Configuration watcher stopped", "error", err)
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	return server.Stop(shutdownCtx)
}
