package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"authrisk/internal/config"
	"authrisk/internal/database"
	"authrisk/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		up         = flag.Bool("up", false, "运行数据库迁移")
		down       = flag.Bool("down", false, "回滚全部数据库迁移")
		steps      = flag.Int("steps", 0, "按步数迁移，负数表示回滚")
		version    = flag.Bool("version", false, "显示当前迁移版本")
		force      = flag.Int("force", -1, "强制设置迁移版本（用于修复脏状态）")
		help       = flag.Bool("help", false, "显示帮助信息")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.LoadWithEnv(path, config.NewEnvManager("", ""))
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}

	migrateLog := logger.NewLogger(logger.Config{Level: logger.LevelInfo, Format: logger.FormatText, Output: "stdout"})

	db, err := database.NewConnection(&database.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		Timeout:  cfg.Database.Timeout,
	}, migrateLog)
	if err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	// Close 同时关闭底层连接
	migrator, err := database.NewMigrator(db, migrateLog)
	if err != nil {
		db.Close()
		log.Fatalf("创建迁移器失败: %v", err)
	}
	defer migrator.Close()

	switch {
	case *down:
		run("回滚数据库迁移", migrator.Down)
	case *steps != 0:
		run(fmt.Sprintf("按步迁移 (%d)", *steps), func() error { return migrator.Steps(*steps) })
	case *version:
		showVersion(migrator)
	case *force >= 0:
		run(fmt.Sprintf("强制设置迁移版本为 %d", *force), func() error { return migrator.Force(*force) })
	case *up:
		run("运行数据库迁移", migrator.Up)
	default:
		run("运行数据库迁移", migrator.Up)
	}
}

func showHelp() {
	fmt.Println("authrisk 数据库迁移工具")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  migrate [选项]")
	fmt.Println()
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  migrate -up")
	fmt.Println("  migrate -steps -1")
	fmt.Println("  migrate -version")
	fmt.Println("  migrate -force 1    # 修复脏状态，强制设置为版本1")
}

func run(action string, fn func() error) {
	log.Printf("开始%s...", action)
	if err := fn(); err != nil {
		log.Fatalf("%s失败: %v", action, err)
	}
	log.Printf("✅ %s完成", action)
}

func showVersion(migrator *database.Migrator) {
	status, err := migrator.Status()
	if err != nil {
		log.Fatalf("获取迁移版本失败: %v", err)
	}
	fmt.Printf("当前迁移版本: %d (dirty=%v)\n", status.CurrentVersion, status.IsDirty)
}
