package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"feedhub/internal/app"
	"feedhub/internal/config"
	"feedhub/internal/credential"
	"feedhub/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 先加载工作目录下的 .env，FEEDHUB_* 覆盖项要在读配置前生效
	if err := credential.LoadDotEnv(".env"); err != nil {
		log.Fatalf("加载 .env 失败: %v", err)
	}
	cfgPath := os.Getenv("FEEDHUB_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	if err := credential.LoadDotEnv(cfg.App.EnvFiles...); err != nil {
		log.Fatalf("加载 .env 失败: %v", err)
	}
	logFile, err := logger.Setup(logger.Options{
		Level:      cfg.App.LogLevel,
		Format:     cfg.App.LogFormat,
		Env:        cfg.App.Env,
		Path:       cfg.App.LogPath,
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackups,
		MaxAgeDays: cfg.App.LogMaxAgeDays,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logFile.Close()
	logger.Infof("✓ 配置加载成功（环境=%s，订阅文件=%s）", cfg.App.Env, cfg.Subscriptions.Path)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("feedhub stopped")
}
