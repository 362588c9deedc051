package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/Wei-Shaw/sorapool/internal/config"
	"github.com/Wei-Shaw/sorapool/internal/handler"
	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
	"github.com/Wei-Shaw/sorapool/internal/repository"
	"github.com/Wei-Shaw/sorapool/internal/server"
	"github.com/Wei-Shaw/sorapool/internal/server/routes"
	"github.com/Wei-Shaw/sorapool/internal/service"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return fmt.Errorf("初始化日志: %w", err)
	}
	defer logger.Sync()

	db, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := repository.ApplyMigrations(ctx, db); err != nil {
		return fmt.Errorf("应用数据库迁移: %w", err)
	}

	accountRepo := repository.NewAccountRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	upstream := repository.NewSoraClient(cfg.Sora.BaseURL, cfg.Sora.ProxyURL, cfg.Sora.Timeout)

	accounts := service.NewAccountService(accountRepo, cfg.Admin.ErrorBanThreshold, cfg.Admin.BanCooldown)
	concurrency := service.NewConcurrencyService()
	imageLock := service.NewAccountLock()
	selector := service.NewAccountSelector(accounts, concurrency, imageLock)

	// 进程重启后依账号表重建内存并发槽。
	if list, err := accounts.List(ctx, service.AccountFilter{}); err == nil {
		for _, acct := range list {
			concurrency.Register(acct.ID, acct.ImageLimit, acct.VideoLimit)
		}
	} else {
		logger.LegacyErrorf("main", "[Init] 读取账号列表失败: %v", err)
	}

	cache, err := service.NewFileCacheService(cfg.Cache.Dir, upstream, service.CacheSettings{
		Enabled: cfg.Cache.Enabled,
		TTL:     cfg.Cache.Timeout,
		BaseURL: cfg.Cache.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("初始化文件缓存: %w", err)
	}

	watermark := service.NewWatermarkService(upstream, cache, service.WatermarkSettings{
		Enabled: cfg.WatermarkFree.Enabled,
	})
	if cfg.WatermarkFree.ParseMethod == "custom" {
		watermark.UpdateSettings(service.WatermarkSettings{
			Enabled:             cfg.WatermarkFree.Enabled,
			CustomResolverURL:   cfg.WatermarkFree.CustomParseURL,
			CustomResolverToken: cfg.WatermarkFree.CustomToken,
		})
	}

	refresher := service.NewTokenRefreshService(accounts, upstream, cfg.TokenRefresh.RenewWindow)
	if cfg.TokenRefresh.AutoRefreshEnabled {
		selector.SetRefresher(refresher)
	}

	engine := service.NewGenerationEngine(selector, accounts, upstream, cache, watermark, taskRepo, service.EngineOptions{
		PollInterval:  cfg.Sora.PollInterval,
		ImageTimeout:  cfg.Generation.ImageTimeout,
		VideoTimeout:  cfg.Generation.VideoTimeout,
		MaxConcurrent: cfg.Generation.MaxConcurrentJobs,
	})

	scheduler := cron.New()
	sweepSpec := fmt.Sprintf("@every %s", cfg.Cache.SweepInterval)
	if _, err := scheduler.AddFunc(sweepSpec, cache.Sweep); err != nil {
		return fmt.Errorf("注册缓存清扫任务: %w", err)
	}
	if cfg.TokenRefresh.AutoRefreshEnabled {
		if _, err := scheduler.AddFunc("@every 1h", func() { refresher.RefreshAll(context.Background()) }); err != nil {
			return fmt.Errorf("注册凭证续期任务: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(cfg.Server.Host, cfg.Server.Port)
	routes.Register(srv.Router(),
		handler.NewOpenAIHandler(engine, watermark),
		handler.NewAdminHandler(accounts, concurrency, cache, watermark, taskRepo),
		routes.Options{
			APIKey:      cfg.Server.APIKey,
			AdminAPIKey: cfg.Admin.APIKey,
			CacheDir:    cfg.Cache.Dir,
		},
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.LegacyPrintf("main", "[Shutdown] 收到信号 %s,开始优雅停机", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.LegacyErrorf("main", "[Shutdown] HTTP 停机失败: %v", err)
	}
	engine.Stop()
	return nil
}

func openDatabase(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库: %w", err)
	}
	// sqlite 单写者,限制连接数避免 database is locked。
	db.SetMaxOpenConns(1)
	return db, nil
}
