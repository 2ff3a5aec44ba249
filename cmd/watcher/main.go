package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/fsaudit/internal/audit"
	"github.com/xela07ax/fsaudit/internal/infra"
	"github.com/xela07ax/fsaudit/internal/repository/sqlite"
	"github.com/xela07ax/fsaudit/internal/watcher"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Watch.Dir == "" {
		log.Fatal("watch.dir is required (config file or WATCH_DIR env)")
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. Хранилище журнала (встраиваемый SQLite)
	repo, err := sqlite.NewAuditRepo(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer repo.Close()

	// Схема идемпотентна: безопасно накатывать при каждом старте
	initCtx, initCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := repo.InitSchema(initCtx); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}
	initCancel()

	// 3. Метрики
	reg := prometheus.NewRegistry()
	metrics := watcher.NewMetrics(reg)

	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	opsSrv := &http.Server{Addr: cfg.Ops.Addr, Handler: opsMux}
	go func() {
		logger.Info("ops endpoint started", zap.String("addr", cfg.Ops.Addr))
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops endpoint failed", zap.Error(err))
		}
	}()

	// 4. Сборка конвейера
	var hasher *audit.Hasher
	if cfg.Hashing.Enabled {
		hasher = audit.NewHasher(cfg.Hashing.MaxBytesPerSec)
	}

	ctl := watcher.New(watcher.Config{
		Dir:            cfg.Watch.Dir,
		Recursive:      cfg.Watch.Recursive,
		IncludeDirs:    cfg.Watch.IncludeDirs,
		IgnorePatterns: cfg.Watch.Ignore,
		HashEnabled:    cfg.Hashing.Enabled,
		QueueSize:      cfg.Pipeline.QueueSize,
		DrainTimeout:   cfg.Pipeline.DrainTimeout,
		RenameWindow:   cfg.Pipeline.RenameWindow,
	}, repo, hasher, logger, metrics)

	if err := ctl.Start(); err != nil {
		logger.Fatal("failed to start watching", zap.Error(err))
	}

	// 5. Ожидание сигнала или фатальной потери подписки
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
		ctl.Stop()
		<-ctl.Done()
	case <-ctl.Done():
		// Контроллер остановился сам — значит, подписка умерла
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = opsSrv.Shutdown(shutdownCtx)

	// Потеря наблюдения должна быть видна супервизору: выходим с ошибкой
	if err := ctl.Err(); err != nil {
		logger.Fatal("monitoring lost", zap.Error(err))
	}
	logger.Info("recorder exited properly")
}
