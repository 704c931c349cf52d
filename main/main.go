package main

/* This is a test environment */

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/randree/dbrouter"
	"github.com/randree/dbrouter/admin"
	"github.com/randree/dbrouter/config"
	"github.com/randree/dbrouter/logger"
)

type User struct {
	ID   int `gorm:"primarykey"`
	Name string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dbrouter: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("DBROUTER_CONFIG")
	if configPath == "" {
		configPath = "main/dbrouter.yaml"
	}

	watcher, err := config.NewWatcher(configPath, config.DefaultDebounce, log.StandardLogger())
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			log.WithError(err).Error("DBROUTER | failed to stop config watcher")
		}
	}()

	cfg := watcher.Current()
	lg := logger.New(logger.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := dbrouter.NewMetrics(reg)
	if err != nil {
		return err
	}

	registry, err := dbrouter.NewRegistry(cfg.Databases,
		dbrouter.WithLogger(lg),
		dbrouter.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			lg.WithError(err).Error("DBROUTER | failed to close registry")
		}
	}()

	database := os.Getenv("DBROUTER_DATABASE")
	if database == "" {
		database = cfg.Databases.Names()[0]
	}

	db, err := dbrouter.Open(registry, database, &gorm.Config{
		DisableAutomaticPing: true,
		Logger: logger.NewDatabaseLogger(lg.WithField("database", database), logger.LoggerConfig{
			SlowThreshold:         time.Second,
			SkipErrRecordNotFound: true,
			LogQuery:              cfg.Logging.Query,
		}),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		_ = registry.Watch(ctx, watcher.Updates())
	}()

	if cfg.Admin.Listen != "" {
		srv := admin.New(cfg.Admin.Listen, admin.Deps{
			Status:   registry,
			Reloader: admin.ReloaderFunc(watcher.Reload),
			Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Logger:   lg,
		})
		go func() {
			if err := srv.Start(); err != nil {
				lg.WithError(err).Error("DBROUTER | admin server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	if err := db.AutoMigrate(&User{}); err != nil {
		lg.WithError(err).Error("DBROUTER | migration failed")
	}
	user := &User{}
	db.FirstOrInit(user, User{Name: "Jackx"})
	db.Create(&User{Name: "Jack"})

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lg.Info("DBROUTER | shutting down")
			return nil
		case <-ticker.C:
			users := []User{}
			if err := db.Find(&users).Error; err != nil {
				lg.WithError(err).Warn("DBROUTER | read failed")
			}
			fmt.Print(registry.Status())
		}
	}
}
