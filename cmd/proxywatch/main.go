package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropfleet/dropfleet/internal/proxy"
	"github.com/dropfleet/dropfleet/internal/store"
	"github.com/dropfleet/dropfleet/pkg/cache"
	"github.com/dropfleet/dropfleet/pkg/config"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.LogLevel, cfg.App.LogFormat)

	redis, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("failed to connect to Redis", logger.Field{Key: "error", Value: err.Error()})
	}
	defer redis.Close()

	pool, err := proxy.NewPool(
		store.New[proxy.Proxy](cfg.Store.ProxiesFile, log, store.WithRollingBackup[proxy.Proxy]()),
		cfg.Proxy.MinReuseDelay, log)
	if err != nil {
		log.Fatal("failed to open proxy pool", logger.Field{Key: "error", Value: err.Error()})
	}

	checker := proxy.NewChecker(pool, redis, proxy.HTTPProber{}, proxy.CheckerConfig{
		TestURLs:      cfg.Proxy.TestURLs,
		ProbeTimeout:  cfg.Proxy.ProbeTimeout,
		Concurrency:   cfg.Proxy.CheckConcurrency,
		EvictAfter:    cfg.Proxy.EvictAfterFails,
		CheckInterval: cfg.Proxy.CheckInterval,
		ImportKey:     cfg.Proxy.ImportKey,
		StatsKey:      cfg.Proxy.StatsKey,
	}, log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		checker.Run(ctx)
	}()

	srv := statusServer(pool, cfg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("starting HTTP server", logger.Field{Key: "port", Value: cfg.Monitoring.HTTPPort})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown timeout exceeded", logger.Field{Key: "error", Value: err.Error()})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("stopped")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout exceeded")
	}
}

func statusServer(pool *proxy.Pool, cfg *config.Config) *http.Server {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, pool.Stats())
	})

	router.GET("/proxies", func(c *gin.Context) {
		c.JSON(http.StatusOK, pool.Snapshot())
	})

	router.GET("/export", func(c *gin.Context) {
		format := c.DefaultQuery("format", "plain")
		out, err := pool.ExportWorking(format)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.String(http.StatusOK, out)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Monitoring.HTTPPort),
		Handler: router,
	}
}
