package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropfleet/dropfleet/internal/account"
	"github.com/dropfleet/dropfleet/internal/proxy"
	"github.com/dropfleet/dropfleet/internal/store"
	"github.com/dropfleet/dropfleet/internal/task"
	"github.com/dropfleet/dropfleet/pkg/cache"
	"github.com/dropfleet/dropfleet/pkg/config"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: orchestrator <command> [flags]

Commands:
  create    enqueue account-creation tasks and wait for results
  register  enqueue platform registrations for unregistered accounts
  airdrop   enqueue airdrop participation for registered accounts
  monitor   print channel depths and the latest proxy summary
  serve     run the read-only HTTP status and metrics endpoint
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

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

	registry, err := account.NewRegistry(account.NewStore(cfg.Store.AccountsFile, log), log)
	if err != nil {
		log.Fatal("failed to open account registry", logger.Field{Key: "error", Value: err.Error()})
	}

	pool, err := proxy.NewPool(
		store.New[proxy.Proxy](cfg.Store.ProxiesFile, log, store.WithRollingBackup[proxy.Proxy]()),
		cfg.Proxy.MinReuseDelay, log)
	if err != nil {
		log.Fatal("failed to open proxy pool", logger.Field{Key: "error", Value: err.Error()})
	}

	queue := task.NewQueue(redis, cfg.Dispatch.TaskQueue, cfg.Dispatch.ResultQueue, log)
	dispatcher := task.NewDispatcher(queue, registry, redis, cfg.Dispatch, cfg.Proxy.StatsKey, log)

	switch os.Args[1] {
	case "create":
		runCreate(ctx, dispatcher, log, os.Args[2:])
	case "register":
		runRegister(ctx, dispatcher, log, os.Args[2:])
	case "airdrop":
		runAirdrop(ctx, dispatcher, log, os.Args[2:])
	case "monitor":
		runMonitor(ctx, dispatcher, log)
	case "serve":
		runServe(ctx, dispatcher, registry, pool, cfg, log)
	default:
		usage()
	}
}

func runCreate(ctx context.Context, d *task.Dispatcher, log logger.Logger, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	count := fs.Int("count", 1, "number of accounts to create")
	domain := fs.String("domain", "example.com", "email domain for new accounts")
	useProxy := fs.Bool("use-proxy", false, "assign a pool proxy to each account")
	fs.Parse(args)

	results, err := d.CreateAccounts(ctx, *count, *domain, *useProxy)
	if err != nil {
		log.Fatal("account creation failed", logger.Field{Key: "error", Value: err.Error()})
	}
	printResults(results, *count)
}

func runRegister(ctx context.Context, d *task.Dispatcher, log logger.Logger, args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	platforms := fs.String("platforms", "", "comma-separated platforms to register accounts on")
	fs.Parse(args)

	if *platforms == "" {
		log.Fatal("register requires -platforms")
	}

	results, err := d.RegisterAccounts(ctx, splitList(*platforms)...)
	if err != nil {
		log.Fatal("registration failed", logger.Field{Key: "error", Value: err.Error()})
	}
	printResults(results, len(results))
}

func runAirdrop(ctx context.Context, d *task.Dispatcher, log logger.Logger, args []string) {
	fs := flag.NewFlagSet("airdrop", flag.ExitOnError)
	name := fs.String("name", "", "airdrop campaign name")
	platform := fs.String("platform", "", "platform the campaign runs on")
	actions := fs.String("actions", "follow,retweet", "comma-separated campaign actions")
	fs.Parse(args)

	if *name == "" || *platform == "" {
		log.Fatal("airdrop requires -name and -platform")
	}

	results, err := d.ParticipateAirdrop(ctx, *name, *platform, splitList(*actions))
	if err != nil {
		log.Fatal("airdrop dispatch failed", logger.Field{Key: "error", Value: err.Error()})
	}
	printResults(results, len(results))
}

func runMonitor(ctx context.Context, d *task.Dispatcher, log logger.Logger) {
	status, err := d.MonitorQueues(ctx)
	if err != nil {
		log.Fatal("monitor failed", logger.Field{Key: "error", Value: err.Error()})
	}

	fmt.Printf("tasks queued:   %d\n", status.Tasks)
	fmt.Printf("results queued: %d\n", status.Results)
	if status.Proxies != nil {
		fmt.Printf("proxies:        %d working / %d total (last check %s)\n",
			status.Proxies.Working, status.Proxies.Total, status.Proxies.LastCheck)
	}
}

func runServe(ctx context.Context, d *task.Dispatcher, registry *account.Registry, pool *proxy.Pool, cfg *config.Config, log logger.Logger) {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		status, err := d.MonitorQueues(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	router.GET("/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.All())
	})

	router.GET("/proxies/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, pool.Stats())
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Monitoring.HTTPPort),
		Handler: router,
	}

	go func() {
		log.Info("starting HTTP server", logger.Field{Key: "port", Value: cfg.Monitoring.HTTPPort})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	<-ctx.Done()
	log.Info("shutting down HTTP server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown timeout exceeded", logger.Field{Key: "error", Value: err.Error()})
	}
}

func printResults(results []task.Result, expected int) {
	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
		marker := "FAIL"
		if res.Success {
			marker = "OK"
		}
		fmt.Printf("[%s] %s %s: %s\n", marker, res.WorkerID, res.TaskID, res.Message)
	}
	fmt.Printf("%d/%d succeeded (%d results received)\n", succeeded, expected, len(results))
}

func splitList(csv string) []string {
	var actions []string
	for _, a := range strings.Split(csv, ",") {
		if a = strings.TrimSpace(a); a != "" {
			actions = append(actions, a)
		}
	}
	return actions
}
