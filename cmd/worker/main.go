package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/dropfleet/dropfleet/internal/account"
	"github.com/dropfleet/dropfleet/internal/automation"
	"github.com/dropfleet/dropfleet/internal/proxy"
	"github.com/dropfleet/dropfleet/internal/store"
	"github.com/dropfleet/dropfleet/internal/task"
	"github.com/dropfleet/dropfleet/pkg/cache"
	"github.com/dropfleet/dropfleet/pkg/config"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

// workerEnv carries per-process loop overrides, so a fleet can stagger
// its pacing without separate config files. WORKER_POLL_WAIT etc.
type workerEnv struct {
	PollWait     time.Duration `envconfig:"POLL_WAIT"`
	DelayMin     time.Duration `envconfig:"DELAY_MIN"`
	DelayMax     time.Duration `envconfig:"DELAY_MAX"`
	ErrorBackoff time.Duration `envconfig:"ERROR_BACKOFF"`
}

func main() {
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

	var env workerEnv
	if err := envconfig.Process("worker", &env); err != nil {
		fmt.Fprintln(os.Stderr, "failed to parse worker environment:", err)
		os.Exit(1)
	}
	applyEnv(&cfg.Worker, env)

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
	worker := task.NewWorker(queue, registry, pool, automation.NewProbabilistic(), cfg.Worker, log)

	worker.Run(ctx)
}

func applyEnv(cfg *config.WorkerConfig, env workerEnv) {
	if env.PollWait > 0 {
		cfg.PollWait = env.PollWait
	}
	if env.DelayMin > 0 {
		cfg.DelayMin = env.DelayMin
	}
	if env.DelayMax > 0 {
		cfg.DelayMax = env.DelayMax
	}
	if env.ErrorBackoff > 0 {
		cfg.ErrorBackoff = env.ErrorBackoff
	}
}
