package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dropfleet/dropfleet/internal/account"
	"github.com/dropfleet/dropfleet/internal/proxy"
	"github.com/dropfleet/dropfleet/pkg/cache"
	"github.com/dropfleet/dropfleet/pkg/config"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

// SideReader reads side-channel keys such as the proxy checker summary.
// Satisfied by cache.RedisCache.
type SideReader interface {
	Get(ctx context.Context, key string) (string, error)
}

// Dispatcher fans tasks out to the worker fleet and correlates the
// results that come back. Several dispatchers may share one result
// channel; each claims only the task ids it issued.
type Dispatcher struct {
	queue    *Queue
	registry *account.Registry
	side     SideReader
	cfg      config.DispatchConfig
	statsKey string
	log      logger.Logger
	now      func() time.Time
}

func NewDispatcher(queue *Queue, registry *account.Registry, side SideReader, cfg config.DispatchConfig, statsKey string, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		side:     side,
		cfg:      cfg,
		statsKey: statsKey,
		log:      log,
		now:      time.Now,
	}
}

// Enqueue assigns the task an id and timestamp and places it on the
// task channel. The id is the correlation handle for AwaitResults.
func (d *Dispatcher) Enqueue(ctx context.Context, t Task) (string, error) {
	t.TaskID = uuid.NewString()
	t.Timestamp = d.now().UTC().Format(time.RFC3339)

	if err := d.queue.PushTask(ctx, &t); err != nil {
		return "", err
	}

	d.log.Info("enqueued task",
		logger.Field{Key: "task_id", Value: t.TaskID},
		logger.Field{Key: "type", Value: string(t.Type)})
	return t.TaskID, nil
}

// AwaitResults polls the result channel until every id has been claimed
// or the timeout elapses. On timeout the results gathered so far are
// returned; the caller decides how to treat the missing ones.
func (d *Dispatcher) AwaitResults(ctx context.Context, ids []string, timeout time.Duration) ([]Result, error) {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := d.now().Add(timeout)
	var collected []Result

	for len(pending) > 0 {
		claimed, err := d.queue.CollectResults(ctx, pending)
		if err != nil {
			return collected, err
		}
		for _, res := range claimed {
			delete(pending, res.TaskID)
			collected = append(collected, res)
		}
		if len(pending) == 0 {
			break
		}

		if !d.now().Before(deadline) {
			recordAwaitTimeout()
			d.log.Warn("timed out waiting for results",
				logger.Field{Key: "pending", Value: len(pending)},
				logger.Field{Key: "collected", Value: len(collected)})
			break
		}

		select {
		case <-ctx.Done():
			return collected, ctx.Err()
		case <-time.After(interval):
		}
	}

	return collected, nil
}

// CreateAccounts enqueues count account-creation tasks and waits for the
// outcomes.
func (d *Dispatcher) CreateAccounts(ctx context.Context, count int, domain string, useProxy bool) ([]Result, error) {
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := d.Enqueue(ctx, Task{
			Type:        TypeCreateAccount,
			EmailDomain: domain,
			UseProxy:    useProxy,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue creation task %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	return d.AwaitResults(ctx, ids, d.cfg.WaitTimeout)
}

// RegisterAccounts enqueues a registration task per platform for every
// stored account not yet registered there.
func (d *Dispatcher) RegisterAccounts(ctx context.Context, platforms ...string) ([]Result, error) {
	if err := d.registry.Reload(); err != nil {
		d.log.Warn("proceeding with stale account list",
			logger.Field{Key: "error", Value: err.Error()})
	}

	var ids []string
	for _, platform := range platforms {
		for _, acc := range d.registry.All() {
			if acc.RegisteredOn(platform) {
				continue
			}
			id, err := d.Enqueue(ctx, Task{
				Type:     TypeRegisterPlatform,
				Email:    acc.Email,
				Platform: platform,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to enqueue registration for %s: %w", acc.Email, err)
			}
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		d.log.Info("no accounts to register",
			logger.Field{Key: "platforms", Value: strings.Join(platforms, ",")})
		return nil, nil
	}

	return d.AwaitResults(ctx, ids, d.cfg.WaitTimeout)
}

// ParticipateAirdrop enqueues an airdrop task for every account
// registered on the platform.
func (d *Dispatcher) ParticipateAirdrop(ctx context.Context, name, platform string, actions []string) ([]Result, error) {
	if err := d.registry.Reload(); err != nil {
		d.log.Warn("proceeding with stale account list",
			logger.Field{Key: "error", Value: err.Error()})
	}

	eligible := d.registry.ByPlatform(platform, true)
	if len(eligible) == 0 {
		d.log.Info("no registered accounts for airdrop",
			logger.Field{Key: "platform", Value: platform},
			logger.Field{Key: "airdrop", Value: name})
		return nil, nil
	}

	var ids []string
	for _, acc := range eligible {
		id, err := d.Enqueue(ctx, Task{
			Type:        TypeAirdropParticipation,
			Email:       acc.Email,
			Platform:    platform,
			AirdropName: name,
			Actions:     actions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue airdrop task for %s: %w", acc.Email, err)
		}
		ids = append(ids, id)
	}

	return d.AwaitResults(ctx, ids, d.cfg.WaitTimeout)
}

// QueueStatus is the live fleet picture: channel depths plus the latest
// proxy checker summary if one has been published.
type QueueStatus struct {
	Tasks   int64          `json:"tasks"`
	Results int64          `json:"results"`
	Proxies *proxy.Summary `json:"proxies,omitempty"`
}

// MonitorQueues reads channel depths and the proxy checker's published
// summary. A missing summary is not an error.
func (d *Dispatcher) MonitorQueues(ctx context.Context) (*QueueStatus, error) {
	tasks, results, err := d.queue.Depths(ctx)
	if err != nil {
		return nil, err
	}

	status := &QueueStatus{Tasks: tasks, Results: results}

	if d.side != nil && d.statsKey != "" {
		raw, err := d.side.Get(ctx, d.statsKey)
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
		case err != nil:
			d.log.Warn("failed to read proxy stats",
				logger.Field{Key: "error", Value: err.Error()})
		default:
			var summary proxy.Summary
			if err := json.Unmarshal([]byte(raw), &summary); err != nil {
				d.log.Warn("malformed proxy stats payload",
					logger.Field{Key: "error", Value: err.Error()})
			} else {
				status.Proxies = &summary
			}
		}
	}

	return status, nil
}
