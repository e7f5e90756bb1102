package task

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/dropfleet/dropfleet/internal/account"
	"github.com/dropfleet/dropfleet/internal/automation"
	"github.com/dropfleet/dropfleet/internal/credentials"
	"github.com/dropfleet/dropfleet/internal/proxy"
	"github.com/dropfleet/dropfleet/pkg/config"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

// Worker pulls tasks off the shared channel and executes them against
// the local account registry and proxy pool. Many workers run
// concurrently against the same channel; the blocking pop makes each
// task land on exactly one of them.
type Worker struct {
	id         string
	queue      *Queue
	registry   *account.Registry
	pool       *proxy.Pool
	capability automation.Capability
	cfg        config.WorkerConfig
	log        logger.Logger
	now        func() time.Time
}

func NewWorker(queue *Queue, registry *account.Registry, pool *proxy.Pool, capability automation.Capability, cfg config.WorkerConfig, log logger.Logger) *Worker {
	id := fmt.Sprintf("worker-%d", rand.Intn(9000)+1000)
	return &Worker{
		id:         id,
		queue:      queue,
		registry:   registry,
		pool:       pool,
		capability: capability,
		cfg:        cfg,
		log:        log.WithField("worker_id", id),
		now:        time.Now,
	}
}

// ID returns the worker's fleet identity.
func (w *Worker) ID() string {
	return w.id
}

// Run is the worker loop: pop, process, report, jitter. Channel errors
// back off instead of crashing the loop; the loop exits only when ctx
// is done.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return
		default:
		}

		t, err := w.queue.PopTask(ctx, w.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker stopped")
				return
			}
			w.log.Error("error fetching task",
				logger.Field{Key: "error", Value: err.Error()})
			w.sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}
		if t == nil {
			continue
		}

		res := w.process(ctx, t)
		if err := w.queue.PushResult(ctx, res); err != nil {
			w.log.Error("failed to report result",
				logger.Field{Key: "task_id", Value: t.TaskID},
				logger.Field{Key: "error", Value: err.Error()})
		}

		w.sleep(ctx, w.jitter())
	}
}

// process runs a single task to completion. A panicking handler is
// converted into a failed result so the task is never silently lost.
func (w *Worker) process(ctx context.Context, t *Task) (res *Result) {
	start := w.now()
	res = &Result{
		WorkerID:  w.id,
		TaskID:    t.TaskID,
		Type:      t.Type,
		Timestamp: start.UTC().Format(time.RFC3339),
	}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Message = fmt.Sprintf("task handler panicked: %v", r)
			w.log.Error("task handler panicked",
				logger.Field{Key: "task_id", Value: t.TaskID},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
		recordProcessed(string(t.Type), res.Success)
		recordDuration(string(t.Type), w.now().Sub(start))
	}()

	w.log.Info("processing task",
		logger.Field{Key: "task_id", Value: t.TaskID},
		logger.Field{Key: "type", Value: string(t.Type)})

	switch t.Type {
	case TypeCreateAccount:
		w.handleCreateAccount(ctx, t, res)
	case TypeRegisterPlatform:
		w.handleRegisterPlatform(ctx, t, res)
	case TypeAirdropParticipation:
		w.handleParticipateAirdrop(ctx, t, res)
	default:
		res.Success = false
		res.Message = fmt.Sprintf("unknown task type: %s", t.Type)
	}

	return res
}

func (w *Worker) handleCreateAccount(ctx context.Context, t *Task, res *Result) {
	domain := t.EmailDomain
	if domain == "" {
		domain = "example.com"
	}

	var proxyAddr string
	if t.UseProxy {
		addr, err := w.pool.SelectAddress()
		if err != nil {
			res.Success = false
			res.Message = "no proxies available"
			return
		}
		proxyAddr = addr
	}

	username := fmt.Sprintf("user%d%s", w.now().UnixMilli(), credentials.RandomLower(4))
	email := fmt.Sprintf("%s@%s", username, domain)

	acc, password, err := w.registry.Create(account.CreateParams{
		Email: email,
		Proxy: proxyAddr,
	})
	if err != nil {
		res.Success = false
		res.Message = fmt.Sprintf("account creation failed: %v", err)
		return
	}

	ok, err := w.capability.Attempt(ctx, automation.Attempt{
		Kind:         automation.KindCreateAccount,
		Email:        acc.Email,
		ProxyAddress: proxyAddr,
		UserAgent:    acc.UserAgent,
	})
	if err != nil {
		res.Success = false
		res.Message = fmt.Sprintf("automation error: %v", err)
		return
	}

	res.Success = ok
	res.AccountEmail = acc.Email
	res.AccountPassword = password
	if ok {
		res.Message = fmt.Sprintf("created account %s", acc.Email)
	} else {
		res.Message = fmt.Sprintf("provider rejected signup for %s", acc.Email)
	}
}

func (w *Worker) handleRegisterPlatform(ctx context.Context, t *Task, res *Result) {
	if t.Email == "" || t.Platform == "" {
		res.Success = false
		res.Message = "missing email or platform"
		return
	}

	acc, found := w.registry.Get(t.Email)
	if !found {
		res.Success = false
		res.Message = fmt.Sprintf("account not found: %s", t.Email)
		return
	}

	res.Platform = t.Platform

	ok, err := w.capability.Attempt(ctx, automation.Attempt{
		Kind:         automation.KindRegisterPlatform,
		Email:        acc.Email,
		Platform:     t.Platform,
		ProxyAddress: acc.Proxy,
		UserAgent:    acc.UserAgent,
	})
	if err != nil {
		res.Success = false
		res.Message = fmt.Sprintf("automation error: %v", err)
		w.reportProxyFailure(acc.Proxy)
		return
	}

	if !ok {
		res.Success = false
		res.Message = fmt.Sprintf("registration on %s failed", t.Platform)
		w.reportProxyFailure(acc.Proxy)
		return
	}

	local := acc.Email
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	username := fmt.Sprintf("%s_%s", local, t.Platform)

	if err := w.registry.UpdatePlatformStatus(acc.Email, t.Platform, username, true); err != nil {
		res.Success = false
		res.Message = fmt.Sprintf("failed to record registration: %v", err)
		return
	}

	res.Success = true
	res.PlatformUsername = username
	res.Message = fmt.Sprintf("registered %s on %s as %s", acc.Email, t.Platform, username)
}

func (w *Worker) handleParticipateAirdrop(ctx context.Context, t *Task, res *Result) {
	if t.Email == "" || t.Platform == "" || t.AirdropName == "" {
		res.Success = false
		res.Message = "missing required task data"
		return
	}

	res.Platform = t.Platform
	res.AirdropName = t.AirdropName

	acc, found := w.registry.Get(t.Email)
	if !found {
		res.Success = false
		res.Message = fmt.Sprintf("account not found: %s", t.Email)
		return
	}

	if !acc.RegisteredOn(t.Platform) {
		res.Success = false
		res.Message = fmt.Sprintf("account not registered on %s", t.Platform)
		return
	}

	ok, err := w.capability.Attempt(ctx, automation.Attempt{
		Kind:         automation.KindAirdrop,
		Email:        acc.Email,
		Platform:     t.Platform,
		Campaign:     t.AirdropName,
		Actions:      t.Actions,
		ProxyAddress: acc.Proxy,
		UserAgent:    acc.UserAgent,
	})
	if err != nil {
		res.Success = false
		res.Message = fmt.Sprintf("automation error: %v", err)
		return
	}
	if !ok {
		res.Success = false
		res.Message = fmt.Sprintf("airdrop %s participation failed", t.AirdropName)
		return
	}

	note := fmt.Sprintf("Participated in %s airdrop on %s (%s)",
		t.AirdropName, t.Platform, strings.Join(t.Actions, ", "))
	if err := w.registry.AppendNote(acc.Email, note); err != nil {
		w.log.Warn("failed to record airdrop note",
			logger.Field{Key: "email", Value: acc.Email},
			logger.Field{Key: "error", Value: err.Error()})
	}

	res.Success = true
	res.ActionsCompleted = t.Actions
	res.Message = fmt.Sprintf("completed airdrop %s on %s", t.AirdropName, t.Platform)
}

// reportProxyFailure feeds a failed platform interaction back into the
// pool's fail counter, when the account carries a parseable proxy.
func (w *Worker) reportProxyFailure(address string) {
	if address == "" || w.pool == nil {
		return
	}
	spec, err := proxy.ParseSpec(address)
	if err != nil {
		return
	}
	if err := w.pool.ReportUsage(spec.Host, spec.Port, false); err != nil {
		w.log.Warn("failed to report proxy usage",
			logger.Field{Key: "proxy", Value: address},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

func (w *Worker) jitter() time.Duration {
	min, max := w.cfg.DelayMin, w.cfg.DelayMax
	if min <= 0 {
		min = time.Second
	}
	if max <= min {
		max = min + 2*time.Second
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
