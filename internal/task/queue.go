package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropfleet/dropfleet/pkg/cache"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

// Channel is the list-shaped transport the queue runs on. Satisfied by
// cache.RedisCache.
type Channel interface {
	RPush(ctx context.Context, key string, values ...interface{}) error
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error
	LLen(ctx context.Context, key string) (int64, error)
}

// Queue is the shared task/result channel pair. Tasks are consumed
// destructively by whichever worker pops first; results are scanned and
// claimed by task id.
type Queue struct {
	ch        Channel
	taskKey   string
	resultKey string
	log       logger.Logger
}

func NewQueue(ch Channel, taskKey, resultKey string, log logger.Logger) *Queue {
	return &Queue{
		ch:        ch,
		taskKey:   taskKey,
		resultKey: resultKey,
		log:       log,
	}
}

// PushTask appends a task to the tail of the task channel.
func (q *Queue) PushTask(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := q.ch.RPush(ctx, q.taskKey, data); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	recordEnqueue(string(t.Type))
	return nil
}

// PopTask blocks up to wait for the next task. An elapsed wait returns
// (nil, nil); a task that fails to decode is dropped with a log line so
// one malformed entry cannot wedge every consumer.
func (q *Queue) PopTask(ctx context.Context, wait time.Duration) (*Task, error) {
	raw, err := q.ch.BLPop(ctx, wait, q.taskKey)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}

	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		q.log.Error("dropping malformed task",
			logger.Field{Key: "error", Value: err.Error()})
		return nil, nil
	}
	return &t, nil
}

// PushResult appends a result to the tail of the result channel.
func (q *Queue) PushResult(ctx context.Context, res *Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := q.ch.RPush(ctx, q.resultKey, data); err != nil {
		return fmt.Errorf("failed to push result: %w", err)
	}
	return nil
}

// CollectResults scans the result channel and claims every entry whose
// task id is in pending, removing each claimed entry from the list.
// Entries for other dispatchers are left in place; undecodable entries
// are skipped.
func (q *Queue) CollectResults(ctx context.Context, pending map[string]bool) ([]Result, error) {
	raws, err := q.ch.LRange(ctx, q.resultKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to scan results: %w", err)
	}

	var claimed []Result
	for _, raw := range raws {
		var res Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			continue
		}
		if !pending[res.TaskID] {
			continue
		}
		if err := q.ch.LRem(ctx, q.resultKey, 1, raw); err != nil {
			q.log.Warn("failed to remove claimed result",
				logger.Field{Key: "task_id", Value: res.TaskID},
				logger.Field{Key: "error", Value: err.Error()})
		}
		claimed = append(claimed, res)
	}

	recordClaimed(len(claimed))
	return claimed, nil
}

// Depths returns the current lengths of the task and result channels.
func (q *Queue) Depths(ctx context.Context) (tasks, results int64, err error) {
	tasks, err = q.ch.LLen(ctx, q.taskKey)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read task queue depth: %w", err)
	}
	results, err = q.ch.LLen(ctx, q.resultKey)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read result queue depth: %w", err)
	}
	setQueueDepths(tasks, results)
	return tasks, results, nil
}
