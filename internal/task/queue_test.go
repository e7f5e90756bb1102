package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropfleet/dropfleet/pkg/cache"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

// memChannel is an in-memory Channel for tests. BLPop never blocks; an
// empty list reports a miss after a short pause.
type memChannel struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newMemChannel() *memChannel {
	return &memChannel{lists: map[string][]string{}}
}

func (m *memChannel) RPush(_ context.Context, key string, values ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		switch val := v.(type) {
		case string:
			m.lists[key] = append(m.lists[key], val)
		case []byte:
			m.lists[key] = append(m.lists[key], string(val))
		default:
			m.lists[key] = append(m.lists[key], fmt.Sprint(val))
		}
	}
	return nil
}

func (m *memChannel) BLPop(ctx context.Context, _ time.Duration, key string) (string, error) {
	m.mu.Lock()
	if list := m.lists[key]; len(list) > 0 {
		head := list[0]
		m.lists[key] = list[1:]
		m.mu.Unlock()
		return head, nil
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return "", cache.ErrCacheMiss
}

func (m *memChannel) LRange(_ context.Context, key string, _, _ int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lists[key]))
	copy(out, m.lists[key])
	return out, nil
}

func (m *memChannel) LRem(_ context.Context, key string, count int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := int64(0)
	kept := m.lists[key][:0]
	for _, v := range m.lists[key] {
		if v == value && removed < count {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	m.lists[key] = kept
	return nil
}

func (m *memChannel) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func TestQueuePushPopRoundTrip(t *testing.T) {
	queue := NewQueue(newMemChannel(), "tasks", "results", logger.Nop())
	ctx := context.Background()

	in := &Task{TaskID: "t-1", Type: TypeCreateAccount, EmailDomain: "example.com"}
	require.NoError(t, queue.PushTask(ctx, in))

	out, err := queue.PopTask(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in, out)
}

func TestQueuePopEmptyReturnsNil(t *testing.T) {
	queue := NewQueue(newMemChannel(), "tasks", "results", logger.Nop())

	out, err := queue.PopTask(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestQueuePopDropsMalformedTask(t *testing.T) {
	ch := newMemChannel()
	require.NoError(t, ch.RPush(context.Background(), "tasks", "{broken json"))

	queue := NewQueue(ch, "tasks", "results", logger.Nop())
	out, err := queue.PopTask(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, out)

	// The malformed entry is consumed, not requeued.
	n, err := ch.LLen(context.Background(), "tasks")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueCollectResultsClaimsOnlyOwn(t *testing.T) {
	ch := newMemChannel()
	queue := NewQueue(ch, "tasks", "results", logger.Nop())
	ctx := context.Background()

	require.NoError(t, queue.PushResult(ctx, &Result{TaskID: "mine-1", Success: true}))
	require.NoError(t, queue.PushResult(ctx, &Result{TaskID: "theirs-1", Success: true}))
	require.NoError(t, queue.PushResult(ctx, &Result{TaskID: "mine-2", Success: false}))
	require.NoError(t, ch.RPush(ctx, "results", "{undecodable"))

	claimed, err := queue.CollectResults(ctx, map[string]bool{"mine-1": true, "mine-2": true})
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Foreign and undecodable entries stay on the channel.
	remaining, err := ch.LRange(ctx, "results", 0, -1)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestQueueDepths(t *testing.T) {
	queue := NewQueue(newMemChannel(), "tasks", "results", logger.Nop())
	ctx := context.Background()

	require.NoError(t, queue.PushTask(ctx, &Task{TaskID: "a"}))
	require.NoError(t, queue.PushTask(ctx, &Task{TaskID: "b"}))
	require.NoError(t, queue.PushResult(ctx, &Result{TaskID: "a"}))

	tasks, results, err := queue.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, tasks)
	assert.EqualValues(t, 1, results)
}
