package mail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moreonion/mogin/pkg/system"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestQueueSendsAsynchronously(t *testing.T) {
	fake := &failingSender{}
	q := NewQueue(fake, system.NewTestLogger(), 3, time.Millisecond, 10)
	q.Start()
	defer func() { _ = q.Stop(context.Background()) }()

	require.NoError(t, q.Enqueue([]string{"user@example.com"}, "subject", "body"))

	waitFor(t, time.Second, func() bool {
		_, succeeded := fake.stats()
		return succeeded == 1
	})
}

func TestQueueRetriesFailedSends(t *testing.T) {
	fake := &failingSender{failures: 2}
	q := NewQueue(fake, system.NewTestLogger(), 5, time.Millisecond, 10)
	q.Start()
	defer func() { _ = q.Stop(context.Background()) }()

	require.NoError(t, q.Enqueue([]string{"user@example.com"}, "subject", "body"))

	waitFor(t, 2*time.Second, func() bool {
		attempts, succeeded := fake.stats()
		return succeeded == 1 && attempts == 3
	})
}

func TestQueueRejectsEmptyReceivers(t *testing.T) {
	q := NewQueue(&failingSender{}, system.NewTestLogger(), 3, time.Millisecond, 10)
	assert.Error(t, q.Enqueue(nil, "subject", "body"))
}

func TestQueueFullDropsMessage(t *testing.T) {
	// A queue that is never started fills up immediately.
	q := NewQueue(&failingSender{}, system.NewTestLogger(), 3, time.Millisecond, 1)

	require.NoError(t, q.Enqueue([]string{"a@example.com"}, "one", "body"))
	err := q.Enqueue([]string{"b@example.com"}, "two", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")
	assert.Equal(t, 1, q.Length())
}

func TestQueueStop(t *testing.T) {
	t.Run("rejects enqueue after stop", func(t *testing.T) {
		q := NewQueue(&failingSender{}, system.NewTestLogger(), 3, time.Millisecond, 10)
		q.Start()
		require.NoError(t, q.Stop(context.Background()))
		assert.Error(t, q.Enqueue([]string{"user@example.com"}, "subject", "body"))
	})

	t.Run("respects context timeout", func(t *testing.T) {
		q := NewQueue(&failingSender{}, system.NewTestLogger(), 3, time.Millisecond, 10)
		q.Start()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, q.Stop(ctx))
	})
}

func TestQueueDefaults(t *testing.T) {
	q := NewQueue(&failingSender{}, system.NewTestLogger(), 0, 0, 0)
	assert.Equal(t, 5, q.maxRetries)
	assert.Equal(t, 10*time.Second, q.initialBackoff)
	assert.Equal(t, 1000, q.maxQueueSize)
}

func TestBackoffCapped(t *testing.T) {
	q := NewQueue(&failingSender{}, system.NewTestLogger(), 5, 10*time.Second, 10)
	assert.Equal(t, 10*time.Second, q.backoff(1))
	assert.Equal(t, 20*time.Second, q.backoff(2))
	assert.Equal(t, 30*time.Minute, q.backoff(20))
}
