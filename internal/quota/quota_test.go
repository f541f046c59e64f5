package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCoordinator(rdb, "pagedex", opts...), mr
}

func TestReserveExhaustsSafetyLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	assert.True(t, c.Reserve(ctx, c.SafetyLimit()))
	assert.False(t, c.Reserve(ctx, 1))

	status := c.Status(ctx)
	assert.Equal(t, c.SafetyLimit(), status.Used)
	assert.Equal(t, int64(0), status.SafetyRemaining)
	assert.Equal(t, int64(DefaultBuffer), status.Remaining)
	assert.False(t, status.CanCall)
}

func TestReserveZeroIsFree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	assert.True(t, c.Reserve(ctx, 0))
	assert.Equal(t, int64(0), c.Status(ctx).Used)
}

func TestDayRolloverResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	day := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return day
	}

	c, _ := newTestCoordinator(t, WithClock(now))

	require.True(t, c.Reserve(ctx, 5000))
	assert.Equal(t, int64(5000), c.Status(ctx).Used)

	mu.Lock()
	day = day.Add(2 * time.Hour) // Crosses UTC midnight.
	mu.Unlock()

	status := c.Status(ctx)
	assert.Equal(t, int64(0), status.Used)
	assert.Equal(t, c.SafetyLimit(), status.SafetyRemaining)

	// The full budget is available again.
	assert.True(t, c.Reserve(ctx, c.SafetyLimit()))
	assert.False(t, c.Reserve(ctx, 1))
}

func TestConcurrentReservesNeverOvershoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCoordinator(t, WithLimits(150, 50)) // Safety limit 100.

	var wg sync.WaitGroup
	granted := make(chan int64, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Reserve(ctx, 1) {
				granted <- 1
			}
		}()
	}
	wg.Wait()
	close(granted)

	var total int64
	for n := range granted {
		total += n
	}
	assert.Equal(t, int64(100), total)
	assert.Equal(t, int64(100), c.Status(ctx).Used)
}

func TestFailClosedOnStoreError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, mr := newTestCoordinator(t)

	mr.Close()

	assert.False(t, c.Reserve(ctx, 1))
	d := c.Check(ctx, 1, true)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)

	// Status degrades to zero usage for display.
	status := c.Status(ctx)
	assert.Equal(t, int64(0), status.Used)

	// Record is best-effort and must not panic.
	c.Record(ctx, 3)
}

func TestOperationRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	// used_today = 12800 leaves 200 of safety headroom.
	require.True(t, c.Reserve(ctx, 12800))

	// Cron needs 2n = 300 > 200.
	assert.False(t, c.ShouldAllowOperation(ctx, OpCron, 150).Allowed)
	// Direct batch only needs 150.
	assert.True(t, c.ShouldAllowOperation(ctx, OpBatchDirect, 150).Allowed)
	// Rules never reserve.
	assert.Equal(t, int64(12800), c.Status(ctx).Used)

	// bulk_author rejects large requests outright.
	assert.False(t, c.ShouldAllowOperation(ctx, OpBulkAuthor, 101).Allowed)
	assert.True(t, c.ShouldAllowOperation(ctx, OpBulkAuthor, 100).Allowed)
}

func TestRecordBypassesSafetyBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCoordinator(t, WithLimits(100, 20))

	require.True(t, c.Reserve(ctx, 80))
	c.Record(ctx, 10) // Post-hoc accounting may exceed the safety limit.

	status := c.Status(ctx)
	assert.Equal(t, int64(90), status.Used)
	assert.False(t, status.CanCall)
	assert.False(t, c.Reserve(ctx, 1))
}
