package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*RedisJobLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisJobLock(client), mr
}

func TestRedisJobLock_SingleHolder(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "realtime_batch:2026-03-10T03", "worker-a", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, "realtime_batch:2026-03-10T03", "worker-b", 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must not acquire a held lock")

	holder, err := lock.Holder(ctx, "realtime_batch:2026-03-10T03")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", holder)

	ok, err = lock.Acquire(ctx, "advance_batch:2026-03-10T03", "worker-b", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "locks are per task")
}

func TestRedisJobLock_ExpiresWithTTL(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "sweep_sessions:2026-03-10T03", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	holder, err := lock.Holder(ctx, "sweep_sessions:2026-03-10T03")
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err = lock.Acquire(ctx, "sweep_sessions:2026-03-10T03", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisJobLock_StoreError(t *testing.T) {
	lock, mr := newTestLock(t)
	mr.Close()

	_, err := lock.Acquire(context.Background(), "realtime_batch:x", "worker-a", time.Minute)
	assert.Error(t, err)
}

func TestTaskPayload_LockID(t *testing.T) {
	now := time.Date(2026, time.March, 10, 3, 47, 0, 0, time.UTC)
	p := TaskPayload{Task: TaskRealtimeBatch}
	assert.Equal(t, "realtime_batch:2026-03-10T03", p.LockID(now))

	ref := time.Date(2026, time.March, 9, 23, 5, 0, 0, time.FixedZone("IST", 5*3600+1800))
	p.ReferenceTime = &ref
	assert.Equal(t, "realtime_batch:2026-03-09T17", p.LockID(now), "reference time is bucketed in UTC")
}

func TestTaskType_Valid(t *testing.T) {
	for _, task := range []TaskType{TaskRealtimeBatch, TaskAdvanceBatch, TaskPersonalGreetings, TaskWhatsAppGreetings, TaskSweepSessions} {
		assert.True(t, task.Valid(), task)
	}
	assert.False(t, TaskType("purge_archive").Valid())
	assert.False(t, TaskType("").Valid())
}
