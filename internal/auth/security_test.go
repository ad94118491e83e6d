package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoginGuard_BlocksUsernameAfterThreshold(t *testing.T) {
	mr, client := setupRedis(t)
	guard := NewLoginGuard(client, SecurityConfig{IPBlockThreshold: 100, UsernameBlockThreshold: 3, Window: 15 * time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		guard.RecordFailure(ctx, "Governor", "10.0.0.1")
		assert.True(t, guard.Allowed(ctx, "governor", "10.0.0.1"), "attempt %d", i+1)
	}
	guard.RecordFailure(ctx, "governor", "10.0.0.1")
	assert.False(t, guard.Allowed(ctx, "GOVERNOR", "10.0.0.2"), "usernames are case-insensitive")
	assert.True(t, guard.Allowed(ctx, "someone-else", "10.0.0.1"))

	assert.Equal(t, 15*time.Minute, mr.TTL("login_failures:user:governor"))
	mr.FastForward(15 * time.Minute)
	assert.True(t, guard.Allowed(ctx, "governor", "10.0.0.1"), "window elapsed")
}

func TestLoginGuard_WindowStartsAtFirstFailure(t *testing.T) {
	mr, client := setupRedis(t)
	guard := NewLoginGuard(client, SecurityConfig{IPBlockThreshold: 100, UsernameBlockThreshold: 5, Window: time.Minute}, nil)
	ctx := context.Background()

	guard.RecordFailure(ctx, "a", "")
	mr.FastForward(40 * time.Second)
	guard.RecordFailure(ctx, "a", "")
	assert.Equal(t, 20*time.Second, mr.TTL("login_failures:user:a"))
	assert.False(t, mr.Exists("login_failures:ip:"), "no ip counter without an ip")
}

func TestLoginGuard_BlocksIP(t *testing.T) {
	_, client := setupRedis(t)
	guard := NewLoginGuard(client, SecurityConfig{IPBlockThreshold: 2, UsernameBlockThreshold: 100, Window: time.Minute}, nil)
	ctx := context.Background()

	guard.RecordFailure(ctx, "a", "10.0.0.9")
	guard.RecordFailure(ctx, "b", "10.0.0.9")
	assert.False(t, guard.Allowed(ctx, "c", "10.0.0.9"))
	assert.True(t, guard.Allowed(ctx, "c", "10.0.0.8"))
}

func TestLoginGuard_ResetClearsUsername(t *testing.T) {
	mr, client := setupRedis(t)
	guard := NewLoginGuard(client, SecurityConfig{IPBlockThreshold: 100, UsernameBlockThreshold: 1, Window: time.Minute}, nil)
	ctx := context.Background()

	guard.RecordFailure(ctx, "a", "10.0.0.1")
	assert.False(t, guard.Allowed(ctx, "a", "10.0.0.1"))
	guard.Reset(ctx, "a")
	assert.True(t, guard.Allowed(ctx, "a", "10.0.0.1"))
	assert.True(t, mr.Exists("login_failures:ip:10.0.0.1"), "ip counter survives reset")
}

func TestLoginGuard_FailsOpenWhenRedisIsDown(t *testing.T) {
	mr, client := setupRedis(t)
	guard := NewLoginGuard(client, SecurityConfig{IPBlockThreshold: 1, UsernameBlockThreshold: 1, Window: time.Minute}, nil)
	mr.Close()

	ctx := context.Background()
	guard.RecordFailure(ctx, "a", "10.0.0.1")
	assert.True(t, guard.Allowed(ctx, "a", "10.0.0.1"))
}

func TestDefaultSecurityConfig(t *testing.T) {
	cfg := DefaultSecurityConfig()
	assert.Equal(t, 5, cfg.UsernameBlockThreshold)
	assert.Equal(t, 100, cfg.IPBlockThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Window)
}
