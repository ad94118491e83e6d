// Package auth implements dashboard authentication: credential checks,
// sessions and brute force protection.
package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// SecurityConfig holds the tunable thresholds for brute force protection.
type SecurityConfig struct {
	// IPBlockThreshold is the number of failed attempts from an IP within
	// the window before the IP is blocked. Default: 100.
	IPBlockThreshold int

	// UsernameBlockThreshold is the number of failed attempts for one
	// username within the window before it is blocked. Default: 5.
	UsernameBlockThreshold int

	// Window is the period failures are counted over. Default: 15 minutes.
	Window time.Duration
}

// DefaultSecurityConfig returns the default thresholds.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		IPBlockThreshold:       100,
		UsernameBlockThreshold: 5,
		Window:                 15 * time.Minute,
	}
}

// LoginGuard counts failed logins per username and per IP in Redis. Each
// counter expires one window after its first failure.
type LoginGuard struct {
	client redis.UniversalClient
	config SecurityConfig
	logger *slog.Logger
}

// NewLoginGuard creates a LoginGuard.
func NewLoginGuard(client redis.UniversalClient, config SecurityConfig, logger *slog.Logger) *LoginGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginGuard{client: client, config: config, logger: logger}
}

func usernameKey(username string) string {
	return "login_failures:user:" + strings.ToLower(username)
}

func ipKey(ip string) string { return "login_failures:ip:" + ip }

// Allowed reports whether a login for username from ip may proceed. Redis
// errors fail open so an outage does not lock every operator out.
func (g *LoginGuard) Allowed(ctx context.Context, username, ip string) bool {
	if g.over(ctx, usernameKey(username), g.config.UsernameBlockThreshold) {
		return false
	}
	if ip != "" && g.over(ctx, ipKey(ip), g.config.IPBlockThreshold) {
		return false
	}
	return true
}

func (g *LoginGuard) over(ctx context.Context, key string, threshold int) bool {
	n, err := g.client.Get(ctx, key).Int()
	if err != nil {
		if err != redis.Nil {
			g.logger.ErrorContext(ctx, "failed to read login failure counter", "key", key, "error", err)
		}
		return false
	}
	return n >= threshold
}

// RecordFailure increments both counters, starting the window on the
// first failure.
func (g *LoginGuard) RecordFailure(ctx context.Context, username, ip string) {
	keys := []string{usernameKey(username)}
	if ip != "" {
		keys = append(keys, ipKey(ip))
	}
	for _, k := range keys {
		n, err := g.client.Incr(ctx, k).Result()
		if err == nil && n == 1 {
			err = g.client.Expire(ctx, k, g.config.Window).Err()
		}
		if err != nil {
			g.logger.ErrorContext(ctx, "failed to record login failure", "key", k, "error", err)
		}
	}
}

// Reset clears the username counter after a successful login.
func (g *LoginGuard) Reset(ctx context.Context, username string) {
	if err := g.client.Del(ctx, usernameKey(username)).Err(); err != nil {
		g.logger.ErrorContext(ctx, "failed to reset login failure counter", "error", err)
	}
}
