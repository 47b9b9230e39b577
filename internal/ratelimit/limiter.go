package ratelimit

import "context"

// RateLimiter controls outbound send throughput per notification type.
type RateLimiter interface {
	Allow(ctx context.Context, notificationType string) (bool, error)
	Wait(ctx context.Context, notificationType string) error
}
