package ratelimit

import "context"

// RateLimiter bounds outbound send throughput per delivery provider.
type RateLimiter interface {
	Allow(ctx context.Context, provider string) (bool, error)
	// Wait blocks until a send slot for provider opens or ctx ends.
	Wait(ctx context.Context, provider string) error
}
