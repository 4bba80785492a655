package gateway

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 控制登录等 REST 请求速率，避免重连风暴触发上游封禁。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewLoginLimiter 令牌桶：先放行 burst 次，之后每 interval 补一个令牌。
// 返回的 *rate.Limiter 满足 RateLimiter，Wait 可被 ctx 取消。
func NewLoginLimiter(interval time.Duration, burst int) *rate.Limiter {
	if interval <= 0 {
		interval = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}
