package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// HostLimiter spaces out page loads per host with a minimum delay and an
// optional token bucket. It is shared by every browser session of a factory.
type HostLimiter struct {
	delay    time.Duration
	settings RateLimiterSettings

	mu       sync.Mutex
	next     map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewHostLimiter returns nil when neither a delay nor a rate is configured.
func NewHostLimiter(delay time.Duration, settings RateLimiterSettings) *HostLimiter {
	rateOn := settings.Requests > 0 && settings.Window > 0
	if delay <= 0 && !rateOn {
		return nil
	}
	l := &HostLimiter{
		delay: delay,
		next:  make(map[string]time.Time),
	}
	if rateOn {
		l.settings = settings
		l.limiters = make(map[string]*rate.Limiter)
	}
	return l
}

// Wait blocks until a request to host is allowed. A nil limiter never blocks.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	// Reserve a slot before sleeping so concurrent callers queue behind each other.
	now := time.Now()
	l.mu.Lock()
	slot := now
	if at, ok := l.next[host]; ok && at.After(now) {
		slot = at
	}
	l.next[host] = slot.Add(l.delay)
	limiter := l.limiterLocked(host)
	l.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

func (l *HostLimiter) limiterLocked(host string) *rate.Limiter {
	if l.limiters == nil {
		return nil
	}
	if limiter, ok := l.limiters[host]; ok {
		return limiter
	}
	interval := l.settings.Window / time.Duration(l.settings.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), l.settings.Requests)
	l.limiters[host] = limiter
	return limiter
}
