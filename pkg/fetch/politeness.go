package fetch

import (
	"context"
	"net/url"
	"time"
)

// Politeness combines the per-host concurrency cap and request spacing that
// every outbound request goes through. A nil *Politeness lets everything through.
type Politeness struct {
	hosts *HostSemaphorePool
	rate  *RateLimiter
	delay time.Duration
}

// NewPoliteness creates a Politeness. Either component may be nil.
func NewPoliteness(hosts *HostSemaphorePool, rate *RateLimiter, delay time.Duration) *Politeness {
	return &Politeness{hosts: hosts, rate: rate, delay: delay}
}

// Enter blocks until a request to rawURL's host may start. The returned release
// must be called once the request is finished.
func (p *Politeness) Enter(ctx context.Context, rawURL string) (release func(), err error) {
	if p == nil {
		return func() {}, nil
	}
	host := hostOf(rawURL)

	if p.hosts != nil {
		if err := p.hosts.Acquire(ctx, host); err != nil {
			return nil, err
		}
	}
	if p.rate != nil {
		p.rate.ApplyDelay(ctx, host, p.delay)
	}
	if err := ctx.Err(); err != nil {
		if p.hosts != nil {
			p.hosts.Release(host)
		}
		return nil, err
	}

	return func() {
		if p.rate != nil {
			p.rate.UpdateLastRequestTime(host)
		}
		if p.hosts != nil {
			p.hosts.Release(host)
		}
	}, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
