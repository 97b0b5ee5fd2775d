package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// RobotsChecker fetches, caches and evaluates robots.txt per host.
// Hosts whose robots.txt cannot be fetched or parsed are treated as allowing everything.
type RobotsChecker struct {
	fetcher   *Fetcher
	userAgent string
	timeout   time.Duration
	cache     map[string]*robotstxt.RobotsData // scheme://host -> parsed data (nil = allow all)
	mu        sync.Mutex
	log       *logrus.Entry
}

// NewRobotsChecker creates a RobotsChecker. timeout bounds each robots.txt fetch.
func NewRobotsChecker(fetcher *Fetcher, userAgent string, timeout time.Duration, log *logrus.Entry) *RobotsChecker {
	return &RobotsChecker{
		fetcher:   fetcher,
		userAgent: userAgent,
		timeout:   timeout,
		cache:     make(map[string]*robotstxt.RobotsData),
		log:       log,
	}
}

// Allowed reports whether the configured user agent may fetch target
func (rc *RobotsChecker) Allowed(ctx context.Context, target *url.URL) bool {
	data := rc.robotsFor(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), rc.userAgent)
}

func (rc *RobotsChecker) robotsFor(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	scheme := target.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	key := scheme + "://" + target.Host

	rc.mu.Lock()
	data, found := rc.cache[key]
	rc.mu.Unlock()
	if found {
		return data
	}

	robotsURL := (&url.URL{Scheme: scheme, Host: target.Host, Path: "/robots.txt"}).String()
	robotsLog := rc.log.WithField("robots_url", robotsURL)

	fetchCtx := ctx
	if rc.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}

	data = rc.fetch(fetchCtx, robotsURL, robotsLog)
	if ctx.Err() != nil {
		// don't cache a verdict produced by a cancelled run
		return data
	}

	rc.mu.Lock()
	rc.cache[key] = data
	rc.mu.Unlock()
	return data
}

func (rc *RobotsChecker) fetch(ctx context.Context, robotsURL string, robotsLog *logrus.Entry) *robotstxt.RobotsData {
	resp, err := rc.fetcher.Do(ctx, http.MethodGet, robotsURL)
	if err != nil {
		robotsLog.Debugf("robots.txt unavailable, allowing all: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		robotsLog.Warnf("Error reading robots.txt body: %v", err)
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Warnf("Error parsing robots.txt: %v", err)
		return nil
	}
	robotsLog.Debug("Parsed robots.txt")
	return data
}
