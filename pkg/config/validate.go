package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"

	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Destination
	if strings.TrimSpace(c.Destination) == "" {
		c.Destination = DefaultDestination
	}

	// UserAgent
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	// NumWorkers
	if c.NumWorkers <= 0 {
		if c.NumWorkers < 0 {
			warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		}
		c.NumWorkers = 4
	}

	// MaxConcurrentBatches
	if c.MaxConcurrentBatches <= 0 {
		if c.MaxConcurrentBatches < 0 {
			warnings = append(warnings, "max_concurrent_batches should be > 0, defaulting to 1")
		}
		c.MaxConcurrentBatches = 1
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		if c.MaxRequestsPerHost < 0 {
			warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		}
		c.MaxRequestsPerHost = 2
	}

	// DelayPerHost
	if c.DelayPerHost < 0 {
		warnings = append(warnings, "delay_per_host cannot be negative, disabling delay")
		c.DelayPerHost = 0
	}

	// SemaphoreAcquireTimeout
	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	// ProbeTimeout
	if c.ProbeTimeout <= 0 {
		if c.ProbeTimeout < 0 {
			warnings = append(warnings, fmt.Sprintf("probe_timeout cannot be negative, defaulting to %v", DefaultProbeTimeout))
		}
		c.ProbeTimeout = DefaultProbeTimeout
	}

	// DownloadTimeout (0 means unbounded, negative is a mistake)
	if c.DownloadTimeout < 0 {
		warnings = append(warnings, "download_timeout cannot be negative, disabling timeout")
		c.DownloadTimeout = 0
	}

	// GlobalRunTimeout
	if c.GlobalRunTimeout < 0 {
		warnings = append(warnings, "global_run_timeout cannot be negative, disabling timeout")
		c.GlobalRunTimeout = 0
	}

	// MaxImageSizeBytes
	if c.MaxImageSizeBytes < 0 {
		warnings = append(warnings, "max_image_size_bytes cannot be negative, setting to 0 (unlimited)")
		c.MaxImageSizeBytes = 0
	}

	// DOMSelector must compile; goquery silently matches nothing on a bad selector
	if c.DOMSelector == "" {
		c.DOMSelector = DefaultDOMSelector
	}
	if _, compileErr := cascadia.Compile(c.DOMSelector); compileErr != nil {
		return warnings, fmt.Errorf("%w: dom_selector %q is not a valid CSS selector: %w", utils.ErrConfigValidation, c.DOMSelector, compileErr)
	}

	// Failure report must stay inside the destination folder
	if name := c.FailureReportFilename; name != "" && filepath.Base(name) != name {
		return warnings, fmt.Errorf("%w: failure_report_filename %q must be a bare filename", utils.ErrConfigValidation, name)
	}

	// HTTPClientSettings defaults
	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout < 0 {
		h.Timeout = 0
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxRedirects <= 0 {
		h.MaxRedirects = 10
	}
}
