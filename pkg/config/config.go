package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDestination       = "solanum_output"
	DefaultFailureReportName = "failed_images.csv"
	DefaultDOMSelector       = "img[src]"
	DefaultProbeTimeout      = 7 * time.Second
	DefaultDownloadTimeout   = 2 * time.Minute
	DefaultUserAgent         = "solanum-downloader/1.0"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	Destination             string           `yaml:"destination"`
	Overwrite               bool             `yaml:"overwrite,omitempty"`
	UserAgent               string           `yaml:"user_agent,omitempty"`
	NumWorkers              int              `yaml:"num_workers"`
	MaxConcurrentBatches    int              `yaml:"max_concurrent_batches,omitempty"` // Batches running at once (MCP jobs)
	MaxRequestsPerHost      int              `yaml:"max_requests_per_host"`
	DelayPerHost            time.Duration    `yaml:"delay_per_host,omitempty"`
	SemaphoreAcquireTimeout time.Duration    `yaml:"semaphore_acquire_timeout,omitempty"`
	ProbeTimeout            time.Duration    `yaml:"probe_timeout,omitempty"`    // Bounds each HEAD/GET used for resolution
	DownloadTimeout         time.Duration    `yaml:"download_timeout,omitempty"` // Bounds the final image GET (0 = unbounded)
	GlobalRunTimeout        time.Duration    `yaml:"global_run_timeout,omitempty"`
	DOMSelector             string           `yaml:"dom_selector,omitempty"`
	RespectRobots           bool             `yaml:"respect_robots,omitempty"` // Check robots.txt before scraping a page
	RecordTransportErrors   *bool            `yaml:"record_transport_errors,omitempty"`
	MaxImageSizeBytes       int64            `yaml:"max_image_size_bytes,omitempty"`
	VerifyImages            bool             `yaml:"verify_images,omitempty"`
	FailureReportFilename   string           `yaml:"failure_report_filename,omitempty"`
	StateDir                string           `yaml:"state_dir,omitempty"` // Empty disables the badger state store
	MetricsAddr             string           `yaml:"metrics_addr,omitempty"`
	HTTPClientSettings      HTTPClientConfig `yaml:"http_client_settings,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout (0 = rely on per-request contexts)
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxRedirects          int           `yaml:"max_redirects,omitempty"`
}

// Load reads and parses a YAML config file. An empty path returns the zero config,
// which Validate fills with defaults.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// GetEffectiveRecordTransportErrors reports whether connection-level download
// failures go into the failure report. Defaults to true.
func (c *AppConfig) GetEffectiveRecordTransportErrors() bool {
	if c.RecordTransportErrors != nil {
		return *c.RecordTransportErrors
	}
	return true
}

// GetEffectiveFailureReportFilename returns the failure report filename, falling
// back to the historical default.
func (c *AppConfig) GetEffectiveFailureReportFilename() string {
	if c.FailureReportFilename != "" {
		return c.FailureReportFilename
	}
	return DefaultFailureReportName
}

// StateEnabled reports whether the badger state store should be opened.
func (c *AppConfig) StateEnabled() bool {
	return c.StateDir != ""
}
