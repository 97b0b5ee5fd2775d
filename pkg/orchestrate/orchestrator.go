package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/solanum-downloader/pkg/config"
	"github.com/Sriram-PR/solanum-downloader/pkg/detect"
	"github.com/Sriram-PR/solanum-downloader/pkg/download"
	"github.com/Sriram-PR/solanum-downloader/pkg/fetch"
	"github.com/Sriram-PR/solanum-downloader/pkg/metrics"
	"github.com/Sriram-PR/solanum-downloader/pkg/report"
	"github.com/Sriram-PR/solanum-downloader/pkg/resolve"
	"github.com/Sriram-PR/solanum-downloader/pkg/storage"
)

// BatchRequest describes one download batch
type BatchRequest struct {
	CSVPaths    []string
	Destination string // Empty uses the configured destination
	Overwrite   bool   // OR-ed with the configured overwrite flag
	OnProgress  func(download.Summary)
}

// BatchResult contains the outcome of one batch
type BatchResult struct {
	Destination string
	Summary     download.Summary
	Failures    *report.FailureReport
	Error       error
}

// Orchestrator owns the components shared by every batch of a process: one
// HTTP client, one politeness gate, one resolver (and its cache) and the state
// store. A weighted semaphore caps how many batches run at once.
type Orchestrator struct {
	appCfg *config.AppConfig
	log    *logrus.Entry

	fetcher    *fetch.Fetcher
	hosts      *fetch.HostSemaphorePool
	politeness *fetch.Politeness
	resolver   *resolve.Resolver
	detector   *detect.Detector
	metrics    *metrics.Metrics
	store      storage.StateStore // nil when state is disabled

	batchSemaphore *semaphore.Weighted
}

// New builds the shared components. appCfg must already be validated.
// fresh wipes any existing state database.
func New(appCfg *config.AppConfig, fresh bool, log *logrus.Entry) (*Orchestrator, error) {
	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, log)
	fetcher := fetch.NewFetcher(httpClient, appCfg.UserAgent, log)

	hosts := fetch.NewHostSemaphorePool(appCfg.MaxRequestsPerHost, appCfg.SemaphoreAcquireTimeout, log)
	rateLimiter := fetch.NewRateLimiter(appCfg.DelayPerHost, log)
	politeness := fetch.NewPoliteness(hosts, rateLimiter, appCfg.DelayPerHost)

	o := &Orchestrator{
		appCfg:         appCfg,
		log:            log,
		fetcher:        fetcher,
		hosts:          hosts,
		politeness:     politeness,
		detector:       detect.NewDetector(log.WithField("component", "detector")),
		metrics:        metrics.New(),
		batchSemaphore: semaphore.NewWeighted(int64(appCfg.MaxConcurrentBatches)),
	}

	resolverOpts := resolve.Options{
		ProbeTimeout: appCfg.ProbeTimeout,
		DOMSelector:  appCfg.DOMSelector,
		Politeness:   politeness,
	}
	if appCfg.RespectRobots {
		resolverOpts.Robots = fetch.NewRobotsChecker(fetcher, appCfg.UserAgent, appCfg.ProbeTimeout, log.WithField("component", "robots"))
	}
	if appCfg.StateEnabled() {
		store, err := storage.NewBadgerStore(appCfg.StateDir, fresh, log.WithField("component", "state"))
		if err != nil {
			return nil, err
		}
		o.store = store
		resolverOpts.Cache = store
	}
	o.resolver = resolve.NewResolver(fetcher, resolverOpts, log.WithField("component", "resolver"))

	return o, nil
}

// Start runs the background housekeeping (idle host eviction, state GC) until ctx ends
func (o *Orchestrator) Start(ctx context.Context) {
	go o.hosts.RunEviction(ctx, time.Minute)
	if o.store != nil {
		go o.store.RunGC(ctx, 10*time.Minute)
	}
}

// Resolver returns the shared resolver
func (o *Orchestrator) Resolver() *resolve.Resolver {
	return o.resolver
}

// Metrics returns the shared collectors
func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}

// Store returns the state store, or nil when state is disabled
func (o *Orchestrator) Store() storage.StateStore {
	return o.store
}

// Downloader builds a BatchDownloader for destination wired to the shared components
func (o *Orchestrator) Downloader(destination string, overwrite bool, onProgress func(download.Summary)) *download.BatchDownloader {
	if destination == "" {
		destination = o.appCfg.Destination
	}
	opts := download.Options{
		Destination:           destination,
		Overwrite:             overwrite || o.appCfg.Overwrite,
		NumWorkers:            o.appCfg.NumWorkers,
		DownloadTimeout:       o.appCfg.DownloadTimeout,
		GlobalRunTimeout:      o.appCfg.GlobalRunTimeout,
		MaxImageSizeBytes:     o.appCfg.MaxImageSizeBytes,
		VerifyImages:          o.appCfg.VerifyImages,
		RecordTransportErrors: o.appCfg.GetEffectiveRecordTransportErrors(),
		ReportFilename:        o.appCfg.GetEffectiveFailureReportFilename(),
		OnProgress:            onProgress,
	}
	d := download.NewBatchDownloader(o.fetcher, o.resolver, o.detector, opts, o.log.WithField("destination", destination)).
		WithPoliteness(o.politeness).
		WithMetrics(o.metrics)
	if o.store != nil {
		d.WithLedger(o.store)
	}
	return d
}

// RunBatch waits for a batch slot and runs req
func (o *Orchestrator) RunBatch(ctx context.Context, req BatchRequest) BatchResult {
	d := o.Downloader(req.Destination, req.Overwrite, req.OnProgress)
	result := BatchResult{Destination: req.Destination}
	if result.Destination == "" {
		result.Destination = o.appCfg.Destination
	}

	if err := o.batchSemaphore.Acquire(ctx, 1); err != nil {
		result.Error = err
		return result
	}
	defer o.batchSemaphore.Release(1)

	failures, summary, err := d.RunFiles(ctx, req.CSVPaths...)
	result.Failures = failures
	result.Summary = summary
	result.Error = err
	return result
}

// RunAll runs every request in parallel, bounded by max_concurrent_batches,
// and waits for all of them
func (o *Orchestrator) RunAll(ctx context.Context, reqs []BatchRequest) []BatchResult {
	startTime := time.Now()
	results := make([]BatchResult, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req BatchRequest) {
			defer wg.Done()
			results[i] = o.RunBatch(ctx, req)
		}(i, req)
	}
	wg.Wait()

	o.logSummary(results, time.Since(startTime))
	return results
}

// Close releases the state store
func (o *Orchestrator) Close() error {
	if o.store == nil {
		return nil
	}
	return o.store.Close()
}

func (o *Orchestrator) logSummary(results []BatchResult, totalDuration time.Duration) {
	if len(results) < 2 {
		return
	}
	o.log.Info("============================================")
	o.log.Infof("%d batches completed in %v", len(results), totalDuration.Round(time.Millisecond))
	for _, r := range results {
		status := "SUCCESS"
		if r.Error != nil {
			status = "FAILED"
		}
		o.log.Infof("  %s: %s - %d downloaded, %d skipped, %d failed", r.Destination, status, r.Summary.Downloaded, r.Summary.Skipped, r.Summary.Failed)
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}
	o.log.Info("============================================")
}

// ExitCode maps a batch result to a process exit status: 0 when the batch ran to
// the end, 130 when it was interrupted and 1 when it could not run. Recorded row
// failures do not change the exit status.
func ExitCode(r BatchResult) int {
	switch {
	case r.Error == nil:
		return 0
	case errors.Is(r.Error, context.Canceled), errors.Is(r.Error, context.DeadlineExceeded):
		return 130
	default:
		return 1
	}
}

// Describe renders a one-line summary of r for humans
func Describe(r BatchResult) string {
	s := r.Summary
	line := fmt.Sprintf("%d rows: %d downloaded, %d skipped, %d failed, %d dropped",
		s.Total, s.Downloaded, s.Skipped, s.Failed, s.Dropped)
	if s.Incomplete > 0 {
		line += fmt.Sprintf(", %d not finished", s.Incomplete)
	}
	if s.ReportPath != "" {
		line += fmt.Sprintf(" (failures in %s)", s.ReportPath)
	}
	return line
}
