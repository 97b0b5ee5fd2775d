package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/solanum-downloader/pkg/detect"
	"github.com/Sriram-PR/solanum-downloader/pkg/fetch"
	"github.com/Sriram-PR/solanum-downloader/pkg/input"
	"github.com/Sriram-PR/solanum-downloader/pkg/metrics"
	"github.com/Sriram-PR/solanum-downloader/pkg/models"
	"github.com/Sriram-PR/solanum-downloader/pkg/report"
	"github.com/Sriram-PR/solanum-downloader/pkg/storage"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// PartialDir holds in-progress downloads inside the destination folder
const PartialDir = ".partial"

// Options controls a batch run
type Options struct {
	Destination           string
	Overwrite             bool
	NumWorkers            int
	DownloadTimeout       time.Duration // Bounds each image GET including the body (0 = unbounded)
	GlobalRunTimeout      time.Duration // 0 = unbounded
	MaxImageSizeBytes     int64         // 0 = unlimited
	VerifyImages          bool
	RecordTransportErrors bool
	ReportFilename        string
	OnProgress            func(Summary) // Called after every finished row, from worker goroutines
}

// Summary counts row outcomes for one run
type Summary struct {
	Total      int           `json:"total"` // Rows handed to the run after dedup
	Downloaded int           `json:"downloaded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Dropped    int           `json:"dropped"`    // Transport failures not recorded
	Incomplete int           `json:"incomplete"` // Never started or abandoned on cancellation
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	ReportPath string        `json:"report_path,omitempty"` // Set when a failure report was written
}

// Done returns the number of rows that reached a final outcome
func (s Summary) Done() int {
	return s.Downloaded + s.Skipped + s.Failed + s.Dropped
}

// BatchDownloader downloads the image behind every row into destination/section/.
// Each row is independent: a failure is recorded and the batch moves on.
type BatchDownloader struct {
	fetcher    *fetch.Fetcher
	resolver   models.Resolver
	detector   *detect.Detector
	politeness *fetch.Politeness
	ledger     storage.ImageLedger
	metrics    *metrics.Metrics
	opts       Options
	log        *logrus.Entry
}

// NewBatchDownloader creates a BatchDownloader. Politeness, ledger and metrics are
// optional and attached with the With* methods.
func NewBatchDownloader(fetcher *fetch.Fetcher, resolver models.Resolver, detector *detect.Detector, opts Options, log *logrus.Entry) *BatchDownloader {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.ReportFilename == "" {
		opts.ReportFilename = "failed_images.csv"
	}
	return &BatchDownloader{
		fetcher:  fetcher,
		resolver: resolver,
		detector: detector,
		opts:     opts,
		log:      log,
	}
}

// WithPoliteness routes image downloads through p
func (d *BatchDownloader) WithPoliteness(p *fetch.Politeness) *BatchDownloader {
	d.politeness = p
	return d
}

// WithLedger records every outcome in ledger
func (d *BatchDownloader) WithLedger(ledger storage.ImageLedger) *BatchDownloader {
	d.ledger = ledger
	return d
}

// WithMetrics reports progress to m
func (d *BatchDownloader) WithMetrics(m *metrics.Metrics) *BatchDownloader {
	d.metrics = m
	return d
}

// RunFiles loads and deduplicates the CSV files, then runs the batch
func (d *BatchDownloader) RunFiles(ctx context.Context, paths ...string) (*report.FailureReport, Summary, error) {
	rows, err := input.LoadFiles(paths...)
	if err != nil {
		return nil, Summary{}, err
	}
	unique := input.Dedup(rows)
	if dropped := len(rows) - len(unique); dropped > 0 {
		d.log.Infof("Dropped %d row(s) with duplicate URLs", dropped)
	}
	return d.Run(ctx, unique)
}

// Run processes rows, which must already be deduplicated by URL.
//
// The returned error is reserved for conditions that stop the whole batch: the
// destination cannot be created, the report cannot be written, or ctx ended.
// The failure report and summary are valid in every case except the first.
func (d *BatchDownloader) Run(ctx context.Context, rows []models.Row) (*report.FailureReport, Summary, error) {
	start := time.Now()
	failures := report.NewFailureReport()

	if err := os.MkdirAll(filepath.Join(d.opts.Destination, PartialDir), 0755); err != nil {
		return nil, Summary{}, fmt.Errorf("%w: create destination %s: %w", utils.ErrFilesystem, d.opts.Destination, err)
	}

	if d.opts.GlobalRunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.GlobalRunTimeout)
		defer cancel()
	}

	t := &tally{summary: Summary{Total: len(rows)}, onProgress: d.opts.OnProgress}
	d.log.WithFields(logrus.Fields{"rows": len(rows), "workers": d.opts.NumWorkers, "destination": d.opts.Destination}).Info("Starting batch")

	rowChan := make(chan models.Row)
	var wg sync.WaitGroup
	for i := 1; i <= d.opts.NumWorkers; i++ {
		wg.Add(1)
		go d.worker(ctx, i, rowChan, failures, t, &wg)
	}

dispatch:
	for _, row := range rows {
		select {
		case rowChan <- row:
		case <-ctx.Done():
			d.log.Warnf("Stopping dispatch: %v", ctx.Err())
			break dispatch
		}
	}
	close(rowChan)
	wg.Wait()

	summary := t.snapshot()
	summary.Incomplete = summary.Total - summary.Done()
	summary.Duration = time.Since(start)

	reportPath := filepath.Join(d.opts.Destination, d.opts.ReportFilename)
	written, err := failures.Save(reportPath)
	if err != nil {
		return failures, summary, err
	}
	if written {
		summary.ReportPath = reportPath
		d.log.Infof("Saved report of %d failed image(s) to %s", failures.Len(), reportPath)
	}
	os.Remove(filepath.Join(d.opts.Destination, PartialDir)) // only succeeds when empty

	d.log.WithFields(logrus.Fields{
		"downloaded": summary.Downloaded,
		"skipped":    summary.Skipped,
		"failed":     summary.Failed,
		"dropped":    summary.Dropped,
		"incomplete": summary.Incomplete,
		"duration":   summary.Duration.Round(time.Millisecond),
	}).Info("Batch finished")

	return failures, summary, ctx.Err()
}

func (d *BatchDownloader) worker(ctx context.Context, id int, rows <-chan models.Row, failures *report.FailureReport, t *tally, wg *sync.WaitGroup) {
	defer wg.Done()
	workerLog := d.log.WithField("worker_id", id)

	for row := range rows {
		if ctx.Err() != nil {
			continue
		}
		d.processRow(ctx, row, failures, t, workerLog)
	}
}

// processRow runs one row to a final outcome. Cancellation leaves the row
// unrecorded.
func (d *BatchDownloader) processRow(ctx context.Context, row models.Row, failures *report.FailureReport, t *tally, workerLog *logrus.Entry) {
	rec := models.NewImageRecord(row)
	rowLog := workerLog.WithFields(logrus.Fields{"id": row.ID, "row": row.Index, "url": row.URL})

	if d.metrics != nil {
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
	}

	var res result
	defer func() {
		if p := recover(); p != nil {
			rowLog.WithFields(logrus.Fields{"panic_info": p, "stack_trace": string(debug.Stack())}).Error("PANIC recovered while processing row")
			res = result{err: fmt.Errorf("panic processing %s: %v", row.URL, p)}
		}
		d.finish(ctx, rec, res, failures, t, rowLog)
	}()

	if !d.opts.Overwrite && d.detector.Exists(d.opts.Destination, row.Section, row.ID, row.Source, row.Index) {
		rowLog.Infof("Skipping %s, already on disk", rec.BaseName())
		res = result{skipped: true}
		return
	}

	sectionDir := filepath.Join(d.opts.Destination, rec.SectionFolder())
	if err := os.MkdirAll(sectionDir, 0755); err != nil {
		res = result{err: fmt.Errorf("%w: create section folder %s: %w", utils.ErrFilesystem, sectionDir, err)}
		return
	}

	resolution, err := rec.Resolve(ctx, d.resolver)
	if err != nil {
		res = result{err: err}
		return
	}
	if d.metrics != nil {
		d.metrics.ResolutionsTotal.WithLabelValues(resolution.Tier.String()).Inc()
	}
	rowLog.WithFields(logrus.Fields{"final_url": resolution.URL, "tier": resolution.Tier}).Info("Downloading")

	res = d.download(ctx, rec, resolution.URL, filepath.Join(sectionDir, rec.Filename()), rowLog)
}

// finish classifies the row outcome and updates report, ledger, metrics and tally
func (d *BatchDownloader) finish(ctx context.Context, rec *models.ImageRecord, res result, failures *report.FailureReport, t *tally, rowLog *logrus.Entry) {
	var status models.ImageStatus
	entry := &models.ImageDBEntry{LastAttempt: time.Now()}

	switch {
	case res.skipped:
		status = models.ImageStatusSkipped
	case res.err == nil:
		status = models.ImageStatusSuccess
		entry.LocalPath = res.relPath
		entry.Bytes = res.bytes
		entry.SHA256 = res.sha256
		entry.Width, entry.Height = res.width, res.height
	case ctx.Err() != nil && (errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded)):
		rowLog.Debugf("Abandoned on cancellation: %v", res.err)
		return
	case errors.Is(res.err, utils.ErrTransport) && !errors.Is(res.err, utils.ErrUnresolvableURL) && !d.opts.RecordTransportErrors:
		// only the final download may be dropped; a failed resolution is always reported
		status = models.ImageStatusDropped
		entry.ErrorType = utils.CategorizeError(res.err)
		rowLog.Errorf("Connection failed, not recorded: %v", res.err)
	default:
		status = models.ImageStatusFailure
		entry.ErrorType = utils.CategorizeError(res.err)
		failures.Record(rec.Row, res.err)
		rowLog.WithField("error_type", entry.ErrorType).Errorf("Failed: %v", res.err)
		if d.metrics != nil {
			d.metrics.FailuresTotal.WithLabelValues(entry.ErrorType).Inc()
		}
	}
	entry.Status = status

	if d.metrics != nil {
		d.metrics.RowsTotal.WithLabelValues(status.String()).Inc()
	}
	// A skip says nothing new about the URL; keep whatever the ledger already has.
	if d.ledger != nil && status != models.ImageStatusSkipped {
		if err := d.ledger.UpdateImageStatus(rec.URL, entry); err != nil {
			rowLog.Warnf("Ledger update failed: %v", err)
		}
	}
	t.add(status, res.bytes)
}

// tally accumulates the summary across workers
type tally struct {
	mu         sync.Mutex
	summary    Summary
	onProgress func(Summary)
}

func (t *tally) add(status models.ImageStatus, bytes int64) {
	t.mu.Lock()
	switch status {
	case models.ImageStatusSuccess:
		t.summary.Downloaded++
		t.summary.Bytes += bytes
	case models.ImageStatusSkipped:
		t.summary.Skipped++
	case models.ImageStatusFailure:
		t.summary.Failed++
	case models.ImageStatusDropped:
		t.summary.Dropped++
	}
	snap := t.summary
	t.mu.Unlock()

	if t.onProgress != nil {
		t.onProgress(snap)
	}
}

func (t *tally) snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}
