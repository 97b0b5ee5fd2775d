package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the collectors for one downloader process
type Metrics struct {
	registry *prometheus.Registry

	RowsTotal        *prometheus.CounterVec // status: success, failure, skipped, dropped
	FailuresTotal    *prometheus.CounterVec // category from utils.CategorizeError
	ResolutionsTotal *prometheus.CounterVec // tier: extension, mime, dom
	DownloadedBytes  prometheus.Counter
	DownloadDuration prometheus.Histogram
	InFlight         prometheus.Gauge
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solanum_rows_total",
				Help: "Rows processed, by outcome.",
			},
			[]string{"status"},
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solanum_failures_total",
				Help: "Rows recorded in the failure report, by error category.",
			},
			[]string{"category"},
		),
		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solanum_resolutions_total",
				Help: "Successful URL resolutions, by tier.",
			},
			[]string{"tier"},
		),
		DownloadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "solanum_downloaded_bytes_total",
			Help: "Image bytes written to disk.",
		}),
		DownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "solanum_download_duration_seconds",
			Help:    "Duration of image downloads.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "solanum_rows_in_flight",
			Help: "Rows currently being processed by workers.",
		}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
