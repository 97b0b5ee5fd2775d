package download

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/solanum-downloader/pkg/config"
	"github.com/Sriram-PR/solanum-downloader/pkg/detect"
	"github.com/Sriram-PR/solanum-downloader/pkg/fetch"
	"github.com/Sriram-PR/solanum-downloader/pkg/metrics"
	"github.com/Sriram-PR/solanum-downloader/pkg/models"
	"github.com/Sriram-PR/solanum-downloader/pkg/report"
	"github.com/Sriram-PR/solanum-downloader/pkg/resolve"
	"github.com/Sriram-PR/solanum-downloader/pkg/storage"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// imageServer serves a small PNG at /img/*.png, a page pointing at it, a 404,
// a non-image body with an image extension and a large body.
type imageServer struct {
	*httptest.Server
	imageHits atomic.Int32
}

func newImageServer(t *testing.T) *imageServer {
	t.Helper()
	pic := pngBytes(t, 3, 2)
	s := &imageServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		s.imageHits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(pic)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodHead {
			return
		}
		fmt.Fprint(w, `<html><body><img src="/img/from-page.png"></body></html>`)
	})
	mux.HandleFunc("/missing.jpg", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/text.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprint(w, "definitely not a jpeg")
	})
	mux.HandleFunc("/big.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(bytes.Repeat([]byte{0xff}, 10000))
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestDownloader(opts Options) *BatchDownloader {
	log := testLogger()
	fetcher := fetch.NewFetcher(fetch.NewClient(config.HTTPClientConfig{}, log), "solanum-test", log)
	resolver := resolve.NewResolver(fetcher, resolve.Options{}, log)
	return NewBatchDownloader(fetcher, resolver, detect.NewDetector(log), opts, log)
}

func testRow(pos int, id, url, section string) models.Row {
	return models.Row{
		Position: pos,
		Index:    pos,
		ID:       id,
		Species:  "solanum",
		URL:      url,
		Section:  section,
		Source:   "inat",
	}
}

func readReport(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestRun_SavesIntoSectionFolders(t *testing.T) {
	srv := newImageServer(t)
	dest := t.TempDir()
	d := newTestDownloader(Options{Destination: dest, NumWorkers: 2})

	rows := []models.Row{
		testRow(0, "1", srv.URL+"/img/a.png", "leaf"),
		testRow(1, "2", srv.URL+"/img/b.png", "flower"),
	}
	failures, summary, err := d.Run(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, 0, failures.Len())
	assert.Equal(t, 2, summary.Downloaded)
	assert.Empty(t, summary.ReportPath)
	assert.FileExists(t, filepath.Join(dest, "leaf", "leaf_solanum_1_inat_0.png"))
	assert.FileExists(t, filepath.Join(dest, "flower", "flower_solanum_2_inat_1.png"))
	assert.NoFileExists(t, filepath.Join(dest, "failed_images.csv"))
	assert.NoDirExists(t, filepath.Join(dest, PartialDir))
}

func TestRun_ResolvesThroughPage(t *testing.T) {
	srv := newImageServer(t)
	dest := t.TempDir()
	d := newTestDownloader(Options{Destination: dest, NumWorkers: 1})

	_, summary, err := d.Run(context.Background(), []models.Row{testRow(0, "7", srv.URL+"/page", "fruit")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Downloaded)
	assert.FileExists(t, filepath.Join(dest, "fruit", "fruit_solanum_7_inat_0.png"))
}

func TestRun_HTTPErrorGoesToReport(t *testing.T) {
	srv := newImageServer(t)
	dest := t.TempDir()
	d := newTestDownloader(Options{Destination: dest, NumWorkers: 2})

	rows := []models.Row{
		testRow(0, "1", srv.URL+"/img/a.png", "leaf"),
		testRow(1, "2", srv.URL+"/missing.jpg", "leaf"),
	}
	failures, summary, err := d.Run(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, failures.Len())
	assert.Equal(t, "HTTP_404", failures.Failures()[0].Category)

	reportPath := filepath.Join(dest, "failed_images.csv")
	assert.Equal(t, reportPath, summary.ReportPath)
	records := readReport(t, reportPath)
	require.Len(t, records, 2)
	assert.Equal(t, report.Header, records[0])
	assert.Equal(t, []string{"1", "2", "solanum", srv.URL + "/missing.jpg", "leaf", "inat", "HTTP_404"}, records[1])

	matches, err := filepath.Glob(filepath.Join(dest, "leaf", "*_2_inat_1*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no file for the failed row")
}

func TestRun_RerunSkipsExistingFiles(t *testing.T) {
	srv := newImageServer(t)
	dest := t.TempDir()
	rows := []models.Row{
		testRow(0, "1", srv.URL+"/img/a.png", "leaf"),
		testRow(1, "2", srv.URL+"/img/b.png", "leaf"),
	}

	_, first, err := newTestDownloader(Options{Destination: dest, NumWorkers: 2}).Run(context.Background(), rows)
	require.NoError(t, err)
	require.Equal(t, 2, first.Downloaded)
	require.Equal(t, int32(2), srv.imageHits.Load())

	failures, second, err := newTestDownloader(Options{Destination: dest, NumWorkers: 2}).Run(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 0, second.Downloaded)
	assert.Equal(t, 0, failures.Len())
	assert.Equal(t, int32(2), srv.imageHits.Load(), "no requests on rerun")
}

func TestRun_OverwriteDownloadsAgain(t *testing.T) {
	srv := newImageServer(t)
	dest := t.TempDir()
	rows := []models.Row{testRow(0, "1", srv.URL+"/img/a.png", "leaf")}

	_, _, err := newTestDownloader(Options{Destination: dest}).Run(context.Background(), rows)
	require.NoError(t, err)

	_, summary, err := newTestDownloader(Options{Destination: dest, Overwrite: true}).Run(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, int32(2), srv.imageHits.Load())
}

func TestRunFiles_DeduplicatesURLs(t *testing.T) {
	srv := newImageServer(t)
	dir := t.TempDir()
	dest := filepath.Join(dir, "out")

	content := "id,species,url,section,source\n" +
		"1,solanum," + srv.URL + "/img/a.png,leaf,inat\n" +
		"2,solanum," + srv.URL + "/img/a.png,flower,gbif\n"
	csvPath := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(content), 0644))

	_, summary, err := newTestDownloader(Options{Destination: dest, NumWorkers: 2}).RunFiles(context.Background(), csvPath)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, int32(1), srv.imageHits.Load())
	assert.FileExists(t, filepath.Join(dest, "leaf", "leaf_solanum_1_inat_0.png"))
	assert.NoDirExists(t, filepath.Join(dest, "flower"))
}

func TestRunFiles_MissingInput(t *testing.T) {
	_, _, err := newTestDownloader(Options{Destination: t.TempDir()}).RunFiles(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

func TestRun_TransportErrors(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL + "/img/gone.png"
	dead.Close()

	t.Run("recorded when enabled", func(t *testing.T) {
		dest := t.TempDir()
		failures, summary, err := newTestDownloader(Options{Destination: dest, RecordTransportErrors: true}).
			Run(context.Background(), []models.Row{testRow(0, "1", deadURL, "leaf")})
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Failed)
		require.Equal(t, 1, failures.Len())
		assert.True(t, strings.HasPrefix(failures.Failures()[0].Category, "Transport_"))
		assert.FileExists(t, filepath.Join(dest, "failed_images.csv"))
	})

	t.Run("dropped when disabled", func(t *testing.T) {
		dest := t.TempDir()
		failures, summary, err := newTestDownloader(Options{Destination: dest, RecordTransportErrors: false}).
			Run(context.Background(), []models.Row{testRow(0, "1", deadURL, "leaf")})
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Dropped)
		assert.Equal(t, 0, failures.Len())
		assert.NoFileExists(t, filepath.Join(dest, "failed_images.csv"))
	})
}

func TestRun_UnresolvableRecordedEvenWhenTransportErrorsDropped(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	pageURL := dead.URL + "/observations/7"
	dead.Close()

	dest := t.TempDir()
	failures, summary, err := newTestDownloader(Options{Destination: dest, RecordTransportErrors: false}).
		Run(context.Background(), []models.Row{testRow(0, "1", pageURL, "leaf")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Dropped)
	require.Equal(t, 1, failures.Len())
	assert.Equal(t, "Unresolvable_Probe", failures.Failures()[0].Category)
	assert.FileExists(t, filepath.Join(dest, "failed_images.csv"))
}

// truncatingServer announces a long body, sends a few bytes and drops the connection.
func truncatingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("0123456789"))
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_BodyCutOffIsTransportError(t *testing.T) {
	srv := truncatingServer(t)
	rows := []models.Row{testRow(0, "1", srv.URL+"/cut.png", "leaf")}

	t.Run("recorded when enabled", func(t *testing.T) {
		dest := t.TempDir()
		failures, summary, err := newTestDownloader(Options{Destination: dest, RecordTransportErrors: true}).
			Run(context.Background(), rows)
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Failed)
		require.Equal(t, 1, failures.Len())
		assert.True(t, strings.HasPrefix(failures.Failures()[0].Category, "Transport_"))
		assert.NoFileExists(t, filepath.Join(dest, "leaf", "leaf_solanum_1_inat_0.png"))
	})

	t.Run("dropped when disabled", func(t *testing.T) {
		dest := t.TempDir()
		failures, summary, err := newTestDownloader(Options{Destination: dest, RecordTransportErrors: false}).
			Run(context.Background(), rows)
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Dropped)
		assert.Equal(t, 0, failures.Len())
		assert.NoDirExists(t, filepath.Join(dest, PartialDir))
	})
}

func TestRun_KeepsQueryOfSignedImageURL(t *testing.T) {
	pic := pngBytes(t, 1, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sig") != "ok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(pic)
	}))
	t.Cleanup(srv.Close)

	dest := t.TempDir()
	failures, summary, err := newTestDownloader(Options{Destination: dest}).
		Run(context.Background(), []models.Row{testRow(0, "1", srv.URL+"/a.jpg?sig=ok", "leaf")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 0, failures.Len())
	assert.FileExists(t, filepath.Join(dest, "leaf", "leaf_solanum_1_inat_0.jpg"))
}

func TestRun_SizeLimit(t *testing.T) {
	srv := newImageServer(t)
	dest := t.TempDir()
	d := newTestDownloader(Options{Destination: dest, MaxImageSizeBytes: 100})

	failures, summary, err := d.Run(context.Background(), []models.Row{testRow(0, "1", srv.URL+"/big.jpg", "leaf")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, failures.Len())
	assert.Equal(t, "Content_TooLarge", failures.Failures()[0].Category)
	assert.NoFileExists(t, filepath.Join(dest, "leaf", "leaf_solanum_1_inat_0.jpg"))
	assert.NoDirExists(t, filepath.Join(dest, PartialDir), "temp file removed")
}

func TestRun_VerifyImagesAndLedger(t *testing.T) {
	srv := newImageServer(t)
	dest := t.TempDir()
	store, err := storage.NewBadgerStore(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	goodURL := srv.URL + "/img/a.png"
	badURL := srv.URL + "/text.jpg"
	d := newTestDownloader(Options{Destination: dest, VerifyImages: true, NumWorkers: 2}).WithLedger(store)

	failures, summary, err := d.Run(context.Background(), []models.Row{
		testRow(0, "1", goodURL, "leaf"),
		testRow(1, "2", badURL, "leaf"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Downloaded)
	require.Equal(t, 1, failures.Len())
	assert.Equal(t, "Content_InvalidImage", failures.Failures()[0].Category)
	assert.NoFileExists(t, filepath.Join(dest, "leaf", "leaf_solanum_2_inat_1.jpg"))

	status, entry, err := store.CheckImageStatus(goodURL)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusSuccess, status)
	require.NotNil(t, entry)
	assert.Equal(t, "leaf/leaf_solanum_1_inat_0.png", entry.LocalPath)
	assert.Equal(t, 3, entry.Width)
	assert.Equal(t, 2, entry.Height)
	sum, err := utils.CalculateFileSHA256(filepath.Join(dest, "leaf", "leaf_solanum_1_inat_0.png"))
	require.NoError(t, err)
	assert.Equal(t, sum, entry.SHA256)

	status, entry, err = store.CheckImageStatus(badURL)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusFailure, status)
	require.NotNil(t, entry)
	assert.Equal(t, "Content_InvalidImage", entry.ErrorType)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	srv := newImageServer(t)
	dest := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	failures, summary, err := newTestDownloader(Options{Destination: dest, NumWorkers: 2}).Run(ctx, []models.Row{
		testRow(0, "1", srv.URL+"/img/a.png", "leaf"),
		testRow(1, "2", srv.URL+"/missing.jpg", "leaf"),
	})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, failures.Len(), "unfinished rows are not reported")
	assert.Equal(t, 2, summary.Incomplete)
	assert.NoFileExists(t, filepath.Join(dest, "failed_images.csv"))
}

func TestRun_CancelledMidDownloadLeavesNoFiles(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(bytes.Repeat([]byte{0x89}, 8192))
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	dest := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	failures, summary, err := newTestDownloader(Options{Destination: dest}).
		Run(ctx, []models.Row{testRow(0, "1", srv.URL+"/slow.png", "leaf")})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, failures.Len(), "aborted rows are not reported")
	assert.Equal(t, 1, summary.Incomplete)
	assert.NoFileExists(t, filepath.Join(dest, "leaf", "leaf_solanum_1_inat_0.png"))
	assert.NoDirExists(t, filepath.Join(dest, PartialDir))
	assert.NoFileExists(t, filepath.Join(dest, "failed_images.csv"))
}

func TestRun_Metrics(t *testing.T) {
	srv := newImageServer(t)
	m := metrics.New()
	d := newTestDownloader(Options{Destination: t.TempDir(), NumWorkers: 2}).WithMetrics(m)

	_, _, err := d.Run(context.Background(), []models.Row{
		testRow(0, "1", srv.URL+"/img/a.png", "leaf"),
		testRow(1, "2", srv.URL+"/missing.jpg", "leaf"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("HTTP_404")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("extension")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

func TestRun_ProgressCallback(t *testing.T) {
	srv := newImageServer(t)
	var calls atomic.Int32
	d := newTestDownloader(Options{
		Destination: t.TempDir(),
		NumWorkers:  2,
		OnProgress:  func(Summary) { calls.Add(1) },
	})

	_, _, err := d.Run(context.Background(), []models.Row{
		testRow(0, "1", srv.URL+"/img/a.png", "leaf"),
		testRow(1, "2", srv.URL+"/img/b.png", "leaf"),
		testRow(2, "3", srv.URL+"/missing.jpg", "leaf"),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_UncreatableDestination(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, _, err := newTestDownloader(Options{Destination: filepath.Join(blocker, "out")}).Run(context.Background(), nil)
	assert.Error(t, err)
}
