package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/solanum-downloader/pkg/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.png", "/b.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrintUsageTo(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)

	out := buf.String()
	for _, cmd := range []string{"download", "resolve", "validate", "mcp-server", "version"} {
		assert.Contains(t, out, cmd)
	}
	assert.Contains(t, out, "section, source, error")
}

func TestDoValidate_OK(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", `
destination: "./images"
num_workers: 8
dom_selector: "img.main"
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "OK: destination=./images workers=8")
	assert.Contains(t, stdout.String(), "Configuration valid")
	assert.Empty(t, stderr.String())
}

func TestDoValidate_Warnings(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", "num_workers: -1\n")

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "WARN: num_workers")
}

func TestDoValidate_BadSelector(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", "dom_selector: \"img[\"\n")

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "ERROR:")
	assert.Contains(t, stderr.String(), "dom_selector")
}

func TestDoValidate_MissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doValidate("/nonexistent/config.yaml", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "read config")
}

func TestDoDownload_EndToEnd(t *testing.T) {
	srv := newImageServer(t)
	dir := t.TempDir()
	input := writeFile(t, dir, "input.csv", "id,species,url,section,source\n"+
		"7,solanum,"+srv.URL+"/a.png,leaf,inat\n"+
		"8,solanum,"+srv.URL+"/b.png,flower,gbif\n"+
		"9,solanum,"+srv.URL+"/gone.png,leaf,inat\n")
	dest := filepath.Join(dir, "out")

	var stdout, stderr bytes.Buffer
	exitCode := doDownload(downloadOptions{
		destination: dest,
		logLevel:    "info",
		logFile:     filepath.Join(dir, "run.log"),
		csvPaths:    []string{input},
	}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode, stderr.String())
	assert.FileExists(t, filepath.Join(dest, "leaf", "leaf_solanum_7_inat_0.png"))
	assert.FileExists(t, filepath.Join(dest, "flower", "flower_solanum_8_gbif_1.png"))
	assert.FileExists(t, filepath.Join(dest, config.DefaultFailureReportName))
	assert.Contains(t, stdout.String(), "3 rows: 2 downloaded, 0 skipped, 1 failed")

	logData, err := os.ReadFile(filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "run_id=")
}

func TestDoDownload_WritesLedger(t *testing.T) {
	srv := newImageServer(t)
	dir := t.TempDir()
	input := writeFile(t, dir, "input.csv", "id,species,url,section,source\n1,solanum,"+srv.URL+"/a.png,leaf,inat\n")
	ledger := filepath.Join(dir, "ledger.tsv")

	var stdout, stderr bytes.Buffer
	exitCode := doDownload(downloadOptions{
		destination: filepath.Join(dir, "out"),
		logLevel:    "warn",
		stateDir:    filepath.Join(dir, "state"),
		ledgerPath:  ledger,
		csvPaths:    []string{input},
	}, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	data, err := os.ReadFile(ledger)
	require.NoError(t, err)
	assert.Contains(t, string(data), srv.URL+"/a.png")
}

func TestDoDownload_Errors(t *testing.T) {
	t.Run("no csv files", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		assert.Equal(t, 1, doDownload(downloadOptions{}, &stdout, &stderr))
		assert.Contains(t, stderr.String(), "at least one CSV file")
	})

	t.Run("missing csv file", func(t *testing.T) {
		dir := t.TempDir()
		var stdout, stderr bytes.Buffer
		exitCode := doDownload(downloadOptions{
			destination: filepath.Join(dir, "out"),
			logLevel:    "error",
			csvPaths:    []string{filepath.Join(dir, "missing.csv")},
		}, &stdout, &stderr)
		assert.Equal(t, 1, exitCode)
	})

	t.Run("invalid config", func(t *testing.T) {
		dir := t.TempDir()
		cfgPath := writeFile(t, dir, "config.yaml", "failure_report_filename: ../escape.csv\n")
		var stdout, stderr bytes.Buffer
		exitCode := doDownload(downloadOptions{
			configPath: cfgPath,
			logLevel:   "error",
			csvPaths:   []string{"input.csv"},
		}, &stdout, &stderr)
		assert.Equal(t, 1, exitCode)
		assert.Contains(t, stderr.String(), "failure_report_filename")
	})
}

func TestApplyDownloadOverrides(t *testing.T) {
	t.Run("flags win", func(t *testing.T) {
		cfg := &config.AppConfig{Destination: "cfg-dest", NumWorkers: 4, DownloadTimeout: time.Minute}
		timeout := 5 * time.Second
		applyDownloadOverrides(cfg, downloadOptions{
			destination:     "flag-dest",
			workers:         9,
			stateDir:        "state",
			metricsAddr:     ":9999",
			downloadTimeout: &timeout,
		})
		assert.Equal(t, "flag-dest", cfg.Destination)
		assert.Equal(t, 9, cfg.NumWorkers)
		assert.Equal(t, "state", cfg.StateDir)
		assert.Equal(t, ":9999", cfg.MetricsAddr)
		assert.Equal(t, 5*time.Second, cfg.DownloadTimeout)
	})

	t.Run("unset timeout falls back to default", func(t *testing.T) {
		cfg := &config.AppConfig{Destination: "cfg-dest", NumWorkers: 4}
		applyDownloadOverrides(cfg, downloadOptions{})
		assert.Equal(t, "cfg-dest", cfg.Destination)
		assert.Equal(t, 4, cfg.NumWorkers)
		assert.Equal(t, config.DefaultDownloadTimeout, cfg.DownloadTimeout)
	})

	t.Run("explicit zero means unbounded", func(t *testing.T) {
		cfg := &config.AppConfig{DownloadTimeout: time.Minute}
		zero := time.Duration(0)
		applyDownloadOverrides(cfg, downloadOptions{downloadTimeout: &zero})
		assert.Equal(t, time.Duration(0), cfg.DownloadTimeout)
	})
}

func TestDoResolve(t *testing.T) {
	srv := newImageServer(t)

	var stdout, stderr bytes.Buffer
	exitCode := doResolve(context.Background(), "", "error", []string{srv.URL + "/a.png"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Equal(t, srv.URL+"/a.png\textension\tpng\t"+srv.URL+"/a.png\n", stdout.String())

	stdout.Reset()
	exitCode = doResolve(context.Background(), "", "error", []string{srv.URL + "/nothing"}, &stdout, &stderr)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stdout.String(), srv.URL+"/nothing\terror\t")
}

func TestDoMcpServer_InvalidLogLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doMcpServer("", "stdio", 0, "loud", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Invalid log level")
}

func TestDoMcpServer_UnknownTransport(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doMcpServer("", "carrier-pigeon", 0, "error", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "unknown transport")
}
