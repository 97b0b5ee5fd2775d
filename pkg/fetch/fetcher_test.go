package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/solanum-downloader/pkg/config"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testFetcher() *Fetcher {
	return NewFetcher(&http.Client{Timeout: 10 * time.Second}, "solanum-test/1.0", testLogger())
}

// statusServer replies with status and counts hits
func statusServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		fmt.Fprint(w, "body")
	}))
	t.Cleanup(server.Close)
	return server, hits
}

func TestDo_Success(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusNoContent} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			server, hits := statusServer(t, status)

			resp, err := testFetcher().Do(context.Background(), http.MethodGet, server.URL)
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != status {
				t.Errorf("expected status %d, got %d", status, resp.StatusCode)
			}
			if hits.Load() != 1 {
				t.Errorf("expected 1 attempt, got %d", hits.Load())
			}
		})
	}
}

func TestDo_NonSuccessStatusIsSingleAttempt(t *testing.T) {
	tests := []struct {
		status   int
		category string
	}{
		{http.StatusNotFound, "HTTP_404"},
		{http.StatusForbidden, "HTTP_403"},
		{http.StatusTooManyRequests, "HTTP_429"},
		{http.StatusInternalServerError, "HTTP_5xx"},
		{http.StatusGone, "HTTP_4xx"},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			server, hits := statusServer(t, tt.status)

			resp, err := testFetcher().Do(context.Background(), http.MethodGet, server.URL)
			if resp != nil {
				resp.Body.Close()
				t.Error("expected nil response on non-2xx status")
			}
			if !errors.Is(err, utils.ErrHTTPStatus) {
				t.Fatalf("expected ErrHTTPStatus, got: %v", err)
			}
			if got := utils.CategorizeError(err); got != tt.category {
				t.Errorf("expected category %s, got %s (err: %v)", tt.category, got, err)
			}
			if hits.Load() != 1 {
				t.Errorf("expected exactly 1 attempt, got %d", hits.Load())
			}
		})
	}
}

func TestDo_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := server.URL
	server.Close()

	resp, err := testFetcher().Do(context.Background(), http.MethodGet, deadURL)
	if resp != nil {
		t.Error("expected nil response on transport error")
	}
	if !errors.Is(err, utils.ErrTransport) {
		t.Fatalf("expected ErrTransport, got: %v", err)
	}
}

func TestDo_TimeoutIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := testFetcher().Do(ctx, http.MethodHead, server.URL)
	if !errors.Is(err, utils.ErrTransport) {
		t.Fatalf("expected ErrTransport on deadline, got: %v", err)
	}
	if got := utils.CategorizeError(err); got != "Transport_Timeout" {
		t.Errorf("expected Transport_Timeout, got %s", got)
	}
}

func TestDo_CancelledContextIsNotTransportError(t *testing.T) {
	server, _ := statusServer(t, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testFetcher().Do(ctx, http.MethodGet, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if errors.Is(err, utils.ErrTransport) {
		t.Error("cancellation must not be reported as a transport failure")
	}
}

func TestDo_SetsUserAgent(t *testing.T) {
	var gotUA atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
	}))
	t.Cleanup(server.Close)

	resp, err := testFetcher().Do(context.Background(), http.MethodHead, server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ua, _ := gotUA.Load().(string); ua != "solanum-test/1.0" {
		t.Errorf("expected user agent solanum-test/1.0, got %q", ua)
	}
}

func TestDo_InvalidURL(t *testing.T) {
	_, err := testFetcher().Do(context.Background(), http.MethodGet, "http://[::1")
	if !errors.Is(err, utils.ErrRequestCreation) {
		t.Fatalf("expected ErrRequestCreation, got: %v", err)
	}
}

func TestNewClient_RedirectLimit(t *testing.T) {
	var hops atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hops.Add(1)
		http.Redirect(w, r, fmt.Sprintf("%s/hop%d", server.URL, n), http.StatusFound)
	}))
	t.Cleanup(server.Close)

	cfg := config.HTTPClientConfig{MaxRedirects: 3}
	client := NewClient(cfg, testLogger())
	fetcher := NewFetcher(client, "", testLogger())

	_, err := fetcher.Do(context.Background(), http.MethodGet, server.URL)
	if !errors.Is(err, utils.ErrTransport) {
		t.Fatalf("expected redirect loop to surface as ErrTransport, got: %v", err)
	}
	if hops.Load() != 3 {
		t.Errorf("expected 3 requests before the redirect limit, got %d", hops.Load())
	}
}

func TestRobotsChecker(t *testing.T) {
	var robotsHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	rc := NewRobotsChecker(testFetcher(), "solanum-test/1.0", time.Second, testLogger())

	allowed, _ := url.Parse(server.URL + "/public/page")
	blocked, _ := url.Parse(server.URL + "/private/page")

	if !rc.Allowed(context.Background(), allowed) {
		t.Error("expected /public/page to be allowed")
	}
	if rc.Allowed(context.Background(), blocked) {
		t.Error("expected /private/page to be disallowed")
	}
	if robotsHits.Load() != 1 {
		t.Errorf("expected robots.txt to be fetched once and cached, got %d fetches", robotsHits.Load())
	}
}

func TestRobotsChecker_MissingRobotsAllowsAll(t *testing.T) {
	server, _ := statusServer(t, http.StatusNotFound)
	rc := NewRobotsChecker(testFetcher(), "solanum-test/1.0", time.Second, testLogger())

	target, _ := url.Parse(server.URL + "/anything")
	if !rc.Allowed(context.Background(), target) {
		t.Error("expected missing robots.txt to allow everything")
	}
}
