package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// Fetcher issues single-attempt HTTP requests and classifies the outcome.
// Failures are recorded by callers, never retried here.
type Fetcher struct {
	client    *http.Client
	userAgent string
	log       *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, userAgent string, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		log:       log,
	}
}

// Do performs method against rawURL bound to ctx.
//
// A connection-level failure is wrapped in utils.ErrTransport and returns no response.
// A non-2xx status is wrapped in utils.ErrHTTPStatus as "status <code> <text>"; the body
// is already drained and closed in that case. On success the caller must close the body.
// Context cancellation is returned unwrapped so callers can tell it apart from a dead host.
func (f *Fetcher) Do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	reqLog := f.log.WithFields(logrus.Fields{"method": method, "url": rawURL})

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", utils.ErrRequestCreation, method, rawURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) && errors.Is(ctxErr, context.Canceled) {
			reqLog.Debugf("Request cancelled: %v", err)
			return nil, ctxErr
		}
		reqLog.Debugf("Transport error: %v", err)
		return nil, fmt.Errorf("%w: %w", utils.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		reqLog.WithField("status_code", resp.StatusCode).Debug("Non-success status")
		return nil, fmt.Errorf("%w: status %d %s", utils.ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	reqLog.WithField("status_code", resp.StatusCode).Debug("Fetched")
	return resp, nil
}
