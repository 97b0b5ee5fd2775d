package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/solanum-downloader/pkg/fetch"
	"github.com/Sriram-PR/solanum-downloader/pkg/models"
	"github.com/Sriram-PR/solanum-downloader/pkg/storage"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

const maxPageBytes = 5 << 20 // HTML pages larger than this are truncated before scraping

// Options tunes a Resolver. Zero values fall back to defaults; nil components are skipped.
type Options struct {
	ProbeTimeout time.Duration // Bounds each HEAD and page GET
	DOMSelector  string        // Elements whose src (or href) holds the image URL
	Politeness   *fetch.Politeness
	Robots       *fetch.RobotsChecker    // Consulted before scraping a page
	Cache        storage.ResolutionCache // Persists tier 2 and 3 results across runs
}

// Resolver finds the byte-serving URL behind a location URL.
// It tries, in order: a known image extension in the URL itself, a HEAD probe
// whose Content-Type is image/*, and finally the first element matching the DOM
// selector on the fetched page.
type Resolver struct {
	fetcher      *fetch.Fetcher
	probeTimeout time.Duration
	selector     string
	politeness   *fetch.Politeness
	robots       *fetch.RobotsChecker
	cache        storage.ResolutionCache
	log          *logrus.Entry
}

// NewResolver creates a Resolver
func NewResolver(fetcher *fetch.Fetcher, opts Options, log *logrus.Entry) *Resolver {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 7 * time.Second
	}
	if opts.DOMSelector == "" {
		opts.DOMSelector = "img[src]"
	}
	return &Resolver{
		fetcher:      fetcher,
		probeTimeout: opts.ProbeTimeout,
		selector:     opts.DOMSelector,
		politeness:   opts.Politeness,
		robots:       opts.Robots,
		cache:        opts.Cache,
		log:          log,
	}
}

// Resolve implements models.Resolver. Every failure to find an image wraps
// utils.ErrUnresolvableURL, except robots refusals (utils.ErrRobotsDisallowed)
// and context cancellation, which is returned as is.
func (r *Resolver) Resolve(ctx context.Context, locationURL string) (models.Resolution, error) {
	normalized := Normalize(locationURL)
	if normalized == "" {
		return models.Resolution{}, fmt.Errorf("%w: empty URL", utils.ErrUnresolvableURL)
	}

	// Classify on the tidied URL but download the original one; signed links need their query.
	if ext := ImageExtension(normalized); ext != "" {
		return models.Resolution{URL: FixScheme(locationURL), Extension: ext, Tier: models.TierExtension}, nil
	}

	if res, ok := r.cached(locationURL); ok {
		return res, nil
	}

	res, err := r.resolveRemote(ctx, locationURL)
	if err != nil {
		return models.Resolution{}, err
	}
	r.store(locationURL, res)
	return res, nil
}

func (r *Resolver) resolveRemote(ctx context.Context, locationURL string) (models.Resolution, error) {
	probeURL := FixScheme(locationURL)
	resLog := r.log.WithField("url", probeURL)

	ext, isImage, err := r.probeContentType(ctx, probeURL)
	if err != nil {
		return models.Resolution{}, err
	}
	if isImage {
		resLog.WithField("extension", ext).Debug("Resolved via Content-Type")
		return models.Resolution{URL: probeURL, Extension: ext, Tier: models.TierMIME}, nil
	}

	resLog.Debug("Not an image, scraping page")
	imageURL, err := r.scrape(ctx, probeURL)
	if err != nil {
		return models.Resolution{}, err
	}

	if ext := ImageExtension(imageURL); ext != "" {
		return models.Resolution{URL: imageURL, Extension: ext, Tier: models.TierDOM}, nil
	}

	// Scraped URL carries no known extension; ask the server what it is.
	ext, isImage, err = r.probeContentType(ctx, imageURL)
	if err != nil {
		return models.Resolution{}, err
	}
	if !isImage {
		return models.Resolution{}, fmt.Errorf("%w: element matched by selector %q on %s is not an image: %s",
			utils.ErrUnresolvableURL, r.selector, probeURL, imageURL)
	}
	return models.Resolution{URL: imageURL, Extension: ext, Tier: models.TierDOM}, nil
}

// probeContentType HEADs rawURL. A missing or malformed Content-Type counts as "not an image".
func (r *Resolver) probeContentType(ctx context.Context, rawURL string) (ext string, isImage bool, err error) {
	var contentType string
	err = r.request(ctx, http.MethodHead, rawURL, func(resp *http.Response) error {
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return "", false, err
		}
		return "", false, fmt.Errorf("%w: HEAD %s: %w", utils.ErrUnresolvableURL, rawURL, err)
	}

	ext, isImage, parseErr := extensionFromContentType(contentType)
	if parseErr != nil {
		r.log.WithField("url", rawURL).Debugf("Unusable Content-Type %q: %v", contentType, parseErr)
		return "", false, nil
	}
	return ext, isImage, nil
}

// scrape fetches pageURL and returns the first usable element URL, absolute and normalized.
func (r *Resolver) scrape(ctx context.Context, pageURL string) (string, error) {
	if r.robots != nil {
		if u, err := url.Parse(pageURL); err == nil && !r.robots.Allowed(ctx, u) {
			return "", fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, pageURL)
		}
	}

	var doc *goquery.Document
	var base *url.URL
	err := r.request(ctx, http.MethodGet, pageURL, func(resp *http.Response) error {
		var parseErr error
		doc, parseErr = goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
		if parseErr != nil {
			return fmt.Errorf("%w: HTML of %s: %w", utils.ErrParsing, pageURL, parseErr)
		}
		base = resp.Request.URL // after redirects
		return nil
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return "", err
		}
		return "", fmt.Errorf("%w: GET %s: %w", utils.ErrUnresolvableURL, pageURL, err)
	}

	var found string
	doc.Find(r.selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw, ok := s.Attr("src")
		if !ok || strings.TrimSpace(raw) == "" {
			raw, _ = s.Attr("href")
		}
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
			return true
		}
		found = absolute(base, Normalize(raw))
		return found == ""
	})

	if found == "" {
		return "", fmt.Errorf("%w: selector %q matched nothing usable on %s", utils.ErrUnresolvableURL, r.selector, pageURL)
	}
	r.log.WithFields(logrus.Fields{"page": pageURL, "image": found}).Debug("Scraped image URL")
	return found, nil
}

// request runs one bounded, polite request and hands a successful response to consume
// before the probe deadline is released.
func (r *Resolver) request(ctx context.Context, method, rawURL string, consume func(*http.Response) error) error {
	release, err := r.politeness.Enter(ctx, rawURL)
	if err != nil {
		return err
	}
	defer release()

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	resp, err := r.fetcher.Do(probeCtx, method, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return consume(resp)
}

func (r *Resolver) cached(locationURL string) (models.Resolution, bool) {
	if r.cache == nil {
		return models.Resolution{}, false
	}
	entry, found, err := r.cache.GetResolution(locationURL)
	if err != nil {
		r.log.Warnf("Resolution cache read failed for %s: %v", locationURL, err)
		return models.Resolution{}, false
	}
	if !found {
		return models.Resolution{}, false
	}
	r.log.WithField("url", locationURL).Debug("Resolution cache hit")
	return models.Resolution{URL: entry.FinalURL, Extension: entry.Extension, Tier: entry.Tier}, true
}

func (r *Resolver) store(locationURL string, res models.Resolution) {
	if r.cache == nil {
		return
	}
	entry := &models.ResolutionDBEntry{
		FinalURL:   res.URL,
		Extension:  res.Extension,
		Tier:       res.Tier,
		ResolvedAt: time.Now(),
	}
	if err := r.cache.SaveResolution(locationURL, entry); err != nil {
		r.log.Warnf("Resolution cache write failed for %s: %v", locationURL, err)
	}
}

// absolute resolves ref against base; ref is returned untouched if either fails to parse.
func absolute(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return Normalize(base.ResolveReference(refURL).String())
}

// isCancellation reports whether err comes from the caller giving up rather than the remote side
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
