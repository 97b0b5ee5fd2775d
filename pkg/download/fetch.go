package download

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/Sriram-PR/solanum-downloader/pkg/models"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

const copyChunkSize = 4096

// result is what a row produced; the zero value with a nil err is a success
type result struct {
	skipped bool
	err     error
	relPath string
	bytes   int64
	sha256  string
	width   int
	height  int
}

// download streams finalURL into a temporary file under PartialDir and renames
// it to targetPath once complete. The target is never left half written.
func (d *BatchDownloader) download(ctx context.Context, rec *models.ImageRecord, finalURL, targetPath string, rowLog *logrus.Entry) (res result) {
	release, err := d.politeness.Enter(ctx, finalURL)
	if err != nil {
		return result{err: err}
	}
	defer release()

	dlCtx := ctx
	if d.opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		dlCtx, cancel = context.WithTimeout(ctx, d.opts.DownloadTimeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := d.fetcher.Do(dlCtx, http.MethodGet, finalURL)
	if err != nil {
		return result{err: err}
	}
	defer resp.Body.Close()

	maxSize := d.opts.MaxImageSizeBytes
	if maxSize > 0 && resp.ContentLength > maxSize {
		return result{err: fmt.Errorf("%w: Content-Length %d > limit %d for %s", utils.ErrImageTooLarge, resp.ContentLength, maxSize, finalURL)}
	}

	tempPath := filepath.Join(d.opts.Destination, PartialDir, ".download-"+uuid.NewString()+".part")
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return result{err: fmt.Errorf("%w: create temp file %s: %w", utils.ErrFilesystem, tempPath, err)}
	}
	renamed := false
	defer func() {
		if !renamed {
			tempFile.Close()
			if errRem := os.Remove(tempPath); errRem != nil && !errors.Is(errRem, os.ErrNotExist) {
				rowLog.Warnf("Failed to remove temp file %s: %v", tempPath, errRem)
			}
		}
	}()

	body := &bodyReader{r: resp.Body}
	var src io.Reader = body
	if maxSize > 0 {
		src = io.LimitReader(body, maxSize+1)
	}
	hw := utils.NewHashingWriter(tempFile)
	written, err := io.CopyBuffer(hw, src, make([]byte, copyChunkSize))
	if err != nil {
		if ctx.Err() != nil {
			return result{err: ctx.Err()}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return result{err: fmt.Errorf("%w: download of %s exceeded %s: %w", utils.ErrTransport, finalURL, d.opts.DownloadTimeout, err)}
		}
		if body.err == nil {
			return result{err: fmt.Errorf("%w: write %s: %w", utils.ErrFilesystem, tempPath, err)}
		}
		// Connection dropped mid-body: same class as a failed connect.
		return result{err: fmt.Errorf("%w: %w: %s after %d bytes: %w", utils.ErrTransport, utils.ErrResponseBodyRead, finalURL, written, body.err)}
	}
	if maxSize > 0 && written > maxSize {
		return result{err: fmt.Errorf("%w: body of %s exceeded limit %d", utils.ErrImageTooLarge, finalURL, maxSize)}
	}
	io.Copy(io.Discard, resp.Body)

	if err := tempFile.Close(); err != nil {
		return result{err: fmt.Errorf("%w: close temp file %s: %w", utils.ErrFilesystem, tempPath, err)}
	}

	res = result{bytes: written, sha256: hw.Sum()}
	if d.opts.VerifyImages {
		res.width, res.height, err = decodeDimensions(tempPath)
		if err != nil {
			return result{err: fmt.Errorf("%w: %s: %w", utils.ErrInvalidImage, finalURL, err)}
		}
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		return result{err: fmt.Errorf("%w: move %s to %s: %w", utils.ErrFilesystem, tempPath, targetPath, err)}
	}
	renamed = true

	if rel, errRel := filepath.Rel(d.opts.Destination, targetPath); errRel == nil {
		res.relPath = filepath.ToSlash(rel)
	} else {
		res.relPath = targetPath
	}

	if d.metrics != nil {
		d.metrics.DownloadedBytes.Add(float64(written))
		d.metrics.DownloadDuration.Observe(time.Since(started).Seconds())
	}
	rowLog.WithFields(logrus.Fields{"bytes": written, "file": rec.Filename()}).Info("Saved")
	return res
}

// bodyReader remembers the first read error so copy failures can be told apart
// from write failures on the temp file.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

// decodeDimensions reads only the image header
func decodeDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("%s image has invalid dimensions %dx%d", format, cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}
