package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/solanum-downloader/pkg/models"
)

// ResolutionCache remembers which final URL a location URL resolved to, so a
// re-run does not repeat HEAD probes and page scrapes.
type ResolutionCache interface {
	// GetResolution returns the cached entry and whether one exists
	GetResolution(locationURL string) (*models.ResolutionDBEntry, bool, error)

	// SaveResolution stores a successful resolution
	SaveResolution(locationURL string, entry *models.ResolutionDBEntry) error
}

// ImageLedger records the outcome of the last attempt for each location URL
type ImageLedger interface {
	// CheckImageStatus returns ImageStatusNotFound when the URL was never attempted,
	// ImageStatusDBError on a read failure, otherwise the stored status and entry
	CheckImageStatus(locationURL string) (status models.ImageStatus, entry *models.ImageDBEntry, err error)

	// UpdateImageStatus overwrites the entry for locationURL
	UpdateImageStatus(locationURL string, entry *models.ImageDBEntry) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Count returns the number of keys written through this store (cache and ledger)
	Count() int

	// WriteLedger dumps every ledger entry as tab-separated lines to filePath
	WriteLedger(filePath string) error

	// RunGC runs periodic value-log garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	Close() error
}

// StateStore combines all store interfaces
type StateStore interface {
	ResolutionCache
	ImageLedger
	StoreAdmin
}
