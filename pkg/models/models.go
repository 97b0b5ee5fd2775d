package models

import "time"

// Row is one input record as read from a CSV file
type Row struct {
	Position   int    // Position in the deduplicated run order
	Index      int    // 0-based position within SourceFile, used in filenames
	SourceFile string // CSV the row came from
	ID         string
	Species    string
	URL        string // As given; may be protocol-relative or point at an HTML page
	Section    string // Output subfolder
	Source     string
}

// Tier identifies which resolution strategy produced a Resolution
type Tier int

const (
	TierNone      Tier = iota
	TierExtension      // URL already ends in a known image extension
	TierMIME           // HEAD probe returned an image/* Content-Type
	TierDOM            // First matching element scraped from the page
)

// String implements fmt.Stringer for logging
func (t Tier) String() string {
	switch t {
	case TierExtension:
		return "extension"
	case TierMIME:
		return "mime"
	case TierDOM:
		return "dom"
	}
	return "none"
}

// Resolution is the byte-serving URL and file extension found for a location URL
type Resolution struct {
	URL       string
	Extension string
	Tier      Tier
}

// ResolutionDBEntry caches a successful resolution in the state store
type ResolutionDBEntry struct {
	FinalURL   string    `json:"final_url"`
	Extension  string    `json:"extension"`
	Tier       Tier      `json:"tier"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ImageDBEntry is the ledger record of the last attempt to download a location URL
type ImageDBEntry struct {
	Status      ImageStatus `json:"status"`
	LocalPath   string      `json:"local_path,omitempty"` // Relative to the destination folder (on success)
	Bytes       int64       `json:"bytes,omitempty"`
	SHA256      string      `json:"sha256,omitempty"`
	Width       int         `json:"width,omitempty"` // Only when verify_images is on
	Height      int         `json:"height,omitempty"`
	ErrorType   string      `json:"error_type,omitempty"` // Error category (on failure)
	LastAttempt time.Time   `json:"last_attempt"`
}
