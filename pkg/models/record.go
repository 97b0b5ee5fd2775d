package models

import (
	"context"
	"strconv"
	"strings"

	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// Resolver turns a location URL into a Resolution
type Resolver interface {
	Resolve(ctx context.Context, locationURL string) (Resolution, error)
}

// ImageRecord is the working state for one row. It is created when the row is
// dispatched and owned by a single worker until the row is finished.
type ImageRecord struct {
	Row
	baseName   string
	resolution *Resolution // nil until Resolve succeeds
}

// NewImageRecord builds the record and its extensionless base name
// section_species_id_source_rowIndex, each component sanitized for the filesystem.
func NewImageRecord(row Row) *ImageRecord {
	parts := []string{
		utils.SanitizeComponent(row.Section),
		utils.SanitizeComponent(row.Species),
		utils.SanitizeComponent(row.ID),
		utils.SanitizeComponent(row.Source),
		strconv.Itoa(row.Index),
	}
	return &ImageRecord{Row: row, baseName: strings.Join(parts, "_")}
}

// BaseName returns the filename without extension
func (r *ImageRecord) BaseName() string {
	return r.baseName
}

// Filename returns the base name, plus ".ext" once resolved
func (r *ImageRecord) Filename() string {
	if r.resolution == nil || r.resolution.Extension == "" {
		return r.baseName
	}
	return r.baseName + "." + r.resolution.Extension
}

// SectionFolder returns the sanitized subfolder name for the row's section
func (r *ImageRecord) SectionFolder() string {
	return utils.SanitizeFolderName(r.Section)
}

// Resolution returns the cached resolution, if any
func (r *ImageRecord) Resolution() (Resolution, bool) {
	if r.resolution == nil {
		return Resolution{}, false
	}
	return *r.resolution, true
}

// Resolve asks resolver for the final URL once. Later calls return the stored
// result without touching the network. A failed attempt leaves the record unresolved.
func (r *ImageRecord) Resolve(ctx context.Context, resolver Resolver) (Resolution, error) {
	if r.resolution != nil {
		return *r.resolution, nil
	}
	res, err := resolver.Resolve(ctx, r.URL)
	if err != nil {
		return Resolution{}, err
	}
	r.resolution = &res
	return res, nil
}
