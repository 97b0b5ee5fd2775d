package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/Sriram-PR/solanum-downloader/pkg/models"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// Header of the failure CSV. The leading unnamed column is the row's index within its input file.
var Header = []string{"", "id", "species", "url", "section", "source", "error"}

// Failure is one row that could not be resolved or downloaded
type Failure struct {
	Row      models.Row
	Category string // utils.CategorizeError of Err
	Err      error
}

// FailureReport accumulates failed rows for one run. Safe for concurrent use.
type FailureReport struct {
	mu       sync.Mutex
	failures []Failure
}

// NewFailureReport returns an empty report
func NewFailureReport() *FailureReport {
	return &FailureReport{}
}

// Record appends row with the reason it failed
func (r *FailureReport) Record(row models.Row, err error) {
	f := Failure{Row: row, Category: utils.CategorizeError(err), Err: err}
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

// Len returns the number of recorded failures
func (r *FailureReport) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

// Failures returns a copy of the recorded failures in input order
func (r *FailureReport) Failures() []Failure {
	r.mu.Lock()
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Row.Position < out[j].Row.Position })
	return out
}

// CountByCategory tallies failures per error category
func (r *FailureReport) CountByCategory() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, f := range r.failures {
		counts[f.Category]++
	}
	return counts
}

// WriteCSV writes the header and one line per failure to w
func (r *FailureReport) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, f := range r.Failures() {
		record := []string{
			strconv.Itoa(f.Row.Index),
			f.Row.ID,
			f.Row.Species,
			f.Row.URL,
			f.Row.Section,
			f.Row.Source,
			f.Category,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save writes the report to path. An empty report writes nothing and returns false.
func (r *FailureReport) Save(path string) (written bool, err error) {
	if r.Len() == 0 {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("%w: create report folder: %w", utils.ErrFilesystem, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return false, fmt.Errorf("%w: create failure report %s: %w", utils.ErrFilesystem, path, err)
	}
	if err := r.WriteCSV(file); err != nil {
		file.Close()
		return false, fmt.Errorf("%w: write failure report %s: %w", utils.ErrFilesystem, path, err)
	}
	if err := file.Close(); err != nil {
		return false, fmt.Errorf("%w: close failure report %s: %w", utils.ErrFilesystem, path, err)
	}
	return true, nil
}
