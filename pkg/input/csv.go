package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sriram-PR/solanum-downloader/pkg/models"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// RequiredColumns must appear in every input header, in any order
var RequiredColumns = []string{"id", "species", "url", "section", "source"}

// LoadFiles reads every CSV in order and concatenates their rows.
// Row.Index restarts at 0 for each file.
func LoadFiles(paths ...string) ([]models.Row, error) {
	var rows []models.Row
	for _, path := range paths {
		fileRows, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		rows = append(rows, fileRows...)
	}
	return rows, nil
}

// LoadFile reads one CSV file
func LoadFile(path string) ([]models.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", utils.ErrInput, path, err)
	}
	defer file.Close()

	rows, err := Read(file, path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Read parses CSV from r. name labels errors and Row.SourceFile.
func Read(r io.Reader, name string) ([]models.Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s is empty", utils.ErrInput, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: CSV header of %s: %w", utils.ErrParsing, name, err)
	}

	columns := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\uFEFF")))
		if _, dup := columns[col]; !dup {
			columns[col] = i
		}
	}
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s is missing column(s) %s", utils.ErrInput, name, strings.Join(missing, ", "))
	}

	field := func(record []string, col string) string {
		i := columns[col]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []models.Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: CSV record %d of %s: %w", utils.ErrParsing, len(rows)+1, name, err)
		}
		rows = append(rows, models.Row{
			Index:      len(rows),
			SourceFile: name,
			ID:         field(record, "id"),
			Species:    field(record, "species"),
			URL:        field(record, "url"),
			Section:    field(record, "section"),
			Source:     field(record, "source"),
		})
	}
	return rows, nil
}

// Dedup keeps the first row for each URL, preserves order otherwise and
// numbers the survivors through Row.Position.
func Dedup(rows []models.Row) []models.Row {
	seen := make(map[string]struct{}, len(rows))
	out := make([]models.Row, 0, len(rows))
	for _, row := range rows {
		if _, dup := seen[row.URL]; dup {
			continue
		}
		seen[row.URL] = struct{}{}
		row.Position = len(out)
		out = append(out, row)
	}
	return out
}
