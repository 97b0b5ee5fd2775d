package detect

import (
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

// Detector reports whether an image for a row is already on disk.
//
// It globs folder/section/*id*source*rowIndex*, so it matches on substrings in
// order. A file belonging to another row whose name happens to contain these
// values in the same order also counts (id "4" matches a file for id "42").
// The filename scheme carries no delimiter that would make this exact.
type Detector struct {
	log *logrus.Entry
}

// NewDetector creates a Detector
func NewDetector(log *logrus.Entry) *Detector {
	return &Detector{log: log}
}

// Pattern returns the glob used by Exists. Components are sanitized the same way
// as filenames, which also strips glob metacharacters.
func (d *Detector) Pattern(folder, section, sampleID, source string, rowIndex int) string {
	name := "*" + utils.SanitizeComponent(sampleID) + "*" + utils.SanitizeComponent(source) + "*" + strconv.Itoa(rowIndex) + "*"
	return filepath.Join(folder, utils.SanitizeFolderName(section), name)
}

// Exists reports whether at least one file matches Pattern. In-progress
// downloads live outside the section folders and are never seen here.
func (d *Detector) Exists(folder, section, sampleID, source string, rowIndex int) bool {
	pattern := d.Pattern(folder, section, sampleID, source, rowIndex)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		d.log.WithField("pattern", pattern).Warnf("Bad duplicate glob: %v", err)
		return false
	}
	d.log.WithFields(logrus.Fields{"pattern": pattern, "matches": len(matches)}).Debug("Duplicate check")
	return len(matches) > 0
}
