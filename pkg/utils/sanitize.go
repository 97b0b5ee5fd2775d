package utils

import (
	"regexp"
	"strings"
)

// --- Filename Sanitization ---
// Characters invalid in Windows/Unix filenames, plus glob metacharacters so that
// sanitized components can be embedded in filepath.Glob patterns verbatim.
var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\[\]\x00-\x1F]`)

const maxComponentLength = 100 // Max length for a single sanitized filename component

// SanitizeComponent cleans a single filename component (section, species, id, source).
// It keeps underscores and inner spaces untouched so the
// composed filename stays recognizable, and it never substitutes a placeholder.
func SanitizeComponent(part string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(strings.TrimSpace(part), "_")
	if len(sanitized) > maxComponentLength {
		sanitized = sanitized[:maxComponentLength]
	}
	return sanitized
}

// SanitizeFolderName cleans a string for use as a directory name inside the destination.
// "." and ".." are rejected so a section can never escape the destination folder.
func SanitizeFolderName(name string) string {
	sanitized := SanitizeComponent(name)
	sanitized = strings.Trim(sanitized, " ")
	if sanitized == "" || sanitized == "." || sanitized == ".." {
		return "untitled"
	}
	return sanitized
}
