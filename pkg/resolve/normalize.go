package resolve

import (
	"mime"
	"strings"
)

// imageExtensions are the extensions accepted as-is from a URL. Matching is case-sensitive.
var imageExtensions = map[string]bool{
	"jpeg": true,
	"png":  true,
	"jpg":  true,
	"gif":  true,
	"bmp":  true,
}

// FixScheme prepends "https:" to a protocol-relative URL
func FixScheme(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "//") {
		return "https:" + rawURL
	}
	return rawURL
}

// Normalize tidies a location URL before classification: protocol-relative
// URLs get https, everything from the first '?' (or '#') is cut, and a single
// trailing '/' is dropped.
func Normalize(rawURL string) string {
	u := FixScheme(rawURL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.TrimSuffix(u, "/")
}

// ImageExtension returns the extension of the last path segment of an already
// normalized URL when it is a known image extension, and "" otherwise.
func ImageExtension(normalizedURL string) string {
	segment := normalizedURL
	if i := strings.LastIndex(segment, "/"); i >= 0 {
		segment = segment[i+1:]
	}
	i := strings.LastIndex(segment, ".")
	if i < 0 {
		return ""
	}
	if ext := segment[i+1:]; imageExtensions[ext] {
		return ext
	}
	return ""
}

// extensionFromContentType returns the subtype of an image/* media type, lowercased
// and without a structured-syntax suffix ("svg+xml" -> "svg"). ok is false for
// non-image types; err is set when the header is missing or unparseable.
func extensionFromContentType(contentType string) (ext string, ok bool, err error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false, err
	}
	typ, subtype, found := strings.Cut(mediaType, "/")
	if !found || !strings.EqualFold(typ, "image") || subtype == "" {
		return "", false, nil
	}
	subtype = strings.ToLower(subtype)
	if i := strings.Index(subtype, "+"); i > 0 {
		subtype = subtype[:i]
	}
	return subtype, true, nil
}
