package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrUnresolvableURL  = errors.New("could not locate an image for URL")  // All resolution tiers exhausted
	ErrHTTPStatus       = errors.New("HTTP error (non-2xx)")               // Wraps status of the final download
	ErrTransport        = errors.New("transport error")                    // Connection-level failure, no HTTP response
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrImageTooLarge    = errors.New("image exceeds maximum size")
	ErrInvalidImage     = errors.New("downloaded bytes are not a decodable image")
	ErrParsing          = errors.New("parsing error")    // Wraps specific parsing error (HTML, URL, CSV)
	ErrFilesystem       = errors.New("filesystem error") // Wraps os errors
	ErrDatabase         = errors.New("database error")   // Wraps badger errors
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrConfigValidation = errors.New("configuration validation error")
	ErrInput            = errors.New("invalid input file")
)

// WrapErrorf wraps a sentinel with a formatted message so errors.Is keeps working.
func WrapErrorf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// CategorizeError maps an error to a predefined category string for logging/metrics
// and for the error column of the failure report.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrUnresolvableURL):
		errMsg := err.Error()
		if strings.Contains(errMsg, "HEAD") {
			return "Unresolvable_Probe"
		}
		if strings.Contains(errMsg, "selector") {
			return "Unresolvable_NoMatch"
		}
		return "Unresolvable"
	case errors.Is(err, ErrHTTPStatus):
		errMsg := err.Error()
		if strings.Contains(errMsg, " 404") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, " 403") {
			return "HTTP_403"
		}
		if strings.Contains(errMsg, " 429") {
			return "HTTP_429"
		}
		if strings.Contains(errMsg, "status 5") {
			return "HTTP_5xx"
		}
		if strings.Contains(errMsg, "status 4") {
			return "HTTP_4xx"
		}
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrTransport):
		return "Transport_" + categorizeNetwork(err)
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrImageTooLarge):
		return "Content_TooLarge"
	case errors.Is(err, ErrInvalidImage):
		return "Content_InvalidImage"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "CSV") {
			return "Content_ParsingCSV"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrInput):
		return "Input_Invalid"
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	if category := categorizeNetwork(err); category != "Other" {
		return "Network_" + category
	}
	return "Unknown"
}

// categorizeNetwork inspects common network failure shapes
func categorizeNetwork(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout") || strings.Contains(lowerErrMsg, "deadline exceeded"):
		return "Timeout"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "ConnectionReset"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "BrokenPipe"
	}
	return "Other"
}
