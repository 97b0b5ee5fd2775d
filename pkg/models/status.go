package models

// ImageStatus is the outcome of processing one row
type ImageStatus string

const (
	ImageStatusUnset    ImageStatus = ""
	ImageStatusSuccess  ImageStatus = "success"   // Bytes written to the section folder
	ImageStatusFailure  ImageStatus = "failure"   // Recorded in the failure report
	ImageStatusSkipped  ImageStatus = "skipped"   // Already on disk and overwrite is off
	ImageStatusDropped  ImageStatus = "dropped"   // Transport failure with record_transport_errors off
	ImageStatusNotFound ImageStatus = "not_found" // Not in the ledger
	ImageStatusDBError  ImageStatus = "db_error"
)

// String implements fmt.Stringer for logging
func (s ImageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a value worth persisting
func (s ImageStatus) IsValid() bool {
	switch s {
	case ImageStatusSuccess, ImageStatusFailure, ImageStatusSkipped, ImageStatusDropped:
		return true
	}
	return false
}
