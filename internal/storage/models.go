package storage

import "time"

// Stats is a row count snapshot used by status reporting.
type Stats struct {
	Records      int        `json:"records"`
	Topics       int        `json:"topics"`
	LastRecorded *time.Time `json:"last_recorded,omitempty"`
}
