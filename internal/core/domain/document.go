package domain

import "time"

type DocumentStatus string

const (
	StatusUploaded      DocumentStatus = "uploaded"
	StatusConverting    DocumentStatus = "converting"
	StatusConverted     DocumentStatus = "converted"
	StatusChatPreparing DocumentStatus = "chat_preparing"
	StatusChatReady     DocumentStatus = "chat_ready"
	StatusFailed        DocumentStatus = "failed"
	StatusDeleted       DocumentStatus = "deleted"
)

// Document is the authoritative record for one uploaded file. Version is a
// monotonic counter; every status change goes through a compare-and-swap on
// it, so two workers can never apply a transition from the same version.
type Document struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Filename      string         `json:"filename"`
	MimeType      string         `json:"mime_type"`
	SourcePath    string         `json:"source_path"`
	CanonicalPath string         `json:"canonical_path,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Status        DocumentStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	RetryCount    int            `json:"retry_count"`
	Version       int64          `json:"version"`
	NextAttemptAt time.Time      `json:"next_attempt_at,omitempty"`

	// Set when the record is already Deleted but object storage removal
	// failed; a background sweep reclaims the objects later.
	StorageCleanupPending bool `json:"storage_cleanup_pending,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dispatchable reports whether a worker may claim the document for its next
// pipeline stage. Only the two stable pre-stage statuses qualify.
func (s DocumentStatus) Dispatchable() bool {
	return s == StatusUploaded || s == StatusConverted
}

// Terminal statuses end the pipeline. Failed is recoverable via explicit user
// retry and therefore not terminal.
func (s DocumentStatus) Terminal() bool {
	return s == StatusChatReady || s == StatusDeleted
}

// StableStatus returns the status a failed in-progress stage falls back to
// for a later attempt.
func (s DocumentStatus) StableStatus() DocumentStatus {
	switch s {
	case StatusConverting:
		return StatusUploaded
	case StatusChatPreparing:
		return StatusConverted
	default:
		return s
	}
}

// RetryTarget is the re-entry point for an explicit user retry out of Failed:
// the last stable point the document reached.
func (d *Document) RetryTarget() DocumentStatus {
	if d.CanonicalPath != "" {
		return StatusConverted
	}
	return StatusUploaded
}

// TransitionFields carries the optional columns a Transition may set alongside
// the status change. Nil pointers leave the stored value untouched.
type TransitionFields struct {
	CanonicalPath         *string
	Summary               *string
	FailureReason         *string
	RetryCount            *int
	NextAttemptAt         *time.Time
	StorageCleanupPending *bool
}
