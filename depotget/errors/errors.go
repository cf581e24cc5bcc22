package errors

import "fmt"

// Error types for depotget operations
var (
	// ErrManifestInvalid is returned when a manifest blob violates the schema
	ErrManifestInvalid = &DepotError{Code: "MANIFEST_INVALID", Message: "invalid manifest"}

	// ErrIO is returned when a local disk operation fails
	ErrIO = &DepotError{Code: "IO_FAILED", Message: "local i/o failed"}

	// ErrDownloadFailed is returned when a chunk download fails after all retries
	ErrDownloadFailed = &DepotError{Code: "DOWNLOAD_FAILED", Message: "download failed after retries"}

	// ErrChunkRejected is returned when the CDN rejects a chunk request with a
	// client error; these are never retried
	ErrChunkRejected = &DepotError{Code: "CHUNK_REJECTED", Message: "chunk request rejected"}

	// ErrIntegrity is returned when a fetched chunk fails hash verification
	ErrIntegrity = &DepotError{Code: "INTEGRITY_MISMATCH", Message: "chunk hash mismatch"}

	// ErrCancelled is returned when the sync session is cancelled
	ErrCancelled = &DepotError{Code: "SYNC_CANCELLED", Message: "sync cancelled"}
)

// DepotError represents a structured error in depotget operations
type DepotError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *DepotError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DepotError) Unwrap() error {
	return e.Cause
}

// Is matches DepotErrors by code so errors.Is works across WithCause/WithDetail copies
func (e *DepotError) Is(target error) bool {
	t, ok := target.(*DepotError)
	return ok && t.Code == e.Code
}

// WithCause adds a cause to the error
func (e *DepotError) WithCause(cause error) *DepotError {
	return &DepotError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *DepotError) WithDetail(key string, value interface{}) *DepotError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DepotError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *DepotError) WithMessage(message string) *DepotError {
	return &DepotError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// IsDepotError checks if an error is a DepotError
func IsDepotError(err error) bool {
	_, ok := err.(*DepotError)
	return ok
}

// GetErrorCode extracts the error code from a DepotError
func GetErrorCode(err error) string {
	if depotErr, ok := err.(*DepotError); ok {
		return depotErr.Code
	}
	return ""
}
