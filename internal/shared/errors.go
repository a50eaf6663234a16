package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Store errors
	ErrNotFound = fmt.Errorf("not found")
	ErrConflict = fmt.Errorf("concurrent update conflict")

	// API and service errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrRateLimited        = fmt.Errorf("rate limited")
	ErrBlocked            = fmt.Errorf("blocked by remote service")
	ErrTimeout            = fmt.Errorf("operation timed out")

	// Sync pipeline errors
	ErrThrottled        = fmt.Errorf("sync throttled")
	ErrAdmissionTimeout = fmt.Errorf("timed out waiting for sync slot")
	ErrCancelled        = fmt.Errorf("sync cancelled")
	ErrSlotNotHeld      = fmt.Errorf("sync slot not held by ticket")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)
