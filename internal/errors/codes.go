package errors

// ErrorCode represents a unique identifier for each error type
type ErrorCode string

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidBaseURL  ErrorCode = "invalid_base_url"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Authentication errors
	ErrTokenMissing ErrorCode = "auth_token_missing"
	ErrTokenSource  ErrorCode = "auth_token_source_failed"

	// Synchronization errors
	ErrFetchFailed     ErrorCode = "fetch_failed"
	ErrRateLimited     ErrorCode = "rate_limited"
	ErrCircuitOpen     ErrorCode = "circuit_open"
	ErrRetriesExceeded ErrorCode = "retries_exceeded"
	ErrSubscriberPanic ErrorCode = "subscriber_panic"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrUnavailable:     "Service unavailable",
	ErrInvalidConfig:   "Invalid configuration",
	ErrMissingConfig:   "Missing configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrReadConfig:      "Failed to read config file",
	ErrInvalidLogLevel: "Invalid log level",
	ErrInvalidInterval: "Invalid interval value",
	ErrInvalidBaseURL:  "Invalid base URL",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",
	ErrTokenMissing:    "No authentication token available",
	ErrTokenSource:     "Token source failed",
	ErrFetchFailed:     "Failed to fetch metrics",
	ErrRateLimited:     "Rate limited by server",
	ErrCircuitOpen:     "Circuit breaker open",
	ErrRetriesExceeded: "Retry attempts exhausted",
	ErrSubscriberPanic: "Subscriber callback panicked",
	ErrOperationFailed: "Operation failed",
	ErrTimeout:         "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
