package apperror

// Kind classifies an engine failure. No kind is fatal to the process;
// every one of them degrades to the next snapshot fetch.
type Kind string

const (
	KindTransport Kind = "transport_unavailable" // server unreachable, recovered by retry
	KindConflict  Kind = "conflict"              // server rejected a mutation
	KindInvalid   Kind = "invalid"               // caller error, no state change
	KindTimeout   Kind = "timeout"               // bounded wait expired, outcome resolved by re-fetch
	KindNotFound  Kind = "not_found"
	KindProtocol  Kind = "protocol" // malformed inbound message, dropped
)

// AppError is a custom error type that carries a failure kind shared
// across the engine's packages.
type AppError struct {
	Kind    Kind   // Failure classification
	Message string // User-facing error message
	Err     error  // The underlying error, if any (not exposed to user)
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with a kind and message.
func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping an existing error.
func Wrap(err error, kind Kind, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}
