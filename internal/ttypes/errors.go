package ttypes

import (
	"errors"
	"fmt"
	"strings"
)

// Common pipeline errors
var (
	// ErrQueueClosed indicates the request queue was terminated.
	ErrQueueClosed = errors.New("request queue closed")

	// ErrRequestDropped indicates a pending request was cleared before it
	// reached the engine.
	ErrRequestDropped = errors.New("request dropped")

	// ErrEngineClosed indicates the engine stopped delivering messages.
	ErrEngineClosed = errors.New("engine closed")

	// ErrInvalidSpeed indicates speed value is out of range
	ErrInvalidSpeed = errors.New("speed must be between 0.5 and 2.0")
)

// ErrorCode identifies the class of a narration error.
type ErrorCode string

const (
	// ErrorCodeInitialization: engine or model failed to load. Terminal.
	ErrorCodeInitialization ErrorCode = "INITIALIZATION"

	// ErrorCodeValidation: empty text or unknown voice. The request is dropped.
	ErrorCodeValidation ErrorCode = "VALIDATION"

	// ErrorCodeBusy: the engine reports a session already running. Retried.
	ErrorCodeBusy ErrorCode = "BUSY"

	// ErrorCodePlaybackDevice: a segment failed to start. Skipped.
	ErrorCodePlaybackDevice ErrorCode = "PLAYBACK_DEVICE"

	// ErrorCodeContentFetch: book content could not be fetched. Terminal.
	ErrorCodeContentFetch ErrorCode = "CONTENT_FETCH"

	// ErrorCodeSynthesis: any other engine failure. The request is dropped.
	ErrorCodeSynthesis ErrorCode = "SYNTHESIS"
)

// NarrationError represents a pipeline error with its class.
type NarrationError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *NarrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *NarrationError) Unwrap() error {
	return e.Cause
}

// Is matches another NarrationError by code, so errors.Is(err,
// &NarrationError{Code: ErrorCodeBusy}) works.
func (e *NarrationError) Is(target error) bool {
	t, ok := target.(*NarrationError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// NewError creates a new narration error.
func NewError(code ErrorCode, message string, cause error) *NarrationError {
	return &NarrationError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// InitializationError reports an engine that failed to load.
func InitializationError(message string, cause error) *NarrationError {
	return NewError(ErrorCodeInitialization, message, cause)
}

// ValidationError reports a request the engine refused.
func ValidationError(message string, cause error) *NarrationError {
	return NewError(ErrorCodeValidation, message, cause)
}

// BusyRetryableError reports an engine that is still processing.
func BusyRetryableError(message string, cause error) *NarrationError {
	return NewError(ErrorCodeBusy, message, cause)
}

// PlaybackDeviceError reports a segment that could not start.
func PlaybackDeviceError(message string, cause error) *NarrationError {
	return NewError(ErrorCodePlaybackDevice, message, cause)
}

// ContentFetchError reports book content that could not be fetched.
func ContentFetchError(message string, cause error) *NarrationError {
	return NewError(ErrorCodeContentFetch, message, cause)
}

// CodeOf returns the code of the first NarrationError in err's chain, or
// the empty code.
func CodeOf(err error) ErrorCode {
	var ne *NarrationError
	if errors.As(err, &ne) {
		return ne.Code
	}
	return ""
}

// IsFatal returns true if the error should end the session.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrorCodeInitialization, ErrorCodeContentFetch:
		return true
	default:
		return false
	}
}

// IsRetryable returns true if the request should be sent again.
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrorCodeBusy
}

// Engine error strings. Engines report these verbatim in error messages.
const (
	EngineBusyProcessing = "already processing"
	EngineBusyStarted    = "already started"
	EngineEmptyText      = "empty text"
	EngineUnknownVoice   = "unknown voice"
)

// Classify maps an engine error message to a NarrationError. ready reports
// whether the engine has announced itself; failures before that point are
// initialization failures.
func Classify(message string, ready bool) *NarrationError {
	msg := strings.ToLower(message)
	cause := errors.New(message)
	switch {
	case strings.Contains(msg, EngineBusyProcessing), strings.Contains(msg, EngineBusyStarted):
		return BusyRetryableError("engine busy", cause)
	case !ready:
		return InitializationError("engine failed to load", cause)
	case strings.Contains(msg, EngineEmptyText), strings.Contains(msg, EngineUnknownVoice):
		return ValidationError("request rejected", cause)
	default:
		return NewError(ErrorCodeSynthesis, "synthesis failed", cause)
	}
}
