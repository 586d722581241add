package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind buckets an error into one of the remediation paths the caller UI can
// route to. Everything that does not match a specific marker stays Generic.
type Kind int

const (
	KindGeneric Kind = iota
	KindRateLimited
	KindInsufficientCredits
	KindUnauthorized
	KindInvalidResponse
	KindCancelled
)

// String names the kind for logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficientCredits:
		return "insufficient_credits"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidResponse:
		return "invalid_response"
	case KindCancelled:
		return "cancelled"
	default:
		return "generic"
	}
}

// Sentinel user-facing messages. Cancellation is modeled as a failure with a
// fixed message, never as a separate success path.
const (
	MessageStoppedByUser   = "Stopped by user"
	MessageTaskCancelled   = "Task cancelled"
	MessageInvalidResponse = "Invalid response from server"
	MessageRateLimited     = "You're sending requests too quickly. Please wait a moment and try again."
	MessageNeedCredits     = "Credits required. Please add credits to your account to continue."
	MessageNoSession       = "No active session. Please sign in and try again."
)

// ClassifiedError wraps an underlying error with an explicit kind.
type ClassifiedError struct {
	kind Kind
	msg  string
	err  error
}

func (e *ClassifiedError) Error() string {
	if e.msg != "" && e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	if e.msg != "" {
		return e.msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return "unknown error"
}

func (e *ClassifiedError) Unwrap() error { return e.err }

// Kind returns the explicit classification of the error.
func (e *ClassifiedError) Kind() Kind { return e.kind }

// Wrap tags err with an explicit kind and an optional context message.
func Wrap(kind Kind, err error, msg string) error {
	return &ClassifiedError{kind: kind, msg: msg, err: err}
}

// New creates a classified error from a plain message.
func New(kind Kind, msg string) error {
	return &ClassifiedError{kind: kind, msg: msg}
}

// Classify determines the kind of an error. Explicit classification wins;
// otherwise the error text is matched against known backend markers, the way
// backends actually report these conditions (HTTP status fragments and
// human-readable phrases both occur in the wild).
func Classify(err error) Kind {
	if err == nil {
		return KindGeneric
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "402") || strings.Contains(msg, "credits required") ||
		strings.Contains(msg, "insufficient balance") || strings.Contains(msg, "insufficient credits"):
		return KindInsufficientCredits
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "no valid session"):
		return KindUnauthorized
	default:
		return KindGeneric
	}
}

// UserMessage maps an error to the message shown to the user. Specific kinds
// get fixed remediation strings; everything else surfaces the raw message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case KindRateLimited:
		return MessageRateLimited
	case KindInsufficientCredits:
		return MessageNeedCredits
	case KindUnauthorized:
		return MessageNoSession
	case KindInvalidResponse:
		return MessageInvalidResponse
	case KindCancelled:
		return MessageTaskCancelled
	default:
		return err.Error()
	}
}

// IsTransient reports whether an operation is worth retrying. Rate limits,
// server-side 5xx responses, timeouts, and connection resets all qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.kind == KindRateLimited
	}

	msg := strings.ToLower(err.Error())
	transientMarkers := []string{
		"429", "rate limit",
		"500", "502", "503", "504",
		"timeout", "deadline exceeded",
		"connection refused", "connection reset", "broken pipe",
		"temporarily unavailable",
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
