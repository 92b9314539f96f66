package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags an error with the failure class it belongs to. Kinds are assigned
// at the error's origin (HTTP client, rate store, signature verifier) so the
// resilience layer never has to re-parse free-text messages.
type Kind string

const (
	KindNetwork     Kind = "NETWORK_ERROR"
	KindTimeout     Kind = "TIMEOUT_ERROR"
	KindRateLimit   Kind = "RATE_LIMIT_ERROR"
	KindUnavailable Kind = "UNAVAILABLE_ERROR"
	KindAuth        Kind = "AUTH_ERROR"
	KindValidation  Kind = "VALIDATION_ERROR"
	KindBreakerOpen Kind = "CIRCUIT_OPEN"
	KindUnknown     Kind = "UNKNOWN_ERROR"
)

// Error is a kinded error. It wraps an underlying cause so fmt.Errorf("%w")
// chains and errors.Is/As keep working through it.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error without an underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a kinded error wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind attached to err. Errors produced outside this
// module (provider SDKs, net/http) carry no tag, so we fall back to matching
// on the message text to keep the original taxonomy for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.Kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return KindNetwork
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "unavailable"):
		return KindUnavailable
	case strings.Contains(msg, "auth"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return KindAuth
	case strings.Contains(msg, "validation"), strings.Contains(msg, "invalid"):
		return KindValidation
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether an error of this kind is worth retrying.
// Only transient infrastructure failures qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimit, KindUnavailable:
		return true
	default:
		return false
	}
}

// ActionableError is the user-facing error surfaced by POS integration
// operations. It pairs the machine-readable code with remediation guidance
// instead of a raw stack trace.
type ActionableError struct {
	Code             Kind                   `json:"code"`
	Message          string                 `json:"message"`
	UserMessage      string                 `json:"user_message"`
	SuggestedActions []string               `json:"suggested_actions"`
	Retryable        bool                   `json:"retryable"`
	Context          map[string]interface{} `json:"context,omitempty"`
	Err              error                  `json:"-"`
}

func (e *ActionableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ActionableError) Unwrap() error {
	return e.Err
}

// Actionable classifies err into an ActionableError with remediation hints
// for the given operation. The context map is attached as-is.
func Actionable(operation string, err error, context map[string]interface{}) *ActionableError {
	kind := KindOf(err)

	ae := &ActionableError{
		Code:      kind,
		Message:   fmt.Sprintf("%s failed: %v", operation, err),
		Retryable: IsRetryable(err),
		Context:   context,
		Err:       err,
	}

	switch kind {
	case KindNetwork:
		ae.UserMessage = "We couldn't reach your point-of-sale provider."
		ae.SuggestedActions = []string{
			"Check that the provider service is reachable from your network",
			"Try the operation again in a few minutes",
		}
	case KindTimeout:
		ae.UserMessage = "The point-of-sale provider took too long to respond."
		ae.SuggestedActions = []string{
			"Try the operation again",
			"Reduce the date range of the sync if the problem persists",
		}
	case KindRateLimit:
		ae.UserMessage = "The provider is limiting how quickly we can make requests."
		ae.SuggestedActions = []string{
			"Wait a few minutes before retrying",
		}
	case KindUnavailable:
		ae.UserMessage = "The point-of-sale provider is temporarily unavailable."
		ae.SuggestedActions = []string{
			"Check the provider's status page",
			"Try the operation again later",
		}
	case KindAuth:
		ae.UserMessage = "Your point-of-sale connection is no longer authorized."
		ae.SuggestedActions = []string{
			"Reconnect the integration from the connections page",
			"Verify the API credentials configured for this provider",
		}
	case KindValidation:
		ae.UserMessage = "The request sent to the provider was invalid."
		ae.SuggestedActions = []string{
			"Review the data being synced for missing or malformed fields",
		}
	case KindBreakerOpen:
		ae.UserMessage = "This integration is paused after repeated failures."
		ae.SuggestedActions = []string{
			"Wait for the integration to recover automatically",
			"Check the integration health page for details",
		}
	default:
		ae.UserMessage = "Something went wrong while talking to your point-of-sale provider."
		ae.SuggestedActions = []string{
			"Try the operation again",
			"Contact support if the problem persists",
		}
	}

	return ae
}
