package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a guarded request failure.
type Kind int

const (
	// KindHTTP is a non-2xx response outside the other classes (404, 400, ...).
	KindHTTP Kind = iota
	// KindRejected means the request was refused before any network activity.
	KindRejected
	// KindAuth is a 401/403; it triggers logout and is never retried.
	KindAuth
	// KindTransient is a 5xx or network failure, surfaced after one retry.
	KindTransient
	// KindRateLimited is a 429 or a local limiter denial.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "http"
	}
}

// GuardError is the typed error surfaced to UI-level callers for every
// failed guarded request.
type GuardError struct {
	Kind       Kind   `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
	underlying error
	sentinel   bool
}

func (e *GuardError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.underlying)
	}
	return msg
}

func (e *GuardError) Unwrap() error {
	return e.underlying
}

// Is matches the kind sentinels, so errors.Is(err, ErrAuth) works for any
// auth failure regardless of status code or message.
func (e *GuardError) Is(target error) bool {
	t, ok := target.(*GuardError)
	if !ok || !t.sentinel {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrRejected    = &GuardError{Kind: KindRejected, Message: "request rejected", sentinel: true}
	ErrAuth        = &GuardError{Kind: KindAuth, Message: "authentication failed", sentinel: true}
	ErrTransient   = &GuardError{Kind: KindTransient, Message: "transient failure", sentinel: true}
	ErrRateLimited = &GuardError{Kind: KindRateLimited, Message: "rate limited", sentinel: true}
	ErrHTTP        = &GuardError{Kind: KindHTTP, Message: "request failed", sentinel: true}
)

// Messages shown to users, keyed by status code.
const (
	MsgUnauthorized = "unauthorized"
	MsgForbidden    = "forbidden"
	MsgNotFound     = "not found"
	MsgRateLimited  = "rate limited, retry later"
	MsgServerError  = "server error"
	MsgGeneric      = "request failed"
	MsgNetwork      = "network error"
)

// MessageForStatus maps a status code to its user-facing message. Codes
// without a fixed message use serverMsg, or the generic fallback.
func MessageForStatus(code int, serverMsg string) string {
	switch code {
	case http.StatusUnauthorized:
		return MsgUnauthorized
	case http.StatusForbidden:
		return MsgForbidden
	case http.StatusNotFound:
		return MsgNotFound
	case http.StatusTooManyRequests:
		return MsgRateLimited
	case http.StatusInternalServerError:
		return MsgServerError
	}
	if serverMsg != "" {
		return serverMsg
	}
	return MsgGeneric
}

// Rejected creates a pre-dispatch rejection.
func Rejected(reason string) *GuardError {
	return &GuardError{
		Kind:    KindRejected,
		Message: "request rejected",
		Details: reason,
	}
}

// RateLimited creates a rate limit error with a retry hint in seconds.
func RateLimited(retryAfter int) *GuardError {
	return &GuardError{
		Kind:       KindRateLimited,
		Code:       http.StatusTooManyRequests,
		Message:    MsgRateLimited,
		RetryAfter: retryAfter,
	}
}

// Network wraps a transport error that produced no response.
func Network(err error) *GuardError {
	return &GuardError{
		Kind:       KindTransient,
		Message:    MsgNetwork,
		underlying: err,
	}
}

// FromStatus classifies a failed response by status code.
func FromStatus(code int, serverMsg string) *GuardError {
	kind := KindHTTP
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = KindAuth
	case code == http.StatusTooManyRequests:
		kind = KindRateLimited
	case code >= 500:
		kind = KindTransient
	}
	return &GuardError{
		Kind:    kind,
		Code:    code,
		Message: MessageForStatus(code, serverMsg),
	}
}

// Wrap wraps an error with a kind and message.
func Wrap(err error, kind Kind, message string) *GuardError {
	return &GuardError{
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *GuardError) WithDetails(details string) *GuardError {
	c := *e
	c.Details = details
	c.sentinel = false
	return &c
}

// WithRequestID adds a request ID to the error
func (e *GuardError) WithRequestID(requestID string) *GuardError {
	c := *e
	c.RequestID = requestID
	c.sentinel = false
	return &c
}

// As extracts a GuardError from an error chain.
func As(err error) (*GuardError, bool) {
	var ge *GuardError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsRetryable reports whether the guard may retry after this error.
func IsRetryable(err error) bool {
	ge, ok := As(err)
	return ok && ge.Kind == KindTransient
}
