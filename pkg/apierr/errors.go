// Package apierr defines the error taxonomy shared by the request executor and
// the streaming consumer, and the classifier that turns a failed attempt into
// a structured error.
package apierr

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind identifies the category of an Error.
type Kind int

const (
	// KindValidation is malformed input caught before any network I/O.
	KindValidation Kind = iota + 1

	// KindRetryBudgetExceeded is raised by the executor itself when the
	// wall-clock budget of a logical call runs out.
	KindRetryBudgetExceeded

	// KindUpstream is a non-2xx response from the remote service.
	KindUpstream

	// KindTransport is a failure where no HTTP response was obtained.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRetryBudgetExceeded:
		return "retry budget exceeded"
	case KindUpstream:
		return "upstream"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// CodeRetryBudgetExceeded is the synthetic upstream code reported when the
// executor gives up because the retry budget ran out.
const CodeRetryBudgetExceeded = "retry_budget_exceeded"

// CodeValidation is the code reported for validation errors.
const CodeValidation = "validation_error"

// Error is a classified failure. It is the only error type that leaves the
// executor and carries everything a caller needs to report the failure.
type Error struct {
	Kind Kind

	// HTTPStatus is zero when no HTTP response was received.
	HTTPStatus int

	// Code is the upstream error code, a transport code such as ECONNRESET,
	// or one of the synthetic codes defined in this package.
	Code string

	Message   string
	Retryable bool

	// RetryAfter is nil when the server gave no hint.
	RetryAfter *time.Duration

	// CorrelationID is the server-echoed id when present, else the id the
	// request was sent with.
	CorrelationID string

	// Field names the offending input for validation errors.
	Field string

	// Request is attached when the executor gives up. Credential-bearing
	// headers are redacted.
	Request *RequestContext

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")

	var parts []string
	if e.HTTPStatus != 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.HTTPStatus))
	}
	if e.Code != "" {
		parts = append(parts, "code "+e.Code)
	}
	if e.Field != "" {
		parts = append(parts, "field "+e.Field)
	}
	if e.Kind == KindUpstream || e.Kind == KindTransport {
		if e.Retryable {
			parts = append(parts, "retryable")
		} else {
			parts = append(parts, "permanent")
		}
	}
	if len(parts) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}

	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Request != nil {
		fmt.Fprintf(&b, " [%s %s]", e.Request.Method, e.Request.Path)
	}
	if e.CorrelationID != "" {
		b.WriteString(" correlation_id=")
		b.WriteString(e.CorrelationID)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// RetryAfterMillis returns the retry-after hint in milliseconds and whether
// one was present.
func (e *Error) RetryAfterMillis() (int64, bool) {
	if e.RetryAfter == nil {
		return 0, false
	}
	return e.RetryAfter.Milliseconds(), true
}

// WithRequest returns a copy of e with the request context attached.
func (e *Error) WithRequest(rc *RequestContext) *Error {
	cp := *e
	cp.Request = rc
	return &cp
}

// NewValidationError returns a validation error for the given field.
func NewValidationError(field, msg string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeValidation,
		Field:   field,
		Message: msg,
	}
}

// WrapValidation turns an arbitrary validation failure into an *Error.
func WrapValidation(field string, err error) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeValidation,
		Field:   field,
		Message: err.Error(),
		Err:     err,
	}
}

// NewBudgetExceeded returns the synthetic error raised when a call's retry
// budget has elapsed. last may be nil.
func NewBudgetExceeded(budget, elapsed time.Duration, attempts int, correlationID string, last *Error) *Error {
	e := &Error{
		Kind:          KindRetryBudgetExceeded,
		Code:          CodeRetryBudgetExceeded,
		Message:       fmt.Sprintf("retry budget of %v exceeded after %d attempt(s) in %v", budget, attempts, elapsed.Round(time.Millisecond)),
		CorrelationID: correlationID,
	}
	if last != nil {
		e.Err = last
	}
	return e
}

// RequestContext describes the request that produced an error. It never
// carries token values.
type RequestContext struct {
	Method  string
	Path    string
	BaseURL string

	TenantHeader      bool
	UserTokenHeader   bool
	IdempotencyHeader bool
	Attempts          int

	Header http.Header
}

// String renders the context for logs.
func (rc *RequestContext) String() string {
	if rc == nil {
		return ""
	}
	return fmt.Sprintf("%s %s%s (attempts=%d tenant=%t user_token=%t idempotency=%t)",
		rc.Method, rc.BaseURL, rc.Path, rc.Attempts,
		rc.TenantHeader, rc.UserTokenHeader, rc.IdempotencyHeader)
}

// RedactedValue replaces credential-bearing header values.
const RedactedValue = "[REDACTED]"

// Redact returns a copy of h with credential-bearing header values replaced.
// A header is considered credential-bearing when it is Authorization, a
// cookie header, or its name ends in "-Token" or contains "Api-Key".
func Redact(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for name, values := range h {
		if isSensitiveHeader(name) {
			redacted := make([]string, len(values))
			for i := range values {
				redacted[i] = RedactedValue
			}
			out[name] = redacted
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

func isSensitiveHeader(name string) bool {
	canon := http.CanonicalHeaderKey(name)
	switch canon {
	case "Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie":
		return true
	}
	return strings.HasSuffix(canon, "-Token") || strings.Contains(canon, "Api-Key")
}
