package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/araddon/dateparse"
)

// Failure is the raw outcome of a failed attempt. It is either an
// HTTPFailure (a response was received) or a TransportFailure (none was).
type Failure interface {
	isFailure()
}

// HTTPFailure is a non-2xx response.
type HTTPFailure struct {
	Status int
	Header http.Header
	Body   []byte
}

// TransportFailure is a failure where no HTTP response was obtained.
type TransportFailure struct {
	Err error
}

func (HTTPFailure) isFailure()      {}
func (TransportFailure) isFailure() {}

// Transport error codes.
const (
	CodeTimeout           = "ETIMEDOUT"
	CodeConnectionReset   = "ECONNRESET"
	CodeBrokenPipe        = "EPIPE"
	CodeDNS               = "ENOTFOUND"
	CodeConnectionAborted = "ECONNABORTED"
	CodeConnectionRefused = "ECONNREFUSED"
	CodeCanceled          = "ECANCELED"
	CodeTransportUnknown  = "ETRANSPORT"
)

var transientTransportCodes = map[string]bool{
	CodeTimeout:           true,
	CodeConnectionReset:   true,
	CodeBrokenPipe:        true,
	CodeDNS:               true,
	CodeConnectionAborted: true,
}

// CorrelationHeader is the header the server echoes the correlation id in.
const CorrelationHeader = "X-Correlation-Id"

const maxMessageBody = 512

// errorBody is the upstream error envelope:
// { "error": { code, message, retryable, retry_after_ms }, "correlation_id" }
type errorBody struct {
	Error         json.RawMessage `json:"error"`
	CorrelationID string          `json:"correlation_id"`
}

type errorDetail struct {
	Code         json.RawMessage `json:"code"`
	Message      string          `json:"message"`
	Retryable    *bool           `json:"retryable"`
	RetryAfterMs *float64        `json:"retry_after_ms"`
}

// Classify turns a failed attempt into an *Error. It is total over Failure:
// every input yields a non-nil result. now is used to convert an HTTP-date
// Retry-After header into a delay.
func Classify(f Failure, requestCorrelationID string, now time.Time) *Error {
	switch f := f.(type) {
	case HTTPFailure:
		return classifyHTTP(f, requestCorrelationID, now)
	case *HTTPFailure:
		return classifyHTTP(*f, requestCorrelationID, now)
	case TransportFailure:
		return classifyTransport(f, requestCorrelationID)
	case *TransportFailure:
		return classifyTransport(*f, requestCorrelationID)
	default:
		return &Error{
			Kind:          KindTransport,
			Code:          CodeTransportUnknown,
			Message:       "unclassifiable failure",
			CorrelationID: requestCorrelationID,
		}
	}
}

func classifyHTTP(f HTTPFailure, requestCorrelationID string, now time.Time) *Error {
	e := &Error{
		Kind:          KindUpstream,
		HTTPStatus:    f.Status,
		CorrelationID: requestCorrelationID,
	}

	var body errorBody
	var detail errorDetail
	var hasDetail bool
	var plainError string
	if len(f.Body) > 0 && json.Unmarshal(f.Body, &body) == nil {
		if len(body.Error) > 0 {
			switch body.Error[0] {
			case '{':
				hasDetail = json.Unmarshal(body.Error, &detail) == nil
			case '"':
				_ = json.Unmarshal(body.Error, &plainError)
			}
		}
	}
	switch {
	case body.CorrelationID != "":
		e.CorrelationID = body.CorrelationID
	case f.Header.Get(CorrelationHeader) != "":
		e.CorrelationID = f.Header.Get(CorrelationHeader)
	}

	if hasDetail {
		e.Code = rawCode(detail.Code)
		e.Message = detail.Message
	}

	switch {
	case hasDetail && detail.Retryable != nil && *detail.Retryable:
		e.Retryable = true
	case f.Status == http.StatusTooManyRequests || f.Status >= 500:
		e.Retryable = true
	}

	if hasDetail && detail.RetryAfterMs != nil {
		d := time.Duration(*detail.RetryAfterMs * float64(time.Millisecond))
		if d < 0 {
			d = 0
		}
		e.RetryAfter = &d
	} else if d, ok := ParseRetryAfter(f.Header.Get("Retry-After"), now); ok {
		e.RetryAfter = &d
	}

	if e.Message == "" {
		e.Message = plainError
	}
	if e.Message == "" {
		e.Message = truncate(strings.TrimSpace(string(f.Body)), maxMessageBody)
	}
	if e.Message == "" {
		e.Message = http.StatusText(f.Status)
	}
	return e
}

func classifyTransport(f TransportFailure, requestCorrelationID string) *Error {
	code := TransportCode(f.Err)
	msg := "transport failure"
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return &Error{
		Kind:          KindTransport,
		Code:          code,
		Message:       msg,
		Retryable:     transientTransportCodes[code],
		CorrelationID: requestCorrelationID,
		Err:           f.Err,
	}
}

// TransportCode maps a native transport error to a short code.
func TransportCode(err error) string {
	if err == nil {
		return CodeTransportUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		return CodeDNS
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnectionReset
	case errors.Is(err, syscall.EPIPE):
		return CodeBrokenPipe
	case errors.Is(err, syscall.ECONNABORTED):
		return CodeConnectionAborted
	case errors.Is(err, syscall.ETIMEDOUT):
		return CodeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeTransportUnknown
}

// IsTransientTransportCode reports whether code is one of the transient
// network codes worth retrying.
func IsTransientTransportCode(code string) bool {
	return transientTransportCodes[code]
}

// ParseRetryAfter parses a Retry-After header value, which is either a
// number of seconds or an HTTP date. Dates are converted to a delay relative
// to now, floored at zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		at, err = dateparse.ParseAny(value)
		if err != nil {
			return 0, false
		}
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Millisecond), true
}

// rawCode normalizes a string or numeric code to a string.
func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
