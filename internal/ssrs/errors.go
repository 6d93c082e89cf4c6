package ssrs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
)

// Kind classifies a fetch failure.
type Kind int

const (
	KindTransport Kind = iota
	KindNotFound
	KindAuthFailure
	KindParameterMismatch
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAuthFailure:
		return "auth_failure"
	case KindParameterMismatch:
		return "parameter_mismatch"
	case KindTimeout:
		return "timeout"
	default:
		return "transport"
	}
}

// Error is returned by every Client call that fails.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 when no response arrived
	Report string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ssrs %s: %s (HTTP %d): %v", e.Report, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("ssrs %s: %s: %v", e.Report, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a wrapped *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindTimeout || k == KindTransport)
}

var (
	parameterErrorRe = regexp.MustCompile(`rs\w*Parameter\w*`)
	notFoundErrorRe  = regexp.MustCompile(`rsItemNotFound|rsReportNotFound`)
)

// classifyResponse maps a non-200 response onto a Kind. Report server
// errors arrive as HTML pages carrying an rs* error code.
func classifyResponse(status int, body []byte) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailure
	case status == http.StatusNotFound || notFoundErrorRe.Match(body):
		return KindNotFound
	case parameterErrorRe.Match(body):
		return KindParameterMismatch
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindTransport
	}
}

func classifyTransport(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransport
}
