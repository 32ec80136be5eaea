package source

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	CodeTimeout       = "E_TIMEOUT"
	CodeUnreachable   = "E_ENDPOINT_UNREACHABLE"
	CodeRateLimited   = "E_RATE_LIMITED"
	CodeServerError   = "E_SERVER_ERROR"
	CodeBadRequest    = "E_BAD_REQUEST"
	CodeAuthInvalid   = "E_AUTH_INVALID"
	CodeBadPayload    = "E_BAD_PAYLOAD"
	CodeRetryExceeded = "E_RETRY_EXCEEDED"
)

// Error wraps source API failures with a code and retryability hint.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// HTTPError carries a non-2xx status from the source.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports a 429 response.
func (e *HTTPError) IsRateLimited() bool { return e.StatusCode == 429 }

// IsServerError reports a 5xx response.
func (e *HTTPError) IsServerError() bool { return e.StatusCode >= 500 }

// IsRateLimited reports whether err is a source rate-limit signal.
func IsRateLimited(err error) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == CodeRateLimited
	}
	return false
}

// classify converts transport and HTTP errors into coded errors.
func classify(err error) *Error {
	if err == nil {
		return nil
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.IsRateLimited():
			return wrapError(CodeRateLimited, true, err)
		case httpErr.IsServerError():
			return wrapError(CodeServerError, true, err)
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
			return wrapError(CodeAuthInvalid, false, err)
		default:
			return wrapError(CodeBadRequest, false, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(CodeTimeout, true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return wrapError(CodeTimeout, true, err)
		}
		return wrapError(CodeUnreachable, true, err)
	}

	return wrapError(CodeUnreachable, true, err)
}
