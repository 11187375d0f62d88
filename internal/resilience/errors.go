package resilience

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps a network-level failure that is safe to retry with
// backoff (timeouts, resets, DNS hiccups). It never implies the data at the
// current cursor is bad.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitedError signals that upstream asked us to slow down. Work resumes
// at the same position once RetryAfter has elapsed.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// CorruptRecordError marks a page that upstream could not serve because one
// of its records is broken (5xx localized to data, or an undecodable body).
type CorruptRecordError struct {
	Err        error
	StatusCode int
}

func (e *CorruptRecordError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("corrupt upstream page (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("corrupt upstream page: %v", e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

// NewCorruptRecordError wraps err as a record-localized upstream failure.
func NewCorruptRecordError(err error, statusCode int) *CorruptRecordError {
	return &CorruptRecordError{Err: err, StatusCode: statusCode}
}

// IsRateLimited reports whether err carries a RateLimitedError and returns
// the requested wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsCorrupt reports whether err is a record-localized upstream failure.
func IsCorrupt(err error) bool {
	var ce *CorruptRecordError
	return errors.As(err, &ce)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common network failure patterns.
// Rate-limit and corrupt-record errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := IsRateLimited(err); ok {
		return false
	}
	if IsCorrupt(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"unexpected eof",
}

// ClassifyHTTPStatus maps an upstream HTTP status to the error taxonomy.
// 429 is rate limiting, 408/502/503/504 are gateway or transport trouble,
// other 5xx are treated as data problems on the requested range.
func ClassifyHTTPStatus(statusCode int, retryAfterHeader string, err error) error {
	switch {
	case statusCode == 429:
		return &RateLimitedError{RetryAfter: ParseRetryAfter(retryAfterHeader, time.Now())}
	case statusCode == 408, statusCode == 502, statusCode == 503, statusCode == 504:
		return NewTransientError(err, statusCode)
	case statusCode >= 500:
		return NewCorruptRecordError(err, statusCode)
	default:
		return err
	}
}

// ParseRetryAfter reads a Retry-After header given either in seconds or as
// an HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
