package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// StatusCoder is implemented by errors that carry an HTTP status, such as
// callback and RPC failures.
type StatusCoder interface {
	StatusCode() int
}

// HTTPStatusError is a non-2xx response from a callback or RPC endpoint.
type HTTPStatusError struct {
	Code int
	URL  string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Code)
}

func (e *HTTPStatusError) StatusCode() int { return e.Code }

// RateLimited reports whether err is an HTTP 429.
func RateLimited(err error) bool {
	var sc StatusCoder
	return errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests
}

// ShouldRetry is the retry policy: 5xx, 429, timeouts and connection-level
// network failures retry; other 4xx and anything unknown does not.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 || code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}
	return false
}
