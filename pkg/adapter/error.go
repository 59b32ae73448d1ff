package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// statusError builds an AdapterError for a non-2xx response.
func statusError(provider string, status int, body string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	return &AdapterError{
		Status:    status,
		Temporary: status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable,
		Err:       fmt.Errorf("%s returned status %d: %s", provider, status, body),
	}
}

// TimeoutError reports that an attempt exceeded its deadline.
type TimeoutError struct {
	Backend string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Backend, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// Category is the failure class recorded for an unsuccessful attempt.
type Category string

const (
	CategoryTimeout            Category = "timeout"
	CategoryClientError        Category = "client-error"
	CategoryServerError        Category = "server-error"
	CategoryServiceUnavailable Category = "service-unavailable"
)

// Classify maps an attempt error to a failure category. Unknown errors are
// treated as server errors.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	if status := statusOf(err); status != 0 {
		switch {
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			return CategoryTimeout
		case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
			return CategoryServiceUnavailable
		case status >= 400 && status < 500:
			return CategoryClientError
		case status >= 500:
			return CategoryServerError
		}
	}

	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) && adapterErr.Temporary {
		return CategoryServiceUnavailable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryServiceUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryServiceUnavailable
	}
	return CategoryServerError
}

// statusOf extracts an HTTP status from adapter and SDK errors.
func statusOf(err error) int {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) && adapterErr.Status != 0 {
		return adapterErr.Status
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	return 0
}

// IsTransient reports whether an error is likely to clear on its own.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case CategoryTimeout, CategoryServiceUnavailable:
		return true
	case CategoryServerError:
		return statusOf(err) >= 500
	}
	return false
}
