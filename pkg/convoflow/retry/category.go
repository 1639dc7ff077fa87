// Package retry classifies failures from model backends and other remote
// calls, and retries the transient ones with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: rate limits, timeouts, temporary network issues.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: authentication failures, invalid configuration.
	CategoryPermanent

	// CategoryMalformed indicates the remote answered but the payload
	// could not be used. Asking again may produce a usable answer.
	CategoryMalformed
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and the number of
// attempts made before giving up.
type CategorizedError struct {
	Err      error
	Category Category
	Attempts int
	// Op describes what operation was being attempted.
	Op string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Op, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient marks err as worth retrying.
func Transient(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Op: op}
}

// Permanent marks err as not worth retrying.
func Permanent(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Op: op}
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 408, httpErr.StatusCode == 429:
			return CategoryTransient
		case httpErr.StatusCode >= 500:
			return CategoryTransient
		default:
			return CategoryPermanent
		}
	}

	var jsonErr *JSONParseError
	if errors.As(err, &jsonErr) {
		return CategoryMalformed
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryMalformed
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	// The caller gave up; retrying under the same context is pointless.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsMalformed reports whether the error came from an unusable payload.
func IsMalformed(err error) bool {
	return Categorize(err) == CategoryMalformed
}
