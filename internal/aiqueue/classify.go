package aiqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/JakeFAU/site-audit/internal/ai"
)

// Class groups provider errors by how the queue reacts to them.
type Class int

const (
	// ClassFatal errors are surfaced to the caller without retry.
	ClassFatal Class = iota
	// ClassRateLimit errors mean the provider asked us to slow down.
	ClassRateLimit
	// ClassTimeout errors are per-call deadline hits.
	ClassTimeout
	// ClassTransient errors are server or connection failures.
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassTimeout:
		return "timeout"
	case ClassTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Retryable reports whether the queue retries errors of this class.
func (c Class) Retryable() bool {
	return c != ClassFatal
}

// Classify maps an error returned by a provider call to a Class.
// Anything it does not recognise is fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	var pe *ai.ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.RateLimited():
			return ClassRateLimit
		case pe.StatusCode == http.StatusRequestTimeout:
			return ClassTimeout
		case pe.StatusCode >= 500:
			return ClassTransient
		default:
			return ClassFatal
		}
	}

	switch {
	case errors.Is(err, ai.ErrParse), errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}

	return ClassFatal
}

// PermanentError is returned to a caller once its request will not be retried.
type PermanentError struct {
	Class    Class
	Attempts int
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ai request failed after %d attempt(s) (%s): %v", e.Attempts, e.Class, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}
