// Package resilience centralizes retry, timeout and circuit-breaker policy for
// calls to the brokerage and market-data collaborators, together with the
// error taxonomy those policies key off.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindUnknown is anything not recognised; reads retry it, writes do not.
	KindUnknown Kind = iota
	// KindTransient covers timeouts, connection failures and 5xx/429 responses.
	KindTransient
	// KindDefinitive covers broker rejections such as a non-tradable contract
	// or insufficient buying power. Never retried.
	KindDefinitive
	// KindFatal covers system-level failures (authentication, storage) that
	// must stop the evaluation loop.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDefinitive:
		return "definitive"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Mark wraps err with an explicit kind. Nil stays nil.
func Mark(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error { return Mark(err, KindTransient) }

// Definitive marks err as a rejection that must not be retried.
func Definitive(err error) error { return Mark(err, KindDefinitive) }

// Fatal marks err as a system-level failure.
func Fatal(err error) error { return Mark(err, KindFatal) }

// Fatalf formats and marks a fatal error.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// statusCoder is implemented by HTTP API errors.
type statusCoder interface {
	HTTPStatus() int
}

// Classify returns the kind of err.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var marked *Error
	if errors.As(err, &marked) {
		return marked.Kind
	}

	if errors.Is(err, ErrCircuitOpen) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindDefinitive
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return ClassifyStatus(sc.HTTPStatus())
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindTransient
	}
	return KindUnknown
}

// ClassifyStatus maps an HTTP status code to a Kind.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindFatal
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return KindTransient
	case code >= 500:
		return KindTransient
	case code >= 400:
		return KindDefinitive
	}
	return KindUnknown
}

// IsFatal reports whether err must stop the evaluation loop.
func IsFatal(err error) bool { return Classify(err) == KindFatal }

// CountsAsOutage reports whether err says anything about the collaborator's
// health. Rejections and cancellations do not trip the breaker.
func CountsAsOutage(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindTransient, KindUnknown:
		return true
	}
	return false
}
