// Package errs defines the error taxonomy shared by every pipeline stage.
//
// Stages return *Error values carrying a Kind; callers branch on the kind
// with Is/KindOf instead of matching strings. The folder processor converts
// errors into per-item failure reasons with Reason.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown Kind = ""

	// acquisition
	KindTimeout          Kind = "timeout"
	KindTransport        Kind = "transport"
	KindNotFound         Kind = "not_found"
	KindInvalidReference Kind = "invalid_reference"
	KindTooLarge         Kind = "too_large"

	// encoding
	KindUnsupportedFormat Kind = "unsupported_format"
	KindEncoding          Kind = "encoding"
	KindTooShort          Kind = "too_short"

	// transcription
	KindService     Kind = "service"
	KindRateLimited Kind = "rate_limited"

	// analysis
	KindAnalysisTimeout Kind = "analysis_timeout"
	KindAnalysis        Kind = "analysis"

	KindSink  Kind = "sink"
	KindState Kind = "state"
)

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an error of the given kind.
func E(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap builds an error of the given kind around cause. A nil cause yields nil.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrapf is Wrap with a formatted reason.
func Wrapf(kind Kind, op string, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Context deadline errors without a typed wrapper are reported as timeouts.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether a bounded local retry may succeed.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTimeout, KindTransport, KindRateLimited:
		return true
	}
	return false
}

// Reason returns a short human-readable reason for batch reports.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch e.Kind {
	case KindTooShort:
		return "too short"
	case KindTooLarge:
		return "file too large"
	case KindNotFound:
		return "not found"
	case KindInvalidReference:
		return "unrecognised link"
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindAnalysisTimeout:
		return "analysis timed out"
	case KindRateLimited:
		return "transcription rate limited"
	}
	if e.Reason != "" {
		return string(e.Kind) + ": " + e.Reason
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

// Network classifies a transport-level failure (dial, read, deadline) of op.
// Cancellation passes through untouched so callers can stop promptly.
func Network(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}
