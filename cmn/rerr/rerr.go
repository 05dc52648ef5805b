// Package rerr implements the error taxonomy of the host's "contain faults
// to the smallest Context" rule: every error raised by this module carries a
// Kind so callers can apply the right policy (retry, log-and-degrade, or
// fatal-exit) without string-matching messages. Built on pkg/errors so a
// wrapped error still carries its originating stack frame.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package rerr

import "github.com/pkg/errors"

type Kind int

const (
	KindTransientIO Kind = iota
	KindAssetMalformed
	KindWorkerFault
	KindProtocolViolation
	KindBackpressure
	KindUserDenied
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient-io"
	case KindAssetMalformed:
		return "asset-malformed"
	case KindWorkerFault:
		return "worker-fault"
	case KindProtocolViolation:
		return "protocol-violation"
	case KindBackpressure:
		return "backpressure"
	case KindUserDenied:
		return "user-denied"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Kind and the component
// that raised it, e.g. "lifecycle".
type Error struct {
	Kind      Kind
	Component string
	cause     error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Component + ": " + e.Kind.String()
	}
	return e.Component + ": " + e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Cause() error  { return e.cause }

func New(kind Kind, component, msg string) *Error {
	return &Error{Kind: kind, Component: component, cause: errors.New(msg)}
}

func Wrap(kind Kind, component string, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, cause: errors.Wrap(err, msg)}
}

// KindOf extracts the taxonomy Kind from err, defaulting to KindFatal for
// errors this module did not originate (an unclassified error is the most
// dangerous one, so fail loud rather than silently retry it).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Retriable reports whether the §7 policy for this error's kind is "retry
// with backoff; user-invisible".
func Retriable(err error) bool { return KindOf(err) == KindTransientIO }
