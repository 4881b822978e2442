// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import "fmt"

// ErrorCategory classifies a [RemoteError] so that callers can make
// programmatic decisions without parsing message text. It mirrors §7
// of the source specification's error taxonomy one-for-one.
type ErrorCategory string

const (
	// CategoryThrown means the exposed operation raised; Err carries
	// the reconstructed remote value (an error-like value for actual
	// errors, or the raw thrown value otherwise).
	CategoryThrown ErrorCategory = "thrown"

	// CategoryUnserializable means the exposer's reply could not be
	// encoded by the wire codec. The exposer substitutes a thrown
	// "Unserializable return value" error for the real result so the
	// caller's call still settles; it travels through the "throw"
	// handler, so the caller receives it as [CategoryThrown].
	CategoryUnserializable ErrorCategory = "unserializable"

	// CategoryReleased means the operation was attempted on a [Handle]
	// whose release capability already ran.
	CategoryReleased ErrorCategory = "released"

	// CategoryOriginRejected is never returned to a caller — an
	// origin-rejected message produces no reply at all (§7d). The
	// category exists so the exposer's internal logging and tests can
	// name the condition consistently with the rest of the taxonomy.
	CategoryOriginRejected ErrorCategory = "origin_rejected"

	// CategoryUnknownOperation is likewise never returned to a caller
	// (§7e): an unrecognized operation tag is dropped silently on the
	// exposer side.
	CategoryUnknownOperation ErrorCategory = "unknown_operation"
)

// RemoteError is a categorized error surfaced on the calling side of a
// [Handle] operation. Use [errors.As] to recover the category:
//
//	var remoteErr *wireproxy.RemoteError
//	if errors.As(err, &remoteErr) && remoteErr.Category == wireproxy.CategoryThrown {
//	    ...
//	}
type RemoteError struct {
	Category ErrorCategory
	Err      error

	// Value is the raw remote value for [CategoryThrown] when it did
	// not originate from something implementing error (§4.3: "all
	// other values pass through verbatim").
	Value any
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("wireproxy: %s: %v", e.Category, e.Value)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func thrownError(err error) *RemoteError {
	return &RemoteError{Category: CategoryThrown, Err: err}
}

func thrownValueError(value any) *RemoteError {
	return &RemoteError{Category: CategoryThrown, Value: value, Err: fmt.Errorf("wireproxy: remote threw: %v", value)}
}

func unserializableError(err error) *RemoteError {
	return &RemoteError{Category: CategoryUnserializable, Err: fmt.Errorf("Unserializable return value: %w", err)}
}

// ErrReleased is returned synchronously (never over the wire) by every
// [Handle] operation once [Handle.Release] has completed (§7c).
var ErrReleased = &RemoteError{Category: CategoryReleased, Err: fmt.Errorf("proxy has been released and is not useable")}
