// File: api/result.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Result carries an error-kind plus the platform error number across the
// socket, protocol and admission layers without forcing string formatting
// on the hot path. The human-readable message is produced lazily on first
// access and then memoized, mirroring the original C++ Result type
// (include/WebSocket/ErrorCodes.h in original_source/).

package api

import "fmt"

// Result is a (kind, platform errno) pair with a lazily-built message.
type Result struct {
	Kind  ErrorKind
	Errno int

	msg *string
}

// Ok constructs the success value.
func Ok() Result { return Result{Kind: OK} }

// NewResult constructs an error Result carrying the platform errno.
func NewResult(kind ErrorKind, errno int) Result {
	return Result{Kind: kind, Errno: errno}
}

// IsSuccess reports whether the result represents success.
func (r Result) IsSuccess() bool { return r.Kind == OK }

// IsError reports whether the result represents a failure.
func (r Result) IsError() bool { return r.Kind != OK }

// Error implements the error interface. The message is computed once and
// memoized on the Result value itself.
func (r *Result) Error() string {
	if r.msg != nil {
		return *r.msg
	}
	var s string
	if r.Errno != 0 {
		s = fmt.Sprintf("%s (errno %d)", r.Kind.String(), r.Errno)
	} else {
		s = r.Kind.String()
	}
	r.msg = &s
	return s
}

// AsError returns the Result as a standard error, or nil on success. The
// returned error is a *Result so callers can recover Kind/Errno via a type
// assertion without re-parsing a string.
func (r Result) AsError() error {
	if r.IsSuccess() {
		return nil
	}
	cp := r
	return &cp
}
