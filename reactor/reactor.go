// File: reactor/reactor.go
// Package reactor is the async I/O backend (spec.md §2 component B,
// §4.B): per-socket registration with the OS readiness facility. It
// performs no send or receive itself.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A single portable Reactor interface (Register/Unregister/Poll/Close)
// keyed by raw fd, with one implementation per platform. A handle can be
// registered at most once. IOStatus describes the completed/would-block/
// error outcome of a non-blocking send/receive attempt; no function in
// this package returns it.

package reactor

import "errors"

// EventType is a bitmask of readiness conditions a registration cares
// about.
type EventType int

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventError
)

// IOStatus is the outcome of a non-blocking send/receive attempt (spec.md
// §4.B): exactly one of Completed, WouldBlock or Err is meaningful.
type IOStatus struct {
	Completed bool
	N         int
	WouldBlock bool
	Err       error
}

// Callback is invoked by Poll when a registered descriptor becomes ready.
type Callback func(fd uintptr, events EventType)

// Reactor is the portable readiness-multiplexing contract a Linux epoll
// instance or a Windows IOCP-backed poller satisfies.
type Reactor interface {
	// Register adds fd to the watch set with the given callback. Per
	// spec.md §4.B, a handle may be registered at most once; Register
	// returns an error on a duplicate registration.
	Register(fd uintptr, events EventType, cb Callback) error

	// Unregister removes fd from the watch set. Closing the underlying
	// socket implicitly aborts any outstanding async operation on it
	// (spec.md §4.B "Cancellation"); callers should Unregister before or
	// immediately after closing.
	Unregister(fd uintptr) error

	// Poll blocks up to timeoutMs (negative blocks indefinitely) and
	// dispatches callbacks for ready descriptors.
	Poll(timeoutMs int) error

	// Close releases the reactor's own OS resource.
	Close() error
}

// ErrAlreadyRegistered is returned by Register for a duplicate fd.
var ErrAlreadyRegistered = errors.New("reactor: fd already registered")

// ErrNotSupported reports a platform with no Reactor implementation. No
// function in this package returns it: New exists only in the Linux and
// Windows builds.
var ErrNotSupported = errors.New("reactor: platform not supported")
