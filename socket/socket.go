// File: socket/socket.go
// Package socket is the cross-platform non-blocking socket abstraction
// (spec.md §2 component A, §4.A). It hides every native header behind this
// package: callers see only Socket, Addr and the Result/ErrorKind pair
// from package api.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A direct-syscall approach — socket(2)/WSASocket, bind, listen, accept,
// setsockopt — via golang.org/x/sys, with no NUMA/zero-copy batching
// layer: spec.md's contract is a single blocking-or-non-blocking stream
// socket with readiness selection, not a batched sendmsg/recvmsg
// pipeline.

package socket

import "sync"

// Family identifies the address family a Socket was created with. IPv4
// only per spec.md §1 Non-goals: Create rejects FamilyIPv6 and every Addr
// this package produces is IPv4. EnumerateLocalAddresses reports IPv6
// interface addresses as net.IP values for display, without a listener
// ever binding to one (spec.md §9 open question 2, SPEC_FULL.md §6).
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Addr is the portable address value that crosses the socket API in place
// of a raw sockaddr (spec.md §3 "Socket handle").
type Addr struct {
	Family Family
	IP     [4]byte // network order
	IPv6   [16]byte
	Port   uint16
}

// state tracks a Socket's lifecycle phase so operations invoked out of
// order fail with api.ErrInvalidParameter per spec.md §4.A.
type state int

const (
	stateCreated state = iota
	stateBound
	stateListening
	stateConnected
	stateClosed
)

// refcount is the process-wide count of live sockets, guarding
// platform-subsystem init/teardown (spec.md §4.A "Initialisation";
// Winsock needs WSAStartup/WSACleanup, Linux needs none but the counter
// discipline is kept symmetric across platforms).
var (
	refMu    sync.Mutex
	refCount int
)

func refAcquire() error {
	refMu.Lock()
	defer refMu.Unlock()
	if refCount == 0 {
		if err := platformInit(); err != nil {
			return err
		}
	}
	refCount++
	return nil
}

func refRelease() {
	refMu.Lock()
	defer refMu.Unlock()
	if refCount == 0 {
		return
	}
	refCount--
	if refCount == 0 {
		platformTeardown()
	}
}
