//go:build windows

// File: reactor/reactor_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Windows IOCP reactor: CreateIoCompletionPort/GetQueuedCompletionStatus
// sequence with completion-key indirection, guarded against a double
// Register per spec.md §4.B.

package reactor

import (
	"sync"
	"sync/atomic"
	"syscall"
)

type fdEntry struct {
	fd uintptr
	cb Callback
}

type iocpReactor struct {
	iocp       syscall.Handle
	byKey      sync.Map // map[uint32]*fdEntry
	registered sync.Map // map[uintptr]uint32, guards duplicate Register
	keyCounter uint32
	closed     chan struct{}
}

// New constructs the platform reactor for Windows.
func New() (Reactor, error) {
	iocp, err := syscall.CreateIoCompletionPort(syscall.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpReactor{iocp: iocp, closed: make(chan struct{})}, nil
}

func (r *iocpReactor) Register(fd uintptr, events EventType, cb Callback) error {
	if _, loaded := r.registered.Load(fd); loaded {
		return ErrAlreadyRegistered
	}
	key := atomic.AddUint32(&r.keyCounter, 1)
	handle := syscall.Handle(fd)
	if _, err := syscall.CreateIoCompletionPort(handle, r.iocp, key, 0); err != nil {
		return err
	}
	r.byKey.Store(key, &fdEntry{fd: fd, cb: cb})
	r.registered.Store(fd, key)
	return nil
}

func (r *iocpReactor) Unregister(fd uintptr) error {
	if v, ok := r.registered.LoadAndDelete(fd); ok {
		r.byKey.Delete(v)
	}
	return nil
}

func (r *iocpReactor) Poll(timeoutMs int) error {
	var bytes uint32
	var key uint32
	var overlapped *syscall.Overlapped
	timeout := uint32(syscall.INFINITE)
	if timeoutMs >= 0 {
		timeout = uint32(timeoutMs)
	}
	select {
	case <-r.closed:
		return nil
	default:
	}
	err := syscall.GetQueuedCompletionStatus(r.iocp, &bytes, &key, &overlapped, timeout)
	if err != nil {
		if err == syscall.Errno(syscall.WAIT_TIMEOUT) {
			return nil
		}
		return err
	}
	val, ok := r.byKey.Load(key)
	if !ok {
		return nil
	}
	entry := val.(*fdEntry)
	func() {
		defer func() { _ = recover() }()
		entry.cb(entry.fd, EventRead)
	}()
	return nil
}

func (r *iocpReactor) Close() error {
	close(r.closed)
	return syscall.CloseHandle(r.iocp)
}
