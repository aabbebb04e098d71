//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7) reactor: EpollCreate1/EpollCtl/EpollWait sequence with a
// sync.Map callback registry, keyed by the EventType/Callback shape this
// package's Reactor interface declares, and guarded against a double
// Register per spec.md §4.B.

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

type epollReactor struct {
	epfd      int
	callbacks sync.Map // map[uintptr]Callback
}

// New constructs the platform reactor for Linux.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &epollReactor{epfd: epfd}, nil
}

func (r *epollReactor) Register(fd uintptr, events EventType, cb Callback) error {
	if _, loaded := r.callbacks.LoadOrStore(fd, cb); loaded {
		return ErrAlreadyRegistered
	}
	var ev unix.EpollEvent
	if events&EventRead != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	ev.Fd = int32(fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		r.callbacks.Delete(fd)
		return err
	}
	return nil
}

func (r *epollReactor) Unregister(fd uintptr) error {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	r.callbacks.Delete(fd)
	return nil
}

func (r *epollReactor) Poll(timeoutMs int) error {
	const maxEvents = 128
	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := uintptr(ev.Fd)
		val, ok := r.callbacks.Load(fd)
		if !ok {
			continue
		}
		var et EventType
		if ev.Events&unix.EPOLLIN != 0 {
			et |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			et |= EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			et |= EventError
		}
		cb := val.(Callback)
		func() {
			defer func() { _ = recover() }()
			cb(fd, et)
		}()
	}
	return nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
