//go:build linux

// File: socket/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux socket(2)-based implementation of the platform socket layer: a
// SOCK_STREAM socket via golang.org/x/sys/unix, blocking until
// SetBlocking(false) and without TCP_NODELAY, covering the full create/bind/listen/accept/connect/
// send/receive/set-option contract spec.md §4.A names, using unix.Select
// for readiness (spec.md GLOSSARY "Readiness selection").

package socket

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wsforge/wsserver/api"
)

func platformInit() error     { return nil }
func platformTeardown()       {}

// Socket wraps a Linux file descriptor. Exactly one owner at a time; the
// zero value is not valid, use Create.
type Socket struct {
	fd        int
	st        state
	nonBlock  bool
	asyncDone bool // never set: this package has no enable-async operation; reactor registration goes through FD()
}

// Create opens a new IPv4 stream (kind currently fixed to TCP; family is
// accepted for API symmetry with spec.md §4.A but UDP is unused by the
// connection state machine).
func Create(family Family) (*Socket, error) {
	if family != FamilyIPv4 {
		return nil, resultErr(api.ErrInvalidParameter, 0)
	}
	if err := refAcquire(); err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		refRelease()
		return nil, resultErr(api.ErrSocketCreate, errno(err))
	}
	return &Socket{fd: fd, st: stateCreated}, nil
}

// Bind binds the socket to addr (spec.md §4.A).
func (s *Socket) Bind(addr Addr) error {
	if s.st != stateCreated {
		return resultErr(api.ErrInvalidParameter, 0)
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port)}
	sa.Addr = addr.IP
	if err := unix.Bind(s.fd, sa); err != nil {
		return resultErr(api.ErrSocketBind, errno(err))
	}
	s.st = stateBound
	return nil
}

// Listen marks the socket as a listening socket (spec.md §4.A: "requires a
// prior successful bind").
func (s *Socket) Listen(backlog int) error {
	if s.st != stateBound {
		return resultErr(api.ErrInvalidParameter, 0)
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return resultErr(api.ErrSocketListen, errno(err))
	}
	s.st = stateListening
	return nil
}

// Accept blocks (subject to the socket's blocking mode) until a new
// connection arrives, returning the accepted Socket and the peer address.
func (s *Socket) Accept() (*Socket, Addr, error) {
	if s.st != stateListening {
		return nil, Addr{}, resultErr(api.ErrInvalidParameter, 0)
	}
	nfd, sa, err := unix.Accept(s.fd)
	if err != nil {
		return nil, Addr{}, resultErr(api.ErrSocketAccept, errno(err))
	}
	if err := refAcquire(); err != nil {
		unix.Close(nfd)
		return nil, Addr{}, err
	}
	peer := Addr{Family: FamilyIPv4}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		peer.IP = in4.Addr
		peer.Port = uint16(in4.Port)
	}
	return &Socket{fd: nfd, st: stateConnected}, peer, nil
}

// Connect opens an outbound IPv4 connection (client role; used by tests and
// embedders that want to drive the server from the same package).
func (s *Socket) Connect(addr Addr) error {
	if s.st != stateCreated {
		return resultErr(api.ErrInvalidParameter, 0)
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port)}
	sa.Addr = addr.IP
	if err := unix.Connect(s.fd, sa); err != nil {
		return resultErr(api.ErrSocketConnect, errno(err))
	}
	s.st = stateConnected
	return nil
}

// Send writes bytes, returning the number of bytes actually written.
func (s *Socket) Send(b []byte) (int, error) {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, resultErr(api.ErrWouldBlock, errno(err))
		}
		return 0, resultErr(api.ErrSocketSend, errno(err))
	}
	return n, nil
}

// ReceiveInto reads into a caller-supplied buffer, avoiding a fresh
// allocation per call; callers typically supply a pool-backed buffer
// (spec.md §5 "Buffer reuse").
func (s *Socket) ReceiveInto(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, resultErr(api.ErrInvalidParameter, 0)
	}
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, resultErr(api.ErrWouldBlock, errno(err))
		}
		return 0, resultErr(api.ErrSocketReceive, errno(err))
	}
	return n, nil
}

// Receive reads up to len(max-sized) bytes. An empty, error-free result
// means an orderly peer close (spec.md §4.A).
func (s *Socket) Receive(max int) ([]byte, error) {
	if max == 0 {
		return nil, resultErr(api.ErrInvalidParameter, 0)
	}
	buf := make([]byte, max)
	n, err := s.ReceiveInto(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ReceiveIntoTimeout performs a readiness-selected receive into buf,
// returning (0, nil) on timeout per spec.md §4.A "returns OK with empty
// bytes".
func (s *Socket) ReceiveIntoTimeout(buf []byte, timeout time.Duration) (int, error) {
	ready, err := s.SelectReadable(timeout)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}
	return s.ReceiveInto(buf)
}

// ReceiveTimeout performs a readiness-selected receive: on timeout it
// returns (nil, nil) per spec.md §4.A "returns OK with empty bytes".
func (s *Socket) ReceiveTimeout(max int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, max)
	n, err := s.ReceiveIntoTimeout(buf, timeout)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

// SetBlocking toggles blocking mode.
func (s *Socket) SetBlocking(blocking bool) error {
	if err := unix.SetNonblock(s.fd, !blocking); err != nil {
		return resultErr(api.ErrSocketSetOption, errno(err))
	}
	s.nonBlock = !blocking
	return nil
}

// SetReuseAddress sets SO_REUSEADDR.
func (s *Socket) SetReuseAddress(on bool) error {
	return s.setBoolOpt(unix.SOL_SOCKET, unix.SO_REUSEADDR, on)
}

// SetKeepAlive sets SO_KEEPALIVE.
func (s *Socket) SetKeepAlive(on bool) error {
	return s.setBoolOpt(unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

// SetSendBuffer sets SO_SNDBUF.
func (s *Socket) SetSendBuffer(size int) error {
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size); err != nil {
		return resultErr(api.ErrSocketSetOption, errno(err))
	}
	return nil
}

// SetReceiveBuffer sets SO_RCVBUF.
func (s *Socket) SetReceiveBuffer(size int) error {
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return resultErr(api.ErrSocketSetOption, errno(err))
	}
	return nil
}

func (s *Socket) setBoolOpt(level, opt int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(s.fd, level, opt, v); err != nil {
		return resultErr(api.ErrSocketSetOption, errno(err))
	}
	return nil
}

// LocalAddr returns the address this socket is bound to.
func (s *Socket) LocalAddr() (Addr, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return Addr{}, resultErr(api.ErrSocketGetSockname, errno(err))
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return Addr{}, resultErr(api.ErrSocketGetSockname, 0)
	}
	return Addr{Family: FamilyIPv4, IP: in4.Addr, Port: uint16(in4.Port)}, nil
}

// PeerAddr returns the address of the connected peer.
func (s *Socket) PeerAddr() (Addr, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return Addr{}, resultErr(api.ErrSocketGetSockname, errno(err))
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return Addr{}, resultErr(api.ErrSocketGetSockname, 0)
	}
	return Addr{Family: FamilyIPv4, IP: in4.Addr, Port: uint16(in4.Port)}, nil
}

// SelectReadable blocks up to timeout for the socket to become readable.
func (s *Socket) SelectReadable(timeout time.Duration) (bool, error) {
	return s.selectOne(true, timeout)
}

// SelectWritable blocks up to timeout for the socket to become writable.
func (s *Socket) SelectWritable(timeout time.Duration) (bool, error) {
	return s.selectOne(false, timeout)
}

func (s *Socket) selectOne(readable bool, timeout time.Duration) (bool, error) {
	var rfds, wfds unix.FdSet
	fdSet(&rfds, s.fd)
	set := &rfds
	if !readable {
		fdSet(&wfds, s.fd)
		set = &wfds
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	var rp, wp *unix.FdSet
	if readable {
		rp = set
	} else {
		wp = set
	}
	n, err := unix.Select(s.fd+1, rp, wp, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, resultErr(api.ErrUnknown, errno(err))
	}
	return n > 0, nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

// Shutdown shuts down both the read and the write half of the connection.
func (s *Socket) Shutdown() error {
	return unix.Shutdown(s.fd, unix.SHUT_RDWR)
}

// Close closes the socket. A no-op on an already-closed handle.
func (s *Socket) Close() error {
	if s.st == stateClosed {
		return nil
	}
	err := unix.Close(s.fd)
	s.st = stateClosed
	refRelease()
	if err != nil {
		return resultErr(api.ErrUnknown, errno(err))
	}
	return nil
}

// FD exposes the raw descriptor for the reactor package's readiness
// registration (spec.md §4.B: "registers it with a per-handle readiness
// facility").
func (s *Socket) FD() int { return s.fd }

// EnumerateLocalAddresses lists local IPv4 and IPv6 addresses for display
// (spec.md §9 open question 2 — enumerated for diagnostics only; IPv6
// never feeds a listener in this contract).
func EnumerateLocalAddresses() ([]net.IP, error) {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, resultErr(api.ErrUnknown, 0)
	}
	out := make([]net.IP, 0, len(ifaces))
	for _, a := range ifaces {
		if ipNet, ok := a.(*net.IPNet); ok {
			out = append(out, ipNet.IP)
		}
	}
	return out, nil
}

// TestPortAvailability reports whether port is free to bind on the
// loopback address.
func TestPortAvailability(port uint16) bool {
	s, err := Create(FamilyIPv4)
	if err != nil {
		return false
	}
	defer s.Close()
	_ = s.SetReuseAddress(true)
	err = s.Bind(Addr{Family: FamilyIPv4, IP: [4]byte{127, 0, 0, 1}, Port: port})
	return err == nil
}

func errno(err error) int {
	if e, ok := err.(unix.Errno); ok {
		return int(e)
	}
	return 0
}

func resultErr(kind api.ErrorKind, errnoVal int) error {
	r := api.NewResult(kind, errnoVal)
	return r.AsError()
}
