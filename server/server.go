// File: server/server.go
// Package server owns the listener socket and the accept loop (spec.md
// §2 component H, §4.H).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A shutdown-channel-plus-accept-goroutine shape, with the Server struct
// carrying its own buffer pool and control state, implementing spec.md
// §4.H's accept -> admit -> dispatch-to-worker sequence over a bounded
// workerPool (server/workerpool.go) rather than one goroutine per
// connection.

package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wsforge/wsserver/admission"
	"github.com/wsforge/wsserver/api"
	"github.com/wsforge/wsserver/pool"
	"github.com/wsforge/wsserver/socket"
	"github.com/wsforge/wsserver/wsconn"
)

// Server accepts TCP connections on one listening socket, admits them
// through the admission controller, and dispatches each to a bounded
// worker pool for the full HTTP-or-WebSocket lifecycle.
type Server struct {
	cfg     *Config
	handler api.Handler
	adm     *admission.Controller
	bufPool api.BufferPool
	log     hclog.Logger

	listener *socket.Socket
	workers  *workerPool

	shutdownCh chan struct{}
	closeOnce  sync.Once
	running    int32

	connsMu sync.Mutex
	conns   map[*wsconn.Conn]struct{}
}

// New constructs a Server bound to cfg. It does not start listening; call
// Run for that.
func New(cfg *Config, handler api.Handler) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if handler == nil {
		return nil, fmt.Errorf("server: handler is required")
	}
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Server{
		cfg:        cfg,
		handler:    handler,
		adm:        admission.New(cfg.Admission),
		bufPool:    pool.NewBytePool(),
		log:        log.Named("server"),
		shutdownCh: make(chan struct{}),
		conns:      make(map[*wsconn.Conn]struct{}),
	}, nil
}

// Run binds, listens, and blocks until Shutdown is called or the listener
// fails irrecoverably (spec.md §4.H).
func (s *Server) Run() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("server: already running")
	}

	sock, err := socket.Create(socket.FamilyIPv4)
	if err != nil {
		return err
	}
	_ = sock.SetReuseAddress(true)

	ip, err := parseIPv4(s.cfg.ListenAddr)
	if err != nil {
		sock.Close()
		return err
	}
	if err := sock.Bind(socket.Addr{Family: socket.FamilyIPv4, IP: ip, Port: s.cfg.Port}); err != nil {
		sock.Close()
		return err
	}
	if err := sock.Listen(s.cfg.Backlog); err != nil {
		sock.Close()
		return err
	}
	if err := sock.SetBlocking(true); err != nil {
		sock.Close()
		return err
	}
	s.listener = sock
	s.workers = newWorkerPool(s.cfg.NumWorkers)

	s.log.Info("listening", "addr", s.cfg.ListenAddr, "port", s.cfg.Port)

	go s.housekeeping()
	s.acceptLoop()
	return nil
}

// acceptLoop accepts connections until Shutdown closes the listener.
func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		peerSock, addr, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.handler.OnError("accept failed: " + err.Error())
				continue
			}
		}

		ip := formatIPv4(addr)
		if !s.adm.Allow(ip) {
			s.handler.OnSecurityViolation(ip, "connection rejected: security limits exceeded")
			peerSock.Close()
			continue
		}
		_ = peerSock.SetBlocking(true)
		s.adm.Register(ip, false)

		tr := &socketTransport{sock: peerSock, timeout: s.cfg.ReceiveTimeout}
		c := wsconn.New(tr, ip, s.bufPool, s.handler, s.adm, s.cfg.Limits, s.cfg.Subprotocols, s.log)

		s.trackConn(c, true)
		submitted := s.workers.Submit(func() {
			defer s.trackConn(c, false)
			c.Admit()
			for c.State() != wsconn.StateClosed {
				select {
				case <-s.shutdownCh:
					c.ForceClose()
					c.ServeOnce()
					return
				default:
				}
				c.ServeOnce()
			}
		})
		if !submitted {
			peerSock.Close()
			s.adm.Release(ip)
		}
	}
}

func (s *Server) trackConn(c *wsconn.Conn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// housekeeping ticks every cfg.HousekeepingTick, one second by default or
// when unset (spec.md §4.H Cancellation, §5 "housekeeping tick"), and reaps connections that have gone idle past
// their deadline, since a connection blocked in a receive with no traffic
// otherwise never revisits its own idle check until its transport timeout
// next elapses.
func (s *Server) housekeeping() {
	tick := s.cfg.HousekeepingTick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.reapIdleConns()
		}
	}
}

// reapIdleConns force-closes every tracked connection that has gone idle,
// per either its own deadline or the admission controller's independent
// per-IP activity tracking.
func (s *Server) reapIdleConns() {
	s.connsMu.Lock()
	snapshot := make([]*wsconn.Conn, 0, len(s.conns))
	for c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.connsMu.Unlock()

	for _, c := range snapshot {
		if c.IdleTimedOut() || s.adm.IdleTimedOut(c.ClientIP()) {
			c.ForceClose()
		}
	}
}

// Shutdown closes the listener, signals every worker to move its live
// connection to CLOSING on its next iteration, waits up to
// cfg.ShutdownTimeout for the tracked connections to drain, then closes
// the worker pool, which waits for every remaining task to return
// (spec.md §4.H, §5 "Cancellation").
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.shutdownCh)
		if s.listener != nil {
			_ = s.listener.Close()
		}

		deadline := time.Now().Add(s.cfg.ShutdownTimeout)
		for time.Now().Before(deadline) {
			if s.liveConnCount() == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}

		s.connsMu.Lock()
		for c := range s.conns {
			_ = c // connections observe shutdownCh on their next ServeOnce iteration and close themselves
		}
		s.connsMu.Unlock()

		if s.workers != nil {
			s.workers.Close()
		}
	})
}

func (s *Server) liveConnCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// ConnectedIPs exposes the admission controller's live-IP snapshot
// (spec.md SPEC_FULL.md §11 supplemented feature).
func (s *Server) ConnectedIPs() []string { return s.adm.ConnectedIPs() }

// BlockedIPs exposes the admission controller's blocklist snapshot.
func (s *Server) BlockedIPs() []string { return s.adm.BlockedIPs() }

// BlockIP adds ip to the admission blocklist at runtime and forcibly
// closes any connections already open from that IP (spec.md §4.F
// "Dynamic management": "adding an IP also forcibly closes any existing
// connections from that IP").
func (s *Server) BlockIP(ip string) {
	s.adm.BlockIP(ip)

	s.connsMu.Lock()
	var victims []*wsconn.Conn
	for c := range s.conns {
		if c.ClientIP() == ip {
			victims = append(victims, c)
		}
	}
	s.connsMu.Unlock()

	for _, c := range victims {
		c.ForceClose()
	}
}

// socketTransport adapts *socket.Socket to wsconn.Transport using a
// bounded receive timeout so a blocking-mode connection goroutine still
// wakes periodically to observe shutdown and idle deadlines.
type socketTransport struct {
	sock    *socket.Socket
	timeout time.Duration
}

func (t *socketTransport) Send(b []byte) (int, error) { return t.sock.Send(b) }

func (t *socketTransport) Receive(max int) ([]byte, error) {
	return t.sock.ReceiveTimeout(max, t.timeout)
}

func (t *socketTransport) ReceiveInto(buf []byte) (int, error) {
	return t.sock.ReceiveIntoTimeout(buf, t.timeout)
}

func (t *socketTransport) Close() error { return t.sock.Close() }
