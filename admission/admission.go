// File: admission/admission.go
// Package admission is the connection gate (spec.md §2 component F, §4.F):
// per-IP connection caps, a global connection cap, sliding-window request
// rate limiting, loopback exemption and an IP blocklist.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A sharded map (FNV-1a/power-of-two shard selection, Mutex per shard)
// keyed by IP-by-string accounting, with Controller.Allow/Register/Release
// applying the same ordering of checks throughout: loopback bypass,
// blocklist, global cap, per-IP cap, rate window.

package admission

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Config mirrors the original SecurityConfig: limits and feature toggles
// for the admission gate.
type Config struct {
	MaxConnectionsPerIP      int
	MaxConnectionsTotal      int
	MaxRequestsPerIP         int
	RequestResetPeriod       time.Duration
	ConnectionTimeout        time.Duration
	MaxRequestSize           int64
	MaxMessageSize           int64
	EnableRequestSizeLimit   bool
	EnableMessageSizeLimit   bool
	EnableConnectionTimeout  bool
	EnableRateLimiting       bool
	EnableIPBlocking         bool
	ShardCount               int
}

// DefaultConfig sets the standard security-gate defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP:     10,
		MaxConnectionsTotal:     100,
		MaxRequestsPerIP:        1000,
		RequestResetPeriod:      60 * time.Second,
		ConnectionTimeout:       300 * time.Second,
		MaxRequestSize:          1 << 20,
		MaxMessageSize:          1 << 20,
		EnableRequestSizeLimit:  true,
		EnableMessageSizeLimit:  true,
		EnableConnectionTimeout: true,
		EnableRateLimiting:      true,
		EnableIPBlocking:        true,
		ShardCount:              16,
	}
}

// connInfo tracks per-IP state, the Go counterpart of ConnectionInfo.
type connInfo struct {
	firstConnection   time.Time
	lastConnection    time.Time
	lastActivity      time.Time
	requestPeriodStart time.Time
	currentConnections int
	requestsThisPeriod int
	totalRequests      int
	isWebSocket        bool
}

type shard struct {
	mu sync.Mutex
	m  map[string]*connInfo
}

// Controller is the admission gate. Zero value is not valid; use New.
type Controller struct {
	cfg    Config
	shards []*shard
	mask   uint32

	blockMu   sync.RWMutex
	blocked   map[string]struct{}

	current int64 // atomic global connection count
}

// New constructs a Controller from cfg.
func New(cfg Config) *Controller {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	n := nextPowerOfTwo(uint32(cfg.ShardCount))
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{m: make(map[string]*connInfo)}
	}
	return &Controller{
		cfg:     cfg,
		shards:  shards,
		mask:    n - 1,
		blocked: make(map[string]struct{}),
	}
}

func (c *Controller) shardFor(ip string) *shard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return c.shards[h.Sum32()&c.mask]
}

// isLoopback matches the original's literal string comparison (spec.md
// §4.F "loopback exemption"), not a CIDR test, since the source list was
// exactly these three strings.
func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost"
}

// IsLoopback reports whether ip is exempt from admission and size checks
// alike (spec.md §4.F "loopback IPs bypass all size checks").
func IsLoopback(ip string) bool { return isLoopback(ip) }

// RequestSizeLimitEnabled reports whether HTTP request size caps are
// active for this controller's configuration.
func (c *Controller) RequestSizeLimitEnabled() bool { return c.cfg.EnableRequestSizeLimit }

// MessageSizeLimitEnabled reports whether WebSocket frame/message size
// caps are active for this controller's configuration.
func (c *Controller) MessageSizeLimitEnabled() bool { return c.cfg.EnableMessageSizeLimit }

// Allow reports whether a new connection from ip should be admitted,
// checking blocklist, global cap, per-IP cap and rate window in that order.
func (c *Controller) Allow(ip string) bool {
	if isLoopback(ip) {
		return true
	}
	if c.cfg.EnableIPBlocking && c.IsBlocked(ip) {
		return false
	}
	if atomic.LoadInt64(&c.current) >= int64(c.cfg.MaxConnectionsTotal) {
		return false
	}

	sh := c.shardFor(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	info, ok := sh.m[ip]
	if !ok {
		return true
	}
	if info.currentConnections >= c.cfg.MaxConnectionsPerIP {
		return false
	}
	if c.cfg.EnableRateLimiting {
		now := time.Now()
		if now.Sub(info.requestPeriodStart) >= c.cfg.RequestResetPeriod {
			info.requestsThisPeriod = 0
			info.requestPeriodStart = now
		}
		if info.requestsThisPeriod >= c.cfg.MaxRequestsPerIP {
			return false
		}
	}
	return true
}

// Register records a newly admitted connection from ip.
func (c *Controller) Register(ip string, isWebSocket bool) {
	if isLoopback(ip) {
		atomic.AddInt64(&c.current, 1)
		return
	}
	sh := c.shardFor(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	info, ok := sh.m[ip]
	if !ok {
		info = &connInfo{firstConnection: now, requestPeriodStart: now}
		sh.m[ip] = info
	}
	info.currentConnections++
	info.lastConnection = now
	info.lastActivity = now
	info.isWebSocket = isWebSocket
	atomic.AddInt64(&c.current, 1)
}

// RecordRequest counts one request against ip's rate window, resetting the
// window if it has elapsed. Call on every HTTP request and WS message.
func (c *Controller) RecordRequest(ip string) {
	if isLoopback(ip) {
		return
	}
	sh := c.shardFor(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	info, ok := sh.m[ip]
	if !ok {
		return
	}
	now := time.Now()
	if now.Sub(info.requestPeriodStart) >= c.cfg.RequestResetPeriod {
		info.requestsThisPeriod = 0
		info.requestPeriodStart = now
	}
	info.requestsThisPeriod++
	info.totalRequests++
	info.lastActivity = now
}

// Release removes one connection's accounting for ip, erasing the entry
// once its connection count drops to zero.
func (c *Controller) Release(ip string) {
	if isLoopback(ip) {
		atomic.AddInt64(&c.current, -1)
		return
	}
	sh := c.shardFor(ip)
	sh.mu.Lock()
	if info, ok := sh.m[ip]; ok {
		info.currentConnections--
		if info.currentConnections <= 0 {
			delete(sh.m, ip)
		}
	}
	sh.mu.Unlock()
	atomic.AddInt64(&c.current, -1)
}

// IdleTimedOut reports whether ip's last recorded activity exceeds the
// configured connection timeout (spec.md §4.F idle timeout).
func (c *Controller) IdleTimedOut(ip string) bool {
	if !c.cfg.EnableConnectionTimeout || isLoopback(ip) {
		return false
	}
	sh := c.shardFor(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	info, ok := sh.m[ip]
	if !ok {
		return false
	}
	return time.Since(info.lastActivity) >= c.cfg.ConnectionTimeout
}

// Touch refreshes ip's last-activity timestamp without counting a request.
func (c *Controller) Touch(ip string) {
	if isLoopback(ip) {
		return
	}
	sh := c.shardFor(ip)
	sh.mu.Lock()
	if info, ok := sh.m[ip]; ok {
		info.lastActivity = time.Now()
	}
	sh.mu.Unlock()
}

// BlockIP adds ip to the blocklist.
func (c *Controller) BlockIP(ip string) {
	c.blockMu.Lock()
	c.blocked[ip] = struct{}{}
	c.blockMu.Unlock()
}

// UnblockIP removes ip from the blocklist.
func (c *Controller) UnblockIP(ip string) {
	c.blockMu.Lock()
	delete(c.blocked, ip)
	c.blockMu.Unlock()
}

// IsBlocked reports whether ip is on the blocklist.
func (c *Controller) IsBlocked(ip string) bool {
	c.blockMu.RLock()
	_, ok := c.blocked[ip]
	c.blockMu.RUnlock()
	return ok
}

// BlockedIPs returns a snapshot of the current blocklist.
func (c *Controller) BlockedIPs() []string {
	c.blockMu.RLock()
	defer c.blockMu.RUnlock()
	out := make([]string, 0, len(c.blocked))
	for ip := range c.blocked {
		out = append(out, ip)
	}
	return out
}

// ConnectedIPs returns a snapshot of IPs with at least one tracked
// connection. Loopback connections are counted globally, not per-IP, and so
// never appear here (matching the original's tracking split).
func (c *Controller) ConnectedIPs() []string {
	out := make([]string, 0)
	for _, sh := range c.shards {
		sh.mu.Lock()
		for ip, info := range sh.m {
			if info.currentConnections > 0 {
				out = append(out, ip)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// CurrentConnections returns the live global connection count.
func (c *Controller) CurrentConnections() int64 {
	return atomic.LoadInt64(&c.current)
}

func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
