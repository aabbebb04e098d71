// File: server/config.go
// Package server is the accept loop and lifecycle owner (spec.md §2
// component H, §4.H).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Config is a flat struct of tunables plus a DefaultConfig constructor,
// trimmed to the fields this contract actually needs: no DPDK/NUMA/CPU-
// affinity knobs, since spec.md's Non-goals exclude the hardware-topology
// layer.

package server

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wsforge/wsserver/admission"
	"github.com/wsforge/wsserver/wsconn"
)

// Config collects every tunable the server loop needs.
type Config struct {
	ListenAddr      string
	Port            uint16
	Backlog         int
	NumWorkers      int
	QueueCapacity   int
	ShutdownTimeout time.Duration
	HousekeepingTick time.Duration
	ReceiveTimeout  time.Duration

	Admission admission.Config
	Limits    wsconn.Limits

	// Subprotocols lists the WebSocket subprotocols this server offers,
	// for negotiation against each client's Sec-WebSocket-Protocol offer
	// (spec.md §4.D). Only membership counts: the client's order picks the
	// winner. Nil disables subprotocol negotiation.
	Subprotocols []string

	Logger hclog.Logger
}

// DefaultConfig returns sane defaults for a single-process deployment,
// overridable field by field before New.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1",
		Port:             8080,
		Backlog:          128,
		NumWorkers:       32,
		QueueCapacity:    1024,
		ShutdownTimeout:  30 * time.Second,
		HousekeepingTick: 1 * time.Second,
		ReceiveTimeout:   1 * time.Second,
		Admission:        admission.DefaultConfig(),
		Limits:           wsconn.DefaultLimits(),
		Subprotocols:     nil,
	}
}
