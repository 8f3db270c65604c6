// SPDX-License-Identifier: MIT

// Package xbee relays wireless-node traffic between module child
// processes and the master's radio transport.
//
// The radio coordinator lives in the master; modules that drive
// wireless devices (wDRT, wVOG) run as subprocesses. Inbound frames
// are forwarded to the owning instance as xbee_data commands; outbound
// frames arrive from children as xbee_send statuses and go out through
// the Transport.
package xbee

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rigstack/rigd/internal/metrics"
)

// MaxBufferSize bounds each proxy's receive buffer. Overflow drops the
// oldest frame, preserving liveness at the cost of loss.
const MaxBufferSize = 1000

// Transport is the master's radio: it can push a frame to a node.
type Transport interface {
	SendTo(nodeID, data string) bool
}

// Proxy buffers inbound frames for one wireless node.
type Proxy struct {
	nodeID string
	relay  *Relay

	mu        sync.Mutex
	buf       []string
	connected atomic.Bool
	dropped   atomic.Int64
}

// NodeID returns the wireless node this proxy serves.
func (p *Proxy) NodeID() string { return p.nodeID }

// Connected reports whether the proxy is active.
func (p *Proxy) Connected() bool { return p.connected.Load() }

// DroppedMessages returns how many inbound frames were discarded on a
// full buffer.
func (p *Proxy) DroppedMessages() int64 { return p.dropped.Load() }

// Push appends an inbound frame, dropping the oldest on overflow.
func (p *Proxy) Push(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) >= MaxBufferSize {
		p.buf = p.buf[1:]
		p.dropped.Add(1)
		p.relay.metrics.Dropped("xbee_proxy")
		p.relay.logger.Warn("xbee buffer overflow, oldest dropped",
			"node", p.nodeID, "dropped_total", p.dropped.Load())
	}
	p.buf = append(p.buf, data)
}

// ReadLine pops the oldest buffered frame, non-blocking.
func (p *Proxy) ReadLine() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return "", false
	}
	line := p.buf[0]
	p.buf = p.buf[1:]
	return line, true
}

// Write sends a frame out through the master's radio.
func (p *Proxy) Write(data string) bool {
	if !p.connected.Load() {
		p.relay.logger.Error("write to disconnected xbee proxy", "node", p.nodeID)
		return false
	}
	return p.relay.transport.SendTo(p.nodeID, data)
}

// Disconnect deactivates the proxy and clears its buffer.
func (p *Proxy) Disconnect() {
	p.connected.Store(false)
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}

// Relay owns the node -> instance routing and the per-node proxies.
type Relay struct {
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// forward delivers an inbound frame to an instance as an xbee_data
	// command line.
	forward func(instanceID, nodeID, data string) bool

	mu       sync.Mutex
	proxies  map[string]*Proxy // node -> proxy
	owners   map[string]string // node -> instance
	nodesFor map[string][]string
}

// NewRelay creates a Relay over the given radio transport.
func NewRelay(transport Transport, forward func(instanceID, nodeID, data string) bool,
	logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{
		transport: transport,
		logger:    logger,
		metrics:   m,
		forward:   forward,
		proxies:   make(map[string]*Proxy),
		owners:    make(map[string]string),
		nodesFor:  make(map[string][]string),
	}
}

// Bind routes a wireless node to the instance that drives it and
// returns the node's proxy.
func (r *Relay) Bind(nodeID, instanceID string) *Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proxies[nodeID]
	if !ok {
		p = &Proxy{nodeID: nodeID, relay: r}
		r.proxies[nodeID] = p
	}
	p.connected.Store(true)
	r.owners[nodeID] = instanceID
	r.nodesFor[instanceID] = appendUnique(r.nodesFor[instanceID], nodeID)

	r.logger.Info("xbee node bound", "node", nodeID, "instance", instanceID)
	return p
}

// UnbindInstance removes all routing for an instance (stop or crash).
func (r *Relay) UnbindInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, nodeID := range r.nodesFor[instanceID] {
		if p, ok := r.proxies[nodeID]; ok {
			p.Disconnect()
		}
		delete(r.owners, nodeID)
		delete(r.proxies, nodeID)
	}
	delete(r.nodesFor, instanceID)
}

// OnRadioData handles one inbound frame from the radio: buffer it on
// the node's proxy and forward it to the owning instance.
func (r *Relay) OnRadioData(nodeID, data string) {
	r.mu.Lock()
	p := r.proxies[nodeID]
	owner := r.owners[nodeID]
	r.mu.Unlock()

	if p == nil || owner == "" {
		r.logger.Debug("frame for unbound node", "node", nodeID)
		return
	}

	p.Push(data)
	if !r.forward(owner, nodeID, data) {
		r.logger.Warn("failed to forward xbee frame", "node", nodeID, "instance", owner)
	}
}

// OnModuleSend handles an xbee_send status from a child: relay the
// frame out through the radio.
func (r *Relay) OnModuleSend(instanceID, nodeID, data string) {
	if nodeID == "" {
		r.logger.Warn("xbee_send without node id", "instance", instanceID)
		return
	}
	if !r.transport.SendTo(nodeID, data) {
		r.logger.Warn("radio send failed", "node", nodeID, "instance", instanceID)
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
