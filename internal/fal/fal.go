// Package fal implements the Inter-IPCP Flow Allocator (FAL-N-1): one
// logical bidirectional N-1 flow per neighbor, hiding underlay address
// changes from everything above it. The session table and its staleness
// sweep mirror the connection-map pattern the teacher used for its
// session manager.
package fal

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arinet/ipcpd/internal/pdu"
	"github.com/arinet/ipcpd/internal/routing"
	"github.com/arinet/ipcpd/internal/shim"
)

// State is the lifecycle of an inter-IPCP flow.
type State int

const (
	Active State = iota
	Stale
	Failed
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Stale:
		return "Stale"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var ErrNoRouteToNeighbor = errors.New("fal: no route to neighbor")

const defaultStaleTimeout = 5 * time.Minute

// Flow is the allocator's view of one neighbor relationship.
type Flow struct {
	RemoteAddr   uint64
	SocketAddr   *net.UDPAddr
	State        State
	LastActivity time.Time
	Sent         uint64
	Received     uint64
	SendErrors   uint64
}

// FAL owns the neighbor flow table for one IPC Process.
type FAL struct {
	mu           sync.Mutex
	flows        map[uint64]*Flow
	shim         *shim.Shim
	resolver     *routing.Resolver
	staleTimeout time.Duration
	logger       *logrus.Entry
}

func New(s *shim.Shim, resolver *routing.Resolver, staleTimeout time.Duration) *FAL {
	if staleTimeout <= 0 {
		staleTimeout = defaultStaleTimeout
	}
	return &FAL{
		flows:        make(map[uint64]*Flow),
		shim:         s,
		resolver:     resolver,
		staleTimeout: staleTimeout,
		logger:       logrus.WithField("subsystem", "fal"),
	}
}

// GetOrCreateFlow returns the existing Active flow for remoteAddr, or
// resolves a socket address through the Route Resolver, registers that
// peer in the shim, and installs a fresh Active flow.
func (f *FAL) GetOrCreateFlow(remoteAddr uint64) (*Flow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.flows[remoteAddr]; ok && existing.State == Active {
		return existing, nil
	}

	hop, err := f.resolver.ResolveNextHop(remoteAddr)
	if err != nil {
		return nil, ErrNoRouteToNeighbor
	}
	udpAddr, err := net.ResolveUDPAddr("udp", hop)
	if err != nil {
		return nil, ErrNoRouteToNeighbor
	}
	f.shim.RegisterPeer(remoteAddr, udpAddr)

	flow := &Flow{
		RemoteAddr:   remoteAddr,
		SocketAddr:   udpAddr,
		State:        Active,
		LastActivity: time.Now(),
	}
	f.flows[remoteAddr] = flow
	f.logger.WithField("remote_addr", remoteAddr).Debug("neighbor flow created")
	return flow, nil
}

// SendPDU delegates p to the shim, updating counters and marking the
// flow Failed on a transport error.
func (f *FAL) SendPDU(nextHop uint64, p pdu.PDU) error {
	f.mu.Lock()
	flow, ok := f.flows[nextHop]
	f.mu.Unlock()
	if !ok {
		return ErrNoRouteToNeighbor
	}

	err := f.shim.SendPDU(p)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		flow.SendErrors++
		flow.State = Failed
		return err
	}
	flow.Sent++
	flow.LastActivity = time.Now()
	return nil
}

// RecordReceivedFrom updates a flow's activity and receive counters on an
// inbound packet, re-registering the peer's socket address if it has
// changed (underlay roaming).
func (f *FAL) RecordReceivedFrom(remoteAddr uint64, socketAddr *net.UDPAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()

	flow, ok := f.flows[remoteAddr]
	if !ok {
		flow = &Flow{RemoteAddr: remoteAddr, State: Active}
		f.flows[remoteAddr] = flow
	}
	flow.Received++
	flow.LastActivity = time.Now()
	if flow.SocketAddr == nil || flow.SocketAddr.String() != socketAddr.String() {
		flow.SocketAddr = socketAddr
		f.shim.RegisterPeer(remoteAddr, socketAddr)
	}
}

// UpdatePeerAddress explicitly re-points a neighbor's socket address.
func (f *FAL) UpdatePeerAddress(remoteAddr uint64, newSocketAddr *net.UDPAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()

	flow, ok := f.flows[remoteAddr]
	if !ok {
		flow = &Flow{RemoteAddr: remoteAddr, State: Active}
		f.flows[remoteAddr] = flow
	}
	flow.SocketAddr = newSocketAddr
	f.shim.RegisterPeer(remoteAddr, newSocketAddr)
}

// CleanupStaleFlows drops every flow whose last activity predates the
// configured stale timeout, returning the count removed.
func (f *FAL) CleanupStaleFlows() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	removed := 0
	for addr, flow := range f.flows {
		if now.Sub(flow.LastActivity) > f.staleTimeout {
			delete(f.flows, addr)
			removed++
		}
	}
	if removed > 0 {
		f.logger.WithField("removed", removed).Debug("cleaned up stale neighbor flows")
	}
	return removed
}

// Flows returns a snapshot of all tracked neighbor flows.
func (f *FAL) Flows() map[uint64]Flow {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[uint64]Flow, len(f.flows))
	for addr, flow := range f.flows {
		out[addr] = *flow
	}
	return out
}
