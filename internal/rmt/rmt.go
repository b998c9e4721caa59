// Package rmt implements the Relaying & Multiplexing Task: the decision
// point that maps every PDU to "deliver locally", "forward", or a named
// failure, backed by bounded per-next-hop output queues.
package rmt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arinet/ipcpd/internal/pdu"
	"github.com/arinet/ipcpd/internal/policies"
	"github.com/arinet/ipcpd/internal/routing"
)

var (
	ErrLoopback = errors.New("rmt: destination is local address; loopback not expected here")
	ErrNoRoute  = errors.New("rmt: no route")
)

// QueueFullError reports a full per-next-hop queue.
type QueueFullError struct{ NextHop string }

func (e *QueueFullError) Error() string { return fmt.Sprintf("rmt: queue full for next hop %s", e.NextHop) }

const defaultQueueCapacity = 100

// RMT owns the outgoing per-next-hop queues and the policies that govern
// admission and scheduling within them.
type RMT struct {
	mu            sync.Mutex
	localAddr     uint64
	queues        map[string][]pdu.PDU
	queueCapacity int
	resolver      *routing.Resolver
	scheduling    policies.SchedulingPolicy
	qos           policies.QoSPolicy
	logger        *logrus.Entry
}

// Config controls queue capacity and the pluggable policies; zero values
// fall back to FIFO scheduling, admit-all QoS, and capacity 100.
type Config struct {
	QueueCapacity int
	Scheduling    policies.SchedulingPolicy
	QoS           policies.QoSPolicy
}

func New(localAddr uint64, resolver *routing.Resolver, cfg Config) *RMT {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	scheduling := cfg.Scheduling
	if scheduling == nil {
		scheduling = policies.FIFOScheduling{}
	}
	qos := cfg.QoS
	if qos == nil {
		qos = policies.AdmitAll{}
	}
	return &RMT{
		localAddr:     localAddr,
		queues:        make(map[string][]pdu.PDU),
		queueCapacity: capacity,
		resolver:      resolver,
		scheduling:    scheduling,
		qos:           qos,
		logger:        logrus.WithField("subsystem", "rmt"),
	}
}

// ProcessOutgoing resolves a next hop for p.DstAddr and enqueues it for
// forwarding, returning the resolved next hop on success.
func (r *RMT) ProcessOutgoing(p pdu.PDU) (string, error) {
	if p.DstAddr == r.localAddr {
		return "", ErrLoopback
	}
	nextHop, err := r.resolver.ResolveNextHop(p.DstAddr)
	if err != nil {
		return "", fmt.Errorf("%w: dst %d", ErrNoRoute, p.DstAddr)
	}
	if err := r.enqueue(nextHop, p); err != nil {
		return "", err
	}
	return nextHop, nil
}

// Decision is the outcome of ProcessIncoming.
type Decision int

const (
	DeliverLocally Decision = iota
	Forward
)

// ProcessIncoming decides whether p is for this node or must be relayed
// onward, enqueueing it for forwarding in the latter case.
func (r *RMT) ProcessIncoming(p pdu.PDU) (Decision, string, error) {
	if p.DstAddr == r.localAddr {
		return DeliverLocally, "", nil
	}
	nextHop, err := r.resolver.ResolveNextHop(p.DstAddr)
	if err != nil {
		return Forward, "", fmt.Errorf("%w: dst %d", ErrNoRoute, p.DstAddr)
	}
	if err := r.enqueue(nextHop, p); err != nil {
		return Forward, nextHop, err
	}
	return Forward, nextHop, nil
}

func (r *RMT) enqueue(nextHop string, p pdu.PDU) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queues[nextHop]
	if !r.qos.Admit(p, len(queue), r.queueCapacity) {
		r.logger.WithFields(logrus.Fields{"next_hop": nextHop, "priority": p.QoS.Priority}).Debug("dropping low-priority pdu on admission")
		return nil
	}
	if len(queue) >= r.queueCapacity {
		return &QueueFullError{NextHop: nextHop}
	}
	r.queues[nextHop] = append(queue, p)
	return nil
}

// DequeueForNextHop pops the next PDU to emit for nextHop per the
// configured scheduling policy; ok=false when the queue is empty.
func (r *RMT) DequeueForNextHop(nextHop string) (pdu.PDU, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, ok := r.queues[nextHop]
	if !ok || len(queue) == 0 {
		return pdu.PDU{}, false
	}
	chosen, rest, ok := r.scheduling.Select(queue)
	if !ok {
		return pdu.PDU{}, false
	}
	r.queues[nextHop] = rest
	return chosen, true
}

// QueueLen reports how many PDUs are currently queued for nextHop.
func (r *RMT) QueueLen(nextHop string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[nextHop])
}

// PopulateForwardingTable is a one-shot bootstrap step: it installs every
// given (dst, nextHop) pair as a static route so the forwarding table is
// primed before the RMT processes its first PDU.
func (r *RMT) PopulateForwardingTable(entries map[uint64]string) {
	for dst, nextHop := range entries {
		r.resolver.AddStaticRoute(dst, nextHop)
	}
}
