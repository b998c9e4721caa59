package actorfabric

import (
	"context"

	"github.com/arinet/ipcpd/internal/pdu"
	"github.com/arinet/ipcpd/internal/rmt"
)

// RmtHandle is the mailbox-serialized front door to an *rmt.RMT.
type RmtHandle struct {
	actor *Actor[*rmt.RMT]
}

func NewRmtHandle(r *rmt.RMT, mailboxCapacity int) (*RmtHandle, *Actor[*rmt.RMT]) {
	a := NewActor(r, mailboxCapacity)
	return &RmtHandle{actor: a}, a
}

func (h *RmtHandle) ProcessOutgoing(ctx context.Context, p pdu.PDU) (string, error) {
	type result struct {
		nextHop string
		err     error
	}
	r, err := Call(ctx, h.actor, func(rm *rmt.RMT) result {
		nextHop, err := rm.ProcessOutgoing(p)
		return result{nextHop, err}
	})
	if err != nil {
		return "", err
	}
	return r.nextHop, r.err
}

func (h *RmtHandle) ProcessIncoming(ctx context.Context, p pdu.PDU) (rmt.Decision, string, error) {
	type result struct {
		decision rmt.Decision
		nextHop  string
		err      error
	}
	r, err := Call(ctx, h.actor, func(rm *rmt.RMT) result {
		decision, nextHop, err := rm.ProcessIncoming(p)
		return result{decision, nextHop, err}
	})
	if err != nil {
		return rmt.DeliverLocally, "", err
	}
	return r.decision, r.nextHop, r.err
}

func (h *RmtHandle) DequeueForNextHop(ctx context.Context, nextHop string) (pdu.PDU, bool, error) {
	type result struct {
		p  pdu.PDU
		ok bool
	}
	r, err := Call(ctx, h.actor, func(rm *rmt.RMT) result {
		p, ok := rm.DequeueForNextHop(nextHop)
		return result{p, ok}
	})
	if err != nil {
		return pdu.PDU{}, false, err
	}
	return r.p, r.ok, nil
}

func (h *RmtHandle) QueueLen(ctx context.Context, nextHop string) (int, error) {
	return Call(ctx, h.actor, func(rm *rmt.RMT) int { return rm.QueueLen(nextHop) })
}

func (h *RmtHandle) PopulateForwardingTable(ctx context.Context, entries map[uint64]string) error {
	_, err := Call(ctx, h.actor, func(rm *rmt.RMT) struct{} {
		rm.PopulateForwardingTable(entries)
		return struct{}{}
	})
	return err
}
