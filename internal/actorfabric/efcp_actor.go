package actorfabric

import (
	"context"

	"github.com/arinet/ipcpd/internal/efcp"
	"github.com/arinet/ipcpd/internal/pdu"
)

// EfcpHandle is the mailbox-serialized front door to an *efcp.EFCP.
type EfcpHandle struct {
	actor *Actor[*efcp.EFCP]
}

func NewEfcpHandle(e *efcp.EFCP, mailboxCapacity int) (*EfcpHandle, *Actor[*efcp.EFCP]) {
	a := NewActor(e, mailboxCapacity)
	return &EfcpHandle{actor: a}, a
}

func (h *EfcpHandle) AllocateFlow(ctx context.Context, remoteAddr uint64, localCEP, remoteCEP uint32, cfg efcp.Config) (*efcp.Flow, error) {
	type result struct {
		flow *efcp.Flow
		err  error
	}
	r, err := Call(ctx, h.actor, func(e *efcp.EFCP) result {
		flow, err := e.AllocateFlow(remoteAddr, localCEP, remoteCEP, cfg)
		return result{flow, err}
	})
	if err != nil {
		return nil, err
	}
	return r.flow, r.err
}

func (h *EfcpHandle) DeallocateFlow(ctx context.Context, flowID uint32) error {
	err := callErr(ctx, h.actor, func(e *efcp.EFCP) error { return e.DeallocateFlow(flowID) })
	return err
}

func (h *EfcpHandle) SendData(ctx context.Context, flowID uint32, payload []byte) (pdu.PDU, error) {
	type result struct {
		p   pdu.PDU
		err error
	}
	r, err := Call(ctx, h.actor, func(e *efcp.EFCP) result {
		flow, ferr := e.GetFlow(flowID)
		if ferr != nil {
			return result{pdu.PDU{}, ferr}
		}
		p, serr := flow.SendData(payload)
		return result{p, serr}
	})
	if err != nil {
		return pdu.PDU{}, err
	}
	return r.p, r.err
}

func (h *EfcpHandle) ReceivePDU(ctx context.Context, flowID uint32, p pdu.PDU) ([]byte, bool, error) {
	type result struct {
		payload []byte
		ok      bool
		err     error
	}
	r, err := Call(ctx, h.actor, func(e *efcp.EFCP) result {
		flow, ferr := e.GetFlow(flowID)
		if ferr != nil {
			return result{nil, false, ferr}
		}
		payload, ok := flow.ReceivePDU(p)
		return result{payload, ok, nil}
	})
	if err != nil {
		return nil, false, err
	}
	return r.payload, r.ok, r.err
}

func (h *EfcpHandle) ListFlows(ctx context.Context) ([]uint32, error) {
	return Call(ctx, h.actor, func(e *efcp.EFCP) []uint32 { return e.ListFlows() })
}

// callErr adapts a func(S) error into the Call[S, R] shape.
func callErr[S any](ctx context.Context, a *Actor[S], fn func(S) error) error {
	err, cerr := Call(ctx, a, fn)
	if cerr != nil {
		return cerr
	}
	return err
}
