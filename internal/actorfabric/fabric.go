package actorfabric

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arinet/ipcpd/internal/cdap"
	"github.com/arinet/ipcpd/internal/efcp"
	"github.com/arinet/ipcpd/internal/enrollment"
	"github.com/arinet/ipcpd/internal/fal"
	"github.com/arinet/ipcpd/internal/pdu"
	"github.com/arinet/ipcpd/internal/rib"
	"github.com/arinet/ipcpd/internal/rmt"
	"github.com/arinet/ipcpd/internal/routing"
	"github.com/arinet/ipcpd/internal/shim"
)

const forwardPumpInterval = 20 * time.Millisecond

// Fabric wires the mailbox-serialized RIB/EFCP/RMT actors to the UDP
// shim and the FAL-N-1 neighbor table, and supervises every background
// goroutine (receive loop, forwarding pump, actor run loops) as one
// errgroup so a single failure tears the rest down and is reported to
// the caller, the same supervision shape AIStore's dsort pipeline uses
// for its worker goroutines.
type Fabric struct {
	Rib  *RibHandle
	Efcp *EfcpHandle
	Rmt  *RmtHandle

	shim     *shim.Shim
	fal      *fal.FAL
	resolver *routing.Resolver

	bootstrap *enrollment.Bootstrap

	ribActor  *Actor[*rib.RIB]
	efcpActor *Actor[*efcp.EFCP]
	rmtActor  *Actor[*rmt.RMT]

	logger *logrus.Entry
}

// New assembles a Fabric from already-constructed subsystem state. bootstrap
// may be nil for a member IPCP that never answers enrollment requests.
func New(r *rib.RIB, e *efcp.EFCP, rm *rmt.RMT, resolver *routing.Resolver, s *shim.Shim, f *fal.FAL, bootstrap *enrollment.Bootstrap, mailboxCapacity int) *Fabric {
	ribHandle, ribActor := NewRibHandle(r, mailboxCapacity)
	efcpHandle, efcpActor := NewEfcpHandle(e, mailboxCapacity)
	rmtHandle, rmtActor := NewRmtHandle(rm, mailboxCapacity)

	return &Fabric{
		Rib:       ribHandle,
		Efcp:      efcpHandle,
		Rmt:       rmtHandle,
		shim:      s,
		fal:       f,
		resolver:  resolver,
		bootstrap: bootstrap,
		ribActor:  ribActor,
		efcpActor: efcpActor,
		rmtActor:  rmtActor,
		logger:    logrus.WithField("subsystem", "actorfabric"),
	}
}

// Run starts every actor and background task and blocks until ctx is
// cancelled or one of them returns an error.
func (fb *Fabric) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return fb.ribActor.Run(gctx) })
	group.Go(func() error { return fb.efcpActor.Run(gctx) })
	group.Go(func() error { return fb.rmtActor.Run(gctx) })
	group.Go(func() error { return fb.receiveLoop(gctx) })
	group.Go(func() error { return fb.forwardPump(gctx) })

	err := group.Wait()
	fb.ribActor.Close()
	fb.efcpActor.Close()
	fb.rmtActor.Close()
	return err
}

// receiveLoop pulls inbound packets off the shim and routes each one
// through the RMT's forward/deliver decision, handing management PDUs
// to CDAP dispatch and data/ack PDUs to the matching EFCP flow.
func (fb *Fabric) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p, src, ok, err := fb.shim.RecvPDU()
		if err != nil {
			fb.logger.WithError(err).Warn("shim receive failed")
			continue
		}
		if !ok {
			continue
		}

		fb.fal.RecordReceivedFrom(p.SrcAddr, src)

		decision, _, err := fb.Rmt.ProcessIncoming(ctx, p)
		if err != nil {
			fb.logger.WithError(err).WithField("dst", p.DstAddr).Debug("incoming pdu not routable")
			continue
		}
		if decision == rmt.Forward {
			continue // queued; forwardPump drains it
		}

		fb.deliverLocal(ctx, p, src)
	}
}

func (fb *Fabric) deliverLocal(ctx context.Context, p pdu.PDU, src *net.UDPAddr) {
	switch p.Type {
	case pdu.Management:
		fb.handleManagement(ctx, p, src)
	case pdu.Data, pdu.Ack:
		if _, _, err := fb.Efcp.ReceivePDU(ctx, p.DstCEPID, p); err != nil {
			fb.logger.WithError(err).WithField("flow_id", p.DstCEPID).Debug("dropping pdu for unknown flow")
		}
	}
}

// handleManagement answers a management PDU's CDAP request. A bootstrap
// IPCP gets first refusal on enrollment/routing-stub messages; anything
// it doesn't recognize, and everything on a member IPCP, is dispatched
// straight at the local RIB.
func (fb *Fabric) handleManagement(ctx context.Context, p pdu.PDU, src *net.UDPAddr) {
	if fb.bootstrap != nil {
		if resp, handled := fb.bootstrap.HandleCDAPMessage(p, src); handled {
			fb.sendCDAPReply(p, resp)
			return
		}
	}

	req, err := cdap.Decode(p.Payload)
	if err != nil {
		fb.logger.WithError(err).Debug("dropping undecodable cdap payload")
		return
	}

	resp, err := fb.Rib.DispatchCDAP(ctx, req)
	if err != nil {
		fb.logger.WithError(err).Debug("cdap dispatch failed")
		return
	}
	fb.sendCDAPReply(p, resp)
}

func (fb *Fabric) sendCDAPReply(req pdu.PDU, resp cdap.Message) {
	reply := pdu.PDU{
		SrcAddr: req.DstAddr,
		DstAddr: req.SrcAddr,
		Type:    pdu.Management,
		Payload: cdap.Encode(resp),
	}
	if err := fb.shim.SendPDU(reply); err != nil {
		fb.logger.WithError(err).Debug("failed to send cdap reply")
	}
}

// forwardPump drains every active next-hop queue the RMT is holding and
// hands each PDU to the FAL-N-1 for delivery, creating the neighbor flow
// on demand via GetOrCreateFlow; a PDU whose flow cannot be created is
// dropped, not retried.
func (fb *Fabric) forwardPump(ctx context.Context) error {
	ticker := time.NewTicker(forwardPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, nextHop := range fb.resolver.AllNextHops() {
				for {
					p, ok, err := fb.Rmt.DequeueForNextHop(ctx, nextHop)
					if err != nil || !ok {
						break
					}
					if _, ferr := fb.fal.GetOrCreateFlow(p.DstAddr); ferr != nil {
						fb.logger.WithError(ferr).WithField("dst", p.DstAddr).Warn("dropping pdu with no neighbor flow")
						continue
					}
					if serr := fb.fal.SendPDU(p.DstAddr, p); serr != nil {
						fb.logger.WithError(serr).WithField("dst", p.DstAddr).Warn("forwarding send failed")
					}
				}
			}
		}
	}
}
