package actorfabric

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/arinet/ipcpd/internal/efcp"
	"github.com/arinet/ipcpd/internal/fal"
	"github.com/arinet/ipcpd/internal/pdu"
	"github.com/arinet/ipcpd/internal/rib"
	"github.com/arinet/ipcpd/internal/rmt"
	"github.com/arinet/ipcpd/internal/routing"
	"github.com/arinet/ipcpd/internal/shim"
)

func newNodeFabric(t *testing.T, localAddr uint64) (*Fabric, *shim.Shim) {
	t.Helper()
	s := shim.New()
	if err := s.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := rib.New(rib.Config{ChangeLogSize: 100})
	e := efcp.New(localAddr)
	resolver := routing.New(routing.Config{})
	rm := rmt.New(localAddr, resolver, rmt.Config{})
	f := fal.New(s, resolver, time.Minute)

	return New(r, e, rm, resolver, s, f, nil, 8), s
}

// TestFabricDeliversDataPDUToMatchingFlow exercises the receive loop's
// local-delivery path: a peer sends a Data PDU addressed to this node,
// and it should reach the EFCP flow keyed by DstCEPID.
func TestFabricDeliversDataPDUToMatchingFlow(t *testing.T) {
	const localAddr = 1001
	const peerAddr = 2002

	fb, s := newNodeFabric(t, localAddr)

	flow, err := fb.efcpActor.state.AllocateFlow(peerAddr, 1, 1, efcp.Config{MaxPDUSize: 1400, WindowSize: 4})
	if err != nil {
		t.Fatalf("allocate flow: %v", err)
	}

	peer := shim.New()
	if err := peer.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind peer: %v", err)
	}
	defer peer.Close()

	localUDPAddr, err := net.ResolveUDPAddr("udp", s.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	peer.RegisterPeer(localAddr, localUDPAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fb.Run(ctx) }()

	p := pdu.PDU{
		SrcAddr:     peerAddr,
		DstAddr:     localAddr,
		SrcCEPID:    1,
		DstCEPID:    flow.FlowID,
		SequenceNum: 0,
		Type:        pdu.Data,
		Payload:     []byte("hello-fabric"),
	}
	if err := peer.SendPDU(p); err != nil {
		t.Fatalf("peer send: %v", err)
	}

	time.Sleep(300 * time.Millisecond) // give the receive loop time to dispatch the pdu

	cancel()
	<-runErr

	// A repeat of the exact same sequence number is a duplicate if (and
	// only if) the fabric's receive loop already delivered the original
	// through the real dispatch path; a fresh flow would instead accept
	// it as seq 0 and report ok=true.
	if _, ok := flow.ReceivePDU(p); ok {
		t.Fatal("expected the fabric to have already delivered this pdu")
	}
}

// TestFabricForwardsNonLocalPDU exercises the forward path: a PDU destined
// for a third address gets queued by the RMT and handed to the FAL once a
// static route names a next hop.
func TestFabricForwardsNonLocalPDU(t *testing.T) {
	const localAddr = 1001
	const thirdPartyAddr = 3003

	fb, s := newNodeFabric(t, localAddr)

	neighbor := shim.New()
	if err := neighbor.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind neighbor: %v", err)
	}
	defer neighbor.Close()

	fb.resolver.AddStaticRoute(thirdPartyAddr, neighbor.LocalAddr().String())

	peer := shim.New()
	if err := peer.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind peer: %v", err)
	}
	defer peer.Close()
	// The packet's RINA DstAddr is the third party it should be relayed
	// to; physically it must land on this node's socket first, so the
	// peer's own transport mapping for that address points at node1.
	peer.RegisterPeer(thirdPartyAddr, mustUDPAddr(t, s.LocalAddr().String()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fb.Run(ctx) }()

	p := pdu.PDU{
		SrcAddr: 9009,
		DstAddr: thirdPartyAddr,
		Type:    pdu.Data,
		Payload: []byte("relay-me"),
	}
	if err := peer.SendPDU(p); err != nil {
		t.Fatalf("peer send: %v", err)
	}

	_, _, ok, err := pollRecv(neighbor, 2*time.Second)
	cancel()
	<-runErr

	if err != nil {
		t.Fatalf("neighbor recv: %v", err)
	}
	if !ok {
		t.Fatal("expected the neighbor to receive the forwarded pdu")
	}
}

func mustUDPAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func pollRecv(s *shim.Shim, timeout time.Duration) (pdu.PDU, *net.UDPAddr, bool, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, src, ok, err := s.RecvPDU()
		if err != nil {
			return pdu.PDU{}, nil, false, err
		}
		if ok {
			return p, src, true, nil
		}
	}
	return pdu.PDU{}, nil, false, nil
}
