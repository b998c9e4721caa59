package efcp

import (
	"testing"

	"github.com/arinet/ipcpd/internal/pdu"
)

func newTestFlow(windowSize int, reliable bool) *Flow {
	return &Flow{
		FlowID:      1,
		LocalAddr:   1001,
		RemoteAddr:  1002,
		Config:      Config{MaxPDUSize: 1024, WindowSize: windowSize, Reliable: reliable, RetransmitTimeoutMs: 200},
		sendWindow:  make(map[uint64]sendWindowEntry),
		recvBuffer:  make(map[uint64]pdu.PDU),
	}
}

func TestSendDataSequenceNumbersInOrder(t *testing.T) {
	f := newTestFlow(10, true)
	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for i, p := range payloads {
		out, err := f.SendData(p)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if out.SequenceNum != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, out.SequenceNum)
		}
		if string(out.Payload) != string(p) {
			t.Fatalf("payload mismatch at %d", i)
		}
	}
}

func TestSendDataRejectsOversizedPayload(t *testing.T) {
	f := newTestFlow(10, false)
	f.Config.MaxPDUSize = 4
	if _, err := f.SendData([]byte("too-long")); err == nil {
		t.Fatal("expected InvalidConfig for oversized payload")
	}
}

// TestSendDataWindowFullRejection is scenario S7.
func TestSendDataWindowFullRejection(t *testing.T) {
	f := newTestFlow(2, true)
	if _, err := f.SendData([]byte("a")); err != nil {
		t.Fatalf("send a: %v", err)
	}
	if _, err := f.SendData([]byte("b")); err != nil {
		t.Fatalf("send b: %v", err)
	}
	if _, err := f.SendData([]byte("c")); err == nil {
		t.Fatal("expected window full rejection for send c")
	}

	ack := pdu.PDU{Type: pdu.Ack, SequenceNum: 0}
	f.ReceivePDU(ack)

	if _, err := f.SendData([]byte("c")); err != nil {
		t.Fatalf("expected send c to succeed after ack, got: %v", err)
	}
}

func TestReceivePDUInOrderDelivers(t *testing.T) {
	f := newTestFlow(10, false)
	p := pdu.PDU{Type: pdu.Data, SequenceNum: 0, Payload: []byte("x")}
	payload, delivered := f.ReceivePDU(p)
	if !delivered || string(payload) != "x" {
		t.Fatalf("expected in-order delivery, got delivered=%v payload=%q", delivered, payload)
	}
}

func TestReceivePDUOutOfOrderBuffersThenDrains(t *testing.T) {
	f := newTestFlow(10, false)
	ahead := pdu.PDU{Type: pdu.Data, SequenceNum: 1, Payload: []byte("second")}
	_, delivered := f.ReceivePDU(ahead)
	if delivered {
		t.Fatal("expected out-of-order PDU to not be delivered immediately")
	}

	first := pdu.PDU{Type: pdu.Data, SequenceNum: 0, Payload: []byte("first")}
	payload, delivered := f.ReceivePDU(first)
	if !delivered || string(payload) != "first" {
		t.Fatalf("expected first to deliver, got delivered=%v payload=%q", delivered, payload)
	}
	if f.expectedSeqNum != 2 {
		t.Fatalf("expected buffered seq 1 to drain, expectedSeqNum=%d", f.expectedSeqNum)
	}
}

func TestReceivePDUDuplicateDroppedSilently(t *testing.T) {
	f := newTestFlow(10, false)
	first := pdu.PDU{Type: pdu.Data, SequenceNum: 0, Payload: []byte("x")}
	f.ReceivePDU(first)

	dup := pdu.PDU{Type: pdu.Data, SequenceNum: 0, Payload: []byte("x-again")}
	payload, delivered := f.ReceivePDU(dup)
	if delivered || payload != nil {
		t.Fatalf("expected duplicate to be dropped, got delivered=%v payload=%q", delivered, payload)
	}
}

// TestAckClearsWindowCumulatively is invariant 8.
func TestAckClearsWindowCumulatively(t *testing.T) {
	f := newTestFlow(10, true)
	for _, p := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if _, err := f.SendData(p); err != nil {
			t.Fatal(err)
		}
	}
	f.ReceivePDU(pdu.PDU{Type: pdu.Ack, SequenceNum: 1})

	for seq := range f.sendWindow {
		if seq <= 1 {
			t.Fatalf("expected no entries with seq <= 1 in send window, found %d", seq)
		}
	}
	if _, ok := f.sendWindow[2]; !ok {
		t.Fatal("expected seq 2 to remain in send window")
	}
}

func TestCheckRetransmitsReturnsAgedEntries(t *testing.T) {
	f := newTestFlow(10, true)
	f.Config.RetransmitTimeoutMs = 0
	if _, err := f.SendData([]byte("a")); err != nil {
		t.Fatal(err)
	}
	due := f.CheckRetransmits()
	if len(due) != 1 {
		t.Fatalf("expected 1 due retransmit, got %d", len(due))
	}
}

func TestEFCPAllocateAndDeallocateFlow(t *testing.T) {
	e := New(1001)
	f, err := e.AllocateFlow(1002, 1, 1, Config{MaxPDUSize: 1024, WindowSize: 4, Reliable: true, RetransmitTimeoutMs: 500})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := e.GetFlow(f.FlowID); err != nil {
		t.Fatalf("expected flow to be retrievable: %v", err)
	}
	if err := e.DeallocateFlow(f.FlowID); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if _, err := e.GetFlow(f.FlowID); err == nil {
		t.Fatal("expected flow to be gone after deallocate")
	}
}

func TestEFCPAllocateFlowRejectsInvalidConfig(t *testing.T) {
	e := New(1001)
	if _, err := e.AllocateFlow(1002, 1, 1, Config{}); err == nil {
		t.Fatal("expected InvalidConfig for zero-value config")
	}
}

func TestEFCPFlowIDsMonotonic(t *testing.T) {
	e := New(1001)
	cfg := Config{MaxPDUSize: 1024, WindowSize: 4, Reliable: false, RetransmitTimeoutMs: 500}
	a, err := e.AllocateFlow(1002, 1, 1, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.AllocateFlow(1003, 2, 2, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if b.FlowID <= a.FlowID {
		t.Fatalf("expected monotonically increasing flow ids, got %d then %d", a.FlowID, b.FlowID)
	}
}
