package pdu

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	maxDelay := uint32(50)
	p := PDU{
		SrcAddr:     1001,
		DstAddr:     1002,
		SrcCEPID:    7,
		DstCEPID:    8,
		SequenceNum: 42,
		Type:        Data,
		Payload:     []byte("hello rina"),
		QoS:         QoS{Priority: 200, MaxDelayMs: &maxDelay},
	}
	data := Encode(p)
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SrcAddr != p.SrcAddr || got.DstAddr != p.DstAddr || got.SequenceNum != p.SequenceNum {
		t.Fatalf("mismatch: %+v vs %+v", got, p)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, p.Payload)
	}
	if got.QoS.MaxDelayMs == nil || *got.QoS.MaxDelayMs != 50 {
		t.Fatalf("expected MaxDelayMs=50, got %+v", got.QoS)
	}
	if got.QoS.MinBandwidthBps != nil {
		t.Fatalf("expected MinBandwidthBps unset")
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	p := PDU{SrcAddr: 1, DstAddr: 2, Type: Data, Payload: []byte("x")}
	data := Encode(p)
	_, err := Decode(data[:len(data)-3])
	if err == nil {
		t.Fatal("expected decode error on truncated input")
	}
}

func TestManagementPDUZeroCepIDs(t *testing.T) {
	p := PDU{SrcAddr: 1, DstAddr: 2, Type: Management, Payload: []byte("cdap-bytes")}
	data := Encode(p)
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcCEPID != 0 || got.DstCEPID != 0 {
		t.Fatalf("expected zero cep ids for management pdu, got %+v", got)
	}
}
