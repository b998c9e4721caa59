// Package pdu defines the wire record exchanged between IPC Processes and
// its canonical binary encoding. The framing mirrors the header-struct
// approach of the IPMI RMCP+ codec this project grew out of (a packed
// fixed header plus a variable payload) but uses one self-describing,
// length-prefixed record instead of protocol-specific magic numbers.
package pdu

import (
	"errors"
	"fmt"

	"github.com/arinet/ipcpd/internal/wire"
)

// Type tags the kind of PDU.
type Type uint8

const (
	Data Type = iota
	Ack
	Control
	Management
)

func (t Type) String() string {
	switch t {
	case Data:
		return "Data"
	case Ack:
		return "Ack"
	case Control:
		return "Control"
	case Management:
		return "Management"
	default:
		return "Unknown"
	}
}

// QoS carries per-PDU quality-of-service hints.
type QoS struct {
	Priority        uint8
	MaxDelayMs      *uint32
	MinBandwidthBps *uint64
	MaxLossRate     *uint8
}

// PDU is the wire record exchanged between IPCPs over the UDP underlay.
// A PDU with Type==Management always carries cep ids 0 and a CDAP
// message encoded in Payload.
type PDU struct {
	SrcAddr     uint64
	DstAddr     uint64
	SrcCEPID    uint32
	DstCEPID    uint32
	SequenceNum uint64
	Type        Type
	Payload     []byte
	QoS         QoS
}

const wireVersion = 1

const (
	flagMaxDelay      = 1 << 0
	flagMinBandwidth  = 1 << 1
	flagMaxLossRate   = 1 << 2
)

var ErrDecodeFailed = errors.New("pdu: decode failed")

// Encode produces the canonical binary encoding of p.
func Encode(p PDU) []byte {
	w := wire.NewWriter()
	w.PutUint8(wireVersion)
	w.PutUint8(uint8(p.Type))
	w.PutUint64(p.SrcAddr)
	w.PutUint64(p.DstAddr)
	w.PutUint32(p.SrcCEPID)
	w.PutUint32(p.DstCEPID)
	w.PutUint64(p.SequenceNum)
	w.PutUint8(p.QoS.Priority)

	var flags uint8
	if p.QoS.MaxDelayMs != nil {
		flags |= flagMaxDelay
	}
	if p.QoS.MinBandwidthBps != nil {
		flags |= flagMinBandwidth
	}
	if p.QoS.MaxLossRate != nil {
		flags |= flagMaxLossRate
	}
	w.PutUint8(flags)
	if p.QoS.MaxDelayMs != nil {
		w.PutUint32(*p.QoS.MaxDelayMs)
	}
	if p.QoS.MinBandwidthBps != nil {
		w.PutUint64(*p.QoS.MinBandwidthBps)
	}
	if p.QoS.MaxLossRate != nil {
		w.PutUint8(*p.QoS.MaxLossRate)
	}
	w.PutBytes(p.Payload)
	return w.Bytes()
}

// Decode parses the canonical binary encoding. Any truncation or
// malformed framing surfaces as ErrDecodeFailed (the shim maps this to
// ReceiveFailed and drops the packet rather than propagating it).
func Decode(data []byte) (PDU, error) {
	r := wire.NewReader(data)
	var p PDU
	version := r.GetUint8()
	if version != wireVersion && r.Err() == nil {
		return PDU{}, fmt.Errorf("%w: unsupported wire version %d", ErrDecodeFailed, version)
	}
	p.Type = Type(r.GetUint8())
	p.SrcAddr = r.GetUint64()
	p.DstAddr = r.GetUint64()
	p.SrcCEPID = r.GetUint32()
	p.DstCEPID = r.GetUint32()
	p.SequenceNum = r.GetUint64()
	p.QoS.Priority = r.GetUint8()
	flags := r.GetUint8()
	if flags&flagMaxDelay != 0 {
		v := r.GetUint32()
		p.QoS.MaxDelayMs = &v
	}
	if flags&flagMinBandwidth != 0 {
		v := r.GetUint64()
		p.QoS.MinBandwidthBps = &v
	}
	if flags&flagMaxLossRate != 0 {
		v := r.GetUint8()
		p.QoS.MaxLossRate = &v
	}
	p.Payload = r.GetBytes()

	if err := r.Err(); err != nil {
		return PDU{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return p, nil
}
