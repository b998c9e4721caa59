// Package cdap implements the Common Distributed Application Protocol:
// the request/response envelope carrying every control-plane interaction
// (enrollment, RIB CRUD, routing pulls, sync) over a management PDU.
package cdap

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/arinet/ipcpd/internal/rib"
	"github.com/arinet/ipcpd/internal/wire"
)

// OpCode is the CDAP operation code.
type OpCode uint8

const (
	Create OpCode = iota
	Delete
	Read
	Write
	Start
	Stop
)

func (o OpCode) String() string {
	switch o {
	case Create:
		return "Create"
	case Delete:
		return "Delete"
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Start:
		return "Start"
	case Stop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// ResultNotImplemented is the standardized negative result for the
// reserved Start/Stop op codes: the spec requires accepting and
// responding to them without crashing, but leaves their semantics
// unspecified.
const ResultNotImplemented int32 = -1

var (
	ErrInvalidOpCode = errors.New("cdap: invalid op code")
	ErrInvalidFormat = errors.New("cdap: invalid message format")
)

// SyncRequest asks a peer for everything that changed since a version.
type SyncRequest struct {
	LastKnownVersion uint64
	Requester        string
}

// SyncResponse answers a SyncRequest, either incrementally (Changes) or
// with a full bulk snapshot when the requester's version is too old.
type SyncResponse struct {
	CurrentVersion    uint64
	Changes           []rib.Change
	FullSnapshotBytes []byte
	Error             *string
}

// Message is the CDAP request/response envelope.
type Message struct {
	OpCode       OpCode
	ObjName      string
	ObjClass     *string
	ObjValue     *rib.Value
	InvokeID     uint64
	Result       int32
	ResultReason *string

	SyncRequest  *SyncRequest
	SyncResponse *SyncResponse
}

// NewErrorResponse builds a response to req echoing its invoke id with a
// negative result and reason.
func NewErrorResponse(req Message, result int32, reason string) Message {
	return Message{
		OpCode:       req.OpCode,
		ObjName:      req.ObjName,
		InvokeID:     req.InvokeID,
		Result:       result,
		ResultReason: &reason,
	}
}

// NewOKResponse builds a success response echoing req's invoke id.
func NewOKResponse(req Message) Message {
	return Message{
		OpCode:   req.OpCode,
		ObjName:  req.ObjName,
		InvokeID: req.InvokeID,
		Result:   0,
	}
}

// Session owns a monotonically increasing invoke id sequence for a
// CDAP initiator. TraceID is a log-only correlation id: it never
// appears on the wire, so it has no bearing on interoperability with a
// peer that doesn't set one.
type Session struct {
	nextInvokeID uint64
	TraceID      uuid.UUID
}

// NewSession allocates a session with a fresh trace id.
func NewSession() *Session {
	return &Session{TraceID: uuid.New()}
}

// NextInvokeID returns the next invoke id, starting at 1.
func (s *Session) NextInvokeID() uint64 {
	return atomic.AddUint64(&s.nextInvokeID, 1)
}

func putOptString(w *wire.Writer, s *string) {
	if s == nil {
		w.PutBool(false)
		return
	}
	w.PutBool(true)
	w.PutString(*s)
}

func getOptString(r *wire.Reader) *string {
	if !r.GetBool() {
		return nil
	}
	s := r.GetString()
	return &s
}

// Encode produces the canonical binary encoding of m, for embedding in a
// Management PDU's payload.
func Encode(m Message) []byte {
	w := wire.NewWriter()
	w.PutUint8(uint8(m.OpCode))
	w.PutString(m.ObjName)
	putOptString(w, m.ObjClass)

	if m.ObjValue == nil {
		w.PutBool(false)
	} else {
		w.PutBool(true)
		rib.EncodeValue(w, *m.ObjValue)
	}

	w.PutUint64(m.InvokeID)
	w.PutUint32(uint32(int32ToU32(m.Result)))
	putOptString(w, m.ResultReason)

	if m.SyncRequest == nil {
		w.PutBool(false)
	} else {
		w.PutBool(true)
		w.PutUint64(m.SyncRequest.LastKnownVersion)
		w.PutString(m.SyncRequest.Requester)
	}

	if m.SyncResponse == nil {
		w.PutBool(false)
	} else {
		w.PutBool(true)
		sr := m.SyncResponse
		w.PutUint64(sr.CurrentVersion)
		w.PutUint32(uint32(len(sr.Changes)))
		for _, c := range sr.Changes {
			rib.EncodeChange(w, c)
		}
		w.PutBytes(sr.FullSnapshotBytes)
		putOptString(w, sr.Error)
	}
	return w.Bytes()
}

// Decode parses the canonical binary encoding produced by Encode.
func Decode(data []byte) (Message, error) {
	r := wire.NewReader(data)
	var m Message
	m.OpCode = OpCode(r.GetUint8())
	m.ObjName = r.GetString()
	m.ObjClass = getOptString(r)

	if r.GetBool() {
		v := rib.DecodeValue(r)
		m.ObjValue = &v
	}

	m.InvokeID = r.GetUint64()
	m.Result = u32ToInt32(r.GetUint32())
	m.ResultReason = getOptString(r)

	if r.GetBool() {
		m.SyncRequest = &SyncRequest{
			LastKnownVersion: r.GetUint64(),
			Requester:        r.GetString(),
		}
	}

	if r.GetBool() {
		sr := &SyncResponse{CurrentVersion: r.GetUint64()}
		n := r.GetUint32()
		sr.Changes = make([]rib.Change, 0, n)
		for i := uint32(0); i < n; i++ {
			sr.Changes = append(sr.Changes, rib.DecodeChange(r))
		}
		sr.FullSnapshotBytes = r.GetBytes()
		sr.Error = getOptString(r)
		m.SyncResponse = sr
	}

	if err := r.Err(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if m.OpCode > Stop {
		return Message{}, fmt.Errorf("%w: %d", ErrInvalidOpCode, m.OpCode)
	}
	return m, nil
}

func int32ToU32(v int32) uint32 { return uint32(v) }
func u32ToInt32(v uint32) int32 { return int32(v) }
