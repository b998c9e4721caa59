// Package wire implements the length-prefixed binary codec shared by the
// PDU, CDAP and RIB encodings. Every multi-byte field is big-endian;
// variable-length fields (strings, byte blobs) are a uint32 length prefix
// followed by the raw bytes. The shape mirrors the header-struct-with-pack
// style seen in the IPMI RMCP+ codec this project grew out of, generalized
// to a self-describing record format instead of a fixed protocol header.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a decode runs past the end of input.
var ErrShortBuffer = errors.New("wire: short buffer")

// Writer accumulates an encoded record.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 256)} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

func (w *Writer) PutBytes(v []byte) {
	w.PutUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) PutString(v string) { w.PutBytes([]byte(v)) }

// Reader walks an encoded record. All getters advance the cursor; on
// underflow they record ErrShortBuffer and every subsequent getter becomes
// a no-op, so callers can chain reads and check Err once at the end.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Err() error { return r.err }

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, len(r.buf))
		return false
	}
	return true
}

func (r *Reader) GetUint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *Reader) GetBool() bool { return r.GetUint8() != 0 }

func (r *Reader) GetUint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *Reader) GetUint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *Reader) GetInt64() int64 { return int64(r.GetUint64()) }

func (r *Reader) GetBytes() []byte {
	n := r.GetUint32()
	if !r.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return v
}

func (r *Reader) GetString() string { return string(r.GetBytes()) }

// Remaining reports whether the reader has unconsumed input left.
func (r *Reader) Remaining() bool { return r.err == nil && r.off < len(r.buf) }
