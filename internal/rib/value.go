// Package rib implements the Resource Information Base: the versioned,
// change-logged object store every other subsystem reads and writes
// distributed state through.
package rib

import (
	"fmt"

	"github.com/arinet/ipcpd/internal/wire"
)

// ValueKind tags the sum type stored in an Object.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindInteger
	KindBoolean
	KindBytes
	KindStruct
)

// Value is the RIB's tagged-union payload type: String | Integer | Boolean
// | Bytes | Struct(name -> Value).
type Value struct {
	Kind    ValueKind
	Str     string
	Int     int64
	Bool    bool
	Bytes   []byte
	Struct  map[string]Value
}

func String(s string) Value            { return Value{Kind: KindString, Str: s} }
func Integer(i int64) Value            { return Value{Kind: KindInteger, Int: i} }
func Boolean(b bool) Value             { return Value{Kind: KindBoolean, Bool: b} }
func BytesValue(b []byte) Value        { return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)} }
func Struct(m map[string]Value) Value  { return Value{Kind: KindStruct, Struct: m} }

func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

func (v Value) AsInteger() (int64, bool) {
	if v.Kind != KindInteger {
		return 0, false
	}
	return v.Int, true
}

func (v Value) AsBoolean() (bool, bool) {
	if v.Kind != KindBoolean {
		return false, false
	}
	return v.Bool, true
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.Kind != KindBytes {
		return nil, false
	}
	return v.Bytes, true
}

func (v Value) AsStruct() (map[string]Value, bool) {
	if v.Kind != KindStruct {
		return nil, false
	}
	return v.Struct, true
}

func encodeValue(w *wire.Writer, v Value) {
	w.PutUint8(uint8(v.Kind))
	switch v.Kind {
	case KindString:
		w.PutString(v.Str)
	case KindInteger:
		w.PutInt64(v.Int)
	case KindBoolean:
		w.PutBool(v.Bool)
	case KindBytes:
		w.PutBytes(v.Bytes)
	case KindStruct:
		w.PutUint32(uint32(len(v.Struct)))
		for k, fv := range v.Struct {
			w.PutString(k)
			encodeValue(w, fv)
		}
	}
}

func decodeValue(r *wire.Reader) Value {
	kind := ValueKind(r.GetUint8())
	switch kind {
	case KindString:
		return Value{Kind: kind, Str: r.GetString()}
	case KindInteger:
		return Value{Kind: kind, Int: r.GetInt64()}
	case KindBoolean:
		return Value{Kind: kind, Bool: r.GetBool()}
	case KindBytes:
		return Value{Kind: kind, Bytes: r.GetBytes()}
	case KindStruct:
		n := r.GetUint32()
		m := make(map[string]Value, n)
		for i := uint32(0); i < n; i++ {
			k := r.GetString()
			m[k] = decodeValue(r)
		}
		return Value{Kind: kind, Struct: m}
	default:
		if r.Err() == nil {
			r.GetBytes() // force an error rather than silently desync
		}
		return Value{}
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return fmt.Sprintf("%d", v.Int)
	case KindBoolean:
		return fmt.Sprintf("%t", v.Bool)
	case KindBytes:
		return fmt.Sprintf("%d bytes", len(v.Bytes))
	case KindStruct:
		return fmt.Sprintf("struct(%d fields)", len(v.Struct))
	default:
		return "?"
	}
}
