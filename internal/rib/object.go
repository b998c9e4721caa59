package rib

import "github.com/arinet/ipcpd/internal/wire"

// Object is one named entry in the RIB.
type Object struct {
	Name         string
	Class        string
	Value        Value
	Version      uint64
	LastModified int64
}

func (o Object) clone() Object {
	o.Value = cloneValue(o.Value)
	return o
}

func cloneValue(v Value) Value {
	if v.Kind == KindBytes {
		v.Bytes = append([]byte(nil), v.Bytes...)
	}
	if v.Kind == KindStruct {
		m := make(map[string]Value, len(v.Struct))
		for k, fv := range v.Struct {
			m[k] = cloneValue(fv)
		}
		v.Struct = m
	}
	return v
}

func encodeObject(w *wire.Writer, o Object) {
	w.PutString(o.Name)
	w.PutString(o.Class)
	encodeValue(w, o.Value)
	w.PutUint64(o.Version)
	w.PutInt64(o.LastModified)
}

func decodeObject(r *wire.Reader) Object {
	var o Object
	o.Name = r.GetString()
	o.Class = r.GetString()
	o.Value = decodeValue(r)
	o.Version = r.GetUint64()
	o.LastModified = r.GetInt64()
	return o
}
