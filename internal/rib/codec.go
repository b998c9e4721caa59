package rib

import "github.com/arinet/ipcpd/internal/wire"

// EncodeValue and DecodeValue expose the RIB's value codec so other
// subsystems (notably CDAP, which carries RIB values and change-log
// entries inside its messages) can reuse the exact same wire shape
// instead of re-deriving it.
func EncodeValue(w *wire.Writer, v Value) { encodeValue(w, v) }
func DecodeValue(r *wire.Reader) Value    { return decodeValue(r) }

// EncodeChange and DecodeChange expose the change-record codec for CDAP
// sync responses.
func EncodeChange(w *wire.Writer, c Change) {
	w.PutUint8(uint8(c.Kind))
	switch c.Kind {
	case ChangeCreated, ChangeUpdated:
		encodeObject(w, c.Object)
	case ChangeDeleted:
		w.PutString(c.Name)
		w.PutUint64(c.Version)
		w.PutInt64(c.Timestamp)
	case ChangeMarker:
		w.PutUint64(c.Version)
	}
}

func DecodeChange(r *wire.Reader) Change {
	var c Change
	c.Kind = ChangeKind(r.GetUint8())
	switch c.Kind {
	case ChangeCreated, ChangeUpdated:
		c.Object = decodeObject(r)
		c.Version = c.Object.Version
	case ChangeDeleted:
		c.Name = r.GetString()
		c.Version = r.GetUint64()
		c.Timestamp = r.GetInt64()
	case ChangeMarker:
		c.Version = r.GetUint64()
	}
	return c
}
