package rib

// ChangeKind tags a change-log record.
type ChangeKind uint8

const (
	// ChangeCreated/Updated/Deleted are the three mutation kinds the spec
	// names. ChangeMarker is a synthetic entry: it never represents an
	// object mutation, only an advance of the version high-water mark, so
	// that current_version() stays correct after merge/apply of remote
	// changes that are deliberately not re-logged individually.
	ChangeCreated ChangeKind = iota
	ChangeUpdated
	ChangeDeleted
	ChangeMarker
)

// Change is one change-log record.
type Change struct {
	Kind ChangeKind
	// Object is set for Created/Updated.
	Object Object
	// Name, Version, Timestamp are set for Deleted (and Version for Marker).
	Name      string
	Version   uint64
	Timestamp int64
}

func (c Change) isReal() bool { return c.Kind != ChangeMarker }

// changeLog is the bounded FIFO of RIB mutations backing incremental sync.
// Modeled as a rolling ring buffer the way the teacher's screen-replay
// buffer (sol/screenbuf.go) evicts from the front once it hits capacity,
// generalized from raw bytes to structured records and tracking the
// version of whatever it evicts.
type changeLog struct {
	capacity      int
	entries       []Change
	oldestVersion uint64
}

func newChangeLog(capacity int) *changeLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &changeLog{capacity: capacity, entries: make([]Change, 0, capacity)}
}

// append adds a change, evicting the oldest entry when at capacity.
func (l *changeLog) append(c Change) {
	if len(l.entries) >= l.capacity {
		removed := l.entries[0]
		l.entries = l.entries[1:]
		l.oldestVersion = removed.Version + 1
	}
	l.entries = append(l.entries, c)
}

// currentVersion is the version of the most recent entry, or 0 if empty.
func (l *changeLog) currentVersion() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Version
}

// since returns every entry with Version > v, oldest first. ok is false
// when v predates what the log still retains.
func (l *changeLog) since(v uint64) (out []Change, ok bool) {
	if len(l.entries) == 0 {
		return nil, true
	}
	if v < l.oldestVersion && l.oldestVersion > 0 {
		return nil, false
	}
	for _, c := range l.entries {
		if c.Version > v {
			out = append(out, c)
		}
	}
	return out, true
}
