package rib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/arinet/ipcpd/internal/wire"
)

var (
	ErrNotFound      = errors.New("rib: object not found")
	ErrAlreadyExists = errors.New("rib: object already exists")
	ErrTooOld        = errors.New("rib: requested version predates retained change log")
)

// RIB is the node's authoritative object store: CRUD, class listing, bulk
// serialization, per-object merge-by-version, and a bounded change log.
// A single RWMutex guards both the object map and the change log together
// so a reader of CurrentVersion never observes a change not yet visible
// via Read — the spec's change-log/object coupling invariant.
type RIB struct {
	mu             sync.RWMutex
	objects        map[string]*Object
	versionCounter uint64
	log            *changeLog
	logger           *logrus.Entry
}

// Config controls change-log capacity; zero uses the spec default of 1000.
type Config struct {
	ChangeLogSize int
}

func New(cfg Config) *RIB {
	return &RIB{
		objects: make(map[string]*Object),
		log:     newChangeLog(cfg.ChangeLogSize),
		logger:    logrus.WithField("subsystem", "rib"),
	}
}

func (r *RIB) nextVersion() uint64 {
	r.versionCounter++
	return r.versionCounter
}

func (r *RIB) bumpVersionCounterTo(v uint64) {
	if v > r.versionCounter {
		r.versionCounter = v
	}
}

// Create inserts a new object, failing ErrAlreadyExists if name is taken.
func (r *RIB) Create(name, class string, value Value) (Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.objects[name]; ok {
		return Object{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	obj := Object{
		Name:         name,
		Class:        class,
		Value:        value,
		Version:      r.nextVersion(),
		LastModified: time.Now().Unix(),
	}
	r.objects[name] = &obj
	r.log.append(Change{Kind: ChangeCreated, Object: obj.clone(), Version: obj.Version})
	return obj.clone(), nil
}

// Read returns the object if present.
func (r *RIB) Read(name string) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.objects[name]
	if !ok {
		return Object{}, false
	}
	return o.clone(), true
}

// Update replaces the value of an existing object, bumping its version.
func (r *RIB) Update(name string, value Value) (Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.objects[name]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	o.Value = value
	o.Version = r.nextVersion()
	o.LastModified = time.Now().Unix()
	r.log.append(Change{Kind: ChangeUpdated, Object: o.clone(), Version: o.Version})
	return o.clone(), nil
}

// Delete removes an object, logging a Deleted change with a freshly
// assigned version so a later merge can tell "deleted after v" from
// "existed at v".
func (r *RIB) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.objects[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.objects, name)
	version := r.nextVersion()
	r.log.append(Change{Kind: ChangeDeleted, Name: name, Version: version, Timestamp: time.Now().Unix()})
	return nil
}

func (r *RIB) ListByClass(class string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, o := range r.objects {
		if o.Class == class {
			out = append(out, o.Name)
		}
	}
	return out
}

func (r *RIB) ListAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.objects))
	for name := range r.objects {
		out = append(out, name)
	}
	return out
}

func (r *RIB) GetAllObjects() []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Object, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o.clone())
	}
	return out
}

func (r *RIB) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

func (r *RIB) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[string]*Object)
}

// Serialize encodes the complete object set with the wire codec.
func (r *RIB) Serialize() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w := wire.NewWriter()
	w.PutUint32(uint32(len(r.objects)))
	for _, o := range r.objects {
		encodeObject(w, *o)
	}
	return w.Bytes()
}

// Deserialize merges an incoming object set into this RIB, returning the
// number of objects applied (created or overwritten by a higher version).
func (r *RIB) Deserialize(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	rd := wire.NewReader(data)
	n := rd.GetUint32()
	objs := make([]Object, 0, n)
	for i := uint32(0); i < n; i++ {
		objs = append(objs, decodeObject(rd))
	}
	if err := rd.Err(); err != nil {
		return 0, fmt.Errorf("rib: deserialize: %w", err)
	}
	return r.MergeObjects(objs), nil
}

// MergeObjects merges objects by version: insert if absent, overwrite if
// the incoming version is strictly higher. Idempotent and commutative by
// construction, since resolution is a per-name max over versions.
func (r *RIB) MergeObjects(objs []Object) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := 0
	var maxVersion uint64
	for _, obj := range objs {
		if obj.Version > maxVersion {
			maxVersion = obj.Version
		}
		existing, ok := r.objects[obj.Name]
		if !ok {
			cp := obj.clone()
			r.objects[obj.Name] = &cp
			merged++
			continue
		}
		if obj.Version > existing.Version {
			cp := obj.clone()
			r.objects[obj.Name] = &cp
			merged++
		}
	}
	if maxVersion > 0 {
		r.bumpVersionCounterTo(maxVersion)
		r.log.append(Change{Kind: ChangeMarker, Version: maxVersion})
	}
	return merged
}

// ApplyChanges replays a change-log slice from a peer. These changes are
// NOT re-logged locally (they already happened on the peer); the local
// version counter still advances so future local creations stay
// monotonic, via a synthetic marker change.
func (r *RIB) ApplyChanges(changes []Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var maxVersion uint64
	for _, c := range changes {
		if c.Version > maxVersion {
			maxVersion = c.Version
		}
		switch c.Kind {
		case ChangeCreated:
			if _, ok := r.objects[c.Object.Name]; !ok {
				cp := c.Object.clone()
				r.objects[c.Object.Name] = &cp
			}
		case ChangeUpdated:
			existing, ok := r.objects[c.Object.Name]
			if !ok || c.Object.Version > existing.Version {
				cp := c.Object.clone()
				r.objects[c.Object.Name] = &cp
			}
		case ChangeDeleted:
			delete(r.objects, c.Name)
		}
	}
	if maxVersion > 0 {
		r.bumpVersionCounterTo(maxVersion)
		r.log.append(Change{Kind: ChangeMarker, Version: maxVersion})
	}
}

// GetChangesSince returns changes with Version > v, oldest first. It
// reports ErrTooOld when v predates what the log still retains, in which
// case the caller must fall back to a full snapshot.
func (r *RIB) GetChangesSince(v uint64) ([]Change, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	changes, ok := r.log.since(v)
	if !ok {
		return nil, ErrTooOld
	}
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if c.isReal() {
			out = append(out, c)
		}
	}
	return out, nil
}

// CurrentVersion is the version of the most recent change observed,
// including synthetic markers from merges/applies.
func (r *RIB) CurrentVersion() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.log.currentVersion()
}

// SaveSnapshotToFile writes the serialized object set to path, creating
// parent directories as needed. The write is atomic (tmp file + rename)
// the way the teacher's discovery cache persists to disk.
func (r *RIB) SaveSnapshotToFile(path string) error {
	data := r.Serialize()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rib: create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("rib: write snapshot tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rib: rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshotFromFile merges a previously saved snapshot into this RIB.
// A missing file is not an error (first run).
func (r *RIB) LoadSnapshotFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rib: read snapshot: %w", err)
	}
	_, err = r.Deserialize(data)
	return err
}

// StartSnapshotTask periodically saves a snapshot until done is closed. A
// zero interval disables the task (returns immediately).
func (r *RIB) StartSnapshotTask(done <-chan struct{}, path string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := r.SaveSnapshotToFile(path); err != nil {
					r.logger.Warnf("periodic snapshot failed: %v", err)
				}
			}
		}
	}()
}
