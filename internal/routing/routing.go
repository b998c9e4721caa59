// Package routing implements the Route Resolver: a unified dst-addr to
// socket-addr lookup spanning static routes (configured at enrollment or
// bootstrap) and dynamic routes (learned and TTL-bounded), with optional
// TOML snapshot persistence. Persistence follows the same tmp-file-then-
// rename pattern the teacher used for its discovery cache.
package routing

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

var ErrRouteNotFound = errors.New("routing: route not found")

// entry is one resolvable route, static or dynamic.
type entry struct {
	nextHop   string
	createdAt int64
	ttl       uint64 // seconds; 0 = never expires. Always 0 for static entries.
}

func (e entry) expired(now int64) bool {
	return e.ttl > 0 && now-e.createdAt > int64(e.ttl)
}

// RouteMetadata is the persisted shape of one dynamic route.
type RouteMetadata struct {
	Destination    uint64 `toml:"destination"`
	NextHopAddress string `toml:"next_hop_address"`
	CreatedAt      int64  `toml:"created_at"`
	TTLSeconds     uint64 `toml:"ttl_seconds"`
}

// snapshotFile is the on-disk TOML document.
type snapshotFile struct {
	Version      int             `toml:"version"`
	SnapshotTime int64           `toml:"snapshot_time"`
	Routes       []RouteMetadata `toml:"routes"`
}

// Resolver resolves RINA addresses to socket addresses, checking static
// routes before dynamic ones.
type Resolver struct {
	mu             sync.RWMutex
	static         map[uint64]entry
	dynamic        map[uint64]entry
	snapshotPath   string
	persistEnabled bool
	now            func() time.Time
	logger         *logrus.Entry
}

// Config controls snapshot persistence.
type Config struct {
	SnapshotPath         string
	PersistenceEnabled   bool
	SnapshotIntervalSecs int
}

func New(cfg Config) *Resolver {
	return &Resolver{
		static:         make(map[uint64]entry),
		dynamic:        make(map[uint64]entry),
		snapshotPath:   cfg.SnapshotPath,
		persistEnabled: cfg.PersistenceEnabled,
		now:            time.Now,
		logger:         logrus.WithField("subsystem", "routing"),
	}
}

// AddStaticRoute installs a route that never expires and is checked before
// any dynamic route.
func (r *Resolver) AddStaticRoute(dst uint64, nextHop string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[dst] = entry{nextHop: nextHop}
}

// ResolveNextHop returns the socket address for dst, checking static
// routes first and then dynamic routes. A dynamic route past its TTL is
// removed in the process and treated as not found.
func (r *Resolver) ResolveNextHop(dst uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.static[dst]; ok {
		return e.nextHop, nil
	}
	if e, ok := r.dynamic[dst]; ok {
		if e.expired(r.now().Unix()) {
			delete(r.dynamic, dst)
			return "", ErrRouteNotFound
		}
		return e.nextHop, nil
	}
	return "", ErrRouteNotFound
}

// AllNextHops returns the de-duplicated set of every next-hop socket
// address currently reachable through a static or non-expired dynamic
// route, for callers (the RMT forwarding pump) that need to drain
// every active outbound queue rather than resolve one destination.
func (r *Resolver) AllNextHops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	now := r.now().Unix()
	for _, e := range r.static {
		seen[e.nextHop] = struct{}{}
	}
	for dst, e := range r.dynamic {
		if e.expired(now) {
			delete(r.dynamic, dst)
			continue
		}
		seen[e.nextHop] = struct{}{}
	}
	hops := make([]string, 0, len(seen))
	for hop := range seen {
		hops = append(hops, hop)
	}
	return hops
}

// StaticRoutes returns a snapshot of the configured static routing table.
func (r *Resolver) StaticRoutes() map[uint64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint64]string, len(r.static))
	for dst, e := range r.static {
		out[dst] = e.nextHop
	}
	return out
}

// AddDynamicRoute is idempotent: a second call for the same dst overwrites
// the first entry's fields rather than creating a duplicate. When
// persistence is enabled the snapshot is saved immediately.
func (r *Resolver) AddDynamicRoute(dst uint64, nextHop string, ttlSeconds uint64) {
	r.mu.Lock()
	r.dynamic[dst] = entry{
		nextHop:   nextHop,
		createdAt: r.now().Unix(),
		ttl:       ttlSeconds,
	}
	persist := r.persistEnabled
	r.mu.Unlock()

	if persist {
		if err := r.SaveSnapshot(); err != nil {
			r.logger.WithError(err).Warn("failed to persist route snapshot after add")
		}
	}
}

// RemoveDynamicRoute deletes the dynamic route for dst, if any.
func (r *Resolver) RemoveDynamicRoute(dst uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dynamic, dst)
}

// DynamicRoutes returns a snapshot of every non-expired dynamic route.
func (r *Resolver) DynamicRoutes() map[uint64]RouteMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().Unix()
	out := make(map[uint64]RouteMetadata, len(r.dynamic))
	for dst, e := range r.dynamic {
		if e.expired(now) {
			continue
		}
		out[dst] = RouteMetadata{
			Destination:    dst,
			NextHopAddress: e.nextHop,
			CreatedAt:      e.createdAt,
			TTLSeconds:     e.ttl,
		}
	}
	return out
}

// SaveSnapshot serializes current dynamic route metadata to TOML at
// snapshotPath, writing through a tmp file and renaming into place so a
// reader never observes a partially-written snapshot.
func (r *Resolver) SaveSnapshot() error {
	if r.snapshotPath == "" {
		return nil
	}

	routes := r.DynamicRoutes()
	doc := snapshotFile{Version: 1, SnapshotTime: r.now().Unix()}
	for _, rm := range routes {
		doc.Routes = append(doc.Routes, rm)
	}

	dir := filepath.Dir(r.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, "routes-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, r.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	r.logger.WithField("count", len(doc.Routes)).Debug("saved route snapshot")
	return nil
}

// LoadSnapshot reads snapshotPath, discards expired entries, and
// re-inserts the rest with their remaining TTL intact (TTL is relative to
// each entry's own created_at, so no adjustment is needed).
func (r *Resolver) LoadSnapshot() error {
	if r.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc snapshotFile
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return err
	}

	now := r.now().Unix()
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := 0
	for _, rm := range doc.Routes {
		e := entry{nextHop: rm.NextHopAddress, createdAt: rm.CreatedAt, ttl: rm.TTLSeconds}
		if e.expired(now) {
			continue
		}
		r.dynamic[rm.Destination] = e
		kept++
	}
	r.logger.WithFields(logrus.Fields{"kept": kept, "discarded": len(doc.Routes) - kept}).Info("loaded route snapshot")
	return nil
}

// StartSnapshotTask runs a background loop that saves the snapshot every
// interval. A zero interval, or persistence being disabled, makes this a
// no-op that returns immediately-closeable stop function.
func (r *Resolver) StartSnapshotTask(interval time.Duration) (stop func()) {
	if interval <= 0 || !r.persistEnabled {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.SaveSnapshot(); err != nil {
					r.logger.WithError(err).Warn("periodic route snapshot failed")
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
