// Package admin is the operator introspection surface: a small read-only
// HTTP API over the RIB, route table, and flow tables, built the way the
// teacher's console-server exposes its own status API — gorilla/mux
// routing, a *http.Server wrapped for graceful shutdown on context
// cancellation (server/server.go), and an SSE endpoint modeled on
// server/sse.go's handleStream.
//
// Nothing here mutates subsystem state: every handler is a read, so this
// never becomes a second control plane alongside CDAP/enrollment.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arinet/ipcpd/internal/actorfabric"
	"github.com/arinet/ipcpd/internal/fal"
	"github.com/arinet/ipcpd/internal/routing"
)

// Status is the point-in-time enrollment/identity snapshot served by
// GET /api/status.
type Status struct {
	State     string `json:"state"`
	LocalAddr uint64 `json:"local_addr"`
	DIFName   string `json:"dif_name"`
}

// StatusFunc lets the caller (main) supply a live status snapshot without
// this package needing to import internal/enrollment directly.
type StatusFunc func() Status

// Server is the admin HTTP surface for one IPC Process.
type Server struct {
	addr       string
	router     *mux.Router
	httpServer *http.Server

	rib      *actorfabric.RibHandle
	efcp     *actorfabric.EfcpHandle
	resolver *routing.Resolver
	fal      *fal.FAL
	status   StatusFunc

	logger *logrus.Entry
}

// New builds the admin server; it does not start listening until Run.
func New(addr string, rib *actorfabric.RibHandle, e *actorfabric.EfcpHandle, resolver *routing.Resolver, f *fal.FAL, status StatusFunc) *Server {
	s := &Server{
		addr:     addr,
		router:   mux.NewRouter(),
		rib:      rib,
		efcp:     e,
		resolver: resolver,
		fal:      f,
		status:   status,
		logger:   logrus.WithField("subsystem", "admin"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rib", s.handleRIB).Methods(http.MethodGet)
	api.HandleFunc("/rib/changes", s.handleRIBChanges).Methods(http.MethodGet)
	api.HandleFunc("/rib/stream", s.handleRIBStream).Methods(http.MethodGet)
	api.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	api.HandleFunc("/flows", s.handleFlows).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
}

// Run starts listening and blocks until ctx is cancelled, shutting the
// HTTP server down gracefully the way the teacher's Server.Run does.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("admin context done, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.WithField("addr", s.addr).Info("admin server starting")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("admin: failed to encode json response")
	}
}

func (s *Server) handleRIB(w http.ResponseWriter, r *http.Request) {
	objs, err := s.rib.GetAllObjects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, objs)
}

func (s *Server) handleRIBChanges(w http.ResponseWriter, r *http.Request) {
	var since uint64
	fmt.Sscanf(r.URL.Query().Get("since"), "%d", &since)

	changes, err := s.rib.GetChangesSince(r.Context(), since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	writeJSON(w, changes)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Static  map[uint64]string                `json:"static"`
		Dynamic map[uint64]routing.RouteMetadata `json:"dynamic"`
	}{
		Static:  s.resolver.StaticRoutes(),
		Dynamic: s.resolver.DynamicRoutes(),
	})
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	ids, err := s.efcp.ListFlows(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, struct {
		EFCPFlows   []uint32            `json:"efcp_flows"`
		NeighborFAL map[uint64]fal.Flow `json:"neighbor_fal"`
	}{
		EFCPFlows:   ids,
		NeighborFAL: s.fal.Flows(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, Status{})
		return
	}
	writeJSON(w, s.status())
}

const ribStreamPollInterval = 500 * time.Millisecond

// handleRIBStream is a Server-Sent-Events stream of RIB change records as
// they're appended to the change log, modeled on server/sse.go's
// handleStream. The RIB exposes a poll-friendly GetChangesSince instead
// of a broadcast channel, so this polls it on an interval rather than
// subscribing to a push feed.
func (s *Server) handleRIBStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	version, err := s.rib.CurrentVersion(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ticker := time.NewTicker(ribStreamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			changes, err := s.rib.GetChangesSince(r.Context(), version)
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
				flusher.Flush()
				return
			}
			if len(changes) == 0 {
				continue
			}
			for _, c := range changes {
				data, _ := json.Marshal(c)
				fmt.Fprintf(w, "data: %s\n\n", data)
				if c.Version > version {
					version = c.Version
				}
			}
			flusher.Flush()
		}
	}
}
