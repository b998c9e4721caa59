package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arinet/ipcpd/internal/actorfabric"
	"github.com/arinet/ipcpd/internal/efcp"
	"github.com/arinet/ipcpd/internal/fal"
	"github.com/arinet/ipcpd/internal/rib"
	"github.com/arinet/ipcpd/internal/routing"
	"github.com/arinet/ipcpd/internal/shim"
)

func bgCtx() context.Context { return context.Background() }

// newTestServer wires a fresh set of subsystem actors for one test; their
// Run goroutines are tied to a context cancelled at test cleanup so they
// don't leak past the test that started them.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := rib.New(rib.Config{ChangeLogSize: 16})
	ribHandle, ribActor := actorfabric.NewRibHandle(r, 8)
	go ribActor.Run(ctx)

	e := efcp.New(1001)
	efcpHandle, efcpActor := actorfabric.NewEfcpHandle(e, 8)
	go efcpActor.Run(ctx)

	resolver := routing.New(routing.Config{})
	s := shim.New()
	if err := s.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	f := fal.New(s, resolver, time.Minute)

	return New("127.0.0.1:0", ribHandle, efcpHandle, resolver, f, func() Status {
		return Status{State: "enrolled", LocalAddr: 1001, DIFName: "test.DIF"}
	})
}

func TestHandleRIBReturnsCreatedObjects(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.rib.Create(bgCtx(), "/test/obj1", "testclass", rib.String("hello")); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/rib", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var objs []rib.Object
	if err := json.Unmarshal(rec.Body.Bytes(), &objs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(objs) != 1 || objs[0].Name != "/test/obj1" {
		t.Fatalf("unexpected objects: %+v", objs)
	}
}

func TestHandleRIBChangesFiltersOnSinceParam(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.rib.Create(bgCtx(), "/test/obj1", "testclass", rib.String("a")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := srv.rib.Create(bgCtx(), "/test/obj2", "testclass", rib.String("b")); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/rib/changes?since=1", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var changes []rib.Change
	if err := json.Unmarshal(rec.Body.Bytes(), &changes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected exactly the second change, got %d: %+v", len(changes), changes)
	}
}

func TestHandleRoutesReportsStaticAndDynamic(t *testing.T) {
	srv := newTestServer(t)
	srv.resolver.AddStaticRoute(42, "10.0.0.1:9000")
	srv.resolver.AddDynamicRoute(43, "10.0.0.2:9000", 0)

	req := httptest.NewRequest(http.MethodGet, "/api/routes", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Static  map[string]string `json:"static"`
		Dynamic map[string]any    `json:"dynamic"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Static["42"] != "10.0.0.1:9000" {
		t.Fatalf("missing static route in response: %+v", body)
	}
	if len(body.Dynamic) != 1 {
		t.Fatalf("expected 1 dynamic route, got %+v", body.Dynamic)
	}
}

func TestHandleStatusReturnsCallerSnapshot(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != "enrolled" || status.LocalAddr != 1001 || status.DIFName != "test.DIF" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestHandleStatusWithNilProviderReturnsZeroValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := rib.New(rib.Config{ChangeLogSize: 16})
	ribHandle, ribActor := actorfabric.NewRibHandle(r, 8)
	go ribActor.Run(ctx)

	e := efcp.New(1001)
	efcpHandle, efcpActor := actorfabric.NewEfcpHandle(e, 8)
	go efcpActor.Run(ctx)

	resolver := routing.New(routing.Config{})
	s := shim.New()
	if err := s.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	f := fal.New(s, resolver, time.Minute)

	srv := New("127.0.0.1:0", ribHandle, efcpHandle, resolver, f, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status != (Status{}) {
		t.Fatalf("expected zero-value status, got %+v", status)
	}
}

func TestHandleFlowsReportsEFCPAndFAL(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.efcp.AllocateFlow(bgCtx(), 2002, 7, 7, efcp.Config{MaxPDUSize: 1400, WindowSize: 4}); err != nil {
		t.Fatalf("allocate flow: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		EFCPFlows   []uint32       `json:"efcp_flows"`
		NeighborFAL map[string]any `json:"neighbor_fal"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.EFCPFlows) != 1 {
		t.Fatalf("expected 1 efcp flow, got %+v", body.EFCPFlows)
	}
}
