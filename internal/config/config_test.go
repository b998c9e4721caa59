package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ipcpd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeConfig(t, `
[ipcp]
name = "node1"
mode = "bootstrap"

[dif]
name = "test.DIF"
address = 1001

[shim]
bind_address = "0.0.0.0"
bind_port = 7000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.IPCP.Name != "node1" || cfg.IPCP.Mode != "bootstrap" {
		t.Fatalf("unexpected ipcp section: %+v", cfg.IPCP)
	}
	if cfg.DIF.AddressPoolStart != 1002 || cfg.DIF.AddressPoolEnd != 1999 {
		t.Fatalf("expected default address pool, got %+v", cfg.DIF)
	}
	if cfg.Enrollment.MaxRetries != 3 || cfg.Enrollment.InitialBackoffMs != 1000 {
		t.Fatalf("expected default enrollment retry settings, got %+v", cfg.Enrollment)
	}
	if cfg.Routing.RouteSnapshotPath != "dynamic-routes.toml" || cfg.Routing.RouteTTLSeconds != 3600 {
		t.Fatalf("expected default routing settings, got %+v", cfg.Routing)
	}
	if cfg.RIB.ChangeLogSize != 1000 || cfg.RIB.RIBSyncIntervalSecs != 30 {
		t.Fatalf("expected default rib settings, got %+v", cfg.RIB)
	}
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	path := writeConfig(t, `
[ipcp]
name = "node2"
mode = "member"

[dif]
name = "test.DIF"

[shim]
bind_address = "127.0.0.1"
bind_port = 7001

[enrollment]
max_retries = 10
initial_backoff_ms = 250

[[enrollment.bootstrap_peers]]
address = "127.0.0.1:7000"
rina_addr = 1001

[routing]
route_ttl_seconds = 60
enable_route_persistence = true

[rib]
change_log_size = 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Enrollment.MaxRetries != 10 || cfg.Enrollment.InitialBackoffMs != 250 {
		t.Fatalf("expected overridden enrollment settings, got %+v", cfg.Enrollment)
	}
	if len(cfg.Enrollment.BootstrapPeers) != 1 || cfg.Enrollment.BootstrapPeers[0].Address != "127.0.0.1:7000" {
		t.Fatalf("expected one bootstrap peer, got %+v", cfg.Enrollment.BootstrapPeers)
	}
	if cfg.Routing.RouteTTLSeconds != 60 || !cfg.Routing.EnableRoutePersistence {
		t.Fatalf("expected overridden routing settings, got %+v", cfg.Routing)
	}
	// Fields left unset in the file still fall back to the default.
	if cfg.Routing.RouteSnapshotPath != "dynamic-routes.toml" {
		t.Fatalf("expected default route snapshot path to survive partial override, got %q", cfg.Routing.RouteSnapshotPath)
	}
	if cfg.RIB.ChangeLogSize != 50 {
		t.Fatalf("expected overridden change log size, got %d", cfg.RIB.ChangeLogSize)
	}
	if cfg.RIB.RIBSyncIntervalSecs != 30 {
		t.Fatalf("expected default rib sync interval to survive partial override, got %d", cfg.RIB.RIBSyncIntervalSecs)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestEnrollmentDurationHelpers(t *testing.T) {
	e := EnrollmentConfig{TimeoutSecs: 5, InitialBackoffMs: 1000}
	if got := e.AttemptTimeout().Seconds(); got != 5 {
		t.Fatalf("expected 5s attempt timeout, got %v", got)
	}
	if got := e.InitialBackoff().Milliseconds(); got != 1000 {
		t.Fatalf("expected 1000ms initial backoff, got %v", got)
	}
}
