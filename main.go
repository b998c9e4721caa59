package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arinet/ipcpd/internal/actorfabric"
	"github.com/arinet/ipcpd/internal/addrpool"
	"github.com/arinet/ipcpd/internal/admin"
	"github.com/arinet/ipcpd/internal/config"
	"github.com/arinet/ipcpd/internal/efcp"
	"github.com/arinet/ipcpd/internal/enrollment"
	"github.com/arinet/ipcpd/internal/fal"
	"github.com/arinet/ipcpd/internal/rib"
	"github.com/arinet/ipcpd/internal/rmt"
	"github.com/arinet/ipcpd/internal/routing"
	"github.com/arinet/ipcpd/internal/shim"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

const (
	defaultMailboxCapacity = 32
	neighborStaleTimeout   = 5 * time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to TOML config file")
	mode := flag.String("mode", "", "bootstrap | member | demo")
	name := flag.String("name", "", "this IPCP's name")
	difName := flag.String("dif-name", "", "DIF name")
	address := flag.Uint64("address", 0, "this IPCP's RINA address (bootstrap only)")
	bind := flag.String("bind", "", "underlay bind address, host:port")
	bootstrapPeersFlag := flag.String("bootstrap-peers", "", "comma-separated host:port list")
	poolStart := flag.Uint64("address-pool-start", 0, "address pool start (bootstrap only)")
	poolEnd := flag.Uint64("address-pool-end", 0, "address pool end (bootstrap only)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *mode, *name, *difName, *address, *bind, *bootstrapPeersFlag, *poolStart, *poolEnd)
	if err != nil {
		log.Errorf("configuration error: %v", err)
		return 1
	}
	if err := validateConfig(cfg); err != nil {
		log.Errorf("configuration error: %v", err)
		return 1
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.IPCP.LogPath != "" {
		logFile, err := os.OpenFile(cfg.IPCP.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(logFile)
		} else {
			log.WithError(err).Warn("failed to open log file, logging to stdout")
		}
	}

	log.Infof("starting ipcpd v%s", Version)
	log.Infof("  mode=%s name=%s dif=%s bind=%s:%d", cfg.IPCP.Mode, cfg.IPCP.Name, cfg.DIF.Name, cfg.Shim.BindAddress, cfg.Shim.BindPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	s := shim.New()
	bindAddr := fmt.Sprintf("%s:%d", cfg.Shim.BindAddress, cfg.Shim.BindPort)
	if err := s.Bind(bindAddr); err != nil {
		log.Errorf("failed to bind shim to %s: %v", bindAddr, err)
		return 1
	}
	defer s.Close()

	r := rib.New(rib.Config{ChangeLogSize: cfg.RIB.ChangeLogSize})
	if cfg.RIB.EnableRIBPersistence {
		if err := r.LoadSnapshotFromFile(cfg.RIB.RIBSnapshotPath); err != nil {
			log.WithError(err).Warn("failed to load rib snapshot")
		}
		snapshotDone := make(chan struct{})
		go func() { <-ctx.Done(); close(snapshotDone) }()
		r.StartSnapshotTask(snapshotDone, cfg.RIB.RIBSnapshotPath, time.Duration(cfg.RIB.RIBSnapshotIntervalSeconds)*time.Second)
	}

	resolver := routing.New(routing.Config{
		SnapshotPath:         cfg.Routing.RouteSnapshotPath,
		PersistenceEnabled:   cfg.Routing.EnableRoutePersistence,
		SnapshotIntervalSecs: cfg.Routing.RouteSnapshotIntervalSeconds,
	})
	if cfg.Routing.EnableRoutePersistence {
		if err := resolver.LoadSnapshot(); err != nil {
			log.WithError(err).Warn("failed to load route snapshot")
		}
		stop := resolver.StartSnapshotTask(time.Duration(cfg.Routing.RouteSnapshotIntervalSeconds) * time.Second)
		go func() { <-ctx.Done(); stop() }()
	}
	for _, sr := range cfg.Routing.StaticRoutes {
		resolver.AddStaticRoute(sr.Destination, sr.NextHopAddress)
	}

	localAddr := cfg.DIF.Address
	var bootstrap *enrollment.Bootstrap
	var member *enrollment.Member

	switch cfg.IPCP.Mode {
	case "bootstrap":
		pool := addrpool.New(cfg.DIF.AddressPoolStart, cfg.DIF.AddressPoolEnd)
		if _, err := r.Create("/dif/name", "dif_info", rib.String(cfg.DIF.Name)); err != nil {
			log.WithError(err).Warn("/dif/name already present in rib")
		}
		bootstrap = enrollment.NewBootstrap(pool, r, resolver, s)

	case "member":
		member = enrollment.NewMember(cfg.IPCP.Name, 0, s, r, enrollment.Config{
			MaxRetries:            cfg.Enrollment.MaxRetries,
			InitialBackoff:        cfg.Enrollment.InitialBackoff(),
			AttemptTimeout:        cfg.Enrollment.AttemptTimeout(),
			HeartbeatIntervalSecs: cfg.Enrollment.HeartbeatIntervalSecs,
			ConnectionTimeoutSecs: cfg.Enrollment.ConnectionTimeoutSecs,
		})

		enrolled := false
		var lastErr error
		for _, peer := range cfg.Enrollment.BootstrapPeers {
			joinedDIF, err := member.EnrolWithBootstrap(ctx, peer.RINAAddr, peer.Address)
			if err == nil {
				log.Infof("enrolled with bootstrap %s, dif=%s, local_addr=%d", peer.Address, joinedDIF, member.LocalAddr())
				enrolled = true
				localAddr = member.LocalAddr()
				go member.StartConnectionMonitoring(ctx, peer.RINAAddr, peer.Address)
				break
			}
			lastErr = err
			log.WithError(err).Warnf("enrollment with bootstrap %s failed, trying next peer", peer.Address)
		}
		if !enrolled {
			log.Errorf("enrollment failed against all configured bootstrap peers: %v", lastErr)
			return 1
		}

	case "demo":
		if localAddr == 0 {
			localAddr = 1000
		}
	}

	e := efcp.New(localAddr)
	rm := rmt.New(localAddr, resolver, rmt.Config{})
	neighbors := fal.New(s, resolver, neighborStaleTimeout)

	fb := actorfabric.New(r, e, rm, resolver, s, neighbors, bootstrap, defaultMailboxCapacity)

	var adminSrv *admin.Server
	if cfg.IPCP.AdminBind != "" {
		adminSrv = admin.New(cfg.IPCP.AdminBind, fb.Rib, fb.Efcp, resolver, neighbors, func() admin.Status {
			state := cfg.IPCP.Mode
			if member != nil {
				state = member.State().String()
			}
			return admin.Status{State: state, LocalAddr: localAddr, DIFName: cfg.DIF.Name}
		})
	}

	errCh := make(chan error, 2)
	go func() { errCh <- fb.Run(ctx) }()
	if adminSrv != nil {
		go func() {
			if err := adminSrv.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if err := <-errCh; err != nil && err != context.Canceled {
		log.Errorf("fabric error: %v", err)
		return 1
	}
	return 0
}

// loadConfig starts from a TOML file (if path is non-empty) or built-in
// defaults, then lets any non-zero CLI flag override the corresponding
// field.
func loadConfig(path, mode, name, difName string, address uint64, bind, bootstrapPeersFlag string, poolStart, poolEnd uint64) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if mode != "" {
		cfg.IPCP.Mode = mode
	}
	if name != "" {
		cfg.IPCP.Name = name
	}
	if difName != "" {
		cfg.DIF.Name = difName
	}
	if address != 0 {
		cfg.DIF.Address = address
	}
	if bind != "" {
		host, portStr, err := splitHostPort(bind)
		if err != nil {
			return nil, fmt.Errorf("invalid --bind value %q: %w", bind, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid --bind port %q: %w", bind, err)
		}
		cfg.Shim.BindAddress = host
		cfg.Shim.BindPort = uint16(port)
	}
	if bootstrapPeersFlag != "" {
		cfg.Enrollment.BootstrapPeers = nil
		for _, hp := range strings.Split(bootstrapPeersFlag, ",") {
			cfg.Enrollment.BootstrapPeers = append(cfg.Enrollment.BootstrapPeers, config.BootstrapPeerConfig{Address: hp})
		}
	}
	if poolStart != 0 {
		cfg.DIF.AddressPoolStart = poolStart
	}
	if poolEnd != 0 {
		cfg.DIF.AddressPoolEnd = poolEnd
	}

	return cfg, nil
}

func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	return s[:idx], s[idx+1:], nil
}

func validateConfig(cfg *config.Config) error {
	switch cfg.IPCP.Mode {
	case "bootstrap":
		if cfg.IPCP.Name == "" || cfg.DIF.Name == "" || cfg.DIF.Address == 0 || cfg.Shim.BindAddress == "" {
			return fmt.Errorf("bootstrap mode requires name, dif-name, address, and bind")
		}
	case "member":
		if cfg.IPCP.Name == "" || cfg.DIF.Name == "" || cfg.Shim.BindAddress == "" || len(cfg.Enrollment.BootstrapPeers) == 0 {
			return fmt.Errorf("member mode requires name, dif-name, bind, and at least one bootstrap peer")
		}
	case "demo":
		// no requirements
	default:
		return fmt.Errorf("unknown mode %q: must be bootstrap, member, or demo", cfg.IPCP.Mode)
	}
	return nil
}
