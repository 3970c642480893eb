package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	client "gointegrity/clients/go"
	"gointegrity/config"
	"gointegrity/pkg/audit"
	"gointegrity/pkg/logging"
	"gointegrity/pkg/monitor"
	"gointegrity/pkg/server"
	"gointegrity/pkg/statemgmt"
	"gointegrity/storage"
)

var (
	configPath   = flag.String("config", "", "Path to configuration file")
	dataDir      = flag.String("data-dir", "", "Data directory")
	port         = flag.Int("port", 0, "Server port")
	host         = flag.String("host", "", "Server host")
	resourceName = flag.String("resource-name", "", "Resource name of this node")
	domain       = flag.String("domain", "", "Resource domain")
	site         = flag.String("site", "", "Site of this node")
)

func main() {
	flag.Parse()

	// Identity flags go through the environment layer so validation sees them.
	if *resourceName != "" {
		os.Setenv("INTEGRITY_NODE_RESOURCE_NAME", *resourceName)
	}
	if *domain != "" {
		os.Setenv("INTEGRITY_NODE_DOMAIN", *domain)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	logger, closer, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting integrity daemon",
		"resource", cfg.Node.ResourceName,
		"domain", cfg.Node.Domain,
		"site", cfg.Node.Site,
		"listen", cfg.ListenAddr(),
		"advertise", cfg.Advertise())
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("integrity daemon failed", "error", err)
		os.Exit(1)
	}
	logger.Info("integrity daemon stopped")
}

func applyFlags(cfg *config.Config) {
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *site != "" {
		cfg.Node.Site = *site
	}
}

// run wires the subsystems together and blocks until ctx is done or one of
// them fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.Open(cfg.Storage.Backend, storage.BadgerConfig{
		DataDir:    cfg.Storage.DataDir,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		GCInterval: cfg.Storage.GCInterval,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	mgr, err := statemgmt.New(statemgmt.Config{
		ResourceName: cfg.Node.ResourceName,
		Domain:       cfg.Node.Domain,
		Store:        store,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	initial, err := mgr.InitializeState(ctx)
	if err != nil {
		return fmt.Errorf("initialize state: %w", err)
	}
	logger.Info("resource state", "state", initial.String())

	pool := client.NewPool(cfg.Node.Domain, store, &client.Options{
		Insecure:    true,
		DialTimeout: cfg.Monitor.PeerTimeout,
		CallTimeout: cfg.Server.RequestTimeout,
	})
	defer pool.Close()

	mon, err := monitor.New(monitor.Config{
		ResourceName:              cfg.Node.ResourceName,
		Domain:                    cfg.Node.Domain,
		NodeType:                  cfg.Node.NodeType,
		Site:                      cfg.Node.Site,
		Address:                   cfg.Advertise(),
		CycleInterval:             cfg.Monitor.CycleInterval,
		FPMonitorInterval:         cfg.Monitor.FPMonitorInterval,
		FailedCounterThreshold:    cfg.Monitor.FailedCounterThreshold,
		TestTransInterval:         cfg.Monitor.TestTransInterval,
		WriteFPCInterval:          cfg.Monitor.WriteFPCInterval,
		CheckDependencyInterval:   cfg.Monitor.CheckDependencyInterval,
		MaxFPCUpdateInterval:      cfg.Monitor.MaxFPCUpdateInterval,
		RefreshStateAuditInterval: cfg.Monitor.RefreshStateAuditInterval,
		StateAuditInterval:        cfg.Monitor.StateAuditInterval,
		DependencyGroups:          cfg.Monitor.Groups(),
		RemoteHealthCheck:         cfg.Monitor.RemoteHealthCheck,
		PeerTimeout:               cfg.Monitor.PeerTimeout,
	}, mgr, store, monitor.WithLogger(logger), monitor.WithPeerPinger(pool))
	if err != nil {
		return err
	}

	var designator *audit.Designator
	if cfg.Audit.Enabled {
		auditor, err := audit.NewAuditor(audit.AuditorConfig{
			Local:            store,
			Designations:     store,
			Peers:            pool,
			Logger:           logger,
			TimeCheckRecords: cfg.Audit.TimeCheckRecords,
			TimeCheckSleep:   cfg.Audit.TimeCheckSleep,
			TouchInterval:    cfg.Audit.TouchInterval,
			Verbose:          cfg.Audit.Verbose,
		})
		if err != nil {
			return err
		}
		designator, err = audit.NewDesignator(audit.DesignatorConfig{
			ResourceName:       cfg.Node.ResourceName,
			Domain:             cfg.Node.Domain,
			NodeType:           cfg.Node.NodeType,
			Site:               cfg.Node.Site,
			Address:            cfg.Advertise(),
			CompletionInterval: cfg.Audit.CompletionInterval,
			SleepInterval:      cfg.Audit.SleepInterval,
			TouchInterval:      cfg.Audit.TouchInterval,
			ErrorBackoff:       cfg.Audit.ErrorBackoff,
			Store:              store,
			Runner:             auditor,
			Logger:             logger,
		})
		if err != nil {
			return err
		}
	}

	srv, err := server.NewServer(cfg, server.Deps{
		Manager:    mgr,
		Monitor:    mon,
		Store:      store,
		Designator: designator,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return mon.Run(ctx) })
	if designator != nil {
		g.Go(func() error { return designator.Run(ctx) })
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(ctx, cfg, logger) })
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	hs := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	logger.Info("serving metrics", "address", hs.Addr, "path", cfg.Metrics.Path)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}
