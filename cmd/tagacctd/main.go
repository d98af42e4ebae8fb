// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command tagacctd runs the per-socket traffic accounting daemon.
//
// It tracks interfaces over netlink, reads packet observations from an
// NFLOG group, serves the tagging command channel and the read interface on
// unix sockets, and untags sockets once they close.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/tagacct/internal/api"
	"grimm.is/tagacct/internal/capture"
	"grimm.is/tagacct/internal/config"
	"grimm.is/tagacct/internal/ctlplane"
	"grimm.is/tagacct/internal/kernel"
	"grimm.is/tagacct/internal/logging"
	"grimm.is/tagacct/internal/metrics"
	"grimm.is/tagacct/internal/netmon"
	"grimm.is/tagacct/internal/qtaguid"
	"grimm.is/tagacct/internal/reaper"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to HCL config file")
	checkOnly := flag.Bool("check", false, "Validate the configuration and exit")
	printConfig := flag.Bool("print", false, "Print the effective configuration as HCL and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tagacctd: %v\n", err)
		os.Exit(1)
	}
	if *printConfig {
		os.Stdout.Write(cfg.MarshalHCL())
		return
	}
	if *checkOnly {
		fmt.Println("configuration OK")
		return
	}

	logging.SetDefault(newLogger(cfg))
	if err := run(cfg); err != nil {
		logging.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to defaults when the default path
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path == config.DefaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
	}
	return config.LoadFile(path)
}

func newLogger(cfg *config.Config) *logging.Logger {
	logCfg := logging.DefaultConfig()
	logCfg.JSON = cfg.LogJSON
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logCfg.Level = lvl
	}
	if env := os.Getenv("TAGACCT_LOG_LEVEL"); env != "" {
		if lvl, ok := logging.ParseLevel(env); ok {
			logCfg.Level = lvl
		}
	}
	return logging.New(logCfg)
}

func engineOptions(cfg *config.Config, resolver qtaguid.SocketResolver) qtaguid.Options {
	opts := qtaguid.DefaultOptions()
	opts.MaxTagsPerUID = cfg.MaxTagsPerUID
	opts.CounterSets = cfg.CounterSets
	opts.MaxTaggedSockets = cfg.MaxTaggedSockets
	opts.MaxTagStatsPerIface = cfg.MaxTagStatsPerIface
	opts.MaxInterfaces = cfg.MaxInterfaces
	opts.Resolver = resolver
	opts.Logger = logging.WithComponent("qtaguid")

	opts.Permissions = qtaguid.Permissions{
		CtrlWriteLimited:    cfg.CtrlWriteIsLimited(),
		StatsReadAllLimited: cfg.StatsReadAllIsLimited(),
		PrivilegedUIDs:      make(map[uint32]bool),
		PrivilegedGIDs:      make(map[uint32]bool),
	}
	for _, uid := range cfg.PrivilegedUIDs {
		opts.Permissions.PrivilegedUIDs[uint32(uid)] = true
	}
	for _, gid := range cfg.PrivilegedGIDs {
		opts.Permissions.PrivilegedGIDs[uint32(gid)] = true
	}
	return opts
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kern, err := kernel.NewLinuxKernel("", logging.WithComponent("kernel"))
	if err != nil {
		return err
	}

	engine, err := qtaguid.NewEngine(engineOptions(cfg, kern))
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logging.Warn("Engine close reported errors", "error", err)
		}
	}()

	// Interface tracking must run before capture so packets find their
	// interfaces.
	links := netmon.NewService(netmon.NewNetlinkSource(logging.WithComponent("netlink")),
		engine, cfg.NetmonRefreshInterval(), logging.WithComponent("netmon"))
	netmonOn := cfg.NetmonEnabled()
	if cfg.Capture.Enabled && !netmonOn {
		logging.Warn("Packet capture needs interface tracking; enabling netmon")
		netmonOn = true
	}
	if netmonOn {
		if err := links.Start(ctx); err != nil {
			return err
		}
		defer links.Stop()
	}

	rp := reaper.New(kern, engine, cfg.ReaperInterval(), logging.WithComponent("reaper"))
	rp.Start(ctx)
	defer rp.Stop()
	comps := metrics.Components{Reaper: rp}

	if cfg.ConntrackEventsEnabled() {
		watcher, err := reaper.WatchConntrack(ctx, rp, logging.WithComponent("conntrack"))
		if err != nil {
			logging.Warn("Conntrack events unavailable, relying on periodic sweeps", "error", err)
		} else {
			defer watcher.Close()
			comps.Conntrack = watcher
		}
	}

	if cfg.Capture.Enabled {
		observer := capture.NewObserver(engine, links, kern, cfg.SocketTableRefresh(), logging.WithComponent("capture"))
		reader := capture.NewNFLogReader(uint16(cfg.NFLogGroupID()), observer, logging.WithComponent("nflog"))
		if err := reader.Start(ctx); err != nil {
			return err
		}
		defer reader.Stop()
		comps.Capture = observer
		comps.NFLog = reader
	}

	ctl := ctlplane.NewServer(engine, logging.WithComponent("ctl"))
	if err := ctl.Start(cfg.Control.Socket); err != nil {
		return err
	}
	defer ctl.Stop()

	reg := metrics.NewRegistry(engine)
	reg.MustRegister(metrics.NewComponentCollector(comps))
	apiServer := api.NewServer(engine, reg, logging.WithComponent("api"))
	apiListener, err := api.ListenUnix(cfg.API.Socket)
	if err != nil {
		return err
	}
	errCh := make(chan error, 2)
	go func() { errCh <- apiServer.ServeListener(apiListener) }()
	if cfg.API.MetricsListen != "" {
		go func() { errCh <- apiServer.ServeMetrics(cfg.API.MetricsListen) }()
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("API shutdown", "error", err)
		}
	}()

	logging.Info("tagacctd started",
		"ctrl", cfg.Control.Socket, "api", cfg.API.Socket,
		"capture", cfg.Capture.Enabled, "netmon", netmonOn)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logging.Info("Received signal, shutting down...", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return nil
}
