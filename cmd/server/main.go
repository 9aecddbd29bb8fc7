package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyflow/pkg/cache"
	"github.com/nicktill/tinyflow/pkg/city"
	"github.com/nicktill/tinyflow/pkg/config"
	"github.com/nicktill/tinyflow/pkg/ingest"
	"github.com/nicktill/tinyflow/pkg/partition"
	"github.com/nicktill/tinyflow/pkg/schedule"
	"github.com/nicktill/tinyflow/pkg/section"
	"github.com/nicktill/tinyflow/pkg/server"
	"github.com/nicktill/tinyflow/pkg/topology"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML configuration file")
	topologyPath := pflag.StringP("topology", "t", "", "path to the section/lane topology file (overrides config)")
	port := pflag.StringP("port", "p", "", "HTTP port (overrides config and PORT)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *topologyPath != "" {
		cfg.TopologyFile = *topologyPath
	}
	if *port != "" {
		cfg.Port = *port
	}
	setupLogging(cfg.Log)

	logrus.Info("🚀 Starting tinyflow server...")
	loc := cfg.Location()

	topo, err := topology.LoadFile(cfg.TopologyFile)
	if err != nil {
		logrus.WithError(err).WithField("path", cfg.TopologyFile).Fatal("Failed to load topology")
	}
	logrus.WithFields(logrus.Fields{
		"sections": len(topo.Sections()),
		"lanes":    len(topo.Lanes()),
	}).Info("Topology loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cacheStore, err := server.InitializeCache(cfg.Cache)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize flow cache")
	}
	defer cacheStore.Close()
	flowCache := cache.New(cacheStore, cache.DefaultTTLs(), loc)

	scheme := partition.Scheme{Grid: cfg.Partition.Grid, Phase: cfg.Partition.Phase, Loc: loc}
	st, err := server.InitializeStore(ctx, cfg.Store, scheme)
	if err != nil {
		logrus.WithError(err).WithField("driver", cfg.Store.Driver).Fatal("Failed to initialize durable store")
	}
	defer st.Close()

	hub := server.NewHub()
	controller := partition.NewController(scheme, st.SectionStatus(), st.LaneFlows())
	aggregator := section.New(flowCache, topo, st.SectionStatus(), section.Options{
		FlushLag: cfg.Aggregation.FlushLag,
		Workers:  cfg.Aggregation.Workers,
	})
	engine := city.New(flowCache, topo, hub, city.Options{
		FlushLag: cfg.Aggregation.FlushLag,
		TopN:     cfg.Aggregation.TopN,
	})

	// Inserts from NATS and HTTP need an active partition before they start.
	// A failure here is retried by the scheduler's first tick.
	if err := controller.Activate(ctx, time.Now()); err != nil {
		logrus.WithError(err).Error("Failed to activate initial partitions")
	}

	sched := schedule.New(loc)
	sched.Register(controller, cfg.Partition.Grid, cfg.Partition.Phase, schedule.RunAtStart())
	// The engine reads what the aggregator wrote on the same tick.
	sched.Register(schedule.Chain("minute-rollup", aggregator, engine), cfg.Aggregation.TickInterval, 0)
	if job, grid, ok := server.CacheMaintenance(cacheStore); ok {
		sched.Register(job, grid, 0)
	}

	writer := ingest.NewWriter(flowCache, topo, st.LaneFlows())

	var subscriber *ingest.Subscriber
	if cfg.NATS.URL != "" {
		subscriber, err = ingest.NewSubscriber(cfg.NATS.URL, cfg.NATS.Subject, writer)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to NATS")
		}
		if err := subscriber.Start(); err != nil {
			logrus.WithError(err).Fatal("Failed to subscribe to lane flows")
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})

	router := mux.NewRouter()
	server.SetupRoutes(router, &server.API{
		Cache:      flowCache,
		Topology:   topo,
		City:       engine,
		Histograms: aggregator,
		Status:     st.SectionStatus(),
		Monitor:    sched.Monitor(),
	}, ingest.NewHandler(writer), hub, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		logrus.WithField("addr", "http://localhost:"+cfg.Port).Info("🌐 Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed to start")
		}
	}()

	waitForShutdown(topo, cfg.TopologyFile)
	logrus.Info("🛑 Shutdown signal received...")

	if subscriber != nil {
		subscriber.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Server shutdown warning")
	}

	// Stop scheduling before the last flush so no tick races it.
	cancel()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		logrus.Warn("Some background tasks did not stop in time")
	}

	if err := aggregator.Flush(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Failed to flush section histograms")
	}

	logrus.Info("👋 tinyflow server exited cleanly")
}

// waitForShutdown blocks until SIGINT or SIGTERM. SIGHUP reloads the
// topology file in place.
func waitForShutdown(topo *topology.Store, path string) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)

	for s := range sig {
		if s != syscall.SIGHUP {
			return
		}
		if err := topo.ReloadFile(path); err != nil {
			logrus.WithError(err).Error("Topology reload failed, keeping the current network")
			continue
		}
		logrus.WithField("sections", len(topo.Sections())).Info("Topology reloaded")
	}
}

func setupLogging(cfg config.LogConfig) {
	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.WithError(err).Warnf("Unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
