// Copyright 2025 Certen Protocol
//
// Block Storage Engine - process entry point
//
// Wires configuration, structured logging, the cometbft-db backed record
// store, the stateful assembler, envelope auth, and the event bus into a
// running engine, exposes prometheus metrics, and shuts the loop down
// gracefully on SIGINT/SIGTERM.

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/block-storage-engine/pkg/assembler"
	"github.com/certen/block-storage-engine/pkg/bus"
	"github.com/certen/block-storage-engine/pkg/config"
	"github.com/certen/block-storage-engine/pkg/engine"
	"github.com/certen/block-storage-engine/pkg/envelope"
	"github.com/certen/block-storage-engine/pkg/kvdb"
	"github.com/certen/block-storage-engine/pkg/logging"
	"github.com/certen/block-storage-engine/pkg/metrics"
	"github.com/certen/block-storage-engine/pkg/storage"
	"github.com/certen/block-storage-engine/pkg/types"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file overlaying environment variables")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "block-storage-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	db, err := kvdb.Open("blockstore", cfg.DBBackend, cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := storage.OpenStore(db, &storage.StoreConfig{
		DataDir:             cfg.DataDir,
		MinDiskSpacePercent: cfg.MinDiskSpacePercent,
		VerifyChecksums:     cfg.VerifyChecksums,
		MaxBlockSize:        cfg.MaxBlockSize,
		Logger:              logger.Component("storage"),
		Metrics:             m,
	})
	if err != nil {
		return err
	}

	asm, err := assembler.New(store, &assembler.Config{
		Timeout:    cfg.AssemblyTimeout,
		MaxPending: cfg.MaxPendingAssemblies,
		Logger:     logger.Component("assembler"),
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	identity := types.SubsystemID(cfg.Identity)
	signer, err := envelope.NewSigner(identity, cfg.AuthKey(), nil)
	if err != nil {
		return err
	}
	verifier, err := envelope.NewVerifier(&envelope.VerifierConfig{
		Identity:       cfg.Identity,
		Key:            cfg.AuthKey(),
		SkewSeconds:    int64(cfg.AuthSkew / time.Second),
		NonceCacheSize: cfg.NonceCacheSize,
	})
	if err != nil {
		return err
	}

	// Without an external bus configured the engine runs on the loopback:
	// subscribers in the same process still see every event.
	loopback := bus.NewLoopback()
	dlq := bus.NewMemoryDLQ(1024)
	emitter, err := bus.NewEmitter(loopback, signer, dlq, &bus.EmitterConfig{
		Logger:  logger.Component("emitter"),
		Metrics: m,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(verifier, signer, store, asm, emitter, loopback, &engine.Config{
		Identity:      identity,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger.Component("engine"),
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()

	logger.Info("block storage engine running",
		"data_dir", cfg.DataDir,
		"db_backend", cfg.DBBackend,
		"identity", cfg.Identity,
		"metrics_addr", cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	eng.Stop()
	_ = metricsServer.Close()

	if stats, err := eng.Stats(); err == nil {
		logger.Info("final state",
			"latest_height", stats.LatestHeight,
			"finalized_height", stats.FinalizedHeight,
			"total_blocks", stats.TotalBlocks)
	}
	if n := dlq.Len(); n > 0 {
		logger.Warn("dead letters left in queue", "count", n)
	}
	return nil
}
