package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	core "opnet-indexer/core"
	"opnet-indexer/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "opnetd"}
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(storeCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var metricsAddr string

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "index"}
	start := &cobra.Command{
		Use:   "start",
		Short: "start the indexing pipeline against a configured Bitcoin node",
		Run:   runIndexStart,
	}
	start.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on, empty to disable")
	cmd.AddCommand(start)
	return cmd
}

func storeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "store"}
	revert := &cobra.Command{
		Use:   "revert <height>",
		Short: "force the state store back to a given height",
		Args:  cobra.ExactArgs(1),
		Run:   runStoreRevert,
	}
	cmd.AddCommand(revert)
	return cmd
}

func runIndexStart(cmd *cobra.Command, args []string) {
	// .env is a local developer convenience; its absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}

	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err == nil {
		logger.SetLevel(level)
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		logger.WithError(err).Fatal("create storage directory")
	}
	if err := core.InitStore(cfg.Storage.Dir, cfg.Indexing.PurgeSpentUTXOOlderBlk); err != nil {
		logger.WithError(err).Fatal("open store")
	}
	store := core.CurrentStore()

	rpcEndpoint := cfg.Network.BitcoinRPCAddr
	if !strings.Contains(rpcEndpoint, "://") {
		rpcEndpoint = "http://" + rpcEndpoint // config holds host:port
	}
	rpc := core.NewBitcoinRPCClient(rpcEndpoint, cfg.Network.BitcoinRPCUser, cfg.Network.BitcoinRPCPass)

	netParams := &chaincfg.MainNetParams
	switch cfg.Network.Name {
	case "testnet":
		netParams = &chaincfg.TestNet3Params
	case "regtest":
		netParams = &chaincfg.RegressionNetParams
	}
	parser := core.NewTxParser(core.ParserConfig{
		Params:              netParams,
		MaxAccessListSlots:  256,
		MaxGraffitiBytes:    80,
		StrictAccessListCap: true,
	})

	scheduler := core.NewScheduler(core.SchedulerConfig{PrefetchDepth: cfg.Indexing.MaximumPrefetchBlocks}, rpc, parser, store, logger)
	core.InitScheduler(scheduler)
	scheduler.Recover()

	engine := core.NewEngine(store, core.EngineConfig{
		MaxCallDepth:       cfg.VM.MaxCallDepth,
		ReentrancyGuard:    true,
		MaxDeploymentDepth: cfg.VM.MaxDeploymentDepth,
		MaxEventTypeLen:    64,
		MaxEventDataLen:    4096,
		MaxEventTotalSize:  32 * 1024,
		MaxInputs:          1024,
		MaxOutputs:         1024,
		StrictAccessList:   cfg.VM.StrictAccessList,
		RevertCap:          4096,
		DefaultGasLimit:    cfg.VM.DefaultGasLimit,
	}, logger)
	core.InitEngine(engine)

	watchdog := core.NewReorgWatchdog(core.ReorgWatchdogConfig{
		PollInterval: time.Duration(cfg.Indexing.ReorgPollIntervalMS) * time.Millisecond,
	}, rpc, store, scheduler, logger)

	metrics := core.NewMetrics()
	engine.SetMetrics(metrics)
	watchdog.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsSrv.Close()
		}()
	}

	go watchdog.Run(ctx)
	go store.PurgeSweep(time.Minute, store.LatestHeight, ctx.Done())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("opnetd: shutdown signal received")
		watchdog.Stop()
		scheduler.Stop()
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"network":  cfg.Network.Name,
		"prefetch": cfg.Indexing.MaximumPrefetchBlocks,
	}).Info("opnetd: indexing pipeline starting")

	scheduler.Run(ctx, engine.ExecuteBlock)
}

func runStoreRevert(cmd *cobra.Command, args []string) {
	var height uint64
	if _, err := fmt.Sscanf(args[0], "%d", &height); err != nil {
		logrus.WithError(err).Fatal("parse height argument")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}

	store, err := core.OpenStore(cfg.Storage.Dir, cfg.Indexing.PurgeSpentUTXOOlderBlk)
	if err != nil {
		logrus.WithError(err).Fatal("open store")
	}

	if err := store.ForceRevertUntil(height); err != nil {
		logrus.WithError(err).Fatal("revert store")
	}

	out, _ := json.Marshal(map[string]uint64{"revertedTo": height})
	fmt.Println(string(out))
}
