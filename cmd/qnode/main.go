package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"qnode/config"
	"qnode/logs"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	pflag.Uint32("epoch", 0, "current epoch number")
	pflag.Uint32("initial-tick", 1, "first tick of the epoch")
	pflag.String("snapshot-dir", "snapshots", "snapshot file set directory")
	pflag.String("data-dir", "data", "badger directory for pending-tx persistence")
	pflag.Bool("persist-pending", false, "persist accepted pool transactions")
	pflag.Int("log-level", logs.LevelInfo, "log level (0=trace .. 5=error)")
	pflag.Bool("invalidate-snapshot", false, "invalidate the epoch's snapshot and exit")
	pflag.Parse()

	viper.SetEnvPrefix("QNODE")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind flags: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.Node.Epoch = viper.GetUint32("epoch")
	cfg.Node.InitialTick = viper.GetUint32("initial-tick")
	cfg.Node.SnapshotDir = viper.GetString("snapshot-dir")
	cfg.Node.DataDir = viper.GetString("data-dir")
	cfg.Pool.PersistPending = viper.GetBool("persist-pending")
	cfg.Node.LogLevel = viper.GetInt("log-level")

	logs.SetLevel(cfg.Node.LogLevel)

	node, err := NewNode(cfg, nil)
	if err != nil {
		logs.Error("failed to build node: %v", err)
		os.Exit(1)
	}

	if viper.GetBool("invalidate-snapshot") {
		if err := node.Storage.SaveInvalidateData(cfg.Node.Epoch, cfg.Node.SnapshotDir); err != nil {
			logs.Error("failed to invalidate snapshot: %v", err)
			os.Exit(1)
		}
		logs.Info("snapshot for epoch %d invalidated", cfg.Node.Epoch)
		return
	}

	if err := node.Start(); err != nil {
		logs.Error("failed to start node: %v", err)
		os.Exit(1)
	}
	logs.Info("node running: epoch=%d tick range [%d, %d)", cfg.Node.Epoch, cfg.Node.InitialTick, cfg.Node.InitialTick+cfg.Storage.MaxTicksPerEpoch)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logs.Info("shutting down")
	node.Shutdown()
}
