package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/twopc/api/rpc"
	"github.com/sushant-115/twopc/config"
	"github.com/sushant-115/twopc/core/replica"
	"github.com/sushant-115/twopc/core/storage_engine/kvstore"
	commonutils "github.com/sushant-115/twopc/internal/common_utils"
)

var (
	configPath    = flag.String("config", "", "Path to the YAML config file")
	nodeID        = flag.String("node_id", "", "Replica name used in logs (overrides config, random if empty)")
	address       = flag.String("addr", "", "Address to serve the replica API on (overrides config)")
	masterAddress = flag.String("master", "", "Address of the master (overrides config)")
	logPath       = flag.String("log_path", "", "Path of the replica's transaction log (overrides config)")
	storePath     = flag.String("store_path", "", "Path of the replica's bolt database (overrides config)")
	timeout       = flag.Duration("timeout", 0, "Vote and decision timeout T (overrides config)")
	logLevel      = flag.String("log_level", "", "Log level (overrides config)")
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{*nodeID, &cfg.Replica.NodeID},
		{*address, &cfg.Replica.Address},
		{*masterAddress, &cfg.Replica.MasterAddress},
		{*logPath, &cfg.Replica.LogPath},
		{*storePath, &cfg.Replica.StorePath},
		{*logLevel, &cfg.Logger.Level},
	}
	for _, o := range overrides {
		if o.flag != "" {
			*o.dst = o.flag
		}
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if cfg.Replica.NodeID == "" {
		cfg.Replica.NodeID = uuid.NewString()
	}
	return cfg, cfg.ValidateReplica()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	node, err := commonutils.Bootstrap(cfg, "twopc-replica")
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer node.Close()
	zlogger := node.Logger.With(zap.String("node_id", cfg.Replica.NodeID))

	for _, p := range []string{cfg.Replica.LogPath, cfg.Replica.StorePath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			zlogger.Error("Failed to create data directory", zap.String("path", p), zap.Error(err))
			return
		}
	}

	store, err := kvstore.OpenBolt(cfg.Replica.StorePath)
	if err != nil {
		zlogger.Error("Failed to open store", zap.String("path", cfg.Replica.StorePath), zap.Error(err))
		return
	}

	zlogger.Info("Starting replica",
		zap.String("address", cfg.Replica.Address),
		zap.String("master", cfg.Replica.MasterAddress),
		zap.String("log_path", cfg.Replica.LogPath),
		zap.Duration("timeout", cfg.Timeout))

	// Recovery may wait on the master; a signal during that wait aborts startup.
	recoverCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	masterClient := rpc.NewMasterClient(node.Conns, cfg.Replica.MasterAddress)
	r, err := replica.New(recoverCtx, cfg.ForReplica(), store, masterClient, node.Logger,
		replica.WithMetrics(node.TxnMetrics))
	stop()
	if err != nil {
		zlogger.Error("Failed to start replica", zap.Error(err))
		store.Close()
		return
	}

	grpcServer := node.NewServer()
	rpc.RegisterReplicaServer(grpcServer, rpc.NewReplicaService(r))
	addr, errCh, err := node.Serve(grpcServer, cfg.Replica.Address)
	if err != nil {
		zlogger.Error("Failed to serve", zap.Error(err))
		r.Close()
		return
	}
	zlogger.Info("Replica is serving", zap.Stringer("address", addr))

	commonutils.WaitForShutdown(zlogger, errCh)
	commonutils.StopServer(grpcServer, 10*time.Second)
	if err := r.Close(); err != nil {
		zlogger.Error("Failed to close replica", zap.Error(err))
	}
	zlogger.Info("Replica stopped")
}
