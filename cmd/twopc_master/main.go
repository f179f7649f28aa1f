package main

import (
	"flag"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/twopc/api/rpc"
	"github.com/sushant-115/twopc/config"
	"github.com/sushant-115/twopc/core/master"
	commonutils "github.com/sushant-115/twopc/internal/common_utils"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	address    = flag.String("addr", "", "Address to serve the master API on (overrides config)")
	logPath    = flag.String("log_path", "", "Path of the master's transaction log (overrides config)")
	replicas   = flag.String("replicas", "", "Comma separated replica addresses in order (overrides config)")
	logLevel   = flag.String("log_level", "", "Log level (overrides config)")
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *address != "" {
		cfg.Master.Address = *address
	}
	if *logPath != "" {
		cfg.Master.LogPath = *logPath
	}
	if *replicas != "" {
		cfg.Master.Replicas = strings.Split(*replicas, ",")
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	return cfg, cfg.ValidateMaster()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	node, err := commonutils.Bootstrap(cfg, "twopc-master")
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer node.Close()
	zlogger := node.Logger

	clients := make([]master.ReplicaClient, 0, len(cfg.Master.Replicas))
	for _, addr := range cfg.Master.Replicas {
		clients = append(clients, rpc.NewReplicaClient(node.Conns, strings.TrimSpace(addr)))
	}

	zlogger.Info("Starting master",
		zap.String("address", cfg.Master.Address),
		zap.String("log_path", cfg.Master.LogPath),
		zap.Strings("replicas", cfg.Master.Replicas))

	m, err := master.New(cfg.ForMaster(), clients, zlogger,
		master.WithMetrics(node.TxnMetrics),
		master.WithTracer(node.Telemetry.Tracer))
	if err != nil {
		zlogger.Error("Failed to start master", zap.Error(err))
		return
	}

	grpcServer := node.NewServer()
	rpc.RegisterMasterServer(grpcServer, rpc.NewMasterService(m))
	addr, errCh, err := node.Serve(grpcServer, cfg.Master.Address)
	if err != nil {
		zlogger.Error("Failed to serve", zap.Error(err))
		m.Close()
		return
	}
	zlogger.Info("Master is serving", zap.Stringer("address", addr))

	commonutils.WaitForShutdown(zlogger, errCh)
	commonutils.StopServer(grpcServer, 10*time.Second)
	if err := m.Close(); err != nil {
		zlogger.Error("Failed to close master", zap.Error(err))
	}
	zlogger.Info("Master stopped")
}
