// Package commonutils holds the startup and shutdown plumbing shared by the
// master and replica daemons.
package commonutils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/sushant-115/twopc/api/rpc"
	"github.com/sushant-115/twopc/config"
	internaltelemetry "github.com/sushant-115/twopc/internal/telemetry"
	"github.com/sushant-115/twopc/pkg/connection"
	"github.com/sushant-115/twopc/pkg/logger"
	"github.com/sushant-115/twopc/pkg/telemetry"
)

// Node is everything a daemon builds before its own component.
type Node struct {
	Logger     *zap.Logger
	Telemetry  *telemetry.Telemetry
	TxnMetrics *internaltelemetry.TxnMetrics
	RPCMetrics *internaltelemetry.RPCMetrics
	// Conns dials peers with the configured client credentials.
	Conns *connection.ConnectionManager

	serverCreds       credentials.TransportCredentials
	shutdownTelemetry telemetry.ShutdownFunc
}

// Bootstrap sets up logging, telemetry, TLS and the connection manager for
// the named service.
func Bootstrap(cfg config.Config, service string) (*Node, error) {
	logCfg := cfg.Logger
	if logCfg.Service == "" {
		logCfg.Service = service
	}
	zlogger, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	telCfg := cfg.Telemetry
	telCfg.ServiceName = service
	tel, shutdown, err := telemetry.New(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	n := &Node{Logger: zlogger, Telemetry: tel, shutdownTelemetry: shutdown}

	if n.TxnMetrics, err = internaltelemetry.NewTxnMetrics(tel.Meter); err != nil {
		n.Close()
		return nil, err
	}
	if n.RPCMetrics, err = internaltelemetry.NewRPCMetrics(tel.Meter); err != nil {
		n.Close()
		return nil, err
	}

	clientCreds, err := cfg.TLS.ClientCredentials()
	if err != nil {
		n.Close()
		return nil, err
	}
	if n.serverCreds, err = cfg.TLS.ServerCredentials(); err != nil {
		n.Close()
		return nil, err
	}
	n.Conns = connection.NewConnectionManager(connection.Options{Creds: clientCreds, MaxBackoff: 5 * time.Second})

	if tel.MetricsAddr != "" {
		zlogger.Info("Serving metrics", zap.String("address", tel.MetricsAddr))
	}
	return n, nil
}

// NewServer returns a gRPC server with the node's credentials, logger and
// RPC metrics.
func (n *Node) NewServer() *grpc.Server {
	return rpc.NewServer(rpc.ServerOptions{
		Creds:   n.serverCreds,
		Metrics: n.RPCMetrics,
		Logger:  n.Logger,
	})
}

// Serve listens on address and runs srv in the background. The returned
// channel yields the error Serve stopped with, if any.
func (n *Node) Serve(srv *grpc.Server, address string) (net.Addr, <-chan error, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()
	return lis.Addr(), errCh, nil
}

// Close releases connections and flushes telemetry and logs.
func (n *Node) Close() {
	if n.Conns != nil {
		n.Conns.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.shutdownTelemetry(ctx); err != nil {
		n.Logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	_ = n.Logger.Sync()
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives or errCh reports a
// server failure.
func WaitForShutdown(logger *zap.Logger, errCh <-chan error) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}
}

// StopServer drains srv, forcing it down after grace.
func StopServer(srv *grpc.Server, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		srv.Stop()
	}
}
