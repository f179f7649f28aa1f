// Package connection caches gRPC client connections by remote address, so a
// master talking to many replicas (or replicas talking to one master) shares
// a single multiplexed connection per peer.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var ErrManagerClosed = errors.New("connection manager is closed")

// Options configures how new connections are created.
type Options struct {
	// Creds secures the connection. Nil means plaintext.
	Creds credentials.TransportCredentials
	// MaxBackoff caps the delay between reconnect attempts. Zero keeps the
	// gRPC default.
	MaxBackoff time.Duration
	// Extra dial options appended after the defaults.
	DialOptions []grpc.DialOption
}

// ConnectionManager hands out one shared *grpc.ClientConn per address.
// Connections are created lazily and reconnect on their own; callers never
// close them.
type ConnectionManager struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	opts   []grpc.DialOption
	closed bool
}

// NewConnectionManager creates a manager whose connections use opts.
func NewConnectionManager(opts Options) *ConnectionManager {
	creds := opts.Creds
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	if opts.MaxBackoff > 0 {
		cfg := backoff.DefaultConfig
		cfg.MaxDelay = opts.MaxBackoff
		dialOpts = append(dialOpts, grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           cfg,
			MinConnectTimeout: opts.MaxBackoff,
		}))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	return &ConnectionManager{
		conns: make(map[string]*grpc.ClientConn),
		opts:  dialOpts,
	}
}

// Get returns the connection for address, creating it on first use.
func (m *ConnectionManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if ok {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	// Double-check after acquiring write lock
	if conn, ok := m.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = conn
	return conn, nil
}

// Close closes every cached connection. Later calls to Get fail.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for addr, conn := range m.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
	return errors.Join(errs...)
}
