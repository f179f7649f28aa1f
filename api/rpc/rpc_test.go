package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/twopc/config/certs"
	"github.com/sushant-115/twopc/core/master"
	"github.com/sushant-115/twopc/core/replica"
	"github.com/sushant-115/twopc/core/storage_engine/kvstore"
	"github.com/sushant-115/twopc/core/transaction"
	internaltelemetry "github.com/sushant-115/twopc/internal/telemetry"
	"github.com/sushant-115/twopc/pkg/connection"
)

type testNet struct {
	master      *MasterClient
	masterSrv   *grpc.Server
	replicaSrvs []*grpc.Server
	replicaAddr []string
	conns       *connection.ConnectionManager
}

type netOptions struct {
	serverCreds credentials.TransportCredentials
	clientCreds credentials.TransportCredentials
	metrics     *internaltelemetry.RPCMetrics
	timeout     time.Duration
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

// startNet runs a master and two replicas on loopback gRPC servers.
func startNet(t *testing.T, opts netOptions) *testNet {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	if opts.timeout == 0 {
		opts.timeout = time.Minute
	}

	conns := connection.NewConnectionManager(connection.Options{Creds: opts.clientCreds, MaxBackoff: 200 * time.Millisecond})
	masterLis := listen(t)
	replicaLis := []net.Listener{listen(t), listen(t)}

	n := &testNet{conns: conns, master: NewMasterClient(conns, masterLis.Addr().String())}
	serverOpts := ServerOptions{Creds: opts.serverCreds, Metrics: opts.metrics, Logger: logger}

	var clients []master.ReplicaClient
	for i, lis := range replicaLis {
		r, err := replica.New(context.Background(), replica.Config{
			NodeID:   lis.Addr().String(),
			LogPath:  filepath.Join(dir, fmt.Sprintf("replica%d.log", i+1)),
			Timeout:  opts.timeout,
			PollRate: 100,
		}, kvstore.NewMemStore(), n.master, logger)
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })

		srv := NewServer(serverOpts)
		RegisterReplicaServer(srv, NewReplicaService(r))
		go srv.Serve(lis)
		n.replicaSrvs = append(n.replicaSrvs, srv)
		clients = append(clients, NewReplicaClient(conns, lis.Addr().String()))
		n.replicaAddr = append(n.replicaAddr, lis.Addr().String())
	}

	m, err := master.New(master.Config{LogPath: filepath.Join(dir, "master.log"), RPCTimeout: 2 * time.Second}, clients, logger)
	require.NoError(t, err)
	n.masterSrv = NewServer(serverOpts)
	RegisterMasterServer(n.masterSrv, NewMasterService(m))
	go n.masterSrv.Serve(masterLis)

	t.Cleanup(func() {
		n.masterSrv.Stop()
		for _, srv := range n.replicaSrvs {
			srv.Stop()
		}
		m.Close()
		conns.Close()
	})
	return n
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRPC_PutGetDelete(t *testing.T) {
	n := startNet(t, netOptions{})
	ctx := ctxT(t)

	ok, err := n.master.Put(ctx, "somekey", "some value with spaces")
	require.NoError(t, err)
	require.True(t, ok)

	v, found, err := n.master.Get(ctx, "somekey")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "some value with spaces", v)

	state, err := n.master.TransactionState(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, transaction.StateCommit, state)

	state, err = n.master.TransactionState(ctx, 77)
	require.NoError(t, err)
	require.Equal(t, transaction.StateUnknown, state)

	ok, err = n.master.Delete(ctx, "somekey")
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = n.master.Get(ctx, "somekey")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRPC_InvalidKey(t *testing.T) {
	n := startNet(t, netOptions{})
	_, err := n.master.Put(ctxT(t), "", "v")
	require.ErrorIs(t, err, master.ErrInvalidKey)
}

func TestRPC_InvalidUTF8(t *testing.T) {
	n := startNet(t, netOptions{})
	ctx := ctxT(t)
	_, err := n.master.Put(ctx, "k", "\xff\xfe")
	require.ErrorIs(t, err, master.ErrInvalidValue)
	_, err = n.master.Delete(ctx, "\xff")
	require.ErrorIs(t, err, master.ErrInvalidKey)

	state, err := n.master.TransactionState(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, transaction.StateUnknown, state)
}

func TestFromMasterStatus_InvalidArgument(t *testing.T) {
	require.ErrorIs(t, fromMasterStatus(toStatus(master.ErrInvalidValue)), master.ErrInvalidValue)
	require.ErrorIs(t, fromMasterStatus(toStatus(fmt.Errorf("%w: empty", master.ErrInvalidKey))), master.ErrInvalidKey)
}

func TestRPC_OneReplicaDown(t *testing.T) {
	n := startNet(t, netOptions{})
	ctx := ctxT(t)

	ok, err := n.master.Put(ctx, "a", "1")
	require.NoError(t, err)
	require.True(t, ok)

	n.replicaSrvs[0].Stop()

	ok, err = n.master.Put(ctx, "b", "1")
	require.NoError(t, err)
	require.False(t, ok, "an unreachable replica votes no")

	v, found, err := n.master.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", v)
}

func TestRPC_AllReplicasDown(t *testing.T) {
	n := startNet(t, netOptions{})
	for _, srv := range n.replicaSrvs {
		srv.Stop()
	}
	_, _, err := n.master.Get(ctxT(t), "a")
	require.ErrorIs(t, err, master.ErrUnavailable)
}

func TestRPC_ReplicaClientDirect(t *testing.T) {
	n := startNet(t, netOptions{timeout: 100 * time.Millisecond})
	ctx := ctxT(t)

	rc := NewReplicaClient(n.conns, n.replicaAddr[0])
	ok, err := rc.Put(ctx, "k", "v", 500)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = rc.VoteReq(ctx, 500)
	require.NoError(t, err)
	require.True(t, ok)

	// The master never started 500, so termination over gRPC aborts it.
	require.Eventually(t, func() bool {
		ok, err := rc.Put(ctx, "k", "w", 501)
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)

	ok, err = rc.Abort(ctx, 501)
	require.NoError(t, err)
	require.True(t, ok)
	_, found, err := rc.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRPC_MutualTLS(t *testing.T) {
	files, err := certs.GenerateCerts(filepath.Join(t.TempDir(), "certs"))
	require.NoError(t, err)
	serverCreds, err := files.ServerCredentials()
	require.NoError(t, err)
	clientCreds, err := files.ClientCredentials()
	require.NoError(t, err)

	n := startNet(t, netOptions{serverCreds: serverCreds, clientCreds: clientCreds})
	ctx := ctxT(t)

	ok, err := n.master.Put(ctx, "secure", "yes")
	require.NoError(t, err)
	require.True(t, ok)
	v, found, err := n.master.Get(ctx, "secure")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "yes", v)
}

func TestRPC_PlaintextClientRejectedByTLSServer(t *testing.T) {
	files, err := certs.GenerateCerts(filepath.Join(t.TempDir(), "certs"))
	require.NoError(t, err)
	serverCreds, err := files.ServerCredentials()
	require.NoError(t, err)

	n := startNet(t, netOptions{serverCreds: serverCreds})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = n.master.Put(ctx, "k", "v")
	require.Error(t, err)
}

func TestRPC_ServerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := internaltelemetry.NewRPCMetrics(provider.Meter("test"))
	require.NoError(t, err)

	n := startNet(t, netOptions{metrics: metrics})
	ok, err := n.master.Put(ctxT(t), "k", "v")
	require.NoError(t, err)
	require.True(t, ok)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	handled := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "twopc.grpc.server.handled_total" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				method, _ := dp.Attributes.Value("rpc.method")
				handled[method.AsString()] += dp.Value
			}
		}
	}
	require.Equal(t, int64(1), handled["/twopc.Master/Put"])
	require.Equal(t, int64(2), handled["/twopc.Replica/Put"])
	require.Equal(t, int64(2), handled["/twopc.Replica/VoteReq"])
	require.Equal(t, int64(2), handled["/twopc.Replica/Commit"])
}

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	require.Equal(t, "json", c.Name())

	b, err := c.Marshal(&PutRequest{Key: "k", Value: "v", ID: 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"key":"k","value":"v","id":3}`, string(b))

	var out PutRequest
	require.NoError(t, c.Unmarshal([]byte(`{"key":"k"}`), &out))
	require.Equal(t, PutRequest{Key: "k"}, out)

	require.Error(t, c.Unmarshal([]byte(`{`), &out))
}

func TestToStatus(t *testing.T) {
	require.Nil(t, toStatus(nil))
	require.Contains(t, toStatus(master.ErrUnavailable).Error(), "Unavailable")
	require.Contains(t, toStatus(replica.ErrClosed).Error(), "Unavailable")
	require.Contains(t, toStatus(master.ErrInvalidKey).Error(), "InvalidArgument")
	require.Equal(t, codes.Internal, status.Code(toStatus(errors.New("disk on fire"))))
	require.Equal(t, codes.Unavailable, status.Code(toStatus(fmt.Errorf("wrapped: %w", master.ErrClosed))))
}
