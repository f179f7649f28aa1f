package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/twopc/core/replica"
	"github.com/sushant-115/twopc/core/storage_engine/kvstore"
	"github.com/sushant-115/twopc/core/transaction"
)

var (
	errReplicaDown = errors.New("replica is down")
	errMasterDown  = errors.New("master is down")
)

// masterLink lets in-process replicas reach whichever master is running.
type masterLink struct {
	m atomic.Pointer[Master]
}

func (l *masterLink) TransactionState(ctx context.Context, id uint64) (transaction.State, error) {
	m := l.m.Load()
	if m == nil {
		return "", errMasterDown
	}
	return m.TransactionState(id), nil
}

// replicaNode is an in-process replica that can be killed and restarted
// over the same log and store files.
type replicaNode struct {
	name      string
	logPath   string
	storePath string
	cluster   *testCluster

	mu sync.RWMutex
	r  *replica.Replica
}

func (n *replicaNode) current() (*replica.Replica, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.r == nil {
		return nil, errReplicaDown
	}
	return n.r, nil
}

func (n *replicaNode) Put(_ context.Context, key, value string, id uint64) (bool, error) {
	r, err := n.current()
	if err != nil {
		return false, err
	}
	return r.Put(key, value, id)
}

func (n *replicaNode) Delete(_ context.Context, key string, id uint64) (bool, error) {
	r, err := n.current()
	if err != nil {
		return false, err
	}
	return r.Delete(key, id)
}

func (n *replicaNode) Get(_ context.Context, key string) (string, bool, error) {
	r, err := n.current()
	if err != nil {
		return "", false, err
	}
	return r.Get(key)
}

func (n *replicaNode) VoteReq(_ context.Context, id uint64) (bool, error) {
	r, err := n.current()
	if err != nil {
		return false, err
	}
	return r.VoteReq(id)
}

func (n *replicaNode) Commit(_ context.Context, id uint64) (bool, error) {
	r, err := n.current()
	if err != nil {
		return false, err
	}
	return r.Commit(id)
}

func (n *replicaNode) Abort(_ context.Context, id uint64) (bool, error) {
	r, err := n.current()
	if err != nil {
		return false, err
	}
	return r.Abort(id)
}

func (n *replicaNode) open() (*replica.Replica, error) {
	store, err := kvstore.OpenBolt(n.storePath)
	if err != nil {
		return nil, err
	}
	r, err := replica.New(context.Background(), replica.Config{
		NodeID:      n.name,
		LogPath:     n.logPath,
		Timeout:     n.cluster.timeout,
		PollRate:    200,
		PollTimeout: time.Second,
	}, store, n.cluster.link, n.cluster.logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

func (n *replicaNode) start(t *testing.T) {
	t.Helper()
	r, err := n.open()
	require.NoError(t, err)
	n.mu.Lock()
	n.r = r
	n.mu.Unlock()
}

// startAsync starts the replica in the background. Recovery of an in-doubt
// transaction blocks until a master answers.
func (n *replicaNode) startAsync() <-chan error {
	done := make(chan error, 1)
	go func() {
		r, err := n.open()
		if err == nil {
			n.mu.Lock()
			n.r = r
			n.mu.Unlock()
		}
		done <- err
	}()
	return done
}

func (n *replicaNode) kill(t *testing.T) {
	t.Helper()
	n.mu.Lock()
	r := n.r
	n.r = nil
	n.mu.Unlock()
	if r != nil {
		require.NoError(t, r.Close())
	}
}

func (n *replicaNode) wipeStore(t *testing.T) {
	t.Helper()
	require.NoError(t, os.Remove(n.storePath))
}

func (n *replicaNode) replica(t *testing.T) *replica.Replica {
	t.Helper()
	r, err := n.current()
	require.NoError(t, err)
	return r
}

type testCluster struct {
	dir      string
	timeout  time.Duration
	logger   *zap.Logger
	link     *masterLink
	replicas []*replicaNode
	master   *Master
}

// newCluster starts a master and two replicas. timeout is the replicas' T.
func newCluster(t *testing.T, timeout time.Duration) *testCluster {
	t.Helper()
	c := &testCluster{
		dir:     t.TempDir(),
		timeout: timeout,
		logger:  zaptest.NewLogger(t),
		link:    &masterLink{},
	}
	for i := 1; i <= 2; i++ {
		n := &replicaNode{
			name:      fmt.Sprintf("replica%d", i),
			logPath:   filepath.Join(c.dir, fmt.Sprintf("replica%d.log", i)),
			storePath: filepath.Join(c.dir, fmt.Sprintf("replica%d.db", i)),
			cluster:   c,
		}
		c.replicas = append(c.replicas, n)
	}
	c.startMaster(t)
	for _, n := range c.replicas {
		n.start(t)
	}
	t.Cleanup(func() {
		c.killMaster(t)
		for _, n := range c.replicas {
			n.kill(t)
		}
	})
	return c
}

func (c *testCluster) startMaster(t *testing.T) {
	t.Helper()
	clients := make([]ReplicaClient, len(c.replicas))
	for i, n := range c.replicas {
		clients[i] = n
	}
	m, err := New(Config{
		LogPath:    filepath.Join(c.dir, "master.log"),
		RPCTimeout: time.Second,
	}, clients, c.logger)
	require.NoError(t, err)
	c.master = m
	c.link.m.Store(m)
}

func (c *testCluster) killMaster(t *testing.T) {
	t.Helper()
	if c.master == nil {
		return
	}
	c.link.m.Store(nil)
	require.NoError(t, c.master.Close())
	c.master = nil
}

func (c *testCluster) restartMaster(t *testing.T) {
	t.Helper()
	c.killMaster(t)
	c.startMaster(t)
}

func (c *testCluster) killReplicas(t *testing.T) {
	t.Helper()
	for _, n := range c.replicas {
		n.kill(t)
	}
}

func (c *testCluster) startReplicas(t *testing.T) {
	t.Helper()
	for _, n := range c.replicas {
		n.start(t)
	}
}

func (c *testCluster) restartReplicas(t *testing.T) {
	t.Helper()
	c.killReplicas(t)
	c.startReplicas(t)
}

func (c *testCluster) put(t *testing.T, key, value string) bool {
	t.Helper()
	ok, err := c.master.Put(context.Background(), key, value)
	require.NoError(t, err)
	return ok
}

func (c *testCluster) delete(t *testing.T, key string) bool {
	t.Helper()
	ok, err := c.master.Delete(context.Background(), key)
	require.NoError(t, err)
	return ok
}

// requireValue checks key through the master and directly on every live replica.
func (c *testCluster) requireValue(t *testing.T, key, want string) {
	t.Helper()
	got, found, err := c.master.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found, "key %q not found", key)
	require.Equal(t, want, got)
	for _, n := range c.replicas {
		if r, err := n.current(); err == nil {
			v, found, err := r.Get(key)
			require.NoError(t, err)
			require.True(t, found, "key %q not found on %s", key, n.name)
			require.Equal(t, want, v, n.name)
		}
	}
}

func (c *testCluster) requireMissing(t *testing.T, key string) {
	t.Helper()
	_, found, err := c.master.Get(context.Background(), key)
	require.NoError(t, err)
	require.False(t, found, "key %q should not exist", key)
	for _, n := range c.replicas {
		if r, err := n.current(); err == nil {
			_, found, err := r.Get(key)
			require.NoError(t, err)
			require.False(t, found, "key %q should not exist on %s", key, n.name)
		}
	}
}

// eventuallyValue waits until every live replica holds key=want.
func (c *testCluster) eventuallyValue(t *testing.T, key, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range c.replicas {
			r, err := n.current()
			if err != nil {
				continue
			}
			v, found, err := r.Get(key)
			if err != nil || !found || v != want {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

// eventuallyUnlocked waits until no live replica holds a lock on key.
func (c *testCluster) eventuallyUnlocked(t *testing.T, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range c.replicas {
			if r, err := n.current(); err == nil && r.KeyLocked(key) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
