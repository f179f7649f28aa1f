package master

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/twopc/core/transaction"
)

const (
	testKey    = "somekey"
	testValue  = "somevalue"
	testValue2 = "someothervalue"
)

func TestMaster_PutAndGet(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.put(t, testKey, testValue))
	c.requireValue(t, testKey, testValue)
}

func TestMaster_PutPutAndGet(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.put(t, testKey, testValue))
	require.True(t, c.put(t, testKey, testValue2))
	c.requireValue(t, testKey, testValue2)
}

func TestMaster_PutDeleteAndGet(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.put(t, testKey, testValue))
	require.True(t, c.delete(t, testKey))
	c.requireMissing(t, testKey)
}

func TestMaster_DeleteMissingKeyCommits(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.delete(t, "never-written"))
	c.requireMissing(t, "never-written")
}

func TestMaster_EmptyKeyRejected(t *testing.T) {
	c := newCluster(t, time.Minute)
	_, err := c.master.Put(context.Background(), "", "v")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = c.master.Delete(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestMaster_InvalidUTF8Rejected(t *testing.T) {
	c := newCluster(t, time.Minute)
	_, err := c.master.Put(context.Background(), "k\xff", "v")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = c.master.Delete(context.Background(), "\xc3")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = c.master.Put(context.Background(), "k", "bad\xffvalue")
	require.ErrorIs(t, err, ErrInvalidValue)

	require.Equal(t, transaction.StateUnknown, c.master.TransactionState(1), "nothing was started")
	require.True(t, c.put(t, "k", "ключ ✓"))
	c.requireValue(t, "k", "ключ ✓")
}

func TestMaster_TransactionState(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.Equal(t, transaction.StateUnknown, c.master.TransactionState(1))

	require.True(t, c.put(t, testKey, testValue))
	require.Equal(t, transaction.StateCommit, c.master.TransactionState(1))

	c.replicas[0].kill(t)
	require.False(t, c.put(t, testKey, testValue2))
	require.Equal(t, transaction.StateAbort, c.master.TransactionState(2))
	require.Equal(t, transaction.StateUnknown, c.master.TransactionState(3))
}

func TestMaster_ReplicaStoresArePersistent(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.put(t, testKey, testValue))
	c.restartReplicas(t)
	c.requireValue(t, testKey, testValue)
}

func TestMaster_ReplicaRecoveryRebuildsStoreFromLog(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.put(t, testKey, testValue))
	require.True(t, c.put(t, "other", "x"))
	require.True(t, c.delete(t, "other"))

	c.killReplicas(t)
	for _, n := range c.replicas {
		n.wipeStore(t)
	}
	c.startReplicas(t)

	c.requireValue(t, testKey, testValue)
	c.requireMissing(t, "other")
}

func TestMaster_WipedReplicaStillServedByTheOther(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.put(t, testKey, testValue))

	c.replicas[0].kill(t)
	c.replicas[0].wipeStore(t)

	for i := 0; i < 10; i++ {
		v, found, err := c.master.Get(context.Background(), testKey)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, testValue, v)
	}

	c.replicas[0].start(t)
	c.requireValue(t, testKey, testValue)
}

func TestMaster_Recovery(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.put(t, testKey, testValue))
	require.True(t, c.put(t, testKey, testValue2))

	c.restartMaster(t)
	c.requireValue(t, testKey, testValue2)
	require.Equal(t, transaction.StateCommit, c.master.TransactionState(1))
	require.Equal(t, transaction.StateCommit, c.master.TransactionState(2))

	id := c.master.BeginTransaction(transaction.Put("k", "v"))
	require.Equal(t, uint64(3), id, "ids continue after the highest logged id")
	require.NoError(t, c.master.Decide(context.Background(), id, false))
}

func TestMaster_RecoveryOnEmptyLogStartsAtOne(t *testing.T) {
	c := newCluster(t, time.Minute)
	c.restartMaster(t)
	require.Equal(t, uint64(1), c.master.BeginTransaction(transaction.Delete("k")))
}

func TestMaster_OneReplicaDownAbortsPut(t *testing.T) {
	c := newCluster(t, time.Minute)
	c.replicas[0].kill(t)

	require.False(t, c.put(t, testKey, testValue))
	c.eventuallyUnlocked(t, testKey)

	c.replicas[0].start(t)
	c.requireMissing(t, testKey)
}

func TestMaster_OneReplicaDownServesGets(t *testing.T) {
	c := newCluster(t, time.Minute)
	for i := 0; i < 5; i++ {
		require.True(t, c.put(t, fmt.Sprintf("%s%d", testKey, i), fmt.Sprintf("%s%d", testValue, i)))
	}

	c.replicas[0].kill(t)
	for i := 0; i < 5; i++ {
		c.requireValue(t, fmt.Sprintf("%s%d", testKey, i), fmt.Sprintf("%s%d", testValue, i))
	}
}

func TestMaster_AllReplicasDownGetFails(t *testing.T) {
	c := newCluster(t, time.Minute)
	require.True(t, c.put(t, testKey, testValue))
	c.killReplicas(t)

	_, _, err := c.master.Get(context.Background(), testKey)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestMaster_ConcurrentPutsDistinctKeys(t *testing.T) {
	c := newCluster(t, time.Minute)
	const n = 20

	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := c.master.Put(context.Background(), fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.True(t, results[i], "put %d", i)
		c.requireValue(t, fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
	}
}

// TestMaster_ConcurrentPutsSameKey checks atomicity under contention: any
// number of the writers may abort, but the replicas never diverge.
func TestMaster_ConcurrentPutsSameKey(t *testing.T) {
	c := newCluster(t, time.Minute)
	const n = 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := fmt.Sprintf("value%d", i)
			ok, err := c.master.Put(context.Background(), testKey, v)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				committed[v] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	c.eventuallyUnlocked(t, testKey)

	values := make([]string, 0, len(c.replicas))
	for _, node := range c.replicas {
		v, found, err := node.replica(t).Get(testKey)
		require.NoError(t, err)
		require.Equal(t, len(committed) > 0, found)
		values = append(values, v)
	}
	require.Equal(t, values[0], values[1], "replicas diverged")
	if len(committed) > 0 {
		require.True(t, committed[values[0]], "stored value %q was never committed", values[0])
	}

	// Once the key is free again a lone writer gets through.
	require.True(t, c.put(t, testKey, testValue))
}

func TestMaster_CloseRejectsCalls(t *testing.T) {
	c := newCluster(t, time.Minute)
	m := c.master
	c.killMaster(t)
	require.NoError(t, m.Close())

	_, err := m.Put(context.Background(), testKey, testValue)
	require.ErrorIs(t, err, ErrClosed)
	_, _, err = m.Get(context.Background(), testKey)
	require.ErrorIs(t, err, ErrClosed)
}
