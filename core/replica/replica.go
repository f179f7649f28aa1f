// Package replica implements the 2PC participant: it stages operations under
// per-key locks, votes, applies or discards them on the coordinator's
// decision, and resolves uncertainty on its own through timeouts and the
// termination protocol.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/twopc/core/locking"
	"github.com/sushant-115/twopc/core/storage_engine/kvstore"
	"github.com/sushant-115/twopc/core/transaction"
	"github.com/sushant-115/twopc/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/twopc/internal/telemetry"
)

var ErrClosed = errors.New("replica is closed")

const (
	DefaultTimeout     = 10 * time.Second
	DefaultPollRate    = 20
	DefaultPollTimeout = 5 * time.Second
)

// MasterClient is how a replica asks the coordinator for a transaction's outcome.
type MasterClient interface {
	TransactionState(ctx context.Context, id uint64) (transaction.State, error)
}

// Config holds the replica's tunables.
type Config struct {
	NodeID  string
	LogPath string
	// Timeout is T: how long a staged operation waits for voteReq, and how
	// long a yes vote waits for a decision before asking the coordinator.
	Timeout time.Duration
	// PollRate caps transactionState queries per second while resolving one
	// transaction. Zero or less means no cap.
	PollRate float64
	// PollTimeout bounds each transactionState call.
	PollTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
}

// Option customises a Replica.
type Option func(*Replica)

// WithMetrics records protocol events into m.
func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(r *Replica) { r.metrics = m }
}

// entry is a tracked transaction. Its fields are guarded by the per-id lock.
type entry struct {
	txn   *transaction.Transaction
	timer *time.Timer
}

// txnTable maps ids to unresolved transactions. mu guards the map only.
type txnTable struct {
	mu sync.Mutex
	m  map[uint64]*entry
}

func (t *txnTable) get(id uint64) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	return e, ok
}

func (t *txnTable) put(id uint64, e *entry) {
	t.mu.Lock()
	t.m[id] = e
	t.mu.Unlock()
}

func (t *txnTable) remove(id uint64) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

func (t *txnTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Replica is a 2PC participant owning one store and one transaction log.
type Replica struct {
	cfg     Config
	logger  *zap.Logger
	store   kvstore.Store
	wal     *wal.LogManager
	master  MasterClient
	metrics *internaltelemetry.TxnMetrics
	limiter *rate.Limiter

	keyLocks *locking.KeyLocks
	txnLocks *locking.TxnLocks
	txns     *txnTable

	// ctx is cancelled by Close and stops termination polls.
	ctx    context.Context
	cancel context.CancelFunc

	lifeMu   sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New replays the log at cfg.LogPath, reopens it for appending and runs
// recovery before returning. Recovery may block until the coordinator
// answers for transactions this replica voted yes on; ctx bounds that wait.
// The replica takes ownership of store once New succeeds.
func New(ctx context.Context, cfg Config, store kvstore.Store, master MasterClient, logger *zap.Logger, opts ...Option) (*Replica, error) {
	cfg.setDefaults()
	logger = logger.Named("replica").With(zap.String("node_id", cfg.NodeID))

	replay, err := wal.Replay(cfg.LogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to replay replica log: %w", err)
	}
	lm, err := wal.NewLogManager(cfg.LogPath, logger)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.PollRate > 0 {
		limit = rate.Limit(cfg.PollRate)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Replica{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		wal:      lm,
		master:   master,
		metrics:  internaltelemetry.NopTxnMetrics(),
		limiter:  rate.NewLimiter(limit, 1),
		keyLocks: locking.NewKeyLocks(),
		txnLocks: locking.NewTxnLocks(),
		txns:     &txnTable{m: make(map[uint64]*entry)},
		ctx:      baseCtx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.recover(ctx, replay); err != nil {
		cancel()
		lm.Close()
		return nil, fmt.Errorf("replica recovery failed: %w", err)
	}
	logger.Info("Replica ready", zap.Duration("timeout", cfg.Timeout), zap.Int("in_doubt", r.txns.len()))
	return r, nil
}

// enter registers an in-flight call. It fails once Close has started.
func (r *Replica) enter() bool {
	r.lifeMu.RLock()
	defer r.lifeMu.RUnlock()
	if r.closed {
		return false
	}
	r.inflight.Add(1)
	return true
}

func (r *Replica) leave() { r.inflight.Done() }

// Put stages put(key, value) for transaction id. It returns false, with no
// side effects, if another unresolved transaction holds key.
func (r *Replica) Put(key, value string, id uint64) (bool, error) {
	return r.stage(id, transaction.Put(key, value))
}

// Delete stages delete(key) for transaction id. See Put.
func (r *Replica) Delete(key string, id uint64) (bool, error) {
	return r.stage(id, transaction.Delete(key))
}

func (r *Replica) stage(id uint64, op *transaction.Operation) (bool, error) {
	if !r.enter() {
		return false, ErrClosed
	}
	defer r.leave()

	unlock := r.txnLocks.Lock(id)
	defer unlock()

	if _, exists := r.txns.get(id); exists {
		r.logger.Warn("Operation for an id that is already tracked", zap.Uint64("txn_id", id), zap.Stringer("op", op))
		return false, nil
	}
	if !r.keyLocks.TryAcquire(op.Key) {
		r.logger.Info("Lock not acquired", zap.Uint64("txn_id", id), zap.Stringer("op", op))
		return false, nil
	}

	e := &entry{txn: &transaction.Transaction{ID: id, State: transaction.StatePending, Op: op}}
	r.txns.put(id, e)
	e.timer = time.AfterFunc(r.cfg.Timeout, func() { r.onVoteTimeout(id) })
	r.logger.Debug("Operation staged", zap.Uint64("txn_id", id), zap.Stringer("op", op))
	return true, nil
}

// Get reads key straight from the store. It never waits on key locks, so it
// may return the value from before a pending transaction.
func (r *Replica) Get(key string) (string, bool, error) {
	if !r.enter() {
		return "", false, ErrClosed
	}
	defer r.leave()
	return r.store.Get(key)
}

// VoteReq votes on transaction id: yes if its operation is staged and still
// pending, no otherwise. A yes vote is durable before it is returned.
func (r *Replica) VoteReq(id uint64) (bool, error) {
	if !r.enter() {
		return false, ErrClosed
	}
	defer r.leave()

	unlock := r.txnLocks.Lock(id)
	defer unlock()

	e, ok := r.txns.get(id)
	if ok && e.txn.State == transaction.StateYes {
		return true, nil
	}
	if !ok || e.txn.State != transaction.StatePending {
		r.logger.Info("Transaction not found, voting no", zap.Uint64("txn_id", id))
		if err := r.wal.Append(&transaction.Transaction{ID: id, State: transaction.StateNo}); err != nil {
			r.logger.Error("Failed to log no vote", zap.Uint64("txn_id", id), zap.Error(err))
		}
		r.metrics.Vote(r.ctx, false)
		return false, nil
	}

	e.txn.State = transaction.StateYes
	if err := r.wal.Append(e.txn); err != nil {
		// A yes that is not on disk cannot be honoured after a crash.
		r.logger.Error("Failed to log yes vote, aborting locally", zap.Uint64("txn_id", id), zap.Error(err))
		r.abortLocked(e)
		r.metrics.Vote(r.ctx, false)
		return false, nil
	}
	e.timer.Stop()
	e.timer = time.AfterFunc(r.cfg.Timeout, func() { r.onTerminationTimeout(id) })
	r.metrics.Vote(r.ctx, true)
	r.logger.Debug("Voted yes", zap.Uint64("txn_id", id))
	return true, nil
}

// Commit applies transaction id. It returns false if id is not tracked,
// which happens for duplicate or late commits and is not an error.
func (r *Replica) Commit(id uint64) (bool, error) {
	if !r.enter() {
		return false, ErrClosed
	}
	defer r.leave()
	return r.commit(id)
}

func (r *Replica) commit(id uint64) (bool, error) {
	unlock := r.txnLocks.Lock(id)
	defer unlock()

	e, ok := r.txns.get(id)
	if !ok {
		r.logger.Debug("Commit for untracked transaction, likely executed already", zap.Uint64("txn_id", id))
		return false, nil
	}

	if e.txn.State != transaction.StateCommit {
		prev := e.txn.State
		e.txn.State = transaction.StateCommit
		if err := r.wal.Append(e.txn); err != nil {
			e.txn.State = prev
			return false, fmt.Errorf("failed to log commit of txn %d: %w", id, err)
		}
	}
	if err := r.applyLocked(e); err != nil {
		return false, err
	}
	return true, nil
}

// applyLocked applies a logged commit and releases the transaction. On
// failure the key stays locked and a retry is scheduled, so readers never
// see other writes overtake a durable commit. Per-id lock held.
func (r *Replica) applyLocked(e *entry) error {
	id := e.txn.ID
	if err := e.txn.Op.Apply(r.store); err != nil {
		r.logger.Error("Failed to apply committed transaction, will retry",
			zap.Uint64("txn_id", id), zap.Duration("retry_in", r.cfg.Timeout), zap.Error(err))
		if e.timer != nil {
			e.timer.Stop()
		}
		e.timer = time.AfterFunc(r.cfg.Timeout, func() { r.retryApply(id) })
		return fmt.Errorf("failed to apply txn %d: %w", id, err)
	}
	r.release(e)
	r.metrics.Resolved(r.ctx, true, 0)
	r.logger.Debug("Transaction committed", zap.Uint64("txn_id", id), zap.Stringer("op", e.txn.Op))
	return nil
}

func (r *Replica) retryApply(id uint64) {
	if !r.enter() {
		return
	}
	defer r.leave()

	unlock := r.txnLocks.Lock(id)
	defer unlock()
	e, ok := r.txns.get(id)
	if !ok || e.txn.State != transaction.StateCommit {
		return
	}
	_ = r.applyLocked(e)
}

// Abort discards transaction id. It always succeeds; aborting an untracked
// id is a no-op.
func (r *Replica) Abort(id uint64) (bool, error) {
	if !r.enter() {
		return false, ErrClosed
	}
	defer r.leave()
	r.abort(id)
	return true, nil
}

func (r *Replica) abort(id uint64) {
	unlock := r.txnLocks.Lock(id)
	defer unlock()

	e, ok := r.txns.get(id)
	if !ok {
		r.logger.Debug("Abort for untracked transaction, likely executed already", zap.Uint64("txn_id", id))
		return
	}
	if e.txn.State == transaction.StateCommit {
		r.logger.Warn("Ignoring abort for a logged commit", zap.Uint64("txn_id", id))
		return
	}
	r.abortLocked(e)
}

// abortLocked must be called with the per-id lock held.
func (r *Replica) abortLocked(e *entry) {
	e.txn.State = transaction.StateAbort
	if err := r.wal.Append(e.txn); err != nil {
		// Without the record the log still ends in pending or yes for this id,
		// and recovery of either never applies the operation.
		r.logger.Error("Failed to log abort", zap.Uint64("txn_id", e.txn.ID), zap.Error(err))
	}
	r.release(e)
	r.metrics.Resolved(r.ctx, false, 0)
	r.logger.Debug("Transaction aborted", zap.Uint64("txn_id", e.txn.ID))
}

// release drops a resolved transaction and frees its key. Per-id lock held.
func (r *Replica) release(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	r.txns.remove(e.txn.ID)
	r.keyLocks.Release(e.txn.Op.Key)
}

// TransactionState reports this replica's view of id, or StateUnknown once
// it is resolved or was never seen.
func (r *Replica) TransactionState(id uint64) transaction.State {
	unlock := r.txnLocks.Lock(id)
	defer unlock()
	if e, ok := r.txns.get(id); ok {
		return e.txn.State
	}
	return transaction.StateUnknown
}

// KeyLocked reports whether an unresolved transaction holds key.
func (r *Replica) KeyLocked(key string) bool {
	return r.keyLocks.Held(key)
}

// Close stops timers and polls, waits for in-flight calls, and closes the
// log and the store. Unresolved transactions are left to recovery.
func (r *Replica) Close() error {
	r.lifeMu.Lock()
	if r.closed {
		r.lifeMu.Unlock()
		return nil
	}
	r.closed = true
	r.lifeMu.Unlock()

	r.cancel()
	r.inflight.Wait()

	var errs []error
	if err := r.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	r.logger.Info("Replica closed")
	return errors.Join(errs...)
}
