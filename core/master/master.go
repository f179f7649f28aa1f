// Package master implements the 2PC coordinator. It allocates transaction
// ids, drives every replica through propagate, vote and decide, logs each
// decision before announcing it, and serves reads from any live replica.
package master

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/twopc/core/transaction"
	"github.com/sushant-115/twopc/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/twopc/internal/telemetry"
)

var (
	// ErrUnavailable is returned by Get when no replica answered.
	ErrUnavailable = errors.New("no replica available")
	// ErrInvalidKey rejects an empty key or one that is not valid UTF-8.
	ErrInvalidKey = errors.New("invalid key")
	// ErrInvalidValue rejects a value that is not valid UTF-8; the RPC
	// encoding could not carry it unchanged.
	ErrInvalidValue        = errors.New("value must be valid UTF-8")
	ErrClosed              = errors.New("master is closed")
	ErrUnknownTransaction  = errors.New("unknown transaction")
	ErrConflictingDecision = errors.New("transaction already decided differently")
)

const DefaultRPCTimeout = 5 * time.Second

// ReplicaClient is the coordinator's view of one participant.
type ReplicaClient interface {
	Put(ctx context.Context, key, value string, id uint64) (bool, error)
	Delete(ctx context.Context, key string, id uint64) (bool, error)
	Get(ctx context.Context, key string) (value string, found bool, err error)
	VoteReq(ctx context.Context, id uint64) (bool, error)
	Commit(ctx context.Context, id uint64) (bool, error)
	Abort(ctx context.Context, id uint64) (bool, error)
}

// Stepper exposes the individual phases of a transaction. Put and Delete
// run them in order; tests and tooling call them one at a time to stop a
// transaction between phases.
type Stepper interface {
	BeginTransaction(op *transaction.Operation) uint64
	Propagate(ctx context.Context, id uint64)
	RequestVotes(ctx context.Context, id uint64) (bool, error)
	LogDecision(id uint64, commit bool) error
	BroadcastDecision(ctx context.Context, id uint64)
	Decide(ctx context.Context, id uint64, commit bool) error
}

var _ Stepper = (*Master)(nil)

type Config struct {
	LogPath string
	// RPCTimeout bounds each call to a replica. Zero means DefaultRPCTimeout.
	RPCTimeout time.Duration
}

type Option func(*Master)

func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(ms *Master) { ms.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(ms *Master) { ms.tracer = t }
}

type txnEntry struct {
	txn   *transaction.Transaction
	begun time.Time
}

// Master is the 2PC coordinator.
type Master struct {
	cfg      Config
	logger   *zap.Logger
	wal      *wal.LogManager
	replicas []ReplicaClient
	metrics  *internaltelemetry.TxnMetrics
	tracer   trace.Tracer

	idMu   sync.Mutex
	nextID uint64

	// mu guards txns and the records in it.
	mu   sync.RWMutex
	txns map[uint64]*txnEntry

	ctx    context.Context
	cancel context.CancelFunc

	lifeMu   sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New replays the coordinator log at cfg.LogPath and reopens it for
// appending. Recovered decisions are re-sent to the replicas in the
// background; New does not wait for them.
func New(cfg Config, replicas []ReplicaClient, logger *zap.Logger, opts ...Option) (*Master, error) {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	logger = logger.Named("master")

	replay, err := wal.Replay(cfg.LogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to replay master log: %w", err)
	}
	lm, err := wal.NewLogManager(cfg.LogPath, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		cfg:      cfg,
		logger:   logger,
		wal:      lm,
		replicas: replicas,
		metrics:  internaltelemetry.NopTxnMetrics(),
		tracer:   otel.Tracer("github.com/sushant-115/twopc/core/master"),
		nextID:   1,
		txns:     make(map[uint64]*txnEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.recover(replay)
	logger.Info("Master ready", zap.Int("replicas", len(replicas)), zap.Uint64("next_txn_id", m.nextID))
	return m, nil
}

func (m *Master) enter() bool {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	if m.closed {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m *Master) leave() { m.inflight.Done() }

// Put runs a full 2PC for put(key, value). It returns true only if every
// replica voted yes and the commit was logged. An error means the decision
// could not be made durable; the transaction is then not committed.
func (m *Master) Put(ctx context.Context, key, value string) (bool, error) {
	return m.execute(ctx, transaction.Put(key, value))
}

// Delete runs a full 2PC for delete(key). See Put.
func (m *Master) Delete(ctx context.Context, key string) (bool, error) {
	return m.execute(ctx, transaction.Delete(key))
}

func (m *Master) execute(ctx context.Context, op *transaction.Operation) (bool, error) {
	switch {
	case op.Key == "":
		return false, fmt.Errorf("%w: must not be empty", ErrInvalidKey)
	case !utf8.ValidString(op.Key):
		return false, fmt.Errorf("%w: must be valid UTF-8", ErrInvalidKey)
	case !utf8.ValidString(op.Value):
		return false, ErrInvalidValue
	}
	if !m.enter() {
		return false, ErrClosed
	}
	defer m.leave()

	ctx, span := m.tracer.Start(ctx, "twopc.transaction", trace.WithAttributes(
		attribute.String("twopc.op", string(op.Kind)),
		attribute.String("twopc.key", op.Key),
	))
	defer span.End()

	id := m.BeginTransaction(op)
	span.SetAttributes(attribute.Int64("twopc.txn_id", int64(id)))

	m.Propagate(ctx, id)
	commit, err := m.RequestVotes(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vote phase failed")
		m.abandon(ctx, id)
		return false, err
	}
	if err := m.Decide(ctx, id, commit); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision not durable")
		m.abandon(ctx, id)
		return false, err
	}
	span.SetAttributes(attribute.Bool("twopc.committed", commit))
	return commit, nil
}

// abandon tells the replicas to abort a transaction whose decision could
// not be logged. Without a durable commit the only safe outcome is abort,
// which is also what recovery concludes from the log.
func (m *Master) abandon(ctx context.Context, id uint64) {
	m.mu.Lock()
	if e, ok := m.txns[id]; ok && !e.txn.State.IsFinal() {
		e.txn.State = transaction.StateAbort
	}
	m.mu.Unlock()
	m.metrics.Resolved(ctx, false, 0)
	m.BroadcastDecision(ctx, id)
}

// Get reads key from a random replica, moving on to another random replica
// whenever one fails. It returns ErrUnavailable once all have failed.
func (m *Master) Get(ctx context.Context, key string) (string, bool, error) {
	if !m.enter() {
		return "", false, ErrClosed
	}
	defer m.leave()

	for _, i := range rand.Perm(len(m.replicas)) {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
		value, found, err := m.replicas[i].Get(callCtx, key)
		cancel()
		if err == nil {
			return value, found, nil
		}
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		m.logger.Warn("Replica failed to serve get, trying another",
			zap.Int("replica", i), zap.String("key", key), zap.Error(err))
	}
	return "", false, ErrUnavailable
}

// TransactionState reports the coordinator's state for id, or StateUnknown.
func (m *Master) TransactionState(id uint64) transaction.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.txns[id]; ok {
		return e.txn.State
	}
	return transaction.StateUnknown
}

// Close cancels background broadcasts, waits for in-flight transactions
// and closes the log. Replica clients are owned by the caller.
func (m *Master) Close() error {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	m.lifeMu.Unlock()

	m.cancel()
	m.inflight.Wait()
	err := m.wal.Close()
	m.logger.Info("Master closed")
	return err
}

// snapshot returns a copy of id's record, safe to use without m.mu.
func (m *Master) snapshot(id uint64) (*transaction.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.txns[id]
	if !ok {
		return nil, false
	}
	return e.txn.Clone(), true
}

func (m *Master) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.RPCTimeout)
}
