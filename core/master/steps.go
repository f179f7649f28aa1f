package master

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/twopc/core/transaction"
)

// BeginTransaction allocates the next id for op and records it as start.
// Nothing is logged or sent yet.
func (m *Master) BeginTransaction(op *transaction.Operation) uint64 {
	m.idMu.Lock()
	id := m.nextID
	m.nextID++
	m.idMu.Unlock()

	m.mu.Lock()
	m.txns[id] = &txnEntry{
		txn:   &transaction.Transaction{ID: id, State: transaction.StateStart, Op: op},
		begun: time.Now(),
	}
	m.mu.Unlock()

	m.metrics.Started(m.ctx)
	m.logger.Debug("Transaction started", zap.Uint64("txn_id", id), zap.Stringer("op", op))
	return id
}

// Propagate sends id's operation to every replica. Failures and refusals
// are logged and otherwise ignored; they surface as no votes.
func (m *Master) Propagate(ctx context.Context, id uint64) {
	txn, ok := m.snapshot(id)
	if !ok || txn.Op == nil {
		m.logger.Warn("Propagate for unknown transaction", zap.Uint64("txn_id", id))
		return
	}
	ctx, span := m.tracer.Start(ctx, "twopc.propagate", trace.WithAttributes(attribute.Int64("twopc.txn_id", int64(id))))
	defer span.End()

	m.fanOut(ctx, func(ctx context.Context, i int, r ReplicaClient) {
		var (
			ok  bool
			err error
		)
		switch txn.Op.Kind {
		case transaction.OpPut:
			ok, err = r.Put(ctx, txn.Op.Key, txn.Op.Value, id)
		case transaction.OpDelete:
			ok, err = r.Delete(ctx, txn.Op.Key, id)
		}
		switch {
		case err != nil:
			m.logger.Warn("Failed to propagate operation", zap.Uint64("txn_id", id), zap.Int("replica", i), zap.Error(err))
		case !ok:
			m.logger.Info("Replica refused operation", zap.Uint64("txn_id", id), zap.Int("replica", i), zap.Stringer("op", txn.Op))
		}
	})
}

// RequestVotes logs id as deciding and asks every replica to vote. It
// returns true only if all of them voted yes; an unreachable replica counts
// as no. The error reports a failure to log the deciding record, in which
// case no vote was requested.
func (m *Master) RequestVotes(ctx context.Context, id uint64) (bool, error) {
	m.mu.Lock()
	e, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	if e.txn.State.IsFinal() {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %d is %s", ErrConflictingDecision, id, e.txn.State)
	}
	prev := e.txn.State
	e.txn.State = transaction.StateDeciding
	rec := e.txn.Clone()
	m.mu.Unlock()

	if err := m.wal.Append(rec); err != nil {
		m.mu.Lock()
		e.txn.State = prev
		m.mu.Unlock()
		return false, fmt.Errorf("failed to log deciding for txn %d: %w", id, err)
	}

	ctx, span := m.tracer.Start(ctx, "twopc.vote", trace.WithAttributes(attribute.Int64("twopc.txn_id", int64(id))))
	defer span.End()

	votes := make([]bool, len(m.replicas))
	m.fanOut(ctx, func(ctx context.Context, i int, r ReplicaClient) {
		yes, err := r.VoteReq(ctx, id)
		if err != nil {
			m.logger.Warn("Vote request failed, counting as no", zap.Uint64("txn_id", id), zap.Int("replica", i), zap.Error(err))
			return
		}
		votes[i] = yes
	})

	allYes := true
	for i, yes := range votes {
		if !yes {
			allYes = false
			m.logger.Info("Replica voted no", zap.Uint64("txn_id", id), zap.Int("replica", i))
		}
	}
	span.SetAttributes(attribute.Bool("twopc.all_yes", allYes))
	return allYes, nil
}

// LogDecision durably records commit or abort for id without telling the
// replicas. Logging the same decision twice is a no-op; changing a logged
// decision is refused.
func (m *Master) LogDecision(id uint64, commit bool) error {
	decision := transaction.StateAbort
	if commit {
		decision = transaction.StateCommit
	}

	m.mu.Lock()
	e, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	if e.txn.State.IsFinal() {
		state := e.txn.State
		m.mu.Unlock()
		if state == decision {
			return nil
		}
		return fmt.Errorf("%w: %d is %s", ErrConflictingDecision, id, state)
	}
	prev := e.txn.State
	e.txn.State = decision
	rec := e.txn.Clone()
	begun := e.begun
	m.mu.Unlock()

	if err := m.wal.Append(rec); err != nil {
		m.mu.Lock()
		e.txn.State = prev
		m.mu.Unlock()
		return fmt.Errorf("failed to log %s for txn %d: %w", decision, id, err)
	}

	var took time.Duration
	if !begun.IsZero() {
		took = time.Since(begun)
	}
	m.metrics.Resolved(m.ctx, commit, took)
	m.logger.Debug("Decision logged", zap.Uint64("txn_id", id), zap.String("decision", decision.String()))
	return nil
}

// BroadcastDecision sends id's current decision to every replica. It does
// nothing for a transaction that is not decided yet. Delivery is best
// effort: a replica that misses it resolves the transaction through its
// own timeout or recovery.
func (m *Master) BroadcastDecision(ctx context.Context, id uint64) {
	txn, ok := m.snapshot(id)
	if !ok || !txn.State.IsFinal() {
		m.logger.Warn("No decision to broadcast", zap.Uint64("txn_id", id))
		return
	}
	commit := txn.State == transaction.StateCommit

	ctx, span := m.tracer.Start(ctx, "twopc.decide", trace.WithAttributes(
		attribute.Int64("twopc.txn_id", int64(id)),
		attribute.Bool("twopc.commit", commit),
	))
	defer span.End()

	m.fanOut(ctx, func(ctx context.Context, i int, r ReplicaClient) {
		if err := sendDecision(ctx, r, id, commit); err != nil {
			m.logger.Warn("Failed to deliver decision", zap.Uint64("txn_id", id), zap.Int("replica", i),
				zap.Bool("commit", commit), zap.Error(err))
		}
	})
}

// Decide is LogDecision followed by BroadcastDecision. Nothing is sent if
// the decision could not be logged.
func (m *Master) Decide(ctx context.Context, id uint64, commit bool) error {
	if err := m.LogDecision(id, commit); err != nil {
		return err
	}
	m.BroadcastDecision(ctx, id)
	return nil
}

func sendDecision(ctx context.Context, r ReplicaClient, id uint64, commit bool) error {
	if commit {
		_, err := r.Commit(ctx, id)
		return err
	}
	_, err := r.Abort(ctx, id)
	return err
}

// fanOut calls fn for every replica in parallel, each under its own RPC
// deadline, and returns when all calls have finished.
func (m *Master) fanOut(ctx context.Context, fn func(ctx context.Context, i int, r ReplicaClient)) {
	var g errgroup.Group
	for i, r := range m.replicas {
		g.Go(func() error {
			callCtx, cancel := m.rpcContext(ctx)
			defer cancel()
			fn(callCtx, i, r)
			return nil
		})
	}
	_ = g.Wait()
}
