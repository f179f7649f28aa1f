package master

import (
	"context"

	"go.uber.org/zap"

	"github.com/sushant-115/twopc/core/transaction"
	"github.com/sushant-115/twopc/core/write_engine/wal"
)

// recover rebuilds the transaction table from the last record of every
// logged id. A transaction that never got past deciding is aborted: no
// replica can have committed it. The id counter resumes after the highest
// logged id. Every recovered decision is re-sent in the background, one
// goroutine per replica.
func (m *Master) recover(replay *wal.ReplayResult) {
	if len(replay.Order) == 0 {
		return
	}

	decided := make([]*transaction.Transaction, 0, len(replay.Order))
	var aborted int
	for _, id := range replay.Order {
		rec := replay.Records[id]
		m.metrics.Recovered(m.ctx, rec.State.String())
		if !rec.State.IsFinal() {
			rec.State = transaction.StateAbort
			aborted++
			if err := m.wal.Append(rec); err != nil {
				// Replaying the same log again reaches the same conclusion.
				m.logger.Warn("Failed to log recovered abort", zap.Uint64("txn_id", id), zap.Error(err))
			}
		}
		m.txns[id] = &txnEntry{txn: rec}
		decided = append(decided, rec.Clone())
	}
	m.nextID = replay.MaxID + 1

	m.logger.Info("Master recovery complete",
		zap.Int("transactions", len(decided)),
		zap.Int("aborted_undecided", aborted),
		zap.Uint64("next_txn_id", m.nextID))

	for i, r := range m.replicas {
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			m.redeliver(m.ctx, i, r, decided)
		}()
	}
}

// redeliver sends recovered decisions to one replica, in log order.
func (m *Master) redeliver(ctx context.Context, i int, r ReplicaClient, decided []*transaction.Transaction) {
	var failed int
	for _, txn := range decided {
		if ctx.Err() != nil {
			return
		}
		callCtx, cancel := m.rpcContext(ctx)
		err := sendDecision(callCtx, r, txn.ID, txn.State == transaction.StateCommit)
		cancel()
		if err != nil {
			failed++
			m.logger.Debug("Failed to redeliver decision", zap.Uint64("txn_id", txn.ID), zap.Int("replica", i), zap.Error(err))
		}
	}
	if failed > 0 {
		m.logger.Warn("Replica missed recovered decisions; it will ask when it recovers",
			zap.Int("replica", i), zap.Int("failed", failed), zap.Int("total", len(decided)))
	}
}
