package replica

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/twopc/core/transaction"
	"github.com/sushant-115/twopc/core/write_engine/wal"
)

// recover rebuilds the replica from the last record of every logged id.
//
//	commit  the operation is redone; Put and Delete are idempotent
//	yes     the coordinator decides: commit is applied, deciding is locked
//	        and tracked again, anything else is dropped
//	other   nothing was promised and nothing is applied
//
// Transactions are processed in the order they first appear in the log.
func (r *Replica) recover(ctx context.Context, replay *wal.ReplayResult) error {
	var redone, reinstated int
	for _, id := range replay.Order {
		rec := replay.Records[id]
		r.metrics.Recovered(ctx, rec.State.String())

		switch rec.State {
		case transaction.StateCommit:
			if rec.Op == nil {
				r.logger.Warn("Commit record without operation", zap.Uint64("txn_id", id))
				continue
			}
			if err := rec.Op.Apply(r.store); err != nil {
				return err
			}
			redone++

		case transaction.StateYes:
			if rec.Op == nil {
				r.logger.Warn("Yes record without operation", zap.Uint64("txn_id", id))
				continue
			}
			state, err := r.pollMaster(ctx, id, nil)
			if err != nil {
				return fmt.Errorf("asking master about txn %d: %w", id, err)
			}
			r.logger.Info("Resolved in-doubt transaction with master",
				zap.Uint64("txn_id", id), zap.String("master_state", state.String()))

			switch state {
			case transaction.StateCommit:
				committed := rec.Clone()
				committed.State = transaction.StateCommit
				if err := r.wal.Append(committed); err != nil {
					return err
				}
				if err := rec.Op.Apply(r.store); err != nil {
					return err
				}
				redone++
			case transaction.StateDeciding:
				if !r.keyLocks.TryAcquire(rec.Op.Key) {
					r.logger.Error("Key of in-doubt transaction already locked, skipping",
						zap.Uint64("txn_id", id), zap.String("key", rec.Op.Key))
					continue
				}
				e := &entry{txn: rec.Clone()}
				r.txns.put(id, e)
				e.timer = time.AfterFunc(r.cfg.Timeout, func() { r.onTerminationTimeout(id) })
				reinstated++
			}
		}
	}
	if len(replay.Order) > 0 {
		r.logger.Info("Replica recovery complete",
			zap.Int("transactions", len(replay.Order)),
			zap.Int("redone", redone),
			zap.Int("in_doubt", reinstated))
	}
	return nil
}
