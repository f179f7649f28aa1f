package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/twopc/core/transaction"
)

var errResolved = errors.New("transaction resolved while polling")

// onVoteTimeout aborts a transaction whose voteReq never came.
func (r *Replica) onVoteTimeout(id uint64) {
	if !r.enter() {
		return
	}
	defer r.leave()

	unlock := r.txnLocks.Lock(id)
	defer unlock()

	e, ok := r.txns.get(id)
	if !ok || e.txn.State != transaction.StatePending {
		return
	}
	r.logger.Info("Timed out waiting for voteReq, aborting", zap.Uint64("txn_id", id))
	r.metrics.Timeout(r.ctx, "vote")
	r.abortLocked(e)
}

// onTerminationTimeout runs the termination protocol for a yes vote that has
// not seen a decision within the timeout.
func (r *Replica) onTerminationTimeout(id uint64) {
	if !r.enter() {
		return
	}
	defer r.leave()

	if !r.inDoubt(id) {
		return
	}
	r.logger.Info("Timed out waiting for decision, asking master", zap.Uint64("txn_id", id))
	r.metrics.Timeout(r.ctx, "termination")

	state, err := r.pollMaster(r.ctx, id, func() bool { return r.inDoubt(id) })
	if err != nil {
		r.logger.Debug("Stopped asking master", zap.Uint64("txn_id", id), zap.Error(err))
		return
	}
	r.resolve(id, state)
}

// resolve acts on the coordinator's answer for an in-doubt transaction.
func (r *Replica) resolve(id uint64, state transaction.State) {
	switch state {
	case transaction.StateCommit:
		if _, err := r.commit(id); err != nil {
			r.logger.Error("Commit after termination failed", zap.Uint64("txn_id", id), zap.Error(err))
		}
	case transaction.StateDeciding:
		r.armTermination(id)
	default:
		r.logger.Info("Master has no commit for transaction, aborting",
			zap.Uint64("txn_id", id), zap.String("master_state", state.String()))
		r.abort(id)
	}
}

// armTermination schedules another termination round if id is still in doubt.
func (r *Replica) armTermination(id uint64) {
	unlock := r.txnLocks.Lock(id)
	defer unlock()

	e, ok := r.txns.get(id)
	if !ok || e.txn.State != transaction.StateYes {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(r.cfg.Timeout, func() { r.onTerminationTimeout(id) })
}

// inDoubt reports whether this replica voted yes on id and has no decision.
func (r *Replica) inDoubt(id uint64) bool {
	unlock := r.txnLocks.Lock(id)
	defer unlock()
	e, ok := r.txns.get(id)
	return ok && e.txn.State == transaction.StateYes
}

// pollMaster asks the coordinator for id's state until it gets an answer.
// Attempts are paced by the replica's limiter. It fails with errResolved
// when keepGoing says the transaction was settled some other way, and with
// a context error when ctx ends or its deadline would pass before the next
// attempt.
func (r *Replica) pollMaster(ctx context.Context, id uint64, keepGoing func() bool) (transaction.State, error) {
	for attempt := 1; ; attempt++ {
		if keepGoing != nil && !keepGoing() {
			return "", errResolved
		}
		if err := r.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
		state, err := r.master.TransactionState(callCtx, id)
		cancel()
		r.metrics.TerminationPoll(r.ctx, err == nil)
		if err == nil {
			return state, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if attempt == 1 || attempt%50 == 0 {
			r.logger.Warn("Error contacting master, retrying",
				zap.Uint64("txn_id", id), zap.Int("attempt", attempt), zap.Error(err))
		}
	}
}
