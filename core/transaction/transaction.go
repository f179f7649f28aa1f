// Package transaction holds the transaction record shared by the coordinator
// and the replicas, and the operation variant a record carries.
package transaction

import (
	"errors"
	"fmt"
)

// State is the protocol state of a transaction as seen by one node.
// The coordinator and each replica keep independent views of the same id.
type State string

const (
	// Coordinator states.
	StateStart    State = "start"    // id allocated, operation not yet voted on
	StateDeciding State = "deciding" // vote requests sent, decision pending

	// Replica states.
	StatePending State = "pending" // operation received, key locked, waiting for voteReq
	StateYes     State = "yes"     // voted yes, uncertain until commit/abort arrives
	StateNo      State = "no"      // voted no, terminal

	// Final states, shared by both sides.
	StateCommit State = "commit"
	StateAbort  State = "abort"

	// StateUnknown is returned for ids a node does not track.
	StateUnknown State = "unknown"
)

var knownStates = map[State]struct{}{
	StateStart: {}, StateDeciding: {}, StatePending: {}, StateYes: {},
	StateNo: {}, StateCommit: {}, StateAbort: {}, StateUnknown: {},
}

// ParseState validates s as a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := knownStates[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return st, nil
}

// IsFinal reports whether the state is a commit or abort decision.
func (s State) IsFinal() bool {
	return s == StateCommit || s == StateAbort
}

func (s State) String() string { return string(s) }

var (
	ErrInvalidState     = errors.New("invalid transaction state")
	ErrInvalidOperation = errors.New("invalid transaction operation")
)

// OpKind tags an Operation.
type OpKind string

const (
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
)

// ParseOpKind validates s as an OpKind.
func ParseOpKind(s string) (OpKind, error) {
	switch OpKind(s) {
	case OpPut, OpDelete:
		return OpKind(s), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, s)
}

// Mutator is the part of a store an Operation needs to apply itself.
type Mutator interface {
	Put(key, value string) error
	Delete(key string) error
}

// Operation is the effect a transaction has on a store once it commits.
// Value is only meaningful for OpPut.
type Operation struct {
	Kind  OpKind
	Key   string
	Value string
}

// Put returns a put operation.
func Put(key, value string) *Operation {
	return &Operation{Kind: OpPut, Key: key, Value: value}
}

// Delete returns a delete operation.
func Delete(key string) *Operation {
	return &Operation{Kind: OpDelete, Key: key}
}

// Apply runs the operation against store. Both kinds are idempotent, so
// replaying a committed operation after a crash is safe.
func (op *Operation) Apply(store Mutator) error {
	switch op.Kind {
	case OpPut:
		return store.Put(op.Key, op.Value)
	case OpDelete:
		return store.Delete(op.Key)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
}

func (op *Operation) String() string {
	if op.Kind == OpPut {
		return fmt.Sprintf("put %s %s", op.Key, op.Value)
	}
	return fmt.Sprintf("%s %s", op.Kind, op.Key)
}

// Transaction is one node's record of a transaction. Op is nil for records
// that only carry a decision (e.g. a replica's "no" vote).
type Transaction struct {
	ID    uint64
	State State
	Op    *Operation
}

// Clone returns a copy that does not share the operation with t.
func (t *Transaction) Clone() *Transaction {
	c := &Transaction{ID: t.ID, State: t.State}
	if t.Op != nil {
		op := *t.Op
		c.Op = &op
	}
	return c
}

// Key returns the key the transaction touches, or "" for decision-only records.
func (t *Transaction) Key() string {
	if t.Op == nil {
		return ""
	}
	return t.Op.Key
}
