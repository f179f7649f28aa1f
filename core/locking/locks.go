// Package locking holds the two lock tables a replica needs: non-blocking
// per-key locks that serialize writes to a key, and per-transaction mutexes
// that serialize vote, commit and abort handling for one id.
//
// Both tables create locks lazily and never remove them. The table mutex
// only guards map access; a lock is taken and released without holding it.
package locking

import (
	"fmt"
	"sync"
)

// KeyLocks is a table of non-reentrant, non-blocking per-key locks.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*sync.Mutex)}
}

func (kl *KeyLocks) get(key string) *sync.Mutex {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	l, ok := kl.locks[key]
	if !ok {
		l = new(sync.Mutex)
		kl.locks[key] = l
	}
	return l
}

// TryAcquire locks key and reports whether it succeeded. It never waits:
// a key that is already held fails immediately, even for the same caller.
func (kl *KeyLocks) TryAcquire(key string) bool {
	return kl.get(key).TryLock()
}

// Release unlocks key. Releasing a key that is not held is a programming
// error and panics.
func (kl *KeyLocks) Release(key string) {
	kl.mu.Lock()
	l, ok := kl.locks[key]
	kl.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("locking: release of unknown key %q", key))
	}
	l.Unlock()
}

// Held reports whether key is currently locked. The answer may be stale by
// the time the caller looks at it; it is meant for tests and diagnostics.
func (kl *KeyLocks) Held(key string) bool {
	kl.mu.Lock()
	l, ok := kl.locks[key]
	kl.mu.Unlock()
	if !ok {
		return false
	}
	if l.TryLock() {
		l.Unlock()
		return false
	}
	return true
}

// TxnLocks is a table of blocking mutexes keyed by transaction id. An
// entry lives only while some caller holds or waits for it.
type TxnLocks struct {
	mu    sync.Mutex
	locks map[uint64]*txnLock
}

type txnLock struct {
	sync.Mutex
	refs int // holders plus waiters, guarded by TxnLocks.mu
}

func NewTxnLocks() *TxnLocks {
	return &TxnLocks{locks: make(map[uint64]*txnLock)}
}

// Lock blocks until the mutex for id is held and returns its unlock func.
// The unlock func must be called exactly once.
func (tl *TxnLocks) Lock(id uint64) (unlock func()) {
	tl.mu.Lock()
	l, ok := tl.locks[id]
	if !ok {
		l = &txnLock{}
		tl.locks[id] = l
	}
	l.refs++
	tl.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		tl.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(tl.locks, id)
		}
		tl.mu.Unlock()
	}
}

// Len returns the number of ids currently locked or waited on.
func (tl *TxnLocks) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.locks)
}
