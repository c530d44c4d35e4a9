package indexer

import "sync/atomic"

// runLock admits one index run or removal at a time. It never blocks: a
// caller that loses gets ErrIndexInProgress.
type runLock struct {
	held atomic.Bool
}

func (l *runLock) acquire() error {
	if !l.held.CompareAndSwap(false, true) {
		return ErrIndexInProgress
	}
	return nil
}

// release must only follow a successful acquire
func (l *runLock) release() {
	l.held.Store(false)
}

func (l *runLock) busy() bool {
	return l.held.Load()
}
