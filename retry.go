package stm

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryMu/retryCond back the explicit blocking-retry primitive (Retry,
// Select): a transaction body that finds nothing worth doing yet calls
// Retry to signal "wake me when something changes" instead of returning an
// error. This package does not track which variables a blocked attempt
// actually read, unlike a subscriber-list design — every commit or abort
// broadcasts to every waiter, who simply re-runs its body and, if still
// nothing has changed for it, blocks again. Simpler, and correct, at the
// cost of occasional spurious wakeups under heavy unrelated traffic.
var (
	retryMu   sync.Mutex
	retryCond = sync.NewCond(&retryMu)
)

func wakeRetryWaiters() {
	retryMu.Lock()
	retryCond.Broadcast()
	retryMu.Unlock()
}

func waitForChange() {
	retryMu.Lock()
	retryCond.Wait()
	retryMu.Unlock()
}

var errRetryBlocked = errors.New("stm: transaction body called Retry")

type retrySignal struct{}

// Retry aborts the calling transaction body and has Atomically/AtomicallyValue
// re-run it once some other transaction has committed or aborted. Call it
// from inside a function passed to Atomically when the transaction finds
// the state it needs is not there yet (e.g. a queue is empty) — the
// classic STM "blocking transaction" primitive, modeled on the retry/panic
// pattern in the vsdmars-stm reference.
func Retry() {
	panic(retrySignal{})
}

// Select runs alternatives in order within a single attempt, taking the
// first one that does not call Retry and returning its result, including
// any error it returns (later alternatives are then not run). If every
// alternative calls Retry, Select itself calls Retry, so the whole attempt
// blocks and is re-run by the enclosing Atomically once anything changes.
func Select(txn *Txn, alternatives ...func(txn *Txn) error) error {
	for _, alt := range alternatives {
		blocked, err := runGuarded(txn, alt)
		if blocked {
			continue
		}
		return err
	}
	Retry()
	return nil // unreachable
}

// runGuarded invokes fn, recovering a Retry panic into (true, nil) so
// callers can distinguish "this alternative blocked" from "this
// alternative failed".
func runGuarded(txn *Txn, fn func(txn *Txn) error) (blocked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(retrySignal); ok {
				blocked = true
				err = nil
				return
			}
			panic(r)
		}
	}()
	err = fn(txn)
	return false, err
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// Atomically runs fn inside a freshly-begun root transaction, retrying
// automatically on ErrConflict (bounded exponential backoff between
// attempts) and on an explicit Retry call (waits for some other commit or
// abort before re-running). Any other error aborts the transaction and is
// returned to the caller unchanged.
func Atomically(fn func(txn *Txn) error) error {
	bo := newBackOff()
	for {
		txn, err := Begin(nil)
		if err != nil {
			return err
		}

		blocked, bodyErr := runGuarded(txn, fn)
		if blocked {
			txn.Dispose()
			waitForChange()
			continue
		}
		if bodyErr != nil {
			txn.Dispose()
			if errors.Is(bodyErr, ErrConflict) {
				time.Sleep(bo.NextBackOff())
				continue
			}
			return bodyErr
		}

		if commitErr := txn.Commit(); commitErr != nil {
			txn.Dispose()
			if errors.Is(commitErr, ErrConflict) {
				time.Sleep(bo.NextBackOff())
				continue
			}
			return commitErr
		}
		return nil
	}
}

// AtomicallyValue is Atomically for a transaction body that produces a
// result alongside its error, so callers don't need an outer variable to
// smuggle a value out of the closure.
func AtomicallyValue[T any](fn func(txn *Txn) (T, error)) (T, error) {
	var zero T
	var result T
	err := Atomically(func(txn *Txn) error {
		v, err := fn(txn)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}
