package stm

import "fmt"

// State is a transaction's lifecycle stage (spec §3).
type State int

const (
	StateActive State = iota
	StatePreparedPending
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StatePreparedPending:
		return "PreparedPending"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Txn is a single transaction, possibly nested. Go has no per-OS-thread
// "current transaction" slot (see SPEC_FULL.md §2), so — exactly like the
// teacher package this generalizes — every operation that needs a
// transaction takes it as an explicit parameter instead of discovering it
// from thread-local state. Begin takes the parent explicitly for the same
// reason.
type Txn struct {
	parent *Txn
	child  *Txn // the single live nested transaction, if any (§4.6: one ancestor chain)

	log map[anyVariable]*entry

	state       State
	readVersion uint64

	locked           []anyVariable // acquired during this txn's own commit Phase 1
	preparedWriteSet []*entry      // write-set captured by Prepare, published by Commit

	coordinator Coordinator
	enlisted    bool
}

// Begin creates a new transaction. A nil parent creates a root transaction
// sampling the engine's global clock as its read version; a non-nil parent
// creates a nested transaction inheriting the parent's read version (the
// nested transaction observes exactly the world its parent does, since the
// parent has not yet published anything).
//
// Begin fails with ErrNestedPending if parent already has a live child.
func Begin(parent *Txn) (*Txn, error) {
	if parent != nil {
		if parent.state != StateActive {
			return nil, ErrAlreadyTerminated
		}
		if parent.child != nil {
			return nil, ErrNestedPending
		}
	}
	t := &Txn{
		parent: parent,
		log:    make(map[anyVariable]*entry, 8),
		state:  StateActive,
	}
	if parent != nil {
		t.readVersion = parent.readVersion
		parent.child = t
	} else {
		t.readVersion = globalClock.load()
	}
	return t, nil
}

func (t *Txn) String() string {
	return fmt.Sprintf("Txn#%p{state=%s, entries=%d}", t, t.state, len(t.log))
}

// State returns the transaction's current lifecycle stage.
func (t *Txn) State() State { return t.state }

// findEntry walks t and its ancestors looking for an existing log entry
// for v, returning the owning transaction and its entry (spec §4.3 step 1:
// "If an Entry for V already exists in T or any ancestor"). It does not
// create anything.
func findEntry(t *Txn, v anyVariable) (*Txn, *entry) {
	for cur := t; cur != nil; cur = cur.parent {
		if e, ok := cur.log[v]; ok {
			return cur, e
		}
	}
	return nil, nil
}

// Commit commits the transaction (spec §4.4). A root transaction with no
// ambient coordinator runs the full three-phase protocol and publishes. A
// nested transaction merges into its parent's log instead, touching no
// global state. A root transaction enlisted with an ambient Coordinator
// defers publication: Commit only marks it PreparedPending, and the actual
// Prepare/Commit/Rollback is driven by the coordinator calling back through
// the Participant returned at enlistment time.
func (t *Txn) Commit() error {
	if t.state != StateActive {
		return ErrAlreadyTerminated
	}
	if t.child != nil {
		return ErrNestedPending
	}

	if t.parent != nil {
		return t.mergeIntoParent()
	}
	if t.coordinator != nil {
		t.state = StatePreparedPending
		return nil
	}
	return t.commitRoot()
}

// Dispose aborts the transaction if it was not already committed. It is
// always safe to call, including after a successful Commit (a no-op then).
func (t *Txn) Dispose() {
	switch t.state {
	case StateCommitted, StateAborted:
		return
	default:
		t.abort()
	}
}

// abort marks the transaction Aborted so its log is never published,
// releases anything this txn's own commit attempt
// had acquired, clears the parent's child pointer, and wakes retry
// waiters. It never touches variables this txn merely read or wrote in its
// own log without having reached Phase 1 acquisition.
func (t *Txn) abort() {
	for _, v := range t.locked {
		v.releaseAny(t)
	}
	t.locked = nil
	t.state = StateAborted
	if t.parent != nil && t.parent.child == t {
		t.parent.child = nil
	}
	wakeRetryWaiters()
}
