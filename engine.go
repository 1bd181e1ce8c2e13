package stm

import (
	"sort"
	"sync/atomic"
	"time"
)

// clock is the engine's single global version counter (spec §3). Every
// root commit that actually publishes increments it exactly once; nested
// commits never touch it (spec §4.4 — "no nested commit ever advances the
// global clock").
type clock struct {
	v atomic.Uint64
}

func (c *clock) load() uint64 { return c.v.Load() }

func (c *clock) increment() uint64 { return c.v.Add(1) }

var globalClock clock

const (
	lockSpinAttempts = 64
	lockSpinBackoff  = 50 * time.Microsecond
)

// commitRoot runs the three-phase commit protocol for a root transaction
// (spec §4.4): acquire the write-set in a deterministic order, validate the
// whole log against the variables' current committed versions, then
// publish and advance the clock. A Coordinator-driven commit does not come
// through here: Participant.Prepare and Participant.Commit call phase1And2
// and phase3Publish separately.
func (t *Txn) commitRoot() error {
	if err := t.phase1And2(); err != nil {
		return err
	}
	t.phase3Publish()
	return nil
}

// phase1And2 acquires the write-set in deterministic order and validates
// the whole log against committed versions, leaving the write-set captured
// on t for a later phase3Publish. It is also what a Participant's Prepare
// runs under an ambient Coordinator (spec §7): an enlisted transaction's
// own Commit never reaches here; the coordinator's call to Prepare does.
func (t *Txn) phase1And2() error {
	writeSet := t.writeSetSorted()

	if err := t.acquireWriteSet(writeSet); err != nil {
		return err
	}

	if err := t.validate(writeSet); err != nil {
		t.releaseAll(writeSet)
		t.abort()
		return err
	}

	t.preparedWriteSet = writeSet
	return nil
}

// phase3Publish advances the global clock once (only if the write-set is
// non-empty) and publishes every entry phase1And2 locked. Split out from commitRoot so a Coordinator-driven
// commit can call it from Participant.Commit, independently of whatever
// else the coordinator is doing with its other participants in between.
func (t *Txn) phase3Publish() {
	var newVersion uint64
	if len(t.preparedWriteSet) > 0 {
		newVersion = globalClock.increment()
	}
	for _, e := range t.preparedWriteSet {
		e.v.publishEntryAny(e, newVersion, t)
	}
	t.preparedWriteSet = nil
	t.locked = nil
	t.state = StateCommitted
	if t.parent != nil && t.parent.child == t {
		t.parent.child = nil
	}
	wakeRetryWaiters()
}

// writeSetSorted returns the transaction's write-mode entries ordered by
// variable identity, the deterministic order acquireWriteSet locks them in
// so two transactions racing over the same variables never deadlock each
// other (spec §4.4 step 2: "acquire the write-set in a fixed order").
func (t *Txn) writeSetSorted() []*entry {
	writeSet := make([]*entry, 0, len(t.log))
	for _, e := range t.log {
		if e.mode == modeWrite {
			writeSet = append(writeSet, e)
		}
	}
	sort.Slice(writeSet, func(i, j int) bool {
		return writeSet[i].v.ID() < writeSet[j].v.ID()
	})
	return writeSet
}

// acquireWriteSet locks every variable in writeSet, spinning briefly on
// contention before giving up with ErrConflict. Anything already acquired
// by the time a later variable fails is released before returning.
func (t *Txn) acquireWriteSet(writeSet []*entry) error {
	for i, e := range writeSet {
		acquired := false
		for attempt := 0; attempt < lockSpinAttempts; attempt++ {
			if e.v.tryAcquireAny(t) {
				acquired = true
				break
			}
			time.Sleep(lockSpinBackoff)
		}
		if !acquired {
			t.releaseAll(writeSet[:i])
			return ErrConflict
		}
		t.locked = append(t.locked, e.v)
	}
	return nil
}

func (t *Txn) releaseAll(acquired []*entry) {
	for _, e := range acquired {
		e.v.releaseAny(t)
	}
	t.locked = nil
}

// validate checks every entry in the log — read-only or write — against
// the variable's currently committed version. A write-mode entry's
// variable is already locked by t, so its version cannot move again before
// publish; a read-only entry's variable is not locked, so this is the
// moment (spec §4.4 step 3) that catches anyone who committed a conflicting
// change while t was running.
func (t *Txn) validate(writeSet []*entry) error {
	locked := make(map[anyVariable]bool, len(writeSet))
	for _, e := range writeSet {
		locked[e.v] = true
		_, ver := e.v.readCommittedAny()
		if ver != e.snapshotVersion {
			return ErrConflict
		}
	}
	for _, e := range t.log {
		if locked[e.v] {
			continue
		}
		_, ver := e.v.readCommittedAny()
		if ver != e.snapshotVersion {
			return ErrConflict
		}
	}
	return nil
}

// mergeIntoParent installs a nested transaction's log into its parent's
// (spec §4.4's nested-commit path). Write entries replace whatever the
// parent had for that variable outright; read entries are added if the
// parent had none, and otherwise reconciled by snapshot version — a
// mismatch means the nested transaction and its parent disagree about what
// was read, which can only happen if code outside this package mutated a
// log by hand, but is treated as a conflict rather than silently ignored.
// No global clock or variable is touched: nothing is visible outside the
// parent until the parent itself reaches a root commit.
func (t *Txn) mergeIntoParent() error {
	parent := t.parent
	for v, e := range t.log {
		if e.mode == modeWrite {
			parent.log[v] = &entry{
				v:               v,
				snapshotVersion: e.snapshotVersion,
				original:        e.original,
				working:         e.working,
				hasWorking:      true,
				mode:            modeWrite,
			}
			continue
		}
		if existing, ok := parent.log[v]; ok {
			if existing.snapshotVersion != e.snapshotVersion {
				t.abort()
				return ErrConflict
			}
			continue
		}
		parent.log[v] = &entry{
			v:               v,
			snapshotVersion: e.snapshotVersion,
			original:        e.original,
			mode:            modeRead,
		}
	}
	t.state = StateCommitted
	if parent.child == t {
		parent.child = nil
	}
	return nil
}
