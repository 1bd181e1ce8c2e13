package stm

import "fmt"

// Read returns the value txn currently sees for v: the entry already open
// in txn or an ancestor if one exists, otherwise a fresh snapshot of the
// variable's committed state (spec §4.3 Read). It aborts txn and returns
// ErrConflict if that fresh snapshot has moved past txn's read version.
func (v *Variable[T]) Read(txn *Txn) (T, error) {
	var zero T
	if txn == nil {
		return zero, ErrNotInTransaction
	}
	if e, ok := txn.log[v]; ok {
		return entryValue[T](e), nil
	}
	if _, ancestorEntry := findEntry(txn.parent, v); ancestorEntry != nil {
		ancestorValue := entryValue[T](ancestorEntry)
		txn.log[v] = &entry{
			v:               v,
			snapshotVersion: ancestorEntry.snapshotVersion,
			original:        ancestorValue,
			mode:            modeRead,
		}
		return ancestorValue, nil
	}

	val, ver := v.readCommitted()
	if ver > txn.readVersion {
		txn.abort()
		return zero, ErrConflict
	}
	txn.log[v] = &entry{v: v, snapshotVersion: ver, original: val, mode: modeRead}
	return val, nil
}

// OpenForWrite returns a pointer to txn's private working copy of v,
// creating one (per the classifier's policy for T) if this is the first
// write to v in txn (spec §4.3 OpenForWrite). Mutations through the
// returned pointer are visible only within txn until it commits.
func (v *Variable[T]) OpenForWrite(txn *Txn) (*T, error) {
	if txn == nil {
		return nil, ErrNotInTransaction
	}
	if e, ok := txn.log[v]; ok {
		if e.mode == modeWrite {
			return e.working.(*T), nil
		}
		return v.upgrade(txn, e)
	}

	if _, ancestorEntry := findEntry(txn.parent, v); ancestorEntry != nil {
		base := entryValue[T](ancestorEntry)
		working, err := cloneValue(base)
		if err != nil {
			return nil, err
		}
		e := &entry{
			v:               v,
			snapshotVersion: ancestorEntry.snapshotVersion,
			original:        base,
			working:         &working,
			hasWorking:      true,
			mode:            modeWrite,
		}
		txn.log[v] = e
		return e.working.(*T), nil
	}

	val, ver := v.readCommitted()
	if ver > txn.readVersion {
		txn.abort()
		return nil, ErrConflict
	}
	working, err := cloneValue(val)
	if err != nil {
		return nil, err
	}
	e := &entry{v: v, snapshotVersion: ver, original: val, working: &working, hasWorking: true, mode: modeWrite}
	txn.log[v] = e
	return e.working.(*T), nil
}

func (v *Variable[T]) upgrade(txn *Txn, e *entry) (*T, error) {
	orig := e.original.(T)
	working, err := cloneValue(orig)
	if err != nil {
		return nil, err
	}
	e.working = &working
	e.hasWorking = true
	e.mode = modeWrite
	return e.working.(*T), nil
}

// Set replaces txn's working copy of v wholesale with newValue. It is
// OpenForWrite followed by an unconditional overwrite (spec §4.3 Set).
func (v *Variable[T]) Set(txn *Txn, newValue T) error {
	if txn == nil {
		return ErrNotInTransaction
	}
	if _, err := v.OpenForWrite(txn); err != nil {
		return err
	}
	e := txn.log[v]
	working := newValue
	e.working = &working
	e.hasWorking = true
	e.mode = modeWrite
	return nil
}

// Release drops txn's Read-mode entry for v as a best-effort hint that v
// will not participate in this transaction's conflict detection. Releasing
// an entry the transaction goes on to use anyway is a caller bug; the
// engine does not defend against it beyond ordinary conflict detection.
func (v *Variable[T]) Release(txn *Txn) error {
	if txn == nil {
		return ErrNotInTransaction
	}
	if e, ok := txn.log[v]; ok && e.mode == modeRead {
		delete(txn.log, v)
	}
	return nil
}

func typeMismatchError[T any](got any) error {
	var zero T
	return fmt.Errorf("stm: internal type mismatch: got %T want %T", got, zero)
}
