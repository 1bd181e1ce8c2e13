package stm

import "errors"

// Sentinel errors returned by the engine and collections. Conflict is the
// only one an Atomically-wrapped caller should ever observe surfacing as a retry
// rather than a failure; every other one propagates out of the transaction
// body and aborts it.
var (
	// ErrUnsupportedType is returned by Allocate when the classifier cannot
	// assign a policy to the requested value type.
	ErrUnsupportedType = errors.New("stm: unsupported value type")

	// ErrCloneContract is returned when a user-cloneable deep-copy function
	// returns a value whose runtime type differs from the original.
	ErrCloneContract = errors.New("stm: clone returned a different runtime type")

	// ErrNotInTransaction is returned when a transactional operation is
	// attempted with a nil *Txn.
	ErrNotInTransaction = errors.New("stm: not in a transaction")

	// ErrAlreadyTerminated is returned by Commit on a transaction that is
	// not Active (including a second Commit call on an enlisted
	// transaction), by Begin for a parent that is not Active, and by a
	// Participant call made in the wrong state.
	ErrAlreadyTerminated = errors.New("stm: transaction already terminated")

	// ErrNestedPending is returned when an outer transaction's Commit is
	// attempted while an inner (child) transaction is still live.
	ErrNestedPending = errors.New("stm: nested transaction still active")

	// ErrConflict is the optimistic-concurrency failure. Atomically catches
	// it and reruns the transaction body; it should never escape Atomically.
	ErrConflict = errors.New("stm: conflict")

	// ErrKeyNotFound is returned by collection lookups/removals for an
	// absent key.
	ErrKeyNotFound = errors.New("stm: key not found")

	// ErrDuplicateKey is returned by a non-overwriting insert of a key that
	// already exists.
	ErrDuplicateKey = errors.New("stm: duplicate key")

	// ErrIndexOutOfRange is returned by array indexing operations outside
	// [0, length).
	ErrIndexOutOfRange = errors.New("stm: index out of range")

	// ErrNullArgument is returned for required arguments that were nil/zero
	// where that is meaningless (e.g. a nil comparator).
	ErrNullArgument = errors.New("stm: required argument is nil")

	// ErrBadRange is returned for malformed ranges (e.g. negative length).
	ErrBadRange = errors.New("stm: invalid range")
)
