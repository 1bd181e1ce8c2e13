// Package array implements TransactionalArray: a fixed-length vector whose
// elements are individually transactional variables, optionally grown with
// Enlarge. Every exported method takes the caller's transaction explicitly
// (see stm.Txn's doc comment) — composing several Array calls inside one
// stm.Atomically gives the caller multi-call atomicity across them.
package array

import (
	"fmt"

	stm "github.com/vela-stm/stm"
)

// cells is the Array's growable backbone: a slice of cell pointers. It is
// itself the value of a single transactional variable so that Enlarge can
// grow it atomically with respect to concurrent Len/Get/Set calls. Slices
// are rejected by the classifier on their own (a structural copy would
// alias the backing array rather than isolate it), so cells implements
// Cloner directly: CloneValue copies the slice header but shares every
// *Variable[T] it points to, which is correct — the cells themselves are
// already independently transactional.
type cells[T any] struct {
	vars []*stm.Variable[T]
}

func (c cells[T]) CloneValue() any {
	cp := make([]*stm.Variable[T], len(c.vars))
	copy(cp, c.vars)
	return cells[T]{vars: cp}
}

// Array is a fixed-length (unless Enlarge'd) transactional vector.
type Array[T any] struct {
	backbone *stm.Variable[cells[T]]
}

// New allocates an Array of the given length, every element holding zero.
func New[T any](length int) (*Array[T], error) {
	if length < 0 {
		return nil, stm.ErrBadRange
	}
	vars := make([]*stm.Variable[T], length)
	for i := range vars {
		v, err := stm.Allocate(*new(T))
		if err != nil {
			return nil, err
		}
		vars[i] = v
	}
	backbone, err := stm.Allocate(cells[T]{vars: vars})
	if err != nil {
		return nil, err
	}
	return &Array[T]{backbone: backbone}, nil
}

// From allocates an Array initialized from the given values, one element
// per value, in order.
func From[T any](values []T) (*Array[T], error) {
	vars := make([]*stm.Variable[T], len(values))
	for i, val := range values {
		v, err := stm.Allocate(val)
		if err != nil {
			return nil, err
		}
		vars[i] = v
	}
	backbone, err := stm.Allocate(cells[T]{vars: vars})
	if err != nil {
		return nil, err
	}
	return &Array[T]{backbone: backbone}, nil
}

// Len returns the array's current length within txn.
func (a *Array[T]) Len(txn *stm.Txn) (int, error) {
	c, err := a.backbone.Read(txn)
	if err != nil {
		return 0, err
	}
	return len(c.vars), nil
}

// Get returns the element at index within txn.
func (a *Array[T]) Get(txn *stm.Txn, index int) (T, error) {
	var zero T
	c, err := a.backbone.Read(txn)
	if err != nil {
		return zero, err
	}
	if index < 0 || index >= len(c.vars) {
		return zero, fmt.Errorf("%w: index %d, length %d", stm.ErrIndexOutOfRange, index, len(c.vars))
	}
	return c.vars[index].Read(txn)
}

// Set replaces the element at index within txn.
func (a *Array[T]) Set(txn *stm.Txn, index int, value T) error {
	c, err := a.backbone.Read(txn)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(c.vars) {
		return fmt.Errorf("%w: index %d, length %d", stm.ErrIndexOutOfRange, index, len(c.vars))
	}
	return c.vars[index].Set(txn, value)
}

// Enlarge grows the array to newLength by appending freshly allocated
// zero-valued elements. It is a no-op if newLength is not greater than the
// current length. Insert, Remove, and Add have no analogue: arrays only
// grow, and only from the tail.
func (a *Array[T]) Enlarge(txn *stm.Txn, newLength int) error {
	if newLength < 0 {
		return stm.ErrBadRange
	}
	c, err := a.backbone.Read(txn)
	if err != nil {
		return err
	}
	if newLength <= len(c.vars) {
		return nil
	}
	grown := make([]*stm.Variable[T], newLength)
	copy(grown, c.vars)
	for i := len(c.vars); i < newLength; i++ {
		v, err := stm.Allocate(*new(T))
		if err != nil {
			return err
		}
		grown[i] = v
	}
	return a.backbone.Set(txn, cells[T]{vars: grown})
}

// IndexOf returns the index of the first element equal to target, or -1.
// Equality is decided by the caller-supplied equal function, so T need not
// be comparable.
func (a *Array[T]) IndexOf(txn *stm.Txn, target T, equal func(a, b T) bool) (int, error) {
	c, err := a.backbone.Read(txn)
	if err != nil {
		return -1, err
	}
	for i, v := range c.vars {
		val, err := v.Read(txn)
		if err != nil {
			return -1, err
		}
		if equal(val, target) {
			return i, nil
		}
	}
	return -1, nil
}

// Contains reports whether any element equals target.
func (a *Array[T]) Contains(txn *stm.Txn, target T, equal func(a, b T) bool) (bool, error) {
	i, err := a.IndexOf(txn, target, equal)
	if err != nil {
		return false, err
	}
	return i >= 0, nil
}

// CopyOut returns a plain Go slice snapshot of every element, all read
// within txn so the snapshot is internally consistent.
func (a *Array[T]) CopyOut(txn *stm.Txn) ([]T, error) {
	c, err := a.backbone.Read(txn)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(c.vars))
	for i, v := range c.vars {
		val, err := v.Read(txn)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

// Enumerate calls fn for every element in order, stopping and returning
// fn's error if it returns one.
func (a *Array[T]) Enumerate(txn *stm.Txn, fn func(index int, value T) error) error {
	c, err := a.backbone.Read(txn)
	if err != nil {
		return err
	}
	for i, v := range c.vars {
		val, err := v.Read(txn)
		if err != nil {
			return err
		}
		if err := fn(i, val); err != nil {
			return err
		}
	}
	return nil
}
