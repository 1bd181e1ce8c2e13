package stm

import (
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Policy is the classifier's verdict for a value type: how OpenForWrite
// produces a private working copy of it.
type Policy int

const (
	// PolicyImmutable values are shared by reference; working aliases
	// original and OpenForWrite never copies.
	PolicyImmutable Policy = iota
	// PolicyCopyable values are copied field by field (which, for Go value
	// types built only from Immutable/Copyable fields, a plain assignment
	// already performs in full — see cloneValue).
	PolicyCopyable
	// PolicyCloneable values are copied by invoking the user-supplied
	// Cloner.CloneValue.
	PolicyCloneable
	// PolicyRejected types may not back a Variable at all.
	PolicyRejected
)

func (p Policy) String() string {
	switch p {
	case PolicyImmutable:
		return "Immutable"
	case PolicyCopyable:
		return "Copyable"
	case PolicyCloneable:
		return "Cloneable"
	case PolicyRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Cloner is the clone contract (spec §6): a user type that is neither
// Immutable nor structurally Copyable must implement it so the classifier
// can treat it as user-cloneable. CloneValue must return an independent
// value of the same runtime type as the receiver; a mismatch fails the
// write with ErrCloneContract.
type Cloner interface {
	CloneValue() any
}

// Immutable is embedded into a user type to declare it Immutable to the
// classifier regardless of its field composition (the declarative
// "immutable marker" from spec §4.1/§6). It carries no state.
//
//	type Point struct {
//		stm.Immutable
//		X, Y int
//	}
type Immutable struct{}

func (Immutable) immutableMarker() {}

type immutableMarker interface{ immutableMarker() }

var clonerType = reflect.TypeOf((*Cloner)(nil)).Elem()
var immutableMarkerType = reflect.TypeOf((*immutableMarker)(nil)).Elem()

// recognizedImmutableTypes lists standard-library types the classifier
// treats as Immutable even though they are structs with otherwise ordinary
// fields (time.Time holds no exported mutable state an STM write could
// observe changing out from under a reader).
var recognizedImmutableTypes = map[reflect.Type]bool{
	reflect.TypeOf(time.Time{}): true,
}

var classifyRegistry sync.Map // reflect.Type -> Policy

// ClassifyType reports the Policy a Variable[T] would be classified with,
// without allocating one. Useful to check a type ahead of time rather than
// discovering ErrUnsupportedType at the first Allocate.
func ClassifyType[T any]() (Policy, error) {
	return classifyType[T]()
}

func classifyType[T any]() (Policy, error) {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil {
		rt = reflect.TypeOf(&zero).Elem()
	}
	return classifyReflectType(rt)
}

func classifyReflectType(rt reflect.Type) (Policy, error) {
	if cached, ok := classifyRegistry.Load(rt); ok {
		p := cached.(Policy)
		if p == PolicyRejected {
			return p, fmt.Errorf("%w: %s", ErrUnsupportedType, rt)
		}
		return p, nil
	}
	p := computePolicy(rt)
	classifyRegistry.Store(rt, p)
	if p == PolicyRejected {
		return p, fmt.Errorf("%w: %s", ErrUnsupportedType, rt)
	}
	return p, nil
}

func computePolicy(rt reflect.Type) Policy {
	switch rt.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return PolicyImmutable
	}

	if recognizedImmutableTypes[rt] {
		return PolicyImmutable
	}
	if implementsEither(rt, immutableMarkerType) {
		return PolicyImmutable
	}
	if implementsEither(rt, clonerType) {
		return PolicyCloneable
	}

	switch rt.Kind() {
	case reflect.Struct:
		for i := 0; i < rt.NumField(); i++ {
			fieldPolicy, _ := classifyReflectType(rt.Field(i).Type)
			if fieldPolicy != PolicyImmutable && fieldPolicy != PolicyCopyable {
				return PolicyRejected
			}
		}
		return PolicyCopyable
	case reflect.Array:
		elemPolicy, _ := classifyReflectType(rt.Elem())
		if elemPolicy == PolicyImmutable || elemPolicy == PolicyCopyable {
			return PolicyCopyable
		}
		return PolicyRejected
	default:
		// Ptr, Slice, Map, Chan, Func, Interface, UnsafePointer: reference
		// types a structural copy would alias rather than isolate. Only an
		// explicit Immutable marker or Cloner implementation (already
		// checked above) may cross this boundary.
		return PolicyRejected
	}
}

func implementsEither(rt reflect.Type, iface reflect.Type) bool {
	if rt.Implements(iface) {
		return true
	}
	if rt.Kind() != reflect.Ptr {
		return reflect.PointerTo(rt).Implements(iface)
	}
	return false
}

// cloneValue produces the working copy OpenForWrite installs for a value
// of type T, per its classifier policy.
func cloneValue[T any](orig T) (T, error) {
	policy, err := classifyType[T]()
	if err != nil {
		var zero T
		return zero, err
	}
	switch policy {
	case PolicyImmutable, PolicyCopyable:
		// A Go value of a type built entirely from Immutable/Copyable
		// fields contains no reference-typed field anywhere in its
		// transitive closure (the classifier would have rejected it
		// otherwise), so the ordinary copy that already happened by
		// passing orig by value is the deep copy; there is no separate
		// runtime step to perform.
		return orig, nil
	case PolicyCloneable:
		return cloneViaCloner(orig)
	default:
		var zero T
		return zero, fmt.Errorf("%w: %T", ErrUnsupportedType, orig)
	}
}

func cloneViaCloner[T any](orig T) (T, error) {
	var zero T
	var cloner Cloner
	if c, ok := any(orig).(Cloner); ok {
		cloner = c
	} else {
		rv := reflect.ValueOf(&orig)
		c, ok := rv.Interface().(Cloner)
		if !ok {
			return zero, fmt.Errorf("%w: %T does not implement Cloner", ErrCloneContract, orig)
		}
		cloner = c
	}
	cloned := cloner.CloneValue()
	typed, ok := cloned.(T)
	if !ok || reflect.TypeOf(cloned) != reflect.TypeOf(orig) {
		return zero, fmt.Errorf("%w: clone of %T returned %T", ErrCloneContract, orig, cloned)
	}
	return typed, nil
}
