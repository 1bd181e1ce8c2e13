package stm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type plainStruct struct {
	X int
	Y string
}

type withPointer struct {
	P *int
}

type markedImmutable struct {
	Immutable
	Data []int // would otherwise be Rejected; the marker overrides classification
}

type cloneableBox struct {
	items []int
}

func (b cloneableBox) CloneValue() any {
	return cloneableBox{items: append([]int(nil), b.items...)}
}

func TestClassifyPrimitivesAreImmutable(t *testing.T) {
	p, err := classifyType[int]()
	require.NoError(t, err)
	require.Equal(t, PolicyImmutable, p)

	p, err = classifyType[string]()
	require.NoError(t, err)
	require.Equal(t, PolicyImmutable, p)
}

func TestClassifyRecognizedImmutableType(t *testing.T) {
	p, err := classifyType[time.Time]()
	require.NoError(t, err)
	require.Equal(t, PolicyImmutable, p)
}

func TestClassifyStructOfImmutablesIsCopyable(t *testing.T) {
	p, err := classifyType[plainStruct]()
	require.NoError(t, err)
	require.Equal(t, PolicyCopyable, p)
}

func TestClassifyPointerIsRejected(t *testing.T) {
	_, err := classifyType[withPointer]()
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestClassifyImmutableMarkerOverridesFields(t *testing.T) {
	p, err := classifyType[markedImmutable]()
	require.NoError(t, err)
	require.Equal(t, PolicyImmutable, p)
}

func TestClassifyClonerIsCloneable(t *testing.T) {
	p, err := classifyType[cloneableBox]()
	require.NoError(t, err)
	require.Equal(t, PolicyCloneable, p)
}

func TestCloneValueCloneableIsIndependent(t *testing.T) {
	orig := cloneableBox{items: []int{1, 2, 3}}
	clone, err := cloneValue(orig)
	require.NoError(t, err)
	clone.items[0] = 999
	require.Equal(t, 1, orig.items[0])
}

type wrongTypeCloner struct{}

func (wrongTypeCloner) CloneValue() any { return 42 }

func TestCloneValueWrongTypeFailsCloneContract(t *testing.T) {
	_, err := cloneValue(wrongTypeCloner{})
	require.ErrorIs(t, err, ErrCloneContract)
}
