// Package dict implements TransactionalDictionary: an open-addressed hash
// table with a cellar overflow region, coalesced hashing, and a free-list
// threaded through unoccupied slots. All mutation runs through a caller-
// supplied stm.Txn; composing several calls inside one stm.Atomically gives
// multi-call atomicity.
package dict

import (
	"fmt"

	stm "github.com/vela-stm/stm"
)

// nullLink marks both "chain end" (for an occupied slot's next) and
// "bucket empty" (for firsts). There is no separate Empty sentinel: unlike
// the bit-packed source this table is descended from, slotMeta carries an
// explicit occupied flag, so the free-list encoding only needs one link
// value per slot rather than a signed, offset-by-3 scheme layered onto a
// single field with no room for a tag bit.
const nullLink = -1

type slotMeta[K any] struct {
	occupied bool
	key      K
	next     int // chain successor when occupied, free-list successor otherwise
}

// tableShape is the dictionary's entire mutable structure — bucket count,
// the addressable/cellar split, every slot's metadata, and the free list —
// held behind one transactional variable so a rehash (which touches all of
// it) is a single OpenForWrite, and a transaction that never commits leaves
// the pre-rehash table untouched (scenario S4).
type tableShape[K any, V any] struct {
	addrLen  int // length of the addressable region (buckets)
	physLen  int // total physical slot count, addressable + cellar
	count    int
	freeHead int
	firsts   []int // len == addrLen; nullLink if bucket is empty
	meta     []slotMeta[K]
	values   []*stm.Variable[V] // len == physLen, one cell per physical slot
}

// CloneValue gives tableShape Cloneable policy: a slice cannot be Copyable
// (the classifier rejects it outright), so the table supplies its own
// working copy. Only the slice headers and slotMeta values are copied;
// each *Variable[V] is shared with the original, which is correct — the
// values are already independently transactional.
func (t tableShape[K, V]) CloneValue() any {
	return tableShape[K, V]{
		addrLen:  t.addrLen,
		physLen:  t.physLen,
		count:    t.count,
		freeHead: t.freeHead,
		firsts:   append([]int(nil), t.firsts...),
		meta:     append([]slotMeta[K](nil), t.meta...),
		values:   append([]*stm.Variable[V](nil), t.values...),
	}
}

// Dictionary is a transactional open-addressed hash table with a cellar.
type Dictionary[K comparable, V any] struct {
	shape *stm.Variable[tableShape[K, V]]
	hash  func(K) int
}

// New constructs an empty Dictionary with the given hash function and an
// initial physical capacity (rounded up to at least 4). The hash function
// is supplied by the caller rather than assumed (e.g. tests exercising
// scenario S3 deliberately pass a bad hash to stress the cellar).
func New[K comparable, V any](hash func(K) int, capacity int) (*Dictionary[K, V], error) {
	if hash == nil {
		return nil, stm.ErrNullArgument
	}
	if capacity < 4 {
		capacity = 4
	}
	shape, err := buildShape[K, V](capacity)
	if err != nil {
		return nil, err
	}
	v, err := stm.Allocate(shape)
	if err != nil {
		return nil, err
	}
	return &Dictionary[K, V]{shape: v, hash: hash}, nil
}

// buildShape allocates a fresh table of the given physical length: the
// addressable region is floor(43*physLen/50) (~86%), the remainder is the
// cellar, and every slot starts free, threaded into a list that pops
// cellar slots before addressable ones (the allocation preference the
// source dictionary's GetFreeSlot documents).
func buildShape[K any, V any](physLen int) (tableShape[K, V], error) {
	addrLen := 43 * physLen / 50
	if addrLen < 1 {
		addrLen = 1
	}
	firsts := make([]int, addrLen)
	for i := range firsts {
		firsts[i] = nullLink
	}
	meta := make([]slotMeta[K], physLen)
	values := make([]*stm.Variable[V], physLen)
	for i := 0; i < physLen; i++ {
		v, err := stm.Allocate(*new(V))
		if err != nil {
			return tableShape[K, V]{}, err
		}
		values[i] = v
		next := i - 1
		if i == 0 {
			next = nullLink
		}
		meta[i] = slotMeta[K]{occupied: false, next: next}
	}
	return tableShape[K, V]{
		addrLen:  addrLen,
		physLen:  physLen,
		count:    0,
		freeHead: physLen - 1,
		firsts:   firsts,
		meta:     meta,
		values:   values,
	}, nil
}

func (d *Dictionary[K, V]) bucket(shape tableShape[K, V], key K) int {
	h := d.hash(key)
	if h < 0 {
		h = -h
	}
	return h % shape.addrLen
}

// findSlot walks the chain for key's bucket, returning the slot index and
// whether key was found. It never mutates shape.
func (d *Dictionary[K, V]) findSlot(shape tableShape[K, V], key K) (slot int, found bool) {
	b := d.bucket(shape, key)
	cur := shape.firsts[b]
	for cur != nullLink {
		if shape.meta[cur].key == key {
			return cur, true
		}
		cur = shape.meta[cur].next
	}
	return nullLink, false
}

func allocateFreeSlot[K any, V any](shape *tableShape[K, V]) (int, error) {
	if shape.freeHead == nullLink {
		return 0, fmt.Errorf("dict: no free slot available despite count < physLen")
	}
	slot := shape.freeHead
	shape.freeHead = shape.meta[slot].next
	return slot, nil
}

// placeNewEntry reserves a slot for a key known not to already be present,
// per the source algorithm: if the home bucket is empty, occupy its home
// slot directly (or, if that physical slot is already in use by a
// coalesced chain from a different bucket, the next free slot, preferring
// the cellar); if the bucket already has a chain, walk to its tail and
// link a newly allocated slot after it.
func (d *Dictionary[K, V]) placeNewEntry(shape *tableShape[K, V], key K) (int, error) {
	b := d.bucket(*shape, key)
	if shape.firsts[b] == nullLink {
		slot := b
		if shape.meta[b].occupied {
			var err error
			slot, err = allocateFreeSlot(shape)
			if err != nil {
				return 0, err
			}
		} else if shape.freeHead == b {
			shape.freeHead = shape.meta[b].next
		} else {
			for cur := shape.freeHead; cur != nullLink; cur = shape.meta[cur].next {
				if shape.meta[cur].next == b {
					shape.meta[cur].next = shape.meta[b].next
					break
				}
			}
		}
		shape.meta[slot] = slotMeta[K]{occupied: true, key: key, next: nullLink}
		shape.firsts[b] = slot
		return slot, nil
	}

	cur := shape.firsts[b]
	for shape.meta[cur].next != nullLink {
		cur = shape.meta[cur].next
	}
	slot, err := allocateFreeSlot(shape)
	if err != nil {
		return 0, err
	}
	shape.meta[slot] = slotMeta[K]{occupied: true, key: key, next: nullLink}
	shape.meta[cur].next = slot
	return slot, nil
}

// Insert adds key/value, growing and rehashing the table first if it is
// full. If key is already present, Insert overwrites its value when
// overwrite is true and fails with ErrDuplicateKey otherwise.
func (d *Dictionary[K, V]) Insert(txn *stm.Txn, key K, value V, overwrite bool) error {
	shape, err := d.shape.OpenForWrite(txn)
	if err != nil {
		return err
	}
	if shape.count == shape.physLen {
		if err := d.rehash(txn, *shape); err != nil {
			return err
		}
		shape, err = d.shape.OpenForWrite(txn)
		if err != nil {
			return err
		}
	}

	if slot, found := d.findSlot(*shape, key); found {
		if !overwrite {
			return fmt.Errorf("dict: %w: %v", stm.ErrDuplicateKey, key)
		}
		return shape.values[slot].Set(txn, value)
	}

	slot, err := d.placeNewEntry(shape, key)
	if err != nil {
		return err
	}
	shape.count++
	return shape.values[slot].Set(txn, value)
}

// rehash doubles the table's physical length and reinserts every existing
// entry into the new shape, then installs it. old is passed by value (the
// caller's working copy at the moment the table was found full); nothing
// here touches the committed table until d.shape.Set below, so an aborted
// transaction leaves the original table exactly as it was.
func (d *Dictionary[K, V]) rehash(txn *stm.Txn, old tableShape[K, V]) error {
	newPhysLen := old.physLen * 2
	if newPhysLen < 4 {
		newPhysLen = 4
	}
	next, err := buildShape[K, V](newPhysLen)
	if err != nil {
		return err
	}
	for i := 0; i < old.physLen; i++ {
		if !old.meta[i].occupied {
			continue
		}
		val, err := old.values[i].Read(txn)
		if err != nil {
			return err
		}
		slot, err := d.placeNewEntry(&next, old.meta[i].key)
		if err != nil {
			return err
		}
		next.count++
		if err := next.values[slot].Set(txn, val); err != nil {
			return err
		}
	}
	return d.shape.Set(txn, next)
}

// Get returns the value stored for key, or ErrKeyNotFound.
func (d *Dictionary[K, V]) Get(txn *stm.Txn, key K) (V, error) {
	var zero V
	shape, err := d.shape.Read(txn)
	if err != nil {
		return zero, err
	}
	slot, found := d.findSlot(shape, key)
	if !found {
		return zero, fmt.Errorf("dict: %w: %v", stm.ErrKeyNotFound, key)
	}
	return shape.values[slot].Read(txn)
}

// TryGet is Get without the error for a missing key.
func (d *Dictionary[K, V]) TryGet(txn *stm.Txn, key K) (value V, ok bool, err error) {
	shape, err := d.shape.Read(txn)
	if err != nil {
		return value, false, err
	}
	slot, found := d.findSlot(shape, key)
	if !found {
		return value, false, nil
	}
	value, err = shape.values[slot].Read(txn)
	return value, err == nil, err
}

// ContainsKey reports whether key is present.
func (d *Dictionary[K, V]) ContainsKey(txn *stm.Txn, key K) (bool, error) {
	shape, err := d.shape.Read(txn)
	if err != nil {
		return false, err
	}
	_, found := d.findSlot(shape, key)
	return found, nil
}

// Remove deletes key, or fails with ErrKeyNotFound. The vacated slot is
// returned to the free list head; unlike the source's removal path this
// does not migrate a cellar successor up into a vacated addressable home
// slot (a documented simplification — see the grounding notes).
func (d *Dictionary[K, V]) Remove(txn *stm.Txn, key K) error {
	shape, err := d.shape.OpenForWrite(txn)
	if err != nil {
		return err
	}
	b := d.bucket(*shape, key)
	prev := nullLink
	cur := shape.firsts[b]
	for cur != nullLink && shape.meta[cur].key != key {
		prev = cur
		cur = shape.meta[cur].next
	}
	if cur == nullLink {
		return fmt.Errorf("dict: %w: %v", stm.ErrKeyNotFound, key)
	}
	next := shape.meta[cur].next
	if prev == nullLink {
		shape.firsts[b] = next
	} else {
		shape.meta[prev].next = next
	}
	shape.meta[cur] = slotMeta[K]{occupied: false, next: shape.freeHead}
	shape.freeHead = cur
	shape.count--
	return nil
}

// Count returns the number of entries currently stored.
func (d *Dictionary[K, V]) Count(txn *stm.Txn) (int, error) {
	shape, err := d.shape.Read(txn)
	if err != nil {
		return 0, err
	}
	return shape.count, nil
}

// Keys returns every key in unspecified order.
func (d *Dictionary[K, V]) Keys(txn *stm.Txn) ([]K, error) {
	shape, err := d.shape.Read(txn)
	if err != nil {
		return nil, err
	}
	keys := make([]K, 0, shape.count)
	for i := 0; i < shape.physLen; i++ {
		if shape.meta[i].occupied {
			keys = append(keys, shape.meta[i].key)
		}
	}
	return keys, nil
}

// Values returns every value in unspecified order.
func (d *Dictionary[K, V]) Values(txn *stm.Txn) ([]V, error) {
	shape, err := d.shape.Read(txn)
	if err != nil {
		return nil, err
	}
	values := make([]V, 0, shape.count)
	for i := 0; i < shape.physLen; i++ {
		if shape.meta[i].occupied {
			val, err := shape.values[i].Read(txn)
			if err != nil {
				return nil, err
			}
			values = append(values, val)
		}
	}
	return values, nil
}

// Range calls fn for every key/value pair, stopping and returning fn's
// error if it returns one. Order is unspecified.
func (d *Dictionary[K, V]) Range(txn *stm.Txn, fn func(key K, value V) error) error {
	shape, err := d.shape.Read(txn)
	if err != nil {
		return err
	}
	for i := 0; i < shape.physLen; i++ {
		if !shape.meta[i].occupied {
			continue
		}
		val, err := shape.values[i].Read(txn)
		if err != nil {
			return err
		}
		if err := fn(shape.meta[i].key, val); err != nil {
			return err
		}
	}
	return nil
}
