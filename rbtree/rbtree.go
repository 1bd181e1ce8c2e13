// Package rbtree implements TransactionalSortedMap: a standard (CLRS-style)
// red-black tree whose color and pointer fields are each their own
// transactional variable, so a rotation only invalidates the handful of
// variables it actually touches rather than the whole node (see the design
// note on spurious conflicts this avoids). Every exported method takes the
// caller's transaction explicitly; composing several calls inside one
// stm.Atomically gives multi-call atomicity across them.
package rbtree

import (
	stm "github.com/vela-stm/stm"
)

// nodeRef wraps a *node so it can back a Variable: a bare pointer is a
// reference type the classifier rejects outright, but pointer identity
// here is exactly the "value" being stored — there is nothing to copy, so
// nodeRef declares itself Immutable and the engine treats it accordingly.
type nodeRef[K any, V any] struct {
	stm.Immutable
	n *node[K, V]
}

// node is a tree node. key never changes after the node is created, so it
// is a plain field; everything a rotation or recolor might touch is its
// own Variable.
type node[K any, V any] struct {
	key    K
	value  *stm.Variable[V]
	red    *stm.Variable[bool]
	left   *stm.Variable[nodeRef[K, V]]
	right  *stm.Variable[nodeRef[K, V]]
	parent *stm.Variable[nodeRef[K, V]]
}

func newNode[K any, V any](key K, value V) (*node[K, V], error) {
	n := &node[K, V]{key: key}
	var err error
	if n.value, err = stm.Allocate(value); err != nil {
		return nil, err
	}
	if n.red, err = stm.Allocate(true); err != nil {
		return nil, err
	}
	if n.left, err = stm.Allocate(nodeRef[K, V]{}); err != nil {
		return nil, err
	}
	if n.right, err = stm.Allocate(nodeRef[K, V]{}); err != nil {
		return nil, err
	}
	if n.parent, err = stm.Allocate(nodeRef[K, V]{}); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node[K, V]) getLeft(txn *stm.Txn) (*node[K, V], error) {
	ref, err := n.left.Read(txn)
	return ref.n, err
}
func (n *node[K, V]) setLeft(txn *stm.Txn, c *node[K, V]) error {
	return n.left.Set(txn, nodeRef[K, V]{n: c})
}
func (n *node[K, V]) getRight(txn *stm.Txn) (*node[K, V], error) {
	ref, err := n.right.Read(txn)
	return ref.n, err
}
func (n *node[K, V]) setRight(txn *stm.Txn, c *node[K, V]) error {
	return n.right.Set(txn, nodeRef[K, V]{n: c})
}
func (n *node[K, V]) getParent(txn *stm.Txn) (*node[K, V], error) {
	ref, err := n.parent.Read(txn)
	return ref.n, err
}
func (n *node[K, V]) setParent(txn *stm.Txn, p *node[K, V]) error {
	return n.parent.Set(txn, nodeRef[K, V]{n: p})
}

func isRed[K any, V any](txn *stm.Txn, n *node[K, V]) (bool, error) {
	if n == nil {
		return false, nil
	}
	return n.red.Read(txn)
}

func setRed[K any, V any](txn *stm.Txn, n *node[K, V], red bool) error {
	if n == nil {
		return nil
	}
	return n.red.Set(txn, red)
}

func setParentOfChild[K any, V any](txn *stm.Txn, child, parent *node[K, V]) error {
	if child == nil {
		return nil
	}
	return child.setParent(txn, parent)
}

// Tree is a transactional sorted map ordered by less.
type Tree[K any, V any] struct {
	root *stm.Variable[nodeRef[K, V]]
	less func(a, b K) bool
}

// New constructs an empty Tree ordered by less.
func New[K any, V any](less func(a, b K) bool) (*Tree[K, V], error) {
	if less == nil {
		return nil, stm.ErrNullArgument
	}
	root, err := stm.Allocate(nodeRef[K, V]{})
	if err != nil {
		return nil, err
	}
	return &Tree[K, V]{root: root, less: less}, nil
}

func (t *Tree[K, V]) getRoot(txn *stm.Txn) (*node[K, V], error) {
	ref, err := t.root.Read(txn)
	return ref.n, err
}

func (t *Tree[K, V]) setRoot(txn *stm.Txn, n *node[K, V]) error {
	return t.root.Set(txn, nodeRef[K, V]{n: n})
}

// Get returns the value stored for key, or ErrKeyNotFound.
func (t *Tree[K, V]) Get(txn *stm.Txn, key K) (V, error) {
	var zero V
	n, err := t.findNode(txn, key)
	if err != nil {
		return zero, err
	}
	if n == nil {
		return zero, stm.ErrKeyNotFound
	}
	return n.value.Read(txn)
}

// ContainsKey reports whether key is present.
func (t *Tree[K, V]) ContainsKey(txn *stm.Txn, key K) (bool, error) {
	n, err := t.findNode(txn, key)
	if err != nil {
		return false, err
	}
	return n != nil, nil
}

func (t *Tree[K, V]) findNode(txn *stm.Txn, key K) (*node[K, V], error) {
	cur, err := t.getRoot(txn)
	if err != nil {
		return nil, err
	}
	for cur != nil {
		switch {
		case t.less(key, cur.key):
			cur, err = cur.getLeft(txn)
		case t.less(cur.key, key):
			cur, err = cur.getRight(txn)
		default:
			return cur, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Insert adds key/value. If key is already present its value is
// overwritten in place (no rebalancing needed, since the tree's shape
// didn't change) and ok is reported false; ok is true for a fresh key.
func (t *Tree[K, V]) Insert(txn *stm.Txn, key K, value V) (ok bool, err error) {
	root, err := t.getRoot(txn)
	if err != nil {
		return false, err
	}
	if root == nil {
		n, err := newNode(key, value)
		if err != nil {
			return false, err
		}
		if err := setRed(txn, n, false); err != nil {
			return false, err
		}
		if err := t.setRoot(txn, n); err != nil {
			return false, err
		}
		return true, nil
	}

	cur := root
	for {
		switch {
		case t.less(key, cur.key):
			left, err := cur.getLeft(txn)
			if err != nil {
				return false, err
			}
			if left == nil {
				z, err := newNode(key, value)
				if err != nil {
					return false, err
				}
				if err := cur.setLeft(txn, z); err != nil {
					return false, err
				}
				if err := z.setParent(txn, cur); err != nil {
					return false, err
				}
				return true, t.insertFixup(txn, z)
			}
			cur = left
		case t.less(cur.key, key):
			right, err := cur.getRight(txn)
			if err != nil {
				return false, err
			}
			if right == nil {
				z, err := newNode(key, value)
				if err != nil {
					return false, err
				}
				if err := cur.setRight(txn, z); err != nil {
					return false, err
				}
				if err := z.setParent(txn, cur); err != nil {
					return false, err
				}
				return true, t.insertFixup(txn, z)
			}
			cur = right
		default:
			return false, cur.value.Set(txn, value)
		}
	}
}

// insertFixup restores the red-black invariants after inserting red node z
// (standard CLRS case analysis: recolor when the uncle is red, rotate and
// recolor when the uncle is black), then forces the root black.
func (t *Tree[K, V]) insertFixup(txn *stm.Txn, z *node[K, V]) error {
	for {
		p, err := z.getParent(txn)
		if err != nil {
			return err
		}
		if p == nil {
			break
		}
		pRed, err := isRed(txn, p)
		if err != nil {
			return err
		}
		if !pRed {
			break
		}
		gp, err := p.getParent(txn)
		if err != nil {
			return err
		}
		if gp == nil {
			break
		}
		gpLeft, err := gp.getLeft(txn)
		if err != nil {
			return err
		}
		if p == gpLeft {
			uncle, err := gp.getRight(txn)
			if err != nil {
				return err
			}
			uncleRed, err := isRed(txn, uncle)
			if err != nil {
				return err
			}
			if uncleRed {
				if err := setRed(txn, p, false); err != nil {
					return err
				}
				if err := setRed(txn, uncle, false); err != nil {
					return err
				}
				if err := setRed(txn, gp, true); err != nil {
					return err
				}
				z = gp
				continue
			}
			pRight, err := p.getRight(txn)
			if err != nil {
				return err
			}
			if z == pRight {
				z = p
				if err := t.leftRotate(txn, z); err != nil {
					return err
				}
				p, err = z.getParent(txn)
				if err != nil {
					return err
				}
				gp, err = p.getParent(txn)
				if err != nil {
					return err
				}
			}
			if err := setRed(txn, p, false); err != nil {
				return err
			}
			if err := setRed(txn, gp, true); err != nil {
				return err
			}
			if err := t.rightRotate(txn, gp); err != nil {
				return err
			}
		} else {
			uncle, err := gp.getLeft(txn)
			if err != nil {
				return err
			}
			uncleRed, err := isRed(txn, uncle)
			if err != nil {
				return err
			}
			if uncleRed {
				if err := setRed(txn, p, false); err != nil {
					return err
				}
				if err := setRed(txn, uncle, false); err != nil {
					return err
				}
				if err := setRed(txn, gp, true); err != nil {
					return err
				}
				z = gp
				continue
			}
			pLeft, err := p.getLeft(txn)
			if err != nil {
				return err
			}
			if z == pLeft {
				z = p
				if err := t.rightRotate(txn, z); err != nil {
					return err
				}
				p, err = z.getParent(txn)
				if err != nil {
					return err
				}
				gp, err = p.getParent(txn)
				if err != nil {
					return err
				}
			}
			if err := setRed(txn, p, false); err != nil {
				return err
			}
			if err := setRed(txn, gp, true); err != nil {
				return err
			}
			if err := t.leftRotate(txn, gp); err != nil {
				return err
			}
		}
	}
	root, err := t.getRoot(txn)
	if err != nil {
		return err
	}
	return setRed(txn, root, false)
}

func (t *Tree[K, V]) leftRotate(txn *stm.Txn, x *node[K, V]) error {
	y, err := x.getRight(txn)
	if err != nil {
		return err
	}
	yLeft, err := y.getLeft(txn)
	if err != nil {
		return err
	}
	if err := x.setRight(txn, yLeft); err != nil {
		return err
	}
	if err := setParentOfChild(txn, yLeft, x); err != nil {
		return err
	}
	p, err := x.getParent(txn)
	if err != nil {
		return err
	}
	if err := y.setParent(txn, p); err != nil {
		return err
	}
	if p == nil {
		if err := t.setRoot(txn, y); err != nil {
			return err
		}
	} else {
		pLeft, err := p.getLeft(txn)
		if err != nil {
			return err
		}
		if pLeft == x {
			if err := p.setLeft(txn, y); err != nil {
				return err
			}
		} else {
			if err := p.setRight(txn, y); err != nil {
				return err
			}
		}
	}
	if err := y.setLeft(txn, x); err != nil {
		return err
	}
	return x.setParent(txn, y)
}

func (t *Tree[K, V]) rightRotate(txn *stm.Txn, x *node[K, V]) error {
	y, err := x.getLeft(txn)
	if err != nil {
		return err
	}
	yRight, err := y.getRight(txn)
	if err != nil {
		return err
	}
	if err := x.setLeft(txn, yRight); err != nil {
		return err
	}
	if err := setParentOfChild(txn, yRight, x); err != nil {
		return err
	}
	p, err := x.getParent(txn)
	if err != nil {
		return err
	}
	if err := y.setParent(txn, p); err != nil {
		return err
	}
	if p == nil {
		if err := t.setRoot(txn, y); err != nil {
			return err
		}
	} else {
		pLeft, err := p.getLeft(txn)
		if err != nil {
			return err
		}
		if pLeft == x {
			if err := p.setLeft(txn, y); err != nil {
				return err
			}
		} else {
			if err := p.setRight(txn, y); err != nil {
				return err
			}
		}
	}
	if err := y.setRight(txn, x); err != nil {
		return err
	}
	return x.setParent(txn, y)
}

// transplant replaces the subtree rooted at u with the subtree rooted at v
// in u's parent (standard CLRS helper for deletion).
func (t *Tree[K, V]) transplant(txn *stm.Txn, u, v *node[K, V]) error {
	p, err := u.getParent(txn)
	if err != nil {
		return err
	}
	if p == nil {
		if err := t.setRoot(txn, v); err != nil {
			return err
		}
		return setParentOfChild(txn, v, nil)
	}
	pLeft, err := p.getLeft(txn)
	if err != nil {
		return err
	}
	if pLeft == u {
		if err := p.setLeft(txn, v); err != nil {
			return err
		}
	} else {
		if err := p.setRight(txn, v); err != nil {
			return err
		}
	}
	return setParentOfChild(txn, v, p)
}

func minimum[K any, V any](txn *stm.Txn, n *node[K, V]) (*node[K, V], error) {
	for {
		left, err := n.getLeft(txn)
		if err != nil {
			return nil, err
		}
		if left == nil {
			return n, nil
		}
		n = left
	}
}

// Delete removes key, or fails with ErrKeyNotFound. It implements standard
// CLRS red-black deletion: splice out the node (or its in-order successor
// if it has two children), then rebalance from the point of removal if a
// black node was removed.
func (t *Tree[K, V]) Delete(txn *stm.Txn, key K) error {
	z, err := t.findNode(txn, key)
	if err != nil {
		return err
	}
	if z == nil {
		return stm.ErrKeyNotFound
	}

	y := z
	yWasRed, err := isRed(txn, y)
	if err != nil {
		return err
	}
	var x, xParent *node[K, V]

	zLeft, err := z.getLeft(txn)
	if err != nil {
		return err
	}
	zRight, err := z.getRight(txn)
	if err != nil {
		return err
	}

	switch {
	case zLeft == nil:
		x = zRight
		xParent, err = z.getParent(txn)
		if err != nil {
			return err
		}
		if err := t.transplant(txn, z, zRight); err != nil {
			return err
		}
	case zRight == nil:
		x = zLeft
		xParent, err = z.getParent(txn)
		if err != nil {
			return err
		}
		if err := t.transplant(txn, z, zLeft); err != nil {
			return err
		}
	default:
		y, err = minimum(txn, zRight)
		if err != nil {
			return err
		}
		yWasRed, err = isRed(txn, y)
		if err != nil {
			return err
		}
		x, err = y.getRight(txn)
		if err != nil {
			return err
		}
		yParent, err := y.getParent(txn)
		if err != nil {
			return err
		}
		if yParent == z {
			xParent = y
		} else {
			xParent = yParent
			if err := t.transplant(txn, y, x); err != nil {
				return err
			}
			if err := y.setRight(txn, zRight); err != nil {
				return err
			}
			if err := setParentOfChild(txn, zRight, y); err != nil {
				return err
			}
		}
		if err := t.transplant(txn, z, y); err != nil {
			return err
		}
		if err := y.setLeft(txn, zLeft); err != nil {
			return err
		}
		if err := setParentOfChild(txn, zLeft, y); err != nil {
			return err
		}
		zRed, err := isRed(txn, z)
		if err != nil {
			return err
		}
		if err := setRed(txn, y, zRed); err != nil {
			return err
		}
	}

	if !yWasRed {
		return t.deleteFixup(txn, x, xParent)
	}
	return nil
}

// deleteFixup restores the red-black invariants after removing a black
// node, x being its (possibly nil) replacement and xParent the parent x
// now sits under — CLRS represents x's missing "extra black" with a nil
// sentinel carrying a parent, which is why xParent is threaded through
// explicitly rather than read from x itself.
func (t *Tree[K, V]) deleteFixup(txn *stm.Txn, x, xParent *node[K, V]) error {
	for {
		root, err := t.getRoot(txn)
		if err != nil {
			return err
		}
		if x == root {
			break
		}
		xRed, err := isRed(txn, x)
		if err != nil {
			return err
		}
		if xRed {
			break
		}
		if xParent == nil {
			break
		}
		xpLeft, err := xParent.getLeft(txn)
		if err != nil {
			return err
		}
		if x == xpLeft {
			w, err := xParent.getRight(txn)
			if err != nil {
				return err
			}
			wRed, err := isRed(txn, w)
			if err != nil {
				return err
			}
			if wRed {
				if err := setRed(txn, w, false); err != nil {
					return err
				}
				if err := setRed(txn, xParent, true); err != nil {
					return err
				}
				if err := t.leftRotate(txn, xParent); err != nil {
					return err
				}
				w, err = xParent.getRight(txn)
				if err != nil {
					return err
				}
			}
			wLeft, err := w.getLeft(txn)
			if err != nil {
				return err
			}
			wRight, err := w.getRight(txn)
			if err != nil {
				return err
			}
			wLeftRed, err := isRed(txn, wLeft)
			if err != nil {
				return err
			}
			wRightRed, err := isRed(txn, wRight)
			if err != nil {
				return err
			}
			if !wLeftRed && !wRightRed {
				if err := setRed(txn, w, true); err != nil {
					return err
				}
				x = xParent
				xParent, err = x.getParent(txn)
				if err != nil {
					return err
				}
				continue
			}
			if !wRightRed {
				if err := setRed(txn, wLeft, false); err != nil {
					return err
				}
				if err := setRed(txn, w, true); err != nil {
					return err
				}
				if err := t.rightRotate(txn, w); err != nil {
					return err
				}
				w, err = xParent.getRight(txn)
				if err != nil {
					return err
				}
			}
			xpRed, err := isRed(txn, xParent)
			if err != nil {
				return err
			}
			if err := setRed(txn, w, xpRed); err != nil {
				return err
			}
			if err := setRed(txn, xParent, false); err != nil {
				return err
			}
			wRight, err = w.getRight(txn)
			if err != nil {
				return err
			}
			if err := setRed(txn, wRight, false); err != nil {
				return err
			}
			if err := t.leftRotate(txn, xParent); err != nil {
				return err
			}
			x, err = t.getRoot(txn)
			if err != nil {
				return err
			}
		} else {
			w, err := xParent.getLeft(txn)
			if err != nil {
				return err
			}
			wRed, err := isRed(txn, w)
			if err != nil {
				return err
			}
			if wRed {
				if err := setRed(txn, w, false); err != nil {
					return err
				}
				if err := setRed(txn, xParent, true); err != nil {
					return err
				}
				if err := t.rightRotate(txn, xParent); err != nil {
					return err
				}
				w, err = xParent.getLeft(txn)
				if err != nil {
					return err
				}
			}
			wLeft, err := w.getLeft(txn)
			if err != nil {
				return err
			}
			wRight, err := w.getRight(txn)
			if err != nil {
				return err
			}
			wLeftRed, err := isRed(txn, wLeft)
			if err != nil {
				return err
			}
			wRightRed, err := isRed(txn, wRight)
			if err != nil {
				return err
			}
			if !wLeftRed && !wRightRed {
				if err := setRed(txn, w, true); err != nil {
					return err
				}
				x = xParent
				xParent, err = x.getParent(txn)
				if err != nil {
					return err
				}
				continue
			}
			if !wLeftRed {
				if err := setRed(txn, wRight, false); err != nil {
					return err
				}
				if err := setRed(txn, w, true); err != nil {
					return err
				}
				if err := t.leftRotate(txn, w); err != nil {
					return err
				}
				w, err = xParent.getLeft(txn)
				if err != nil {
					return err
				}
			}
			xpRed, err := isRed(txn, xParent)
			if err != nil {
				return err
			}
			if err := setRed(txn, w, xpRed); err != nil {
				return err
			}
			if err := setRed(txn, xParent, false); err != nil {
				return err
			}
			wLeft, err = w.getLeft(txn)
			if err != nil {
				return err
			}
			if err := setRed(txn, wLeft, false); err != nil {
				return err
			}
			if err := t.rightRotate(txn, xParent); err != nil {
				return err
			}
			x, err = t.getRoot(txn)
			if err != nil {
				return err
			}
		}
	}
	return setRed(txn, x, false)
}

// InOrder calls fn for every key/value pair in ascending order, stopping
// and returning fn's error if it returns one.
func (t *Tree[K, V]) InOrder(txn *stm.Txn, fn func(key K, value V) error) error {
	root, err := t.getRoot(txn)
	if err != nil {
		return err
	}
	return inOrderWalk(txn, root, fn)
}

func inOrderWalk[K any, V any](txn *stm.Txn, n *node[K, V], fn func(key K, value V) error) error {
	if n == nil {
		return nil
	}
	left, err := n.getLeft(txn)
	if err != nil {
		return err
	}
	if err := inOrderWalk(txn, left, fn); err != nil {
		return err
	}
	val, err := n.value.Read(txn)
	if err != nil {
		return err
	}
	if err := fn(n.key, val); err != nil {
		return err
	}
	right, err := n.getRight(txn)
	if err != nil {
		return err
	}
	return inOrderWalk(txn, right, fn)
}

// Keys returns every key in ascending order.
func (t *Tree[K, V]) Keys(txn *stm.Txn) ([]K, error) {
	var keys []K
	err := t.InOrder(txn, func(key K, _ V) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}
