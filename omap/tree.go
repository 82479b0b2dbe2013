package omap

import (
	"bytes"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/consts"
	"github.com/timtadh/shmkv/errors"
)

func (self *Map[H]) doNode(n uint64, do func(*node) error) error {
	return alloc.Resolve(self.s.Allocator(), alloc.Offset(n), func(nd *node) error {
		if nd.flags != consts.MAP_NODE {
			return errors.Wrapf(errors.Corrupt, "no map node at %#x (flags %v)", n, nd.flags)
		}
		return do(nd)
	})
}

func (self *Map[H]) load(n uint64) (nd node, err error) {
	err = self.doNode(n, func(p *node) error {
		nd = *p
		return nil
	})
	return nd, err
}

func (self *Map[H]) store(n uint64, nd node) error {
	return self.doNode(n, func(p *node) error {
		*p = nd
		return nil
	})
}

func (self *Map[H]) height(n uint64) (int, error) {
	if n == 0 {
		return 0, nil
	}
	nd, err := self.load(n)
	return int(nd.height), err
}

func (self *Map[H]) heights(nd node) (l, r int, err error) {
	l, err = self.height(nd.left)
	if err != nil {
		return 0, 0, err
	}
	r, err = self.height(nd.right)
	return l, r, err
}

func (self *Map[H]) fix(n uint64) error {
	nd, err := self.load(n)
	if err != nil {
		return err
	}
	l, r, err := self.heights(nd)
	if err != nil {
		return err
	}
	nd.height = uint32(max(l, r) + 1)
	return self.store(n, nd)
}

func (self *Map[H]) rotateRight(y uint64) (uint64, error) {
	yn, err := self.load(y)
	if err != nil {
		return 0, err
	}
	x := yn.left
	xn, err := self.load(x)
	if err != nil {
		return 0, err
	}
	yn.left = xn.right
	if err := self.store(y, yn); err != nil {
		return 0, err
	}
	if err := self.fix(y); err != nil {
		return 0, err
	}
	xn.right = y
	if err := self.store(x, xn); err != nil {
		return 0, err
	}
	return x, self.fix(x)
}

func (self *Map[H]) rotateLeft(x uint64) (uint64, error) {
	xn, err := self.load(x)
	if err != nil {
		return 0, err
	}
	y := xn.right
	yn, err := self.load(y)
	if err != nil {
		return 0, err
	}
	xn.right = yn.left
	if err := self.store(x, xn); err != nil {
		return 0, err
	}
	if err := self.fix(x); err != nil {
		return 0, err
	}
	yn.left = x
	if err := self.store(y, yn); err != nil {
		return 0, err
	}
	return y, self.fix(y)
}

// balance restores the AVL invariant at n after one of its subtrees
// changed height by one, returning the new root of the subtree.
func (self *Map[H]) balance(n uint64) (uint64, error) {
	nd, err := self.load(n)
	if err != nil {
		return 0, err
	}
	l, r, err := self.heights(nd)
	if err != nil {
		return 0, err
	}
	switch {
	case l-r > 1:
		ln, err := self.load(nd.left)
		if err != nil {
			return 0, err
		}
		ll, lr, err := self.heights(ln)
		if err != nil {
			return 0, err
		}
		if ll < lr {
			if nd.left, err = self.rotateLeft(nd.left); err != nil {
				return 0, err
			}
			if err := self.store(n, nd); err != nil {
				return 0, err
			}
		}
		return self.rotateRight(n)
	case r-l > 1:
		rn, err := self.load(nd.right)
		if err != nil {
			return 0, err
		}
		rl, rr, err := self.heights(rn)
		if err != nil {
			return 0, err
		}
		if rr < rl {
			if nd.right, err = self.rotateRight(nd.right); err != nil {
				return 0, err
			}
			if err := self.store(n, nd); err != nil {
				return 0, err
			}
		}
		return self.rotateLeft(n)
	}
	nd.height = uint32(max(l, r) + 1)
	return n, self.store(n, nd)
}

// insert links the node n under key into the subtree at root. If the
// key is already present nothing changes and the existing node is
// returned.
func (self *Map[H]) insert(root, n uint64, key []byte) (newRoot, existing uint64, err error) {
	if root == 0 {
		return n, 0, nil
	}
	c, err := self.key(root).Compare(key)
	if err != nil {
		return 0, 0, err
	}
	if c == 0 {
		return root, root, nil
	}
	nd, err := self.load(root)
	if err != nil {
		return 0, 0, err
	}
	if c > 0 {
		child, existing, err := self.insert(nd.left, n, key)
		if err != nil || existing != 0 {
			return root, existing, err
		}
		nd.left = child
	} else {
		child, existing, err := self.insert(nd.right, n, key)
		if err != nil || existing != 0 {
			return root, existing, err
		}
		nd.right = child
	}
	if err := self.store(root, nd); err != nil {
		return 0, 0, err
	}
	newRoot, err = self.balance(root)
	return newRoot, 0, err
}

// remove unlinks the node under key from the subtree at root. removed
// is 0 when the key is absent.
func (self *Map[H]) remove(root uint64, key []byte) (newRoot, removed uint64, err error) {
	if root == 0 {
		return 0, 0, nil
	}
	c, err := self.key(root).Compare(key)
	if err != nil {
		return 0, 0, err
	}
	nd, err := self.load(root)
	if err != nil {
		return 0, 0, err
	}
	switch {
	case c > 0:
		child, removed, err := self.remove(nd.left, key)
		if err != nil || removed == 0 {
			return root, 0, err
		}
		nd.left = child
		if err := self.store(root, nd); err != nil {
			return 0, 0, err
		}
		newRoot, err = self.balance(root)
		return newRoot, removed, err
	case c < 0:
		child, removed, err := self.remove(nd.right, key)
		if err != nil || removed == 0 {
			return root, 0, err
		}
		nd.right = child
		if err := self.store(root, nd); err != nil {
			return 0, 0, err
		}
		newRoot, err = self.balance(root)
		return newRoot, removed, err
	}
	if nd.left == 0 {
		return nd.right, root, nil
	}
	if nd.right == 0 {
		return nd.left, root, nil
	}
	// the successor takes root's place; entries are relinked, never moved
	right, succ, err := self.removeMin(nd.right)
	if err != nil {
		return 0, 0, err
	}
	sn, err := self.load(succ)
	if err != nil {
		return 0, 0, err
	}
	sn.left = nd.left
	sn.right = right
	if err := self.store(succ, sn); err != nil {
		return 0, 0, err
	}
	newRoot, err = self.balance(succ)
	return newRoot, root, err
}

func (self *Map[H]) removeMin(n uint64) (newRoot, min uint64, err error) {
	nd, err := self.load(n)
	if err != nil {
		return 0, 0, err
	}
	if nd.left == 0 {
		return nd.right, n, nil
	}
	left, min, err := self.removeMin(nd.left)
	if err != nil {
		return 0, 0, err
	}
	nd.left = left
	if err := self.store(n, nd); err != nil {
		return 0, 0, err
	}
	newRoot, err = self.balance(n)
	return newRoot, min, err
}

// Verify checks the ordering, balance and recorded heights of every
// node and that the entry count matches.
func (self *Map[H]) Verify() error {
	root, err := self.root()
	if err != nil {
		return err
	}
	count, _, err := self.verify(root, nil, nil)
	if err != nil {
		return err
	}
	n, err := self.Len()
	if err != nil {
		return err
	}
	if count != n {
		return errors.Errorf("map holds %d entries but records %d", count, n)
	}
	return nil
}

func (self *Map[H]) verify(n uint64, lo, hi []byte) (count, height int, err error) {
	if n == 0 {
		return 0, 0, nil
	}
	nd, err := self.load(n)
	if err != nil {
		return 0, 0, err
	}
	key, err := self.key(n).Bytes()
	if err != nil {
		return 0, 0, err
	}
	if lo != nil && bytes.Compare(key, lo) <= 0 {
		return 0, 0, errors.Errorf("key %q is out of order (<= %q)", key, lo)
	}
	if hi != nil && bytes.Compare(key, hi) >= 0 {
		return 0, 0, errors.Errorf("key %q is out of order (>= %q)", key, hi)
	}
	lc, lh, err := self.verify(nd.left, lo, key)
	if err != nil {
		return 0, 0, err
	}
	rc, rh, err := self.verify(nd.right, key, hi)
	if err != nil {
		return 0, 0, err
	}
	if lh-rh > 1 || rh-lh > 1 {
		return 0, 0, errors.Errorf("node %q is unbalanced (%d, %d)", key, lh, rh)
	}
	height = max(lh, rh) + 1
	if int(nd.height) != height {
		return 0, 0, errors.Errorf("node %q records height %d but is %d", key, nd.height, height)
	}
	return lc + rc + 1, height, nil
}
