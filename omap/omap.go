/*
Package omap is an ordered map from byte string keys to allocator-aware
values, stored entirely inside a region.

The map is an AVL tree. Every entry is its own allocation (links, the
key and the value slot), so an entry never moves once inserted and
handles on it stay valid until it is erased. Keys are ordered byte-wise.

The map does no locking. Callers sharing it between processes hold the
region's lock around every operation.
*/
package omap

import (
	"unsafe"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/consts"
	"github.com/timtadh/shmkv/dynamic"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/scoped"
)

type ctrl struct {
	flags consts.Flag
	_     uint32
	root  uint64
	len   uint64
}

// HeaderSize is the footprint of a map in its slot.
const HeaderSize = 24

type node struct {
	left   uint64
	right  uint64
	height uint32
	flags  consts.Flag
}

const (
	nodeSize = 24
	keyOff   = nodeSize
	valueOff = keyOff + dynamic.HeaderSize
)

func init() {
	var c ctrl
	var n node
	if unsafe.Sizeof(c) != HeaderSize {
		panic("the map ctrl was an unexpected size")
	}
	if unsafe.Sizeof(n) != nodeSize {
		panic("the map node was an unexpected size")
	}
}

// Map is a handle on a map whose values are described by vt. The
// Adapter of the handle is passed to every key and value built into
// the map.
type Map[H any] struct {
	s     scoped.Adapter
	at    alloc.Offset
	vt    scoped.Type[H]
	owned bool
}

type Iterator[H any] func() ([]byte, H, error, Iterator[H])

// Ctor builds an empty map.
func Ctor(s scoped.Adapter, at alloc.Offset) error {
	return alloc.Resolve(s.Allocator(), at, func(c *ctrl) error {
		*c = ctrl{flags: consts.MAP_CTRL}
		return nil
	})
}

// Dtor destroys every entry of a map holding values of type vt.
func Dtor[H any](vt scoped.Type[H]) scoped.Dtor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		return At(s, at, vt).Clear()
	}
}

// At is the handle on the map in the slot at.
func At[H any](s scoped.Adapter, at alloc.Offset, vt scoped.Type[H]) *Map[H] {
	return &Map[H]{s: s, at: at, vt: vt}
}

// New builds a standalone map.
func New[H any](s scoped.Adapter, vt scoped.Type[H]) (*Map[H], error) {
	at, err := s.New(HeaderSize, Ctor)
	if err != nil {
		return nil, err
	}
	return &Map[H]{s: s, at: at, vt: vt, owned: true}, nil
}

// Destroy releases a map made by New along with all its entries.
func (self *Map[H]) Destroy() error {
	if !self.owned {
		return errors.Errorf("map at %v is owned by its container", self.at)
	}
	return self.s.Delete(self.at, HeaderSize, Dtor(self.vt))
}

func (self *Map[H]) Adapter() scoped.Adapter {
	return self.s
}

func (self *Map[H]) Offset() alloc.Offset {
	return self.at
}

func (self *Map[H]) doCtrl(do func(*ctrl) error) error {
	if !self.s.Bound() {
		return errors.Wrapf(errors.AllocatorMismatch, "map handle has no allocator")
	}
	return alloc.Resolve(self.s.Allocator(), self.at, func(c *ctrl) error {
		if c.flags != consts.MAP_CTRL {
			return errors.Wrapf(errors.Corrupt, "no map at %v (flags %v)", self.at, c.flags)
		}
		return do(c)
	})
}

func (self *Map[H]) root() (root uint64, err error) {
	err = self.doCtrl(func(c *ctrl) error {
		root = c.root
		return nil
	})
	return root, err
}

func (self *Map[H]) Len() (n int, err error) {
	err = self.doCtrl(func(c *ctrl) error {
		n = int(c.len)
		return nil
	})
	return n, err
}

func (self *Map[H]) footprint() uint64 {
	return valueOff + self.vt.Footprint()
}

func (self *Map[H]) value(n uint64) H {
	return self.vt.Handle(self.s, alloc.Offset(n).Add(valueOff))
}

func (self *Map[H]) key(n uint64) dynamic.String {
	return dynamic.StringAt(self.s, alloc.Offset(n).Add(keyOff))
}

// Lookup finds the value under key without changing the map.
func (self *Map[H]) Lookup(key []byte) (v H, has bool, err error) {
	n, err := self.find(key)
	if err != nil || n == 0 {
		return v, false, err
	}
	return self.value(n), true, nil
}

// At is the value under key. It fails with errors.KeyNotFound when the
// key is absent.
func (self *Map[H]) At(key []byte) (v H, err error) {
	n, err := self.find(key)
	if err != nil {
		return v, err
	}
	if n == 0 {
		return v, errors.Wrapf(errors.KeyNotFound, "%q", key)
	}
	return self.value(n), nil
}

func (self *Map[H]) Has(key []byte) (bool, error) {
	n, err := self.find(key)
	return n != 0, err
}

func (self *Map[H]) find(key []byte) (uint64, error) {
	cur, err := self.root()
	if err != nil {
		return 0, err
	}
	for cur != 0 {
		c, err := self.key(cur).Compare(key)
		if err != nil {
			return 0, err
		}
		if c == 0 {
			return cur, nil
		}
		n, err := self.load(cur)
		if err != nil {
			return 0, err
		}
		if c > 0 {
			cur = n.left
		} else {
			cur = n.right
		}
	}
	return 0, nil
}

// Emplace builds a candidate entry from key and ctor and inserts it if
// key is absent. When key is present the candidate is destroyed, the
// existing value is returned and inserted is false. ctor runs with the
// map's Adapter.
func (self *Map[H]) Emplace(key []byte, ctor scoped.Ctor) (v H, inserted bool, err error) {
	n, inserted, err := self.emplace(key, ctor)
	if err != nil {
		return v, false, err
	}
	return self.value(n), inserted, nil
}

func (self *Map[H]) emplace(key []byte, ctor scoped.Ctor) (uint64, bool, error) {
	root, err := self.root()
	if err != nil {
		return 0, false, err
	}
	cand, err := self.s.New(self.footprint(), self.nodeCtor(key, ctor))
	if err != nil {
		return 0, false, err
	}
	n := uint64(cand)
	root, existing, err := self.insert(root, n, key)
	if err == nil && existing != 0 {
		err = self.s.Delete(cand, self.footprint(), self.nodeDtor)
		if err != nil {
			return 0, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		if e := self.s.Delete(cand, self.footprint(), self.nodeDtor); e != nil {
			return 0, false, e
		}
		return 0, false, err
	}
	err = self.doCtrl(func(c *ctrl) error {
		c.root = root
		c.len++
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Upsert stores the value built by ctor under key. An existing value
// is destroyed and the new one is built in its place, so handles on
// the entry remain valid. replaced reports whether there was one. If
// building the replacement fails the entry is erased rather than left
// half built.
func (self *Map[H]) Upsert(key []byte, ctor scoped.Ctor) (v H, replaced bool, err error) {
	n, err := self.find(key)
	if err != nil {
		return v, false, err
	}
	if n == 0 {
		n, _, err = self.emplace(key, ctor)
		if err != nil {
			return v, false, err
		}
		return self.value(n), false, nil
	}
	at := alloc.Offset(n).Add(valueOff)
	if err := self.s.Destroy(at, self.vt.Destroy); err != nil {
		return v, false, err
	}
	if err := self.s.Construct(at, ctor); err != nil {
		if _, e := self.Erase(key); e != nil {
			return v, false, e
		}
		return v, false, err
	}
	return self.value(n), true, nil
}

// Assign stores the value built by ctor under key. Unlike Upsert the
// replacement is built before the existing value is destroyed, so on
// failure the map is unchanged.
func (self *Map[H]) Assign(key []byte, ctor scoped.Ctor) (v H, err error) {
	n, err := self.find(key)
	if err != nil {
		return v, err
	}
	if n == 0 {
		n, _, err = self.emplace(key, ctor)
		if err != nil {
			return v, err
		}
		return self.value(n), nil
	}
	size := self.vt.Footprint()
	tmp, err := self.s.New(size, ctor)
	if err != nil {
		return v, err
	}
	at := alloc.Offset(n).Add(valueOff)
	if err := self.s.Destroy(at, self.vt.Destroy); err != nil {
		if e := self.s.Delete(tmp, size, self.vt.Destroy); e != nil {
			return v, e
		}
		return v, err
	}
	// values hold only region offsets so their bytes relocate as is
	err = self.s.Do(tmp, size, func(src []byte) error {
		return self.s.Do(at, size, func(dst []byte) error {
			copy(dst, src)
			return nil
		})
	})
	if err != nil {
		if e := self.abandon(key, tmp, size); e != nil {
			return v, e
		}
		return v, err
	}
	if err := self.s.Deallocate(tmp, size); err != nil {
		return v, err
	}
	return self.value(n), nil
}

// abandon releases a replacement built aside at tmp and erases key,
// whose value has already been destroyed.
func (self *Map[H]) abandon(key []byte, tmp alloc.Offset, size uint64) error {
	if err := self.s.Delete(tmp, size, self.vt.Destroy); err != nil {
		return err
	}
	_, err := self.Erase(key)
	return err
}

// Erase removes key and destroys its entry. It reports whether the key
// was present.
func (self *Map[H]) Erase(key []byte) (bool, error) {
	root, err := self.root()
	if err != nil {
		return false, err
	}
	root, removed, err := self.remove(root, key)
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}
	err = self.doCtrl(func(c *ctrl) error {
		c.root = root
		c.len--
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, self.s.Delete(alloc.Offset(removed), self.footprint(), self.nodeDtor)
}

// Clear erases every entry.
func (self *Map[H]) Clear() error {
	root, err := self.root()
	if err != nil {
		return err
	}
	if err := self.destroyTree(root); err != nil {
		return err
	}
	return self.doCtrl(func(c *ctrl) error {
		c.root = 0
		c.len = 0
		return nil
	})
}

func (self *Map[H]) destroyTree(n uint64) error {
	if n == 0 {
		return nil
	}
	nd, err := self.load(n)
	if err != nil {
		return err
	}
	if err := self.destroyTree(nd.left); err != nil {
		return err
	}
	if err := self.destroyTree(nd.right); err != nil {
		return err
	}
	return self.s.Delete(alloc.Offset(n), self.footprint(), self.nodeDtor)
}

// Iterate walks the entries in key order. The map must not be changed
// while the iterator is in use.
func (self *Map[H]) Iterate() (it Iterator[H], err error) {
	var stack []uint64
	push := func(n uint64) error {
		for n != 0 {
			stack = append(stack, n)
			nd, err := self.load(n)
			if err != nil {
				return err
			}
			n = nd.left
		}
		return nil
	}
	root, err := self.root()
	if err != nil {
		return nil, err
	}
	if err := push(root); err != nil {
		return nil, err
	}
	it = func() (key []byte, v H, err error, _ Iterator[H]) {
		if len(stack) == 0 {
			return nil, v, nil, nil
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nd, err := self.load(n)
		if err != nil {
			return nil, v, err, nil
		}
		if err := push(nd.right); err != nil {
			return nil, v, err, nil
		}
		key, err = self.key(n).Bytes()
		if err != nil {
			return nil, v, err, nil
		}
		return key, self.value(n), nil, it
	}
	return it, nil
}

// Do calls do on every entry in key order.
func (self *Map[H]) Do(do func(key []byte, v H) error) error {
	it, err := self.Iterate()
	if err != nil {
		return err
	}
	var key []byte
	var v H
	for key, v, err, it = it(); it != nil; key, v, err, it = it() {
		if e := do(key, v); e != nil {
			return e
		}
	}
	return err
}

func (self *Map[H]) nodeCtor(key []byte, ctor scoped.Ctor) scoped.Ctor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		return s.Seq(at,
			scoped.Field{
				Off: 0,
				Ctor: func(s scoped.Adapter, at alloc.Offset) error {
					return alloc.Resolve(s.Allocator(), at, func(n *node) error {
						*n = node{height: 1, flags: consts.MAP_NODE}
						return nil
					})
				},
			},
			scoped.Field{Off: keyOff, Ctor: dynamic.Ctor(key), Dtor: dynamic.Dtor},
			scoped.Field{Off: valueOff, Ctor: ctor, Dtor: self.vt.Destroy},
		)
	}
}

func (self *Map[H]) nodeDtor(s scoped.Adapter, at alloc.Offset) error {
	if err := self.vt.Destroy(s, at.Add(valueOff)); err != nil {
		return err
	}
	return dynamic.Dtor(s, at.Add(keyOff))
}
