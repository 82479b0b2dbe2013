/*
Package segment manages a region as a heap with a directory of named
objects, the way a process finds the structures other processes built
in a shared region.

The directory is a linked list of entries stored in the region. Its
head and length live in the region header's Control block. Each entry
records the name, the Offset and size of the object, and links to the
next entry.

FindOrCreate is serialized within a process. Processes sharing a
segment hold the region's lock around it (and around everything else
that changes the segment).
*/
package segment

import (
	"sync"
	"unsafe"
)

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/consts"
	"github.com/timtadh/shmkv/dynamic"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/region"
	"github.com/timtadh/shmkv/scoped"
)

type entry struct {
	flags consts.Flag
	_     uint32
	next  uint64
	obj   uint64
	size  uint64
}

const (
	entryHdrSize = 32
	nameOff      = entryHdrSize
	entrySize    = entryHdrSize + dynamic.HeaderSize
)

func init() {
	var e entry
	if unsafe.Sizeof(e) != entryHdrSize {
		panic("the directory entry was an unexpected size")
	}
}

type options struct {
	logger log.Logger
}

type Option func(*options)

func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type Segment struct {
	r      *region.Region
	a      alloc.Allocator
	mu     sync.Mutex
	logger log.Logger
}

// Open maps the segment stored at path, creating it with size bytes if
// it does not exist. See region.OpenOrCreate.
func Open(path string, size uint64, opts ...Option) (*Segment, error) {
	o := build(opts)
	r, err := region.OpenOrCreate(path, size, region.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	return newSegment(r, o), nil
}

// Anonymous creates a segment backed by no file.
func Anonymous(size uint64, opts ...Option) (*Segment, error) {
	o := build(opts)
	r, err := region.Anonymous(size, region.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	return newSegment(r, o), nil
}

func build(opts []Option) *options {
	o := &options{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newSegment(r *region.Region, o *options) *Segment {
	return &Segment{
		r:      r,
		a:      alloc.New(r),
		logger: log.With(o.logger, "segment", r.ID()),
	}
}

func (self *Segment) Region() *region.Region {
	return self.r
}

func (self *Segment) Allocator() alloc.Allocator {
	return self.a
}

// Adapter is the segment's allocator wrapped for scoped construction.
func (self *Segment) Adapter() scoped.Adapter {
	return scoped.Scoped(self.a)
}

func (self *Segment) Logger() log.Logger {
	return self.logger
}

// FindOrCreate returns the object named name, building it with ctor in
// a fresh slot of size bytes if there is none. created reports whether
// this call built it. An existing object of a different size is an
// error.
func (self *Segment) FindOrCreate(name string, size uint64, ctor scoped.Ctor) (obj alloc.Offset, created bool, err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	e, _, err := self.find(name)
	if err != nil {
		return 0, false, err
	}
	if e != 0 {
		var have entry
		if err := self.doEntry(e, func(x *entry) error { have = *x; return nil }); err != nil {
			return 0, false, err
		}
		if have.size != size {
			return 0, false, errors.Errorf("named object %q holds %d bytes, not %d", name, have.size, size)
		}
		level.Debug(self.logger).Log("msg", "found named object", "name", name, "offset", alloc.Offset(have.obj))
		return alloc.Offset(have.obj), false, nil
	}
	s := self.Adapter()
	at, err := s.New(entrySize, entryCtor(name, size))
	if err != nil {
		return 0, false, err
	}
	obj, err = s.New(size, ctor)
	if err != nil {
		if e := s.Delete(at, entrySize, entryDtor); e != nil {
			return 0, false, e
		}
		return 0, false, err
	}
	err = self.r.Control(func(c *region.Control) error {
		err := self.doEntry(uint64(at), func(x *entry) error {
			x.obj = uint64(obj)
			x.next = c.NamesHead
			return nil
		})
		if err != nil {
			return err
		}
		c.NamesHead = uint64(at)
		c.NamesLen++
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	level.Info(self.logger).Log("msg", "created named object", "name", name, "size", size, "offset", obj)
	return obj, true, nil
}

// Find returns the object named name, or errors.KeyNotFound.
func (self *Segment) Find(name string) (alloc.Offset, uint64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	e, _, err := self.find(name)
	if err != nil {
		return 0, 0, err
	}
	if e == 0 {
		return 0, 0, errors.Wrapf(errors.KeyNotFound, "no object named %q", name)
	}
	var have entry
	err = self.doEntry(e, func(x *entry) error {
		have = *x
		return nil
	})
	return alloc.Offset(have.obj), have.size, err
}

// Destroy runs dtor on the object named name and releases it along
// with its directory entry.
func (self *Segment) Destroy(name string, dtor scoped.Dtor) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	e, prev, err := self.find(name)
	if err != nil {
		return err
	}
	if e == 0 {
		return errors.Wrapf(errors.KeyNotFound, "no object named %q", name)
	}
	var have entry
	if err := self.doEntry(e, func(x *entry) error { have = *x; return nil }); err != nil {
		return err
	}
	err = self.r.Control(func(c *region.Control) error {
		c.NamesLen--
		if prev == 0 {
			c.NamesHead = have.next
			return nil
		}
		return self.doEntry(prev, func(x *entry) error {
			x.next = have.next
			return nil
		})
	})
	if err != nil {
		return err
	}
	s := self.Adapter()
	if dtor == nil {
		dtor = func(scoped.Adapter, alloc.Offset) error { return nil }
	}
	if err := s.Delete(alloc.Offset(have.obj), have.size, dtor); err != nil {
		return err
	}
	if err := s.Delete(alloc.Offset(e), entrySize, entryDtor); err != nil {
		return err
	}
	level.Info(self.logger).Log("msg", "destroyed named object", "name", name)
	return nil
}

// Names lists the named objects, most recently created first.
func (self *Segment) Names() (names []string, err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	err = self.walk(func(e uint64, _ *entry) (bool, error) {
		name, err := self.name(e)
		if err != nil {
			return false, err
		}
		names = append(names, name)
		return false, nil
	})
	return names, err
}

func (self *Segment) find(name string) (e, prev uint64, err error) {
	var last uint64
	err = self.walk(func(cur uint64, x *entry) (bool, error) {
		c, err := dynamic.StringAt(self.Adapter(), alloc.Offset(cur).Add(nameOff)).Compare([]byte(name))
		if err != nil {
			return false, err
		}
		if c == 0 {
			e, prev = cur, last
			return true, nil
		}
		last = cur
		return false, nil
	})
	return e, prev, err
}

func (self *Segment) walk(do func(e uint64, x *entry) (stop bool, err error)) error {
	var head, count uint64
	err := self.r.Control(func(c *region.Control) error {
		head, count = c.NamesHead, c.NamesLen
		return nil
	})
	if err != nil {
		return err
	}
	var seen uint64
	for cur := head; cur != 0; seen++ {
		if seen >= count {
			return errors.Wrapf(errors.Corrupt, "directory is longer than its recorded %d entries", count)
		}
		var x entry
		if err := self.doEntry(cur, func(p *entry) error { x = *p; return nil }); err != nil {
			return err
		}
		stop, err := do(cur, &x)
		if err != nil || stop {
			return err
		}
		cur = x.next
	}
	return nil
}

func (self *Segment) name(e uint64) (string, error) {
	return dynamic.StringAt(self.Adapter(), alloc.Offset(e).Add(nameOff)).Value()
}

func (self *Segment) doEntry(e uint64, do func(*entry) error) error {
	return alloc.Resolve(self.a, alloc.Offset(e), func(x *entry) error {
		if x.flags != consts.NAMED_ENTRY {
			return errors.Wrapf(errors.Corrupt, "no directory entry at %#x (flags %v)", e, x.flags)
		}
		return do(x)
	})
}

func entryCtor(name string, size uint64) scoped.Ctor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		return s.Seq(at,
			scoped.Field{
				Off: 0,
				Ctor: func(s scoped.Adapter, at alloc.Offset) error {
					return alloc.Resolve(s.Allocator(), at, func(x *entry) error {
						*x = entry{flags: consts.NAMED_ENTRY, size: size}
						return nil
					})
				},
			},
			scoped.Field{Off: nameOff, Ctor: dynamic.Ctor([]byte(name)), Dtor: dynamic.Dtor},
		)
	}
}

func entryDtor(s scoped.Adapter, at alloc.Offset) error {
	return dynamic.Dtor(s, at.Add(nameOff))
}

type Stats struct {
	alloc.Stats
	Named uint64
}

func (self *Segment) Stats() (s Stats, err error) {
	s.Stats, err = self.a.Stats()
	if err != nil {
		return s, err
	}
	err = self.r.Control(func(c *region.Control) error {
		s.Named = c.NamesLen
		return nil
	})
	return s, err
}

// Sync flushes a file backed segment to its file.
func (self *Segment) Sync() error {
	return self.r.Sync()
}

func (self *Segment) Close() error {
	return self.r.Close()
}

// Remove deletes the segment's file. The segment must be closed.
func (self *Segment) Remove() error {
	return self.r.Remove()
}
