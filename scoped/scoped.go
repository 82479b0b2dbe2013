/*
Scoped allocation

Values stored in a region that own memory of their own (strings,
buffers, records holding buffers, map entries holding all of those) are
allocator-aware: they must be built with the allocator of the region
they live in, and so must everything nested inside them.

Rather than asking every caller to hand the right allocator to every
level, construction goes through an Adapter. A constructor is a Ctor,
a function of the Adapter and the Offset of the slot to build into. A
container never lets its caller pick the allocator for an element: it
runs the element's Ctor with s.Construct, which passes the container's
own Adapter down. The element does the same for its fields. There is no
way to build an allocator-aware value without an Adapter, and the zero
Adapter refuses to construct anything, so forgetting to propagate the
allocator is an error at construction time rather than a value anchored
in the wrong place.

A Ctor that fails must leave nothing allocated behind it.
*/
package scoped

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/errors"
)

type Adapter struct {
	a alloc.Allocator
}

// Ctor builds a value in the slot at. It receives the Adapter of the
// container it is being built for.
type Ctor func(s Adapter, at alloc.Offset) error

// Dtor releases everything a value at "at" owns. It does not release
// the slot itself.
type Dtor func(s Adapter, at alloc.Offset) error

// Aware is implemented by handles on allocator-aware values.
type Aware interface {
	Adapter() Adapter
}

// Type describes an allocator-aware type to generic containers: how
// much room a value takes in its slot, how to destroy one and how to
// get a handle on one.
type Type[H any] interface {
	Footprint() uint64
	Destroy(s Adapter, at alloc.Offset) error
	Handle(s Adapter, at alloc.Offset) H
}

func Scoped(a alloc.Allocator) Adapter {
	return Adapter{a: a}
}

func (s Adapter) Allocator() alloc.Allocator {
	return s.a
}

func (s Adapter) Bound() bool {
	return s.a.Bound()
}

func (s Adapter) Equal(o Adapter) bool {
	return s.a.Equal(o.a)
}

// Same reports whether v was built with an allocator equal to s's.
func (s Adapter) Same(v Aware) bool {
	return s.Equal(v.Adapter())
}

func (s Adapter) String() string {
	return "scoped(" + s.a.String() + ")"
}

func (s Adapter) check() error {
	if !s.Bound() {
		return errors.Wrapf(errors.AllocatorMismatch, "construction without an allocator")
	}
	return nil
}

// Construct builds a value in the slot at, passing s to ctor (and so
// to everything ctor builds).
func (s Adapter) Construct(at alloc.Offset, ctor Ctor) error {
	if err := s.check(); err != nil {
		return err
	}
	if at.Nil() {
		return errors.Errorf("construction into a nil slot")
	}
	if ctor == nil {
		return errors.Errorf("no constructor given")
	}
	return ctor(s, at)
}

func (s Adapter) Destroy(at alloc.Offset, dtor Dtor) error {
	if err := s.check(); err != nil {
		return err
	}
	if at.Nil() {
		return errors.Errorf("destruction of a nil slot")
	}
	return dtor(s, at)
}

// New allocates a slot of size bytes and constructs into it. The slot
// is released again if construction fails.
func (s Adapter) New(size uint64, ctor Ctor) (alloc.Offset, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	at, err := s.a.Allocate(size)
	if err != nil {
		return 0, err
	}
	if err := s.Construct(at, ctor); err != nil {
		if e := s.a.Deallocate(at, size); e != nil {
			return 0, e
		}
		return 0, err
	}
	return at, nil
}

// Delete destroys the value at "at" and releases its slot.
func (s Adapter) Delete(at alloc.Offset, size uint64, dtor Dtor) error {
	if err := s.Destroy(at, dtor); err != nil {
		return err
	}
	return s.a.Deallocate(at, size)
}

func (s Adapter) Allocate(n uint64) (alloc.Offset, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.a.Allocate(n)
}

func (s Adapter) Deallocate(off alloc.Offset, n uint64) error {
	return s.a.Deallocate(off, n)
}

func (s Adapter) Do(off alloc.Offset, n uint64, do func([]byte) error) error {
	return s.a.Do(off, n, do)
}

// Seq runs ctors in order against consecutive fields of one slot,
// destroying the fields already built when a later one fails. Each
// field is a (offset within the slot, ctor, dtor) triple.
func (s Adapter) Seq(at alloc.Offset, fields ...Field) error {
	for i, f := range fields {
		if err := s.Construct(at.Add(f.Off), f.Ctor); err != nil {
			for j := i - 1; j >= 0; j-- {
				if fields[j].Dtor == nil {
					continue
				}
				if e := s.Destroy(at.Add(fields[j].Off), fields[j].Dtor); e != nil {
					return e
				}
			}
			return err
		}
	}
	return nil
}

type Field struct {
	Off  uint64
	Ctor Ctor
	Dtor Dtor
}
