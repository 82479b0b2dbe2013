// Package record is the value type of the database: two int32 fields
// and a payload buffer that is allocated from the same region as the
// record itself.
package record

import (
	"fmt"
	"unsafe"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/dynamic"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/scoped"
)

type fields struct {
	a int32
	b int32
}

// Size is the footprint of a Record in its slot. The payload's
// dynamic header follows the two fields.
const Size = 8 + dynamic.HeaderSize

const payloadOff = 8

func init() {
	var f fields
	if unsafe.Sizeof(f) != payloadOff {
		panic("the record fields were an unexpected size")
	}
}

// Record is a handle on a record stored in a region.
type Record struct {
	s     scoped.Adapter
	at    alloc.Offset
	owned bool
}

// At is the handle on the record in the slot at.
func At(s scoped.Adapter, at alloc.Offset) Record {
	return Record{s: s, at: at}
}

// New builds a standalone record. The allocator comes first: there is
// no way to build a record that is not anchored in a region.
func New(s scoped.Adapter, a, b int32, payload []byte) (Record, error) {
	at, err := s.New(Size, Ctor(a, b, payload))
	if err != nil {
		return Record{}, err
	}
	return Record{s: s, at: at, owned: true}, nil
}

// Ctor builds a record in place. It is the only public way to
// construct one from field values; the payload is built with the same
// Adapter as the record.
func Ctor(a, b int32, payload []byte) scoped.Ctor {
	return construct(a, b, dynamic.Ctor(payload))
}

// CopyCtor deep copies src into the constructing region.
func CopyCtor(src Record) scoped.Ctor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		a, b, err := src.Fields()
		if err != nil {
			return err
		}
		return construct(a, b, dynamic.CopyCtor(src.Payload()))(s, at)
	}
}

// MoveCtor takes src's fields and payload. The payload changes hands
// when the allocators are equal and is copied otherwise. src is left
// with an empty payload.
func MoveCtor(src Record) scoped.Ctor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		a, b, err := src.Fields()
		if err != nil {
			return err
		}
		return construct(a, b, dynamic.MoveCtor(src.Payload()))(s, at)
	}
}

func construct(a, b int32, payload scoped.Ctor) scoped.Ctor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		return s.Seq(at,
			scoped.Field{
				Off: 0,
				Ctor: func(s scoped.Adapter, at alloc.Offset) error {
					return alloc.Resolve(s.Allocator(), at, func(f *fields) error {
						f.a = a
						f.b = b
						return nil
					})
				},
			},
			scoped.Field{Off: payloadOff, Ctor: payload, Dtor: dynamic.Dtor},
		)
	}
}

func Dtor(s scoped.Adapter, at alloc.Offset) error {
	return dynamic.Dtor(s, at.Add(payloadOff))
}

// Type lets containers hold records.
type Type struct{}

func (Type) Footprint() uint64 {
	return Size
}

func (Type) Destroy(s scoped.Adapter, at alloc.Offset) error {
	return Dtor(s, at)
}

func (Type) Handle(s scoped.Adapter, at alloc.Offset) Record {
	return At(s, at)
}

func (r Record) Adapter() scoped.Adapter {
	return r.s
}

func (r Record) Offset() alloc.Offset {
	return r.at
}

func (r Record) do(do func(*fields) error) error {
	if !r.s.Bound() {
		return errors.Wrapf(errors.AllocatorMismatch, "record handle has no allocator")
	}
	return alloc.Resolve(r.s.Allocator(), r.at, do)
}

func (r Record) Fields() (a, b int32, err error) {
	err = r.do(func(f *fields) error {
		a, b = f.a, f.b
		return nil
	})
	return a, b, err
}

func (r Record) A() (int32, error) {
	a, _, err := r.Fields()
	return a, err
}

func (r Record) B() (int32, error) {
	_, b, err := r.Fields()
	return b, err
}

func (r Record) SetA(a int32) error {
	return r.do(func(f *fields) error {
		f.a = a
		return nil
	})
}

func (r Record) SetB(b int32) error {
	return r.do(func(f *fields) error {
		f.b = b
		return nil
	})
}

// Payload is the record's buffer. It shares the record's Adapter, so
// growing it allocates from the record's region.
func (r Record) Payload() dynamic.Buffer {
	return dynamic.BufferAt(r.s, r.at.Add(payloadOff))
}

// Equal compares the fields and the payload contents.
func (r Record) Equal(o Record) (bool, error) {
	a1, b1, err := r.Fields()
	if err != nil {
		return false, err
	}
	a2, b2, err := o.Fields()
	if err != nil {
		return false, err
	}
	if a1 != a2 || b1 != b2 {
		return false, nil
	}
	p, err := o.Payload().Bytes()
	if err != nil {
		return false, err
	}
	c, err := r.Payload().Compare(p)
	if err != nil {
		return false, err
	}
	return c == 0, nil
}

// Swap exchanges two records. Both must live in the same region.
func (r Record) Swap(o Record) error {
	if !r.s.Equal(o.s) {
		return errors.Wrapf(errors.AllocatorMismatch, "cannot swap records between %v and %v", r.s, o.s)
	}
	if err := r.Payload().Swap(o.Payload()); err != nil {
		return err
	}
	return r.do(func(x *fields) error {
		return o.do(func(y *fields) error {
			*x, *y = *y, *x
			return nil
		})
	})
}

// Destroy releases a record made by New.
func (r Record) Destroy() error {
	if !r.owned {
		return errors.Errorf("record at %v is owned by its container", r.at)
	}
	return r.s.Delete(r.at, Size, Dtor)
}

func (r Record) String() string {
	a, b, err := r.Fields()
	if err != nil {
		return fmt.Sprintf("<record %v: %v>", r.at, err)
	}
	return fmt.Sprintf("{a: %d, b: %d, payload: %v}", a, b, r.Payload())
}
