package dynamic

import (
	"bytes"
	"unsafe"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/scoped"
)

// header is how a Buffer or String sits in its slot. data is the
// Offset of the backing bytes (0 while cap is 0).
type header struct {
	data uint64
	len  uint64
	cap  uint64
}

// HeaderSize is the footprint of a Buffer or String in its slot.
const HeaderSize = 24

const minCap = 8

func init() {
	var h header
	if unsafe.Sizeof(h) != HeaderSize {
		panic("the dynamic header was an unexpected size")
	}
}

// Seq is implemented by Buffer and String.
type Seq interface {
	scoped.Aware
	Offset() alloc.Offset
	unwrap() seq
}

type seq struct {
	s     scoped.Adapter
	at    alloc.Offset
	owned bool
}

func (q seq) unwrap() seq {
	return q
}

func (q seq) Adapter() scoped.Adapter {
	return q.s
}

// Offset is where the header lives.
func (q seq) Offset() alloc.Offset {
	return q.at
}

func (q seq) do(do func(*header) error) error {
	if !q.s.Bound() {
		return errors.Wrapf(errors.AllocatorMismatch, "sequence handle has no allocator")
	}
	return alloc.Resolve(q.s.Allocator(), q.at, do)
}

// Data is the Offset of the backing bytes.
func (q seq) Data() (data alloc.Offset, err error) {
	err = q.do(func(h *header) error {
		data = alloc.Offset(h.data)
		return nil
	})
	return data, err
}

func (q seq) Len() (n int, err error) {
	err = q.do(func(h *header) error {
		n = int(h.len)
		return nil
	})
	return n, err
}

func (q seq) Cap() (n int, err error) {
	err = q.do(func(h *header) error {
		n = int(h.cap)
		return nil
	})
	return n, err
}

// Do hands do a view of the contents. The view is only valid during
// the call and must not be grown through the handle while it is held.
func (q seq) Do(do func([]byte) error) error {
	return q.do(func(h *header) error {
		if h.len == 0 {
			return do(nil)
		}
		return q.s.Do(alloc.Offset(h.data), h.len, do)
	})
}

// Bytes copies the contents out of the region.
func (q seq) Bytes() (out []byte, err error) {
	err = q.Do(func(b []byte) error {
		out = make([]byte, len(b))
		copy(out, b)
		return nil
	})
	return out, err
}

func (q seq) At(i int) (b byte, err error) {
	err = q.Do(func(bytes []byte) error {
		if i < 0 || i >= len(bytes) {
			return errors.Errorf("index %d out of range [0, %d)", i, len(bytes))
		}
		b = bytes[i]
		return nil
	})
	return b, err
}

func (q seq) Set(i int, b byte) error {
	return q.Do(func(bytes []byte) error {
		if i < 0 || i >= len(bytes) {
			return errors.Errorf("index %d out of range [0, %d)", i, len(bytes))
		}
		bytes[i] = b
		return nil
	})
}

func (q seq) PushBack(b byte) error {
	return q.Append([]byte{b})
}

// Append adds bytes to the end, reallocating through the bound
// allocator when the capacity runs out.
func (q seq) Append(bytes []byte) error {
	if len(bytes) == 0 {
		return nil
	}
	n := uint64(len(bytes))
	return q.do(func(h *header) error {
		if err := q.grow(h, h.len+n); err != nil {
			return err
		}
		err := q.s.Do(alloc.Offset(h.data).Add(h.len), n, func(dst []byte) error {
			copy(dst, bytes)
			return nil
		})
		if err != nil {
			return err
		}
		h.len += n
		return nil
	})
}

// Assign replaces the contents, reusing the storage when it is big
// enough.
func (q seq) Assign(bytes []byte) error {
	n := uint64(len(bytes))
	return q.do(func(h *header) error {
		if err := q.grow(h, n); err != nil {
			return err
		}
		h.len = n
		if n == 0 {
			return nil
		}
		return q.s.Do(alloc.Offset(h.data), n, func(dst []byte) error {
			copy(dst, bytes)
			return nil
		})
	})
}

func (q seq) Reserve(n int) error {
	if n < 0 {
		return errors.Errorf("negative reserve %d", n)
	}
	return q.do(func(h *header) error {
		return q.grow(h, uint64(n))
	})
}

// Truncate shortens the contents to n bytes. The capacity is kept.
func (q seq) Truncate(n int) error {
	return q.do(func(h *header) error {
		if n < 0 || uint64(n) > h.len {
			return errors.Errorf("cannot truncate %d bytes to %d", h.len, n)
		}
		h.len = uint64(n)
		return nil
	})
}

func (q seq) Clear() error {
	return q.Truncate(0)
}

// Compare orders the contents against key byte-wise.
func (q seq) Compare(key []byte) (c int, err error) {
	err = q.Do(func(b []byte) error {
		c = bytes.Compare(b, key)
		return nil
	})
	return c, err
}

func (q seq) grow(h *header, need uint64) error {
	if need <= h.cap {
		return nil
	}
	c := h.cap * 2
	if c < minCap {
		c = minCap
	}
	for c < need {
		c *= 2
	}
	data, err := q.s.Allocate(c)
	if err != nil {
		return err
	}
	if h.len > 0 {
		err = q.s.Do(alloc.Offset(h.data), h.len, func(src []byte) error {
			return q.s.Do(data, h.len, func(dst []byte) error {
				copy(dst, src)
				return nil
			})
		})
		if err != nil {
			q.s.Deallocate(data, c)
			return err
		}
	}
	if h.data != 0 {
		if err := q.s.Deallocate(alloc.Offset(h.data), h.cap); err != nil {
			return err
		}
	}
	h.data = uint64(data)
	h.cap = c
	return nil
}

// Swap exchanges the contents of two sequences. Both must have been
// built with equal allocators.
func (q seq) swap(o seq) error {
	if !q.s.Equal(o.s) {
		return errors.Wrapf(errors.AllocatorMismatch, "cannot swap between %v and %v", q.s, o.s)
	}
	return q.do(func(a *header) error {
		return o.do(func(b *header) error {
			*a, *b = *b, *a
			return nil
		})
	})
}

// destroy releases the backing bytes and leaves an empty header.
func (q seq) destroy() error {
	return q.do(func(h *header) error {
		if h.data != 0 {
			if err := q.s.Deallocate(alloc.Offset(h.data), h.cap); err != nil {
				return err
			}
		}
		*h = header{}
		return nil
	})
}

// Destroy releases a sequence made by NewBuffer or NewString, slot
// included. Sequences embedded in another value are destroyed by their
// owner.
func (q seq) Destroy() error {
	if !q.owned {
		return errors.Errorf("sequence at %v is embedded in its owner", q.at)
	}
	return q.s.Delete(q.at, HeaderSize, Dtor)
}

// Ctor builds a sequence holding a copy of init.
func Ctor(init []byte) scoped.Ctor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		return construct(s, at, init)
	}
}

// CopyCtor deep copies src through the Adapter of the construction,
// which may belong to another region than src.
func CopyCtor(src Seq) scoped.Ctor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		bytes, err := src.unwrap().Bytes()
		if err != nil {
			return err
		}
		return construct(s, at, bytes)
	}
}

// MoveCtor takes src's contents. When src was built with an allocator
// equal to the construction's, the backing bytes change hands without
// being copied. Otherwise they are copied and src's are released. src
// is left empty but usable.
func MoveCtor(src Seq) scoped.Ctor {
	return func(s scoped.Adapter, at alloc.Offset) error {
		o := src.unwrap()
		if s.Equal(o.s) {
			var stolen header
			err := o.do(func(h *header) error {
				stolen = *h
				*h = header{}
				return nil
			})
			if err != nil {
				return err
			}
			return alloc.Resolve(s.Allocator(), at, func(h *header) error {
				*h = stolen
				return nil
			})
		}
		bytes, err := o.Bytes()
		if err != nil {
			return err
		}
		if err := construct(s, at, bytes); err != nil {
			return err
		}
		return o.destroy()
	}
}

// Dtor releases the backing bytes of the sequence at "at".
func Dtor(s scoped.Adapter, at alloc.Offset) error {
	return seq{s: s, at: at}.destroy()
}

func construct(s scoped.Adapter, at alloc.Offset, init []byte) error {
	n := uint64(len(init))
	var data alloc.Offset
	if n > 0 {
		var err error
		data, err = s.Allocate(n)
		if err != nil {
			return err
		}
		err = s.Do(data, n, func(dst []byte) error {
			copy(dst, init)
			return nil
		})
		if err != nil {
			s.Deallocate(data, n)
			return err
		}
	}
	err := alloc.Resolve(s.Allocator(), at, func(h *header) error {
		h.data = uint64(data)
		h.len = n
		h.cap = n
		return nil
	})
	if err != nil && n > 0 {
		s.Deallocate(data, n)
	}
	return err
}
