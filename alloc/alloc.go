package alloc

import (
	"fmt"
	"unsafe"
)

import (
	"github.com/timtadh/shmkv/consts"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/region"
	"github.com/timtadh/shmkv/slice"
)

// Offset is the position of a value relative to the start of its
// region. It is the only kind of reference stored inside a region. The
// zero Offset is nil (it points into the header, which is never
// allocated).
type Offset uint64

func (o Offset) Nil() bool {
	return o == 0
}

func (o Offset) Add(n uint64) Offset {
	return o + Offset(n)
}

func (o Offset) String() string {
	return fmt.Sprintf("+%#x", uint64(o))
}

// Every block starts with a blockHdr. The Offset handed out by Allocate
// points just past it.
type blockHdr struct {
	flags consts.Flag
	magic uint32
	size  uint64
}

const blockHdrSize = 16

type freeBlk struct {
	blockHdr
	next uint64
	_    uint64
}

const freeBlkSize = 32

const blockMagic uint32 = 0xb10cb10c

func init() {
	var h blockHdr
	var f freeBlk
	if unsafe.Sizeof(h) != blockHdrSize {
		panic("the blockHdr was an unexpected size")
	}
	if unsafe.Sizeof(f) != freeBlkSize {
		panic("the freeBlk was an unexpected size")
	}
}

// Allocator hands out byte ranges of one region as Offsets. It is a
// small value holding only a reference to the region; copies share the
// region's allocation metadata, which lives in the region header.
//
// Allocations made through one mapping are serialized by that mapping.
// Processes (or separate mappings) that allocate from the same region
// concurrently must hold region.Lock.
type Allocator struct {
	r *region.Region
}

func New(r *region.Region) Allocator {
	return Allocator{r: r}
}

func (a Allocator) Region() *region.Region {
	return a.r
}

// Bound is false for the zero Allocator.
func (a Allocator) Bound() bool {
	return a.r != nil
}

// Equal reports whether a and b allocate from the same region. Two
// allocators obtained separately (even through separate mappings) are
// equal when they reference the same region, so memory allocated by one
// can be released or adopted by the other. See region.Region.Same.
func (a Allocator) Equal(b Allocator) bool {
	if a.r == nil || b.r == nil {
		return false
	}
	return a.r.Same(b.r)
}

func (a Allocator) String() string {
	if a.r == nil {
		return "alloc<unbound>"
	}
	return fmt.Sprintf("alloc<%v>", a.r.ID())
}

func (a Allocator) check() error {
	if a.r == nil {
		return errors.Wrapf(errors.AllocatorMismatch, "allocator is not bound to a region")
	}
	return nil
}

// blockSize is the total footprint (header included) of an allocation
// of n bytes.
func blockSize(n uint64) uint64 {
	size := n + blockHdrSize
	size = (size + consts.ALIGN - 1) &^ (consts.ALIGN - 1)
	if size < freeBlkSize {
		size = freeBlkSize
	}
	return size
}

// Allocate reserves at least n zeroed bytes and returns their Offset.
// It fails with errors.OutOfMemory when neither the free list nor the
// unallocated tail of the region can hold them. Regions never grow.
func (a Allocator) Allocate(n uint64) (off Offset, err error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	size := blockSize(n)
	if size < n {
		return 0, errors.Wrapf(errors.OutOfMemory, "allocation of %d bytes overflows", n)
	}
	var blk uint64
	err = a.r.Control(func(c *region.Control) error {
		var err error
		blk, size, err = a.firstFit(c, size)
		if err != nil {
			return err
		}
		if blk == 0 {
			if c.HeapBrk+size > a.r.Size() || c.HeapBrk+size < c.HeapBrk {
				return errors.Wrapf(errors.OutOfMemory,
					"cannot allocate %d bytes, %d of %d in use", n, c.HeapUsed, a.r.Size())
			}
			blk = c.HeapBrk
			c.HeapBrk += size
		}
		c.HeapUsed += size
		c.HeapAllocs++
		return a.r.Do(blk, size, func(bytes []byte) error {
			copy(bytes, make([]byte, len(bytes)))
			h := slice.As[blockHdr](bytes)
			h.flags = consts.HEAP_USED
			h.magic = blockMagic
			h.size = size
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return Offset(blk + blockHdrSize), nil
}

// firstFit unlinks the first free block that can hold size bytes,
// splitting off the remainder when it is big enough to stand alone. It
// returns 0 when nothing fits.
func (a Allocator) firstFit(c *region.Control, size uint64) (blk, got uint64, err error) {
	var prev uint64 = 0
	cur := c.HeapFreeHead
	for cur != 0 {
		var next, have uint64
		err = a.doFree(cur, func(f *freeBlk) error {
			next = f.next
			have = f.size
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
		if have >= size {
			if have-size >= freeBlkSize {
				rest := cur + size
				err = a.doRaw(rest, func(f *freeBlk) error {
					f.flags = consts.HEAP_FREE
					f.magic = blockMagic
					f.size = have - size
					f.next = next
					return nil
				})
				if err != nil {
					return 0, 0, err
				}
				next = rest
			} else {
				size = have
				c.HeapFreeLen--
			}
			if err := a.link(c, prev, next); err != nil {
				return 0, 0, err
			}
			return cur, size, nil
		}
		prev = cur
		cur = next
	}
	return 0, size, nil
}

// Deallocate returns the n bytes at off to the free list, merging them
// with free neighbours. Releasing a block that is already free does
// nothing and reports errors.DoubleFree.
func (a Allocator) Deallocate(off Offset, n uint64) error {
	if err := a.check(); err != nil {
		return err
	}
	if off.Nil() {
		return nil
	}
	if uint64(off) < consts.HEADERSIZE+blockHdrSize {
		return errors.Errorf("offset %v was never allocated", off)
	}
	blk := uint64(off) - blockHdrSize
	return a.r.Control(func(c *region.Control) error {
		var size uint64
		err := a.r.Do(blk, blockHdrSize, func(bytes []byte) error {
			h := slice.As[blockHdr](bytes)
			if h.magic != blockMagic {
				return errors.Wrapf(errors.Corrupt, "no block header at %v", off)
			}
			if h.flags == consts.HEAP_FREE {
				return errors.Wrapf(errors.DoubleFree, "block at %v", off)
			}
			if h.flags != consts.HEAP_USED {
				return errors.Wrapf(errors.Corrupt, "block at %v has flags %v", off, h.flags)
			}
			if blockSize(n) > h.size {
				return errors.Errorf("deallocating %d bytes at %v but the block holds %d", n, off, h.size-blockHdrSize)
			}
			size = h.size
			h.flags = consts.HEAP_FREE
			return nil
		})
		if err != nil {
			return err
		}
		c.HeapUsed -= size
		c.HeapFrees++
		return a.free(c, blk, size)
	})
}

// free inserts the block into the address ordered free list.
func (a Allocator) free(c *region.Control, blk, size uint64) error {
	var before, prev, prevSize uint64
	next := c.HeapFreeHead
	for next != 0 && next < blk {
		before = prev
		prev = next
		err := a.doFree(next, func(f *freeBlk) error {
			prevSize = f.size
			next = f.next
			return nil
		})
		if err != nil {
			return err
		}
	}
	if next != 0 && blk+size == next {
		var nextNext, nextSize uint64
		err := a.doFree(next, func(f *freeBlk) error {
			nextNext = f.next
			nextSize = f.size
			return nil
		})
		if err != nil {
			return err
		}
		size += nextSize
		next = nextNext
		c.HeapFreeLen--
	}
	if prev != 0 && prev+prevSize == blk {
		blk = prev
		size += prevSize
		prev = before
		c.HeapFreeLen--
	}
	if blk+size == c.HeapBrk {
		// the tail of the heap goes back to the unallocated area
		c.HeapBrk = blk
		return a.link(c, prev, next)
	}
	err := a.doRaw(blk, func(f *freeBlk) error {
		f.flags = consts.HEAP_FREE
		f.magic = blockMagic
		f.size = size
		f.next = next
		return nil
	})
	if err != nil {
		return err
	}
	c.HeapFreeLen++
	return a.link(c, prev, blk)
}

func (a Allocator) link(c *region.Control, prev, next uint64) error {
	if prev == 0 {
		c.HeapFreeHead = next
		return nil
	}
	return a.doFree(prev, func(f *freeBlk) error {
		f.next = next
		return nil
	})
}

func (a Allocator) doFree(blk uint64, do func(*freeBlk) error) error {
	return a.doRaw(blk, func(f *freeBlk) error {
		if f.magic != blockMagic || f.flags != consts.HEAP_FREE {
			return errors.Wrapf(errors.Corrupt, "expected a free block at %#x", blk)
		}
		return do(f)
	})
}

func (a Allocator) doRaw(blk uint64, do func(*freeBlk) error) error {
	return a.r.Do(blk, freeBlkSize, func(bytes []byte) error {
		return do(slice.As[freeBlk](bytes))
	})
}

// Do resolves n bytes at off for the duration of do.
func (a Allocator) Do(off Offset, n uint64, do func([]byte) error) error {
	if err := a.check(); err != nil {
		return err
	}
	if off.Nil() {
		return errors.Errorf("nil offset dereference")
	}
	return a.r.Do(uint64(off), n, do)
}

// Resolve overlays a *T on the bytes at off for the duration of do. T
// must be a fixed size type without Go pointers.
func Resolve[T any](a Allocator, off Offset, do func(*T) error) error {
	var t T
	return a.Do(off, uint64(unsafe.Sizeof(t)), func(bytes []byte) error {
		return do(slice.As[T](bytes))
	})
}

// Usable is the number of bytes the allocation at off can hold, which
// may exceed what was asked for.
func (a Allocator) Usable(off Offset) (n uint64, err error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	if uint64(off) < consts.HEADERSIZE+blockHdrSize {
		return 0, errors.Errorf("offset %v was never allocated", off)
	}
	err = a.r.Do(uint64(off)-blockHdrSize, blockHdrSize, func(bytes []byte) error {
		h := slice.As[blockHdr](bytes)
		if h.magic != blockMagic || h.flags != consts.HEAP_USED {
			return errors.Wrapf(errors.Corrupt, "no live block at %v", off)
		}
		n = h.size - blockHdrSize
		return nil
	})
	return n, err
}

type Stats struct {
	Capacity   uint64
	Used       uint64
	Free       uint64
	Brk        uint64
	FreeBlocks uint64
	Allocs     uint64
	Frees      uint64
}

func (a Allocator) Stats() (s Stats, err error) {
	if err := a.check(); err != nil {
		return s, err
	}
	err = a.r.Control(func(c *region.Control) error {
		s = Stats{
			Capacity:   a.r.Size() - consts.HEADERSIZE,
			Used:       c.HeapUsed,
			Brk:        c.HeapBrk,
			FreeBlocks: c.HeapFreeLen,
			Allocs:     c.HeapAllocs,
			Frees:      c.HeapFrees,
		}
		s.Free = s.Capacity - s.Used
		return nil
	})
	return s, err
}
