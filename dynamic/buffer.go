package dynamic

import (
	"fmt"
	"strings"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/scoped"
)

// Buffer is a growable byte array whose bytes live in a region.
type Buffer struct {
	seq
}

// BufferAt is a handle on the Buffer whose header is at "at". It does
// not construct anything.
func BufferAt(s scoped.Adapter, at alloc.Offset) Buffer {
	return Buffer{seq{s: s, at: at}}
}

// NewBuffer allocates and builds a standalone Buffer holding a copy of
// init. Release it with Destroy.
func NewBuffer(s scoped.Adapter, init []byte) (Buffer, error) {
	at, err := s.New(HeaderSize, Ctor(init))
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{seq{s: s, at: at, owned: true}}, nil
}

// Swap exchanges the contents of b and o, which must share an
// allocator.
func (b Buffer) Swap(o Buffer) error {
	return b.swap(o.seq)
}

// Join renders the contents as decimal bytes each followed by sep.
func (b Buffer) Join(sep string) (string, error) {
	var sb strings.Builder
	err := b.Do(func(bytes []byte) error {
		for _, x := range bytes {
			fmt.Fprintf(&sb, "%d%s", x, sep)
		}
		return nil
	})
	return sb.String(), err
}

func (b Buffer) String() string {
	bytes, err := b.Bytes()
	if err != nil {
		return fmt.Sprintf("<buffer %v: %v>", b.at, err)
	}
	return fmt.Sprint(bytes)
}

// BufferType lets containers hold Buffers.
type BufferType struct{}

func (BufferType) Footprint() uint64 {
	return HeaderSize
}

func (BufferType) Destroy(s scoped.Adapter, at alloc.Offset) error {
	return Dtor(s, at)
}

func (BufferType) Handle(s scoped.Adapter, at alloc.Offset) Buffer {
	return BufferAt(s, at)
}
