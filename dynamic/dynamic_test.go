package dynamic

import (
	"os"
	"path/filepath"
	"testing"
)

import (
	"github.com/stretchr/testify/require"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/region"
	"github.com/timtadh/shmkv/scoped"
)

const size = 32 * region.PAGESIZE

func anon(t *testing.T) scoped.Adapter {
	r, err := region.Anonymous(size)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return scoped.Scoped(alloc.New(r))
}

func used(t *testing.T, s scoped.Adapter) uint64 {
	st, err := s.Allocator().Stats()
	require.NoError(t, err)
	return st.Used
}

func contents(t *testing.T, q Seq) []byte {
	b, err := q.unwrap().Bytes()
	require.NoError(t, err)
	return b
}

func data(t *testing.T, q Seq) alloc.Offset {
	d, err := q.unwrap().Data()
	require.NoError(t, err)
	return d
}

func TestNewBuffer(t *testing.T) {
	s := anon(t)
	b, err := NewBuffer(s, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, contents(t, b))
	n, err := b.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	x, err := b.At(1)
	require.NoError(t, err)
	require.Equal(t, byte(2), x)
	_, err = b.At(3)
	require.Error(t, err)
	require.NoError(t, b.Set(0, 9))
	require.Equal(t, []byte{9, 2, 3}, contents(t, b))
}

func TestEmptyBufferHasNoStorage(t *testing.T) {
	s := anon(t)
	b, err := NewBuffer(s, nil)
	require.NoError(t, err)
	require.True(t, data(t, b).Nil())
	require.Empty(t, contents(t, b))
	require.NoError(t, b.PushBack(42))
	require.Equal(t, []byte{42}, contents(t, b))
	c, err := b.Cap()
	require.NoError(t, err)
	require.Equal(t, minCap, c)
}

func TestPushBackGrows(t *testing.T) {
	s := anon(t)
	b, err := NewBuffer(s, []byte{5, 6})
	require.NoError(t, err)
	first := data(t, b)
	require.NoError(t, b.PushBack(42))
	require.NotEqual(t, first, data(t, b), "a full buffer reallocates")
	require.Equal(t, []byte{5, 6, 42}, contents(t, b))

	expect := []byte{5, 6, 42}
	for i := 0; i < 1000; i++ {
		require.NoError(t, b.PushBack(byte(i)))
		expect = append(expect, byte(i))
	}
	require.Equal(t, expect, contents(t, b))
}

func TestAppendWithinCapacityStays(t *testing.T) {
	s := anon(t)
	b, err := NewBuffer(s, nil)
	require.NoError(t, err)
	require.NoError(t, b.Reserve(64))
	d := data(t, b)
	require.NoError(t, b.Append([]byte("hello world")))
	require.Equal(t, d, data(t, b))
	require.NoError(t, b.Truncate(5))
	require.Equal(t, []byte("hello"), contents(t, b))
	require.Error(t, b.Truncate(6))
	require.NoError(t, b.Assign([]byte("bye")))
	require.Equal(t, []byte("bye"), contents(t, b))
	require.Equal(t, d, data(t, b))
	require.NoError(t, b.Clear())
	require.Empty(t, contents(t, b))
}

func TestDestroyReleasesEverything(t *testing.T) {
	s := anon(t)
	before := used(t, s)
	b, err := NewBuffer(s, make([]byte, 300))
	require.NoError(t, err)
	require.NoError(t, b.Append(make([]byte, 300)))
	require.NoError(t, b.Destroy())
	require.Equal(t, before, used(t, s))

	embedded := BufferAt(s, b.Offset())
	require.Error(t, embedded.Destroy())
}

func TestCopyCtorSameAllocator(t *testing.T) {
	s := anon(t)
	src, err := NewBuffer(s, []byte{1, 2, 3})
	require.NoError(t, err)
	at, err := s.New(HeaderSize, CopyCtor(src))
	require.NoError(t, err)
	dst := BufferAt(s, at)
	require.Equal(t, []byte{1, 2, 3}, contents(t, dst))
	require.NotEqual(t, data(t, src), data(t, dst))
	require.Equal(t, []byte{1, 2, 3}, contents(t, src), "copy leaves the source alone")
}

func TestMoveCtorSameAllocatorTransfers(t *testing.T) {
	s := anon(t)
	src, err := NewBuffer(s, []byte{1, 2, 3})
	require.NoError(t, err)
	backing := data(t, src)
	before := used(t, s)
	at, err := s.New(HeaderSize, MoveCtor(src))
	require.NoError(t, err)
	dst := BufferAt(s, at)
	require.Equal(t, backing, data(t, dst), "storage changes hands")
	require.Equal(t, []byte{1, 2, 3}, contents(t, dst))
	require.Empty(t, contents(t, src))
	require.True(t, data(t, src).Nil())
	st, err := s.Allocator().Stats()
	require.NoError(t, err)
	require.Less(t, st.Used-before, uint64(64), "only the new header was allocated")
}

func TestMoveCtorOtherRegionCopies(t *testing.T) {
	x := anon(t)
	y := anon(t)
	src, err := NewBuffer(x, []byte{7, 8, 9})
	require.NoError(t, err)
	xUsed := used(t, x)
	at, err := y.New(HeaderSize, MoveCtor(src))
	require.NoError(t, err)
	dst := BufferAt(y, at)
	require.Equal(t, []byte{7, 8, 9}, contents(t, dst))
	require.False(t, data(t, dst).Nil())
	require.Empty(t, contents(t, src))
	require.Less(t, used(t, x), xUsed, "the source's storage was released")
}

func TestCopyCtorOtherRegion(t *testing.T) {
	x := anon(t)
	y := anon(t)
	src, err := NewString(x, "shared")
	require.NoError(t, err)
	at, err := y.New(HeaderSize, CopyCtor(src))
	require.NoError(t, err)
	v, err := StringAt(y, at).Value()
	require.NoError(t, err)
	require.Equal(t, "shared", v)
}

func TestSwap(t *testing.T) {
	x := anon(t)
	y := anon(t)
	a, err := NewBuffer(x, []byte{1})
	require.NoError(t, err)
	b, err := NewBuffer(x, []byte{2, 3})
	require.NoError(t, err)
	require.NoError(t, a.Swap(b))
	require.Equal(t, []byte{2, 3}, contents(t, a))
	require.Equal(t, []byte{1}, contents(t, b))

	c, err := NewBuffer(y, []byte{4})
	require.NoError(t, err)
	err = a.Swap(c)
	require.True(t, errors.Is(err, errors.AllocatorMismatch))
}

func TestZeroHandle(t *testing.T) {
	var b Buffer
	_, err := b.Len()
	require.True(t, errors.Is(err, errors.AllocatorMismatch))
	var s scoped.Adapter
	_, err = NewBuffer(s, []byte{1})
	require.True(t, errors.Is(err, errors.AllocatorMismatch))
}

func TestString(t *testing.T) {
	s := anon(t)
	str, err := NewString(s, "three")
	require.NoError(t, err)
	require.Equal(t, "three", str.String())
	c, err := str.Compare([]byte("two"))
	require.NoError(t, err)
	require.Equal(t, -1, c)
	c, err = str.Compare([]byte("three"))
	require.NoError(t, err)
	require.Equal(t, 0, c)
	c, err = str.Compare([]byte("one"))
	require.NoError(t, err)
	require.Equal(t, 1, c)
	require.NoError(t, str.Append([]byte("!")))
	require.Equal(t, "three!", str.String())
}

func TestJoin(t *testing.T) {
	s := anon(t)
	b, err := NewBuffer(s, []byte{5, 6, 42})
	require.NoError(t, err)
	j, err := b.Join(",")
	require.NoError(t, err)
	require.Equal(t, "5,6,42,", j)
	require.Equal(t, "[5 6 42]", b.String())
}

// Two mappings of one file get different base addresses. Offsets built
// through one must resolve through the other.
func TestRelocatesAcrossMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.shm")
	ra, err := region.OpenOrCreate(path, size)
	require.NoError(t, err)
	defer ra.Close()
	rb, err := region.OpenOrCreate(path, size)
	require.NoError(t, err)
	defer rb.Close()
	require.NotEqual(t, ra.Base(), rb.Base())

	sa := scoped.Scoped(alloc.New(ra))
	sb := scoped.Scoped(alloc.New(rb))
	require.True(t, sa.Equal(sb), "allocators of one region are equal")

	buf, err := NewBuffer(sa, []byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, buf.PushBack(3))

	seen := BufferAt(sb, buf.Offset())
	require.Equal(t, []byte{1, 2, 3}, contents(t, seen))

	backing := data(t, buf)
	at, err := sb.New(HeaderSize, MoveCtor(buf))
	require.NoError(t, err)
	require.Equal(t, backing, data(t, BufferAt(sa, at)), "equal allocators move without copying")
}

// A byte copy of a region file carries the same id. Moving between the
// original and the copy must still copy the contents.
func TestMoveCtorCopiedRegionFileCopies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.shm")
	ra, err := region.OpenOrCreate(path, size)
	require.NoError(t, err)
	defer ra.Close()
	sa := scoped.Scoped(alloc.New(ra))
	_, err = sa.Allocate(1024)
	require.NoError(t, err)
	require.NoError(t, ra.Sync())

	bytes, err := os.ReadFile(path)
	require.NoError(t, err)
	cp := filepath.Join(dir, "b.shm")
	require.NoError(t, os.WriteFile(cp, bytes, 0666))
	rb, err := region.OpenOrCreate(cp, size)
	require.NoError(t, err)
	defer rb.Close()
	sb := scoped.Scoped(alloc.New(rb))
	require.Equal(t, ra.ID(), rb.ID())
	require.False(t, sa.Equal(sb))

	src, err := NewBuffer(sb, []byte{7, 8, 9})
	require.NoError(t, err)
	bUsed := used(t, sb)
	at, err := sa.New(HeaderSize, MoveCtor(src))
	require.NoError(t, err)
	dst := BufferAt(sa, at)
	require.Equal(t, []byte{7, 8, 9}, contents(t, dst))
	require.Empty(t, contents(t, src))
	require.Less(t, used(t, sb), bUsed, "the source's storage was released")

	other, err := NewBuffer(sb, []byte{1})
	require.NoError(t, err)
	require.True(t, errors.Is(dst.Swap(other), errors.AllocatorMismatch))
	require.Equal(t, []byte{7, 8, 9}, contents(t, dst))
}
