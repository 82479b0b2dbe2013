package record

import (
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

func anon(t *testing.T) scoped.Adapter {
	r, err := region.Anonymous(16 * region.PAGESIZE)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return scoped.Scoped(alloc.New(r))
}

func used(t *testing.T, s scoped.Adapter) uint64 {
	st, err := s.Allocator().Stats()
	require.NoError(t, err)
	return st.Used
}

func payload(t *testing.T, r Record) []byte {
	b, err := r.Payload().Bytes()
	require.NoError(t, err)
	return b
}

func TestNewRecord(t *testing.T) {
	s := anon(t)
	r, err := New(s, 1, 2, []byte{1, 2})
	require.NoError(t, err)
	a, b, err := r.Fields()
	require.NoError(t, err)
	require.Equal(t, int32(1), a)
	require.Equal(t, int32(2), b)
	require.Equal(t, []byte{1, 2}, payload(t, r))
	require.True(t, r.Payload().Adapter().Equal(s), "the payload shares the record's allocator")
	require.Equal(t, "{a: 1, b: 2, payload: [1 2]}", r.String())
}

func TestSetters(t *testing.T) {
	s := anon(t)
	r, err := New(s, 1, 2, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetA(-5))
	require.NoError(t, r.SetB(100))
	a, err := r.A()
	require.NoError(t, err)
	b, err := r.B()
	require.NoError(t, err)
	require.Equal(t, int32(-5), a)
	require.Equal(t, int32(100), b)
	require.NoError(t, r.Payload().PushBack(42))
	require.Equal(t, []byte{42}, payload(t, r))
}

func TestDestroy(t *testing.T) {
	s := anon(t)
	before := used(t, s)
	r, err := New(s, 3, 4, []byte{5, 8})
	require.NoError(t, err)
	require.NoError(t, r.Payload().Append(make([]byte, 200)))
	require.NoError(t, r.Destroy())
	require.Equal(t, before, used(t, s))
	require.Error(t, At(s, r.Offset()).Destroy(), "only standalone records destroy themselves")
}

func TestFailedConstructionLeavesNothing(t *testing.T) {
	r, err := region.Anonymous(region.MINSIZE)
	require.NoError(t, err)
	defer r.Close()
	s := scoped.Scoped(alloc.New(r))
	before := used(t, s)
	_, err = New(s, 1, 2, make([]byte, region.PAGESIZE))
	require.True(t, errors.Is(err, errors.OutOfMemory))
	require.Equal(t, before, used(t, s))
}

func TestUnboundAdapter(t *testing.T) {
	var s scoped.Adapter
	_, err := New(s, 1, 2, nil)
	require.True(t, errors.Is(err, errors.AllocatorMismatch))
	_, _, err = Record{}.Fields()
	require.True(t, errors.Is(err, errors.AllocatorMismatch))
}

func TestCopyAndEqual(t *testing.T) {
	s := anon(t)
	src, err := New(s, 1, 20, []byte{7, 8, 9})
	require.NoError(t, err)
	at, err := s.New(Size, CopyCtor(src))
	require.NoError(t, err)
	dst := At(s, at)
	eq, err := dst.Equal(src)
	require.NoError(t, err)
	require.True(t, eq)
	require.NoError(t, dst.Payload().PushBack(1))
	eq, err = dst.Equal(src)
	require.NoError(t, err)
	require.False(t, eq)
}

func TestMoveSameRegion(t *testing.T) {
	s := anon(t)
	src, err := New(s, 1, 20, []byte{7, 8, 9})
	require.NoError(t, err)
	backing, err := src.Payload().Data()
	require.NoError(t, err)
	at, err := s.New(Size, MoveCtor(src))
	require.NoError(t, err)
	dst := At(s, at)
	got, err := dst.Payload().Data()
	require.NoError(t, err)
	require.Equal(t, backing, got)
	require.Equal(t, []byte{7, 8, 9}, payload(t, dst))
	require.Empty(t, payload(t, src))
}

func TestMoveAcrossRegions(t *testing.T) {
	x := anon(t)
	y := anon(t)
	src, err := New(x, 9, 100, []byte{5, 6})
	require.NoError(t, err)
	at, err := y.New(Size, MoveCtor(src))
	require.NoError(t, err)
	dst := At(y, at)
	a, b, err := dst.Fields()
	require.NoError(t, err)
	require.Equal(t, int32(9), a)
	require.Equal(t, int32(100), b)
	require.Equal(t, []byte{5, 6}, payload(t, dst))
	require.Empty(t, payload(t, src))
	require.True(t, dst.Payload().Adapter().Equal(y))
}

func TestSwap(t *testing.T) {
	x := anon(t)
	p, err := New(x, 1, 2, []byte{1})
	require.NoError(t, err)
	q, err := New(x, 3, 4, []byte{2, 2})
	require.NoError(t, err)
	require.NoError(t, p.Swap(q))
	a, b, err := p.Fields()
	require.NoError(t, err)
	require.Equal(t, []int32{3, 4}, []int32{a, b})
	require.Equal(t, []byte{2, 2}, payload(t, p))
	require.Equal(t, []byte{1}, payload(t, q))

	y := anon(t)
	o, err := New(y, 0, 0, nil)
	require.NoError(t, err)
	require.True(t, errors.Is(p.Swap(o), errors.AllocatorMismatch))
}

func TestType(t *testing.T) {
	s := anon(t)
	var vt scoped.Type[Record] = Type{}
	at, err := s.New(vt.Footprint(), Ctor(2, 3, []byte{4}))
	require.NoError(t, err)
	r := vt.Handle(s, at)
	require.Equal(t, []byte{4}, payload(t, r))
	require.NoError(t, vt.Destroy(s, at))
	require.Empty(t, payload(t, r))
}
