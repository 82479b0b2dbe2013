package omap

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
)

import (
	"github.com/stretchr/testify/require"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/dynamic"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/record"
	"github.com/timtadh/shmkv/region"
	"github.com/timtadh/shmkv/scoped"
)

func anon(t *testing.T, pages uint64) scoped.Adapter {
	r, err := region.Anonymous(pages * region.PAGESIZE)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return scoped.Scoped(alloc.New(r))
}

func used(t *testing.T, s scoped.Adapter) uint64 {
	st, err := s.Allocator().Stats()
	require.NoError(t, err)
	return st.Used
}

func records(t *testing.T, s scoped.Adapter) *Map[record.Record] {
	m, err := New[record.Record](s, record.Type{})
	require.NoError(t, err)
	return m
}

func keys[H any](t *testing.T, m *Map[H]) []string {
	var ks []string
	require.NoError(t, m.Do(func(k []byte, _ H) error {
		ks = append(ks, string(k))
		return nil
	}))
	return ks
}

func fields(t *testing.T, r record.Record) (int32, int32, []byte) {
	a, b, err := r.Fields()
	require.NoError(t, err)
	p, err := r.Payload().Bytes()
	require.NoError(t, err)
	return a, b, p
}

var failing scoped.Ctor = func(scoped.Adapter, alloc.Offset) error {
	return fmt.Errorf("refused")
}

func TestEmplaceOrdersKeys(t *testing.T) {
	s := anon(t, 16)
	m := records(t, s)
	for i, k := range []string{"one", "two", "three"} {
		_, inserted, err := m.Emplace([]byte(k), record.Ctor(int32(i+1), int32(i+2), []byte{byte(i)}))
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.Equal(t, []string{"one", "three", "two"}, keys(t, m))
	n, err := m.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, m.Verify())
}

func TestEmplaceExistingKeepsOriginal(t *testing.T) {
	s := anon(t, 16)
	m := records(t, s)
	first, inserted, err := m.Emplace([]byte("one"), record.Ctor(1, 2, []byte{1, 2}))
	require.NoError(t, err)
	require.True(t, inserted)
	before := used(t, s)
	again, inserted, err := m.Emplace([]byte("one"), record.Ctor(9, 9, []byte{9, 9, 9}))
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, first.Offset(), again.Offset())
	a, b, p := fields(t, again)
	require.Equal(t, int32(1), a)
	require.Equal(t, int32(2), b)
	require.Equal(t, []byte{1, 2}, p)
	require.Equal(t, before, used(t, s), "the candidate was destroyed")
}

func TestLookupAndAt(t *testing.T) {
	s := anon(t, 16)
	m := records(t, s)
	_, has, err := m.Lookup([]byte("nine"))
	require.NoError(t, err)
	require.False(t, has)
	_, err = m.At([]byte("nine"))
	require.True(t, errors.Is(err, errors.KeyNotFound))
	n, err := m.Len()
	require.NoError(t, err)
	require.Equal(t, 0, n, "lookups do not insert")

	_, _, err = m.Emplace([]byte("nine"), record.Ctor(9, 100, []byte{5, 6}))
	require.NoError(t, err)
	v, err := m.At([]byte("nine"))
	require.NoError(t, err)
	require.NoError(t, v.Payload().PushBack(42))
	v, has, err = m.Lookup([]byte("nine"))
	require.NoError(t, err)
	require.True(t, has)
	_, _, p := fields(t, v)
	require.Equal(t, []byte{5, 6, 42}, p)
}

func TestUpsertReplacesInPlace(t *testing.T) {
	s := anon(t, 16)
	m := records(t, s)
	v, replaced, err := m.Upsert([]byte("two"), record.Ctor(2, 3, []byte{4}))
	require.NoError(t, err)
	require.False(t, replaced)
	before := used(t, s)
	w, replaced, err := m.Upsert([]byte("two"), record.Ctor(2, 30, nil))
	require.NoError(t, err)
	require.True(t, replaced)
	require.Equal(t, v.Offset(), w.Offset(), "the entry did not move")
	a, b, p := fields(t, v)
	require.Equal(t, int32(2), a)
	require.Equal(t, int32(30), b)
	require.Empty(t, p)
	require.Less(t, used(t, s), before, "the old payload was released")

	for i := 0; i < 50; i++ {
		_, _, err := m.Upsert([]byte("two"), record.Ctor(int32(i), 0, make([]byte, i)))
		require.NoError(t, err)
	}
	n, err := m.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUpsertFailureErases(t *testing.T) {
	s := anon(t, 16)
	m := records(t, s)
	_, _, err := m.Upsert([]byte("one"), record.Ctor(1, 2, []byte{1}))
	require.NoError(t, err)
	before := used(t, s)
	_, _, err = m.Upsert([]byte("one"), failing)
	require.Error(t, err)
	_, has, err := m.Lookup([]byte("one"))
	require.NoError(t, err)
	require.False(t, has, "no half built value is visible")
	require.Less(t, used(t, s), before)
	require.NoError(t, m.Verify())
}

func TestAssignFailureKeepsOld(t *testing.T) {
	s := anon(t, 16)
	m := records(t, s)
	_, err := m.Assign([]byte("one"), record.Ctor(1, 2, []byte{1, 2}))
	require.NoError(t, err)
	before := used(t, s)
	_, err = m.Assign([]byte("one"), failing)
	require.Error(t, err)
	require.Equal(t, before, used(t, s))
	v, err := m.At([]byte("one"))
	require.NoError(t, err)
	a, b, p := fields(t, v)
	require.Equal(t, []int32{1, 2}, []int32{a, b})
	require.Equal(t, []byte{1, 2}, p)

	src, err := record.New(s, 1, 20, []byte{7, 8, 9})
	require.NoError(t, err)
	backing, err := src.Payload().Data()
	require.NoError(t, err)
	w, err := m.Assign([]byte("one"), record.MoveCtor(src))
	require.NoError(t, err)
	require.Equal(t, v.Offset(), w.Offset())
	got, err := w.Payload().Data()
	require.NoError(t, err)
	require.Equal(t, backing, got, "assignment moved the payload")
	require.NoError(t, src.Destroy())
	a, b, p = fields(t, w)
	require.Equal(t, []int32{1, 20}, []int32{a, b})
	require.Equal(t, []byte{7, 8, 9}, p)
}

// When the replacement cannot be moved into the entry after the old
// value is gone, both the replacement and the entry are released.
func TestAbandonedAssignErases(t *testing.T) {
	s := anon(t, 16)
	m := records(t, s)
	empty := used(t, s)
	_, err := m.Assign([]byte("one"), record.Ctor(1, 2, []byte{1, 2}))
	require.NoError(t, err)
	_, _, err = m.Emplace([]byte("two"), record.Ctor(2, 3, []byte{4}))
	require.NoError(t, err)
	v, err := m.At([]byte("one"))
	require.NoError(t, err)
	require.NoError(t, s.Destroy(v.Offset(), record.Dtor))

	tmp, err := s.New(record.Size, record.Ctor(1, 20, []byte{7, 8, 9}))
	require.NoError(t, err)
	require.NoError(t, m.abandon([]byte("one"), tmp, record.Size))
	_, has, err := m.Lookup([]byte("one"))
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, []string{"two"}, keys(t, m))
	require.NoError(t, m.Verify())

	_, err = m.Erase([]byte("two"))
	require.NoError(t, err)
	require.Equal(t, empty, used(t, s), "nothing leaked")
}

func TestFailedEmplaceLeavesNothing(t *testing.T) {
	s := anon(t, 16)
	m := records(t, s)
	before := used(t, s)
	_, _, err := m.Emplace([]byte("key"), failing)
	require.Error(t, err)
	require.Equal(t, before, used(t, s))
	n, err := m.Len()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestEraseAndClear(t *testing.T) {
	s := anon(t, 64)
	before := used(t, s)
	m := records(t, s)
	empty := used(t, s)
	for i := 0; i < 100; i++ {
		_, _, err := m.Emplace([]byte(fmt.Sprintf("k%03d", i)), record.Ctor(int32(i), 0, []byte{byte(i)}))
		require.NoError(t, err)
	}
	for i := 0; i < 100; i += 2 {
		ok, err := m.Erase([]byte(fmt.Sprintf("k%03d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := m.Erase([]byte("k000"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, m.Verify())
	n, err := m.Len()
	require.NoError(t, err)
	require.Equal(t, 50, n)

	require.NoError(t, m.Clear())
	require.Equal(t, empty, used(t, s))
	require.Empty(t, keys(t, m))
	require.NoError(t, m.Destroy())
	require.Equal(t, before, used(t, s))
}

func TestRandomOperations(t *testing.T) {
	s := anon(t, 256)
	m, err := New[dynamic.Buffer](s, dynamic.BufferType{})
	require.NoError(t, err)
	model := make(map[string][]byte)
	for i := 0; i < 3000; i++ {
		k := fmt.Sprintf("%d", rand.Intn(300))
		switch rand.Intn(3) {
		case 0:
			v := []byte(fmt.Sprint(i))
			_, inserted, err := m.Emplace([]byte(k), dynamic.Ctor(v))
			require.NoError(t, err)
			_, had := model[k]
			require.Equal(t, !had, inserted)
			if !had {
				model[k] = v
			}
		case 1:
			v := []byte(fmt.Sprint(-i))
			_, replaced, err := m.Upsert([]byte(k), dynamic.Ctor(v))
			require.NoError(t, err)
			_, had := model[k]
			require.Equal(t, had, replaced)
			model[k] = v
		case 2:
			ok, err := m.Erase([]byte(k))
			require.NoError(t, err)
			_, had := model[k]
			require.Equal(t, had, ok)
			delete(model, k)
		}
	}
	require.NoError(t, m.Verify())
	expect := make([]string, 0, len(model))
	for k := range model {
		expect = append(expect, k)
	}
	sort.Strings(expect)
	require.Equal(t, expect, keys(t, m))
	require.NoError(t, m.Do(func(k []byte, v dynamic.Buffer) error {
		b, err := v.Bytes()
		require.NoError(t, err)
		require.Equal(t, model[string(k)], b)
		return nil
	}))
}

func TestZeroAdapter(t *testing.T) {
	var s scoped.Adapter
	_, err := New[record.Record](s, record.Type{})
	require.True(t, errors.Is(err, errors.AllocatorMismatch))
	m := At[record.Record](s, 4096, record.Type{})
	_, err = m.Len()
	require.True(t, errors.Is(err, errors.AllocatorMismatch))
}

func TestNotAMap(t *testing.T) {
	s := anon(t, 16)
	at, err := s.Allocate(HeaderSize)
	require.NoError(t, err)
	m := At[record.Record](s, at, record.Type{})
	_, err = m.Len()
	require.True(t, errors.Is(err, errors.Corrupt))
}
