package weakref

import (
	"runtime"
	"sync"
	"testing"
	"time"
	"weak"

	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T, opts ...Option) *Set[testObject] {
	t.Helper()

	s, err := NewSet[testObject](opts...)
	require.NoError(t, err)
	return s
}

//go:noinline
func addDetached(s *Set[testObject], value string) Handle[testObject] {
	h := Make(&testObject{value: value})
	s.AddHandle(h)
	return h
}

func TestSet_Add(t *testing.T) {
	t.Run("valid: add and lookup", func(t *testing.T) {
		s := newTestSet(t)
		a := &testObject{value: "X"}
		b := &testObject{value: "X"}

		assert.True(t, s.Add(a))
		assert.True(t, s.Contains(a))
		assert.True(t, s.ContainsHandle(Make(a)))
		assert.False(t, s.Contains(b))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("invalid: duplicate", func(t *testing.T) {
		s := newTestSet(t)
		a := &testObject{}

		assert.True(t, s.Add(a))
		assert.False(t, s.Add(a))
		assert.False(t, s.AddHandle(Make(a)))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("invalid: NIL and empty handle", func(t *testing.T) {
		s := newTestSet(t)

		assert.False(t, s.Add(nil))
		assert.False(t, s.AddHandle(Handle[testObject]{}))
		assert.False(t, s.Contains(nil))
		assert.Zero(t, s.Len())
	})
}

func TestSet_Remove(t *testing.T) {
	s := newTestSet(t)
	a := &testObject{value: "a"}
	b := &testObject{value: "b"}
	s.Add(a)
	s.Add(b)

	assert.True(t, s.Remove(a))
	assert.False(t, s.Remove(a))
	assert.False(t, s.Remove(nil))
	assert.False(t, s.Contains(a))
	assert.True(t, s.Contains(b))
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.Bucket(Make(a).Hash()))
}

func TestSet_Reclaimed(t *testing.T) {
	t.Run("valid: slot stays locatable but does not match", func(t *testing.T) {
		s := newTestSet(t)
		h := addDetached(s, "X")
		forceGC()

		bucket := s.Bucket(h.Hash())
		require.Len(t, bucket, 1)
		assert.True(t, bucket[0].IsEmpty())
		assert.Equal(t, h.Hash(), bucket[0].Hash())

		assert.False(t, s.ContainsHandle(h))
		assert.False(t, s.ContainsHandle(bucket[0]))
		assert.Equal(t, 1, s.Len())
		assert.Zero(t, s.Live())
	})

	t.Run("valid: membership follows the referent", func(t *testing.T) {
		s := newTestSet(t)
		a := &testObject{value: "a"}
		b := &testObject{value: "b"}

		h1 := Make(a)
		h2 := Make(a)
		h3 := Make(b)
		h4 := Make(b)

		s.AddHandle(h1)
		assert.True(t, s.ContainsHandle(h2))
		h2.Set(nil)
		assert.False(t, s.ContainsHandle(h2))

		s.AddHandle(h3)
		assert.True(t, s.ContainsHandle(h4))

		b = nil
		forceGC()
		assert.False(t, s.ContainsHandle(h4))
		assert.Equal(t, 1, s.Live())
		runtime.KeepAlive(a)

		a = nil
		forceGC()
		s.Each(func(*testObject) bool {
			t.Error("unexpected live member")
			return true
		})
		assert.Zero(t, s.Live())
		assert.Equal(t, 2, s.Len())
	})
}

func TestSet_Compact(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	s := newTestSet(t, WithName("compact"), WithRegisterer(reg))

	live := &testObject{value: "live"}
	s.Add(live)
	addDetached(s, "X")
	addDetached(s, "Y")
	forceGC()

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 2, s.Compact())
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(live))
	assert.Zero(t, s.Compact())
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.compacted))
	n, err := testutil.GatherAndCount(reg, "weakref_set_compacted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSet_AutoCompact(t *testing.T) {
	s := newTestSet(t, WithAutoCompact())
	addDetached(s, "X")

	assert.Eventually(t, func() bool {
		runtime.GC()
		return s.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSet_NonHeapMembers(t *testing.T) {
	t.Run("valid: package-level variable", func(t *testing.T) {
		s := newTestSet(t, WithAutoCompact())

		assert.True(t, s.Add(&globalObject))
		forceGC()

		assert.True(t, s.Contains(&globalObject))
		assert.Equal(t, 1, s.Live())
		assert.True(t, s.Remove(&globalObject))
		assert.Zero(t, s.Len())
	})

	t.Run("valid: zero-size value", func(t *testing.T) {
		s, err := NewSet[marker](WithAutoCompact())
		require.NoError(t, err)

		m := &marker{}
		assert.True(t, s.Add(m))
		forceGC()

		assert.True(t, s.Contains(m))
		assert.Equal(t, 1, s.Live())
	})
}

func TestSet_Cleanups(t *testing.T) {
	t.Run("valid: remove stops the member cleanup", func(t *testing.T) {
		s := newTestSet(t, WithAutoCompact())
		obj := &testObject{value: "X"}

		require.True(t, s.Add(obj))
		slot := s.buckets[Make(obj).Hash()][0]
		assert.NotEqual(t, runtime.Cleanup{}, slot.cleanup)

		require.True(t, s.Remove(obj))
		require.True(t, s.Add(obj))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("valid: live members do not keep the set alive", func(t *testing.T) {
		obj := &testObject{value: "X"}
		ws := newDetachedSet(t, obj)

		assert.Eventually(t, func() bool {
			runtime.GC()
			return ws.Value() == nil
		}, 2*time.Second, 10*time.Millisecond)
		runtime.KeepAlive(obj)
	})
}

//go:noinline
func newDetachedSet(t *testing.T, member *testObject) weak.Pointer[Set[testObject]] {
	s := newTestSet(t, WithAutoCompact())
	s.Add(member)
	return weak.Make(s)
}

func TestSet_Each(t *testing.T) {
	s := newTestSet(t)
	objs := []*testObject{{value: "a"}, {value: "b"}, {value: "c"}}
	for _, o := range objs {
		s.Add(o)
	}

	t.Run("valid: visits every live member", func(t *testing.T) {
		seen := map[string]bool{}
		s.Each(func(o *testObject) bool {
			seen[o.value] = true
			return true
		})
		assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
		assert.ElementsMatch(t, objs, s.Values())
	})

	t.Run("valid: stops early", func(t *testing.T) {
		calls := 0
		s.Each(func(*testObject) bool {
			calls++
			return false
		})
		assert.Equal(t, 1, calls)
	})

	t.Run("valid: callback may modify the set", func(t *testing.T) {
		s.Each(func(o *testObject) bool {
			s.Remove(o)
			return true
		})
		assert.Zero(t, s.Len())
	})

	runtime.KeepAlive(objs)
}

func TestSet_Concurrent(t *testing.T) {
	defer leaktest.Check(t)()

	s := newTestSet(t)
	objs := make([]*testObject, 64)
	for i := range objs {
		objs[i] = &testObject{value: "x"}
	}

	var wg sync.WaitGroup
	for _, o := range objs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Add(o)
		}()
		go func() {
			defer wg.Done()
			s.Contains(o)
			s.Live()
		}()
	}
	wg.Wait()

	assert.Equal(t, len(objs), s.Len())
	for _, o := range objs {
		assert.True(t, s.Contains(o))
	}
}
