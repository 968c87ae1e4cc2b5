package weakref

import (
	"runtime"
	"sync"
	"weak"

	"go.uber.org/zap"
)

// Set is an identity set of weakly held objects.
//
// Members are bucketed by Handle.Hash and matched with Handle.Equal. A
// member whose referent was collected keeps its slot, and stays visible
// through Bucket, until Compact runs or, with WithAutoCompact, until the
// runtime cleanup removes it. It never matches a lookup again.
//
// Set is safe for concurrent use.
type Set[T any] struct {
	mu      sync.RWMutex
	buckets map[uint64][]setSlot[T]
	size    int

	conf    *config
	metrics *setMetrics
}

type setSlot[T any] struct {
	handle  Handle[T]
	cleanup runtime.Cleanup // zero without WithAutoCompact
}

type setEntry[T any] struct {
	set  weak.Pointer[Set[T]]
	hash uint64
}

// NewSet creates an empty set.
func NewSet[T any](opts ...Option) (*Set[T], error) {
	conf := newConfig(opts)

	metrics, err := newSetMetrics(conf)
	if err != nil {
		return nil, err
	}

	return &Set[T]{
		buckets: make(map[uint64][]setSlot[T]),
		conf:    conf,
		metrics: metrics,
	}, nil
}

// Add adds v to the set. It reports false if v is nil or already a member.
func (s *Set[T]) Add(v *T) bool {
	return s.AddHandle(Make(v))
}

// AddHandle adds the referent of h. It reports false if h is empty or
// its referent is already a member.
func (s *Set[T]) AddHandle(h Handle[T]) bool {
	v := h.Value()
	if v == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[h.hash]
	for i := 0; i < len(bucket); i++ {
		if bucket[i].handle.Is(v) {
			return false
		}
	}

	slot := setSlot[T]{handle: h}
	if s.conf.autoCompact {
		slot.cleanup = runtime.AddCleanup(v, compactSetBucket[T], setEntry[T]{
			set:  weak.Make(s),
			hash: h.hash,
		})
	}

	s.buckets[h.hash] = append(bucket, slot)
	s.size++
	return true
}

// Contains reports whether v is a member.
func (s *Set[T]) Contains(v *T) bool {
	return s.ContainsHandle(Make(v))
}

// ContainsHandle reports whether a live member equals h.
// It is always false for an empty h.
func (s *Set[T]) ContainsHandle(h Handle[T]) bool {
	if h.IsEmpty() {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.buckets[h.hash]
	for i := 0; i < len(bucket); i++ {
		if bucket[i].handle.Equal(h) {
			return true
		}
	}

	return false
}

// Remove removes v and reports whether it was a member.
func (s *Set[T]) Remove(v *T) bool {
	if v == nil {
		return false
	}

	hash := identityHash(v)

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[hash]
	for i := 0; i < len(bucket); i++ {
		if bucket[i].handle.Is(v) {
			bucket[i].cleanup.Stop()
			s.setBucket(hash, append(bucket[:i:i], bucket[i+1:]...))
			s.size--
			return true
		}
	}

	return false
}

// Bucket returns the handles stored under hash, expired ones included.
func (s *Set[T]) Bucket(hash uint64) []Handle[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.buckets[hash]
	if len(bucket) == 0 {
		return nil
	}

	handles := make([]Handle[T], len(bucket))
	for i := 0; i < len(bucket); i++ {
		handles[i] = bucket[i].handle
	}
	return handles
}

// Len returns the number of slots, including expired ones.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Live returns the number of members whose referent is still alive.
func (s *Set[T]) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, bucket := range s.buckets {
		for i := 0; i < len(bucket); i++ {
			if bucket[i].handle.HasValue() {
				n++
			}
		}
	}
	return n
}

// Values returns the live members. The returned pointers are strong.
func (s *Set[T]) Values() []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]*T, 0, s.size)
	for _, bucket := range s.buckets {
		for i := 0; i < len(bucket); i++ {
			if v := bucket[i].handle.Value(); v != nil {
				values = append(values, v)
			}
		}
	}
	return values
}

// Each calls fn for every live member until fn returns false.
// fn runs without the set lock held and may modify the set.
func (s *Set[T]) Each(fn func(*T) bool) {
	for _, v := range s.Values() {
		if !fn(v) {
			return
		}
	}
}

// Compact drops the slots of collected members and returns their number.
func (s *Set[T]) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for hash := range s.buckets {
		dropped += s.compactLocked(hash)
	}

	s.logDropped(dropped)
	return dropped
}

// compactSetBucket is the cleanup of an auto-compacted member. It holds the
// set weakly so that members outliving the set do not keep it alive.
func compactSetBucket[T any](e setEntry[T]) {
	s := e.set.Value()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logDropped(s.compactLocked(e.hash))
}

func (s *Set[T]) compactLocked(hash uint64) int {
	bucket := s.buckets[hash]

	kept := bucket[:0]
	for i := 0; i < len(bucket); i++ {
		if bucket[i].handle.HasValue() {
			kept = append(kept, bucket[i])
		}
	}

	dropped := len(bucket) - len(kept)
	if dropped > 0 {
		clear(bucket[len(kept):])
		s.setBucket(hash, kept)
		s.size -= dropped
	}
	return dropped
}

func (s *Set[T]) setBucket(hash uint64, bucket []setSlot[T]) {
	if len(bucket) == 0 {
		delete(s.buckets, hash)
		return
	}
	s.buckets[hash] = bucket
}

func (s *Set[T]) logDropped(n int) {
	if n == 0 {
		return
	}

	s.metrics.compacted.Add(float64(n))
	s.conf.logger.Debug("weakref: compacted set",
		zap.String("name", s.conf.name),
		zap.Int("dropped", n),
	)
}
