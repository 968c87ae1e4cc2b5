// Package weakref provides handles that observe heap objects without
// keeping them alive, and containers built on them.
package weakref

import (
	"fmt"
	"weak"
)

// Handle is a non-owning reference to a *T.
//
// A Handle never keeps its referent alive. Once the garbage collector
// reclaims the referent, every handle made from it resolves to nil.
// The zero Handle is empty.
type Handle[T any] struct {
	ptr  weak.Pointer[T]
	hash uint64 // identity hash captured by Make/Set
}

// Make returns a handle observing v. A nil v yields an empty handle.
// Pointers to package-level variables and to zero-size values are accepted;
// such referents are never reclaimed.
func Make[T any](v *T) Handle[T] {
	if v == nil {
		return Handle[T]{}
	}

	return Handle[T]{
		ptr:  weak.Make(v),
		hash: identityHash(v),
	}
}

// Value returns the referent, or nil if it was reclaimed or never set.
func (h Handle[T]) Value() *T {
	return h.ptr.Value()
}

// Set points h at v. The previous referent is unaffected.
func (h *Handle[T]) Set(v *T) {
	*h = Make(v)
}

func (h Handle[T]) IsEmpty() bool {
	return h.Value() == nil
}

func (h Handle[T]) HasValue() bool {
	return h.Value() != nil
}

// Map calls fn with the referent of h if it is live.
// The second result reports whether fn was called.
func Map[T, U any](h Handle[T], fn func(*T) U) (result U, ok bool) {
	v := h.Value()
	if v == nil {
		return result, false
	}

	return fn(v), true
}

// TryMap is Map for transforms that can fail. The error returned by fn
// is passed through as is.
func TryMap[T, U any](h Handle[T], fn func(*T) (U, error)) (result U, ok bool, err error) {
	v := h.Value()
	if v == nil {
		return result, false, nil
	}

	result, err = fn(v)
	return result, true, err
}

// Equal reports whether h and other currently resolve to the same object.
// An empty handle is not equal to anything, including another empty handle.
func (h Handle[T]) Equal(other Handle[T]) bool {
	v := h.Value()
	return v != nil && v == other.Value()
}

// Is reports whether h currently resolves to v.
func (h Handle[T]) Is(v *T) bool {
	return v != nil && h.Value() == v
}

// Hash returns the identity hash of the object h was made from.
// It does not change when the referent is reclaimed, so a handle stored
// under it in a hashed container stays locatable.
func (h Handle[T]) Hash() uint64 {
	return h.hash
}

func (h Handle[T]) String() string {
	v := h.Value()
	if v == nil {
		return "WeakHandle(nil)"
	}

	return fmt.Sprintf("WeakHandle(%v)", v)
}

// GoString formats the referent with its GoString method when *T has one,
// and like String otherwise.
func (h Handle[T]) GoString() string {
	v := h.Value()
	if gs, ok := any(v).(fmt.GoStringer); ok && v != nil {
		return fmt.Sprintf("WeakHandle(%s)", gs.GoString())
	}

	return h.String()
}
