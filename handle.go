package shared

import (
	"fmt"
	"runtime"
)

// Handle is a strong, reference-counted reference to a value of type T.
//
// The zero Handle is empty. Handles must be used through pointers and must
// not be copied by value; use [Handle.Clone] to share ownership.
type Handle[T any] struct {
	_ noCopy

	b       *block[T]
	cleanup runtime.Cleanup
	armed   bool
}

// New returns a handle that owns value, with a use count of 1.
func New[T any](value T, opts ...Option) *Handle[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	h := &Handle[T]{}
	h.attach(newBlock(value, &o))
	return h
}

// Empty returns a handle that owns nothing. It is equivalent to new(Handle[T]).
func Empty[T any]() *Handle[T] {
	return &Handle[T]{}
}

// Clone returns a new handle sharing ownership of h's value and increments
// the use count. Cloning an empty handle returns an empty handle.
func (h *Handle[T]) Clone() *Handle[T] {
	c := &Handle[T]{}
	if h == nil || h.b == nil {
		return c
	}
	h.b.retain()
	c.attach(h.b)
	return c
}

// Move returns a new handle that takes over h's reference. h becomes empty
// and the use count does not change.
func (h *Handle[T]) Move() *Handle[T] {
	m := &Handle[T]{}
	if h == nil || h.b == nil {
		return m
	}
	b := h.b
	h.attach(nil)
	m.attach(b)
	b.tracker.moved()
	return m
}

// Assign makes h share src's value, releasing the reference h held before.
// Assigning a handle to itself, or to another handle on the same value, is a
// no-op. A nil src is treated as empty. h must not be nil.
func (h *Handle[T]) Assign(src *Handle[T]) {
	if h == src || h.b == src.block() {
		return
	}
	tmp := src.Clone()
	h.Swap(tmp)
	tmp.Release()
}

// MoveFrom takes over src's reference, releasing the reference h held before.
// src becomes empty. h.MoveFrom(h) is a no-op. A nil src is treated as empty;
// h must not be nil.
func (h *Handle[T]) MoveFrom(src *Handle[T]) {
	if h == src {
		return
	}
	old := h.b

	var b *block[T]
	if src != nil && src.b != nil {
		b = src.b
		src.attach(nil)
		b.tracker.moved()
	}
	h.attach(b)

	if old != nil {
		old.drop()
	}
}

// Swap exchanges the references held by h and other. Both must be non-nil.
func (h *Handle[T]) Swap(other *Handle[T]) {
	if h == other {
		return
	}
	hb, ob := h.b, other.b
	h.attach(ob)
	other.attach(hb)
}

// Release drops h's reference and leaves h empty. If h held the last strong
// reference, the value is released. Releasing an empty handle does nothing.
func (h *Handle[T]) Release() {
	if h == nil || h.b == nil {
		return
	}
	b := h.b
	h.attach(nil)
	b.drop()
}

// Get returns the value, or [ErrEmptyHandle] if h is empty.
func (h *Handle[T]) Get() (T, error) {
	if h == nil || h.b == nil {
		var zero T
		return zero, ErrEmptyHandle
	}
	return h.b.value, nil
}

// MustGet returns the value. It panics with [ErrEmptyHandle] if h is empty.
func (h *Handle[T]) MustGet() T {
	v, err := h.Get()
	if err != nil {
		panic(err)
	}
	return v
}

// Ptr returns a pointer to the value stored in the control block, or
// [ErrEmptyHandle] if h is empty. The pointer is valid only while the caller
// holds a strong reference, and writes through it are not synchronized.
func (h *Handle[T]) Ptr() (*T, error) {
	if h == nil || h.b == nil {
		return nil, ErrEmptyHandle
	}
	return &h.b.value, nil
}

// UseCount returns the number of strong handles sharing h's value, or 0 if h
// is empty. The result may be stale as soon as it is returned.
func (h *Handle[T]) UseCount() int64 {
	if h == nil || h.b == nil {
		return 0
	}
	return h.b.strong.Load()
}

// IsEmpty reports whether h owns nothing.
func (h *Handle[T]) IsEmpty() bool {
	return h == nil || h.b == nil
}

// Equal reports whether h and other share the same value. Two empty handles
// are equal.
func (h *Handle[T]) Equal(other *Handle[T]) bool {
	return h.block() == other.block()
}

// Weak returns a weak handle observing h's value. The weak handle must be
// released with [Weak.Release].
func (h *Handle[T]) Weak() *Weak[T] {
	w := &Weak[T]{}
	if h == nil || h.b == nil {
		return w
	}
	h.b.retainWeak()
	w.b = h.b
	return w
}

func (h *Handle[T]) String() string {
	if h.IsEmpty() {
		return fmt.Sprintf("shared.Handle[%s](empty)", typeName[T]())
	}
	return fmt.Sprintf("shared.Handle[%s](use_count=%d)", typeName[T](), h.UseCount())
}

func (h *Handle[T]) block() *block[T] {
	if h == nil {
		return nil
	}
	return h.b
}

// attach points h at b without touching counters and keeps the leak check
// registration in step with the reference h holds.
func (h *Handle[T]) attach(b *block[T]) {
	if h.armed {
		h.cleanup.Stop()
		h.armed = false
	}
	h.b = b
	if b == nil || !b.leakCheck {
		return
	}
	h.cleanup = runtime.AddCleanup(h, reportLeak, leakReport{tracker: b.tracker, typ: typeName[T]()})
	h.armed = true
}

type leakReport struct {
	tracker *Tracker
	typ     string
}

func reportLeak(r leakReport) {
	r.tracker.leaked(r.typ)
}

// noCopy may be embedded into structs which must not be copied after first
// use. See https://golang.org/issues/8005#issuecomment-190753527.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
