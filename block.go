package shared

import (
	"fmt"
	"sync/atomic"
)

// block is the control block shared by all handles on one value.
type block[T any] struct {
	strong atomic.Int64 // live strong handles
	weak   atomic.Int64 // live weak handles, plus one held jointly by the strong owners

	value     T
	release   func(T)
	tracker   *Tracker
	leakCheck bool
}

func newBlock[T any](value T, o *options) *block[T] {
	b := &block[T]{
		value:     value,
		tracker:   o.tracker,
		leakCheck: o.leakCheck,
	}
	b.strong.Store(1)
	b.weak.Store(1)

	switch fn := o.release.(type) {
	case nil:
	case func(T):
		b.release = fn
	default:
		panic(fmt.Errorf("shared: release func %T does not accept %s", o.release, typeName[T]()))
	}
	if o.closer {
		b.release = chainClose(b.release, o.tracker.logger())
	}

	b.tracker.allocated()
	return b
}

// retain adds a strong reference. The caller must already hold one.
func (b *block[T]) retain() {
	if b.strong.Add(1) <= 1 {
		panic(ErrRefCountUnderflow)
	}
	b.tracker.cloned()
}

// tryRetain adds a strong reference unless the value is already released.
func (b *block[T]) tryRetain() bool {
	for {
		n := b.strong.Load()
		if n <= 0 {
			return false
		}
		if b.strong.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// drop removes a strong reference. The last one releases the value and then
// gives up the strong owners' weak reference.
func (b *block[T]) drop() {
	n := b.strong.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(ErrRefCountUnderflow)
	}

	b.dispose()
	b.dropWeak()
}

func (b *block[T]) dispose() {
	if b.release != nil {
		b.release(b.value)
	}
	var zero T
	b.value = zero
	b.tracker.released()
}

func (b *block[T]) retainWeak() {
	if b.weak.Add(1) <= 1 {
		panic(ErrRefCountUnderflow)
	}
}

func (b *block[T]) dropWeak() {
	n := b.weak.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(ErrRefCountUnderflow)
	}
	b.release = nil
	b.tracker.freed()
}
