package shared

import "fmt"

// Weak is a non-owning reference to a value held by [Handle]s. It keeps the
// control block reachable but never keeps the value alive.
//
// The zero Weak is empty and always expired.
type Weak[T any] struct {
	_ noCopy

	b *block[T]
}

// Upgrade returns a new strong handle on the value, or [ErrExpired] if the
// last strong reference has already been released. The returned handle must
// be released by the caller.
func (w *Weak[T]) Upgrade() (*Handle[T], error) {
	if w == nil || w.b == nil {
		return nil, ErrExpired
	}
	if !w.b.tryRetain() {
		w.b.tracker.upgradeFailed()
		return nil, ErrExpired
	}
	w.b.tracker.cloned()

	h := &Handle[T]{}
	h.attach(w.b)
	return h, nil
}

// MustUpgrade is like [Weak.Upgrade] but panics if the value has expired.
func (w *Weak[T]) MustUpgrade() *Handle[T] {
	h, err := w.Upgrade()
	if err != nil {
		panic(err)
	}
	return h
}

// Expired reports whether the value has been released. A false result is
// advisory; use [Weak.Upgrade] to obtain the value.
func (w *Weak[T]) Expired() bool {
	return w.UseCount() == 0
}

// UseCount returns the number of strong handles on the observed value.
func (w *Weak[T]) UseCount() int64 {
	if w == nil || w.b == nil {
		return 0
	}
	return w.b.strong.Load()
}

// Clone returns another weak handle on the same control block.
func (w *Weak[T]) Clone() *Weak[T] {
	c := &Weak[T]{}
	if w == nil || w.b == nil {
		return c
	}
	w.b.retainWeak()
	c.b = w.b
	return c
}

// Release drops the weak reference and leaves w empty.
func (w *Weak[T]) Release() {
	if w == nil || w.b == nil {
		return
	}
	b := w.b
	w.b = nil
	b.dropWeak()
}

func (w *Weak[T]) String() string {
	if w == nil || w.b == nil {
		return fmt.Sprintf("shared.Weak[%s](empty)", typeName[T]())
	}
	return fmt.Sprintf("shared.Weak[%s](use_count=%d)", typeName[T](), w.UseCount())
}
