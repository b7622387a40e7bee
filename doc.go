// Package shared provides a generic, atomically reference-counted handle for
// values owned jointly by several goroutines.
//
// A [Handle] owns one strong reference to a hidden control block holding the
// value and its counters. The value is released exactly once, when the last
// strong reference is released.
//
// # Basic Usage
//
// Create a handle, share it, and release every copy:
//
//	h := shared.New(conn, shared.WithCloser())
//	defer h.Release()
//
//	c := h.Clone() // use_count is now 2
//	go func() {
//	    defer c.Release()
//	    v, _ := c.Get()
//	    use(v)
//	}()
//
// Go has no destructors: every handle obtained from [New], [Handle.Clone],
// [Handle.Move] or [Weak.Upgrade] must be released with [Handle.Release].
// A released handle is empty, so releasing it again does nothing.
//
// # Ownership Transfer
//
// [Handle.Clone] and [Handle.Assign] share ownership and increment the count.
// [Handle.Move] and [Handle.MoveFrom] transfer ownership without touching the
// count and leave the source empty. Accessing an empty handle reports
// [ErrEmptyHandle].
//
// # Weak References
//
// A [Weak] handle observes a value without keeping it alive. Use weak handles
// for back-edges that would otherwise form a cycle of strong references, which
// this package never collects:
//
//	w := parent.Weak()
//	defer w.Release()
//
//	p, err := w.Upgrade()
//	if errors.Is(err, shared.ErrExpired) {
//	    // parent is gone
//	}
//
// # Concurrency
//
// Handles on the same value may be cloned, moved and released from any number
// of goroutines. A single *Handle must not be mutated concurrently, and the
// package does not synchronize access to the value itself.
//
// Counter updates use sync/atomic, whose operations are sequentially
// consistent. Writes made to the value through any handle are therefore
// visible to the goroutine that performs the final release.
//
// # Instrumentation
//
// A [Tracker] counts allocations, releases and leaks and can be registered
// with a Prometheus registry. [WithLeakCheck] reports handles that were
// garbage collected without being released.
package shared
