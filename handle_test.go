package shared

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// counted records how many times the value it guards has been released.
type counted struct {
	id       int
	releases atomic.Int32
}

func newCounted(t *testing.T, id int, opts ...Option) (*Handle[*counted], *counted, *Tracker) {
	t.Helper()
	tr := NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := &counted{id: id}
	opts = append([]Option{
		WithTracker(tr),
		WithRelease(func(v *counted) { v.releases.Add(1) }),
	}, opts...)
	return New(c, opts...), c, tr
}

func TestNew(t *testing.T) {
	r := require.New(t)

	h := New(100)
	r.False(h.IsEmpty())
	r.EqualValues(1, h.UseCount())

	v, err := h.Get()
	r.NoError(err)
	r.Equal(100, v)
	r.Equal(100, h.MustGet())

	h.Release()
	r.True(h.IsEmpty())
	r.EqualValues(0, h.UseCount())
}

func TestEmptyHandle(t *testing.T) {
	tests := map[string]func() *Handle[int]{
		"Empty":       Empty[int],
		"zero value":  func() *Handle[int] { return new(Handle[int]) },
		"nil pointer": func() *Handle[int] { return nil },
		"released":    func() *Handle[int] { h := New(1); h.Release(); return h },
		"moved from": func() *Handle[int] {
			h := New(1)
			m := h.Move()
			m.Release()
			return h
		},
	}

	for name, mk := range tests {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			h := mk()

			r.True(h.IsEmpty())
			r.EqualValues(0, h.UseCount())

			v, err := h.Get()
			r.ErrorIs(err, ErrEmptyHandle)
			r.Zero(v)

			p, err := h.Ptr()
			r.ErrorIs(err, ErrEmptyHandle)
			r.Nil(p)

			r.PanicsWithError(ErrEmptyHandle.Error(), func() {
				h.MustGet()
			})

			c := h.Clone()
			r.True(c.IsEmpty())
			r.True(h.Equal(c))

			h.Release()
			r.True(h.IsEmpty())
		})
	}
}

func TestHandle_UseCount(t *testing.T) {
	for _, n := range []int{1, 2, 10} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			r := require.New(t)
			h, c, _ := newCounted(t, n)

			handles := []*Handle[*counted]{h}
			for i := 1; i < n; i++ {
				handles = append(handles, h.Clone())
			}
			for _, x := range handles {
				r.EqualValues(n, x.UseCount())
			}

			for i, x := range handles {
				x.Release()
				if i < n-1 {
					r.EqualValues(n-i-1, handles[n-1].UseCount())
				}
			}
			r.EqualValues(1, c.releases.Load())
		})
	}
}

func TestHandle_Trace(t *testing.T) {
	r := require.New(t)
	released := 0

	h1 := New(100, WithRelease(func(v int) {
		r.Equal(100, v)
		released++
	}))
	r.EqualValues(1, h1.UseCount())

	h2 := h1.Clone()
	r.EqualValues(2, h1.UseCount())
	r.EqualValues(2, h2.UseCount())

	h1.Release()
	r.EqualValues(1, h2.UseCount())
	r.Equal(0, released)
	r.Equal(100, h2.MustGet())

	h2.Release()
	r.EqualValues(0, h2.UseCount())
	r.Equal(1, released)
}

func TestHandle_Move(t *testing.T) {
	r := require.New(t)
	h, c, tr := newCounted(t, 1)
	other := h.Clone()
	defer other.Release()

	r.EqualValues(2, h.UseCount())

	m := h.Move()
	r.True(h.IsEmpty())
	r.EqualValues(0, h.UseCount())
	_, err := h.Get()
	r.ErrorIs(err, ErrEmptyHandle)

	r.EqualValues(2, m.UseCount())
	r.Same(c, m.MustGet())
	r.True(m.Equal(other))
	r.EqualValues(1, tr.Stats().Moves)

	m.Release()
	r.EqualValues(0, c.releases.Load())
}

func TestHandle_MoveFrom(t *testing.T) {
	tests := map[string]struct {
		emptyDst bool
	}{
		"into empty":         {emptyDst: true},
		"over owning handle": {emptyDst: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			dst, old, _ := newCounted(t, 1)
			src, val, _ := newCounted(t, 2)
			if tc.emptyDst {
				dst.Release()
			}

			dst.MoveFrom(src)

			r.True(src.IsEmpty())
			r.EqualValues(1, dst.UseCount())
			r.Same(val, dst.MustGet())
			r.EqualValues(1, old.releases.Load())
			r.EqualValues(0, val.releases.Load())

			dst.Release()
			r.EqualValues(1, val.releases.Load())
			r.EqualValues(1, old.releases.Load())
		})
	}
}

func TestHandle_MoveFromSameValue(t *testing.T) {
	r := require.New(t)
	h, c, _ := newCounted(t, 1)
	other := h.Clone()

	h.MoveFrom(other)
	r.True(other.IsEmpty())
	r.EqualValues(1, h.UseCount())
	r.EqualValues(0, c.releases.Load())

	h.MoveFrom(h)
	r.EqualValues(1, h.UseCount())

	h.Release()
	r.EqualValues(1, c.releases.Load())
}

func TestHandle_Assign(t *testing.T) {
	r := require.New(t)
	a, av, _ := newCounted(t, 1)
	b, bv, _ := newCounted(t, 2)

	// self-assignment
	a.Assign(a)
	r.EqualValues(1, a.UseCount())
	r.Same(av, a.MustGet())

	// assignment from another handle on the same value
	a2 := a.Clone()
	a.Assign(a2)
	r.EqualValues(2, a.UseCount())
	a2.Release()

	// assignment drops the old value
	a.Assign(b)
	r.EqualValues(1, av.releases.Load())
	r.EqualValues(2, b.UseCount())
	r.True(a.Equal(b))
	r.Same(bv, a.MustGet())

	// assigning an empty handle empties the destination
	a.Assign(Empty[*counted]())
	r.True(a.IsEmpty())
	r.EqualValues(1, b.UseCount())

	a.Assign(nil)
	r.True(a.IsEmpty())

	b.Release()
	r.EqualValues(1, bv.releases.Load())
}

func TestHandle_Swap(t *testing.T) {
	r := require.New(t)
	a := New("a")
	b := New("b")
	e := Empty[string]()

	a.Swap(b)
	r.Equal("b", a.MustGet())
	r.Equal("a", b.MustGet())

	a.Swap(e)
	r.True(a.IsEmpty())
	r.Equal("b", e.MustGet())

	a.Swap(a)
	r.True(a.IsEmpty())

	b.Release()
	e.Release()
}

func TestHandle_NilReceivers(t *testing.T) {
	r := require.New(t)
	var nilHandle *Handle[int]

	// nil sources behave as empty
	a := New(1)
	a.MoveFrom(nil)
	r.True(a.IsEmpty())
	a.Assign(nil)
	r.True(a.IsEmpty())

	// a nil destination has nowhere to store the result
	tests := map[string]func(){
		"assign":    func() { nilHandle.Assign(New(2)) },
		"move from": func() { nilHandle.MoveFrom(New(3)) },
		"swap":      func() { nilHandle.Swap(New(4)) },
		"swap nil":  func() { New(5).Swap(nilHandle) },
	}
	for name, fn := range tests {
		r.Panics(fn, name)
	}

	// nil with nil is the self case
	r.NotPanics(func() {
		nilHandle.Assign(nil)
		nilHandle.MoveFrom(nil)
		nilHandle.Swap(nil)
	})
}

func TestHandle_Equal(t *testing.T) {
	h := New(1)
	defer h.Release()
	c := h.Clone()
	defer c.Release()
	other := New(1)
	defer other.Release()

	tests := map[string]struct {
		a, b *Handle[int]
		want bool
	}{
		"same handle":        {a: h, b: h, want: true},
		"clone":              {a: h, b: c, want: true},
		"equal values":       {a: h, b: other, want: false},
		"empty vs non-empty": {a: Empty[int](), b: h, want: false},
		"non-empty vs empty": {a: h, b: Empty[int](), want: false},
		"two empties":        {a: Empty[int](), b: new(Handle[int]), want: true},
		"nil vs empty":       {a: nil, b: Empty[int](), want: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.a.Equal(tc.b))
		})
	}
}

func TestHandle_ReleaseTwice(t *testing.T) {
	r := require.New(t)
	h, c, tr := newCounted(t, 1)
	clone := h.Clone()

	h.Release()
	h.Release()
	r.EqualValues(1, clone.UseCount())
	r.EqualValues(0, c.releases.Load())

	clone.Release()
	clone.Release()
	r.EqualValues(1, c.releases.Load())

	s := tr.Stats()
	r.EqualValues(1, s.Allocated)
	r.EqualValues(1, s.Released)
	r.EqualValues(1, s.Freed)
	r.EqualValues(0, s.Live())
}

func TestHandle_Ptr(t *testing.T) {
	r := require.New(t)
	h := New([]int{1, 2, 3})
	c := h.Clone()

	p, err := h.Ptr()
	r.NoError(err)
	*p = append(*p, 4)

	r.Equal([]int{1, 2, 3, 4}, c.MustGet())

	h.Release()
	c.Release()
}

func TestHandle_ReleaseZeroesValue(t *testing.T) {
	r := require.New(t)
	h := New(&counted{id: 1})
	w := h.Weak()
	defer w.Release()

	h.Release()
	r.Nil(w.b.value)
}

func TestNew_ReleaseTypeMismatch(t *testing.T) {
	require.Panics(t, func() {
		New(1, WithRelease(func(string) {}))
	})
}

type closer struct {
	closed atomic.Int32
	err    error
}

func (c *closer) Close() error {
	c.closed.Add(1)
	return c.err
}

func TestWithCloser(t *testing.T) {
	tests := map[string]struct {
		err     error
		wantLog bool
	}{
		"close succeeds": {},
		"close fails": {
			err:     errors.New("boom"),
			wantLog: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			var buf bytes.Buffer
			tr := NewTracker(slog.New(slog.NewTextHandler(&buf, nil)))

			var order []string
			c := &closer{err: tc.err}
			h := New(c,
				WithTracker(tr),
				WithRelease(func(*closer) { order = append(order, "release") }),
				WithCloser(),
			)
			c2 := h.Clone()

			h.Release()
			r.EqualValues(0, c.closed.Load())

			c2.Release()
			r.EqualValues(1, c.closed.Load())
			r.Equal([]string{"release"}, order)
			r.Equal(tc.wantLog, bytes.Contains(buf.Bytes(), []byte("closing shared value")))
		})
	}
}

func TestWithCloser_NotACloser(t *testing.T) {
	r := require.New(t)
	h := New(42, WithCloser())
	r.NotPanics(h.Release)
}

func TestHandle_String(t *testing.T) {
	r := require.New(t)
	h := New("secret")
	c := h.Clone()

	r.Equal("shared.Handle[string](use_count=2)", h.String())
	r.NotContains(h.String(), "secret")

	h.Release()
	c.Release()
	r.Equal("shared.Handle[string](empty)", h.String())
}

// TestHandle_RandomOperations drives a pool of handles on one value through
// random clone, move, assign, swap and release operations.
func TestHandle_RandomOperations(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		r := require.New(t)
		rng := rand.New(rand.NewSource(seed))
		h, c, tr := newCounted(t, int(seed))

		pool := []*Handle[*counted]{h}
		for step := 0; step < 200; step++ {
			i, j := rng.Intn(len(pool)), rng.Intn(len(pool))
			switch rng.Intn(6) {
			case 0:
				pool = append(pool, pool[i].Clone())
			case 1:
				pool = append(pool, pool[i].Move())
			case 2:
				pool[i].Assign(pool[j])
			case 3:
				pool[i].MoveFrom(pool[j])
			case 4:
				pool[i].Swap(pool[j])
			case 5:
				if len(pool) > 1 {
					pool[i].Release()
				}
			}

			live := int64(0)
			for _, x := range pool {
				if !x.IsEmpty() {
					live++
				}
			}
			if live > 0 {
				r.EqualValues(0, c.releases.Load(), "seed %d step %d", seed, step)
				for _, x := range pool {
					if !x.IsEmpty() {
						r.Equal(live, x.UseCount(), "seed %d step %d", seed, step)
					}
				}
			} else {
				r.EqualValues(1, c.releases.Load(), "seed %d step %d", seed, step)
				break
			}
		}

		for _, x := range pool {
			x.Release()
		}
		r.EqualValues(1, c.releases.Load())

		s := tr.Stats()
		r.EqualValues(1, s.Allocated)
		r.EqualValues(1, s.Released)
		r.EqualValues(1, s.Freed)
	}
}

func TestHandle_ConcurrentCloneRelease(t *testing.T) {
	const (
		workers    = 16
		iterations = 500
	)
	r := require.New(t)
	tr := NewTracker(nil)

	for iter := 0; iter < iterations; iter++ {
		c := &counted{id: iter}
		src := New(c, WithTracker(tr), WithRelease(func(v *counted) { v.releases.Add(1) }))

		clones := make([]*Handle[*counted], workers)
		var g errgroup.Group
		for i := range clones {
			g.Go(func() error {
				clones[i] = src.Clone()
				return nil
			})
		}
		r.NoError(g.Wait())
		r.EqualValues(workers+1, src.UseCount())

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, h := range append(clones, src) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				h.Release()
			}()
		}
		close(start)
		wg.Wait()

		r.EqualValues(1, c.releases.Load())
	}

	s := tr.Stats()
	r.EqualValues(iterations, s.Allocated)
	r.EqualValues(iterations, s.Released)
	r.EqualValues(iterations, s.Freed)
	r.EqualValues(iterations*workers, s.Clones)
}

func TestHandle_PayloadWritesVisibleToFinalRelease(t *testing.T) {
	const workers = 8
	r := require.New(t)

	var sum int64
	src := New(make([]int64, workers), WithRelease(func(v []int64) {
		for _, x := range v {
			sum += x
		}
	}))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		h := src.Clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer h.Release()
			p, _ := h.Ptr()
			(*p)[i] = int64(i + 1)
		}()
	}
	src.Release()
	wg.Wait()

	r.EqualValues(workers*(workers+1)/2, sum)
}

func TestWithLeakCheck(t *testing.T) {
	r := require.New(t)
	tr := NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)))

	func() {
		released := New(1, WithTracker(tr), WithLeakCheck())
		released.Move().Release()
		_ = New(2, WithTracker(tr), WithLeakCheck())
	}()

	r.Eventually(func() bool {
		runtime.GC()
		return tr.Stats().Leaked > 0
	}, 5*time.Second, 10*time.Millisecond)

	runtime.GC()
	runtime.GC()
	time.Sleep(10 * time.Millisecond)
	r.EqualValues(1, tr.Stats().Leaked)
	r.EqualValues(1, tr.Stats().Live())
}
