package shared

import (
	"io"
	"log/slog"
	"reflect"
)

type options struct {
	release   any // func(T), checked against T by New
	closer    bool
	tracker   *Tracker
	leakCheck bool
}

// Option is a functional option for [New].
type Option func(*options)

// WithRelease registers fn to be called with the value when the last strong
// reference is released. fn runs exactly once, on the goroutine performing
// that release. fn must accept the handle's value type; New panics otherwise.
func WithRelease[T any](fn func(T)) Option {
	return func(o *options) {
		o.release = fn
	}
}

// WithCloser closes the value on final release if it implements io.Closer.
// It runs after any func registered with [WithRelease]. Close errors are
// logged, not returned.
func WithCloser() Option {
	return func(o *options) {
		o.closer = true
	}
}

// WithTracker records the handle's lifecycle in t.
func WithTracker(t *Tracker) Option {
	return func(o *options) {
		o.tracker = t
	}
}

// WithLeakCheck reports strong handles that become unreachable without being
// released. Reports go to the tracker set by [WithTracker], or to
// slog.Default when there is none. The leaked reference is not repaired.
func WithLeakCheck() Option {
	return func(o *options) {
		o.leakCheck = true
	}
}

func chainClose[T any](release func(T), logger *slog.Logger) func(T) {
	return func(v T) {
		if release != nil {
			release(v)
		}
		c, ok := any(v).(io.Closer)
		if !ok {
			return
		}
		if err := c.Close(); err != nil {
			logger.Warn("closing shared value", "type", typeName[T](), "err", err)
		}
	}
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}
