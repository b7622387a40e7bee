package shared

import "errors"

var (
	// ErrEmptyHandle is returned when the value of an empty handle is accessed.
	ErrEmptyHandle = errors.New("shared: access through empty handle")

	// ErrExpired is returned by [Weak.Upgrade] once the value has been released.
	ErrExpired = errors.New("shared: value already released")

	// ErrRefCountUnderflow reports a corrupted control block. It is only ever
	// raised as a panic.
	ErrRefCountUnderflow = errors.New("shared: reference count underflow")
)
