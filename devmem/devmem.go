// Package devmem holds values that live both in host memory and in device memory: 2D arrays of records
// (Array) and scalars (Scalar).
//
// The host cache and the device copy are only synchronized by explicit calls: Upload (host -> device) and
// Download / Refresh (device -> host). Staleness between them is the caller's responsibility.
//
// A handle is either allocated (it owns a live device allocation) or freed (only the host cache is kept).
// Every operation other than Allocate and Reallocate fails with ErrFreed on a freed handle.
//
// Handles are not safe for concurrent use, and they must only be used from the goroutine owning the device
// context they were allocated on: typically within the pre- and post-hooks of an invocation job.
package devmem

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrFreed is returned by operations on a handle whose device allocation was released.
	ErrFreed = errors.New("device memory handle is freed")

	// ErrDoubleFree is returned when freeing a handle that is already freed.
	ErrDoubleFree = errors.New("device memory handle freed twice")

	// ErrAlreadyAllocated is returned by Allocate on a handle that already owns a device allocation.
	ErrAlreadyAllocated = errors.New("device memory handle already allocated")

	// ErrShapeMismatch is returned when the number of values given doesn't match the shape of the handle.
	ErrShapeMismatch = errors.New("values don't match the shape of the device memory handle")

	// ErrOutOfBounds is returned when accessing a record outside the array.
	ErrOutOfBounds = errors.New("index out of bounds")

	// ErrNoContext is returned when allocating a handle for which no device context was given.
	ErrNoContext = errors.New("device memory handle has no device context")
)

var pitchedMemory atomic.Bool

// UsePitchedMemory enables or disables pitched (row aligned) allocations for arrays allocated afterward.
// It's disabled by default.
func UsePitchedMemory(enabled bool) {
	pitchedMemory.Store(enabled)
}

// PitchedMemoryEnabled returns whether pitched allocations are enabled.
func PitchedMemoryEnabled() bool {
	return pitchedMemory.Load()
}

// usesPitchedLayout is the layout policy: pitched iff enabled and the record size is 4, 8 or 16 bytes,
// the element sizes the allocator supports.
func usesPitchedLayout(recordSize int) bool {
	if !PitchedMemoryEnabled() {
		return false
	}
	return recordSize == 4 || recordSize == 8 || recordSize == 16
}

// Option configures the construction of a handle.
type Option func(*options)

type options struct {
	lazy, linear bool
}

// WithLazyTransfer defers the device allocation and upload: the handle is created freed, with only its
// host cache set, and Reallocate must be called (usually from within a job's pre-hook, so on the right
// device context) before using it on the device.
func WithLazyTransfer() Option {
	return func(o *options) { o.lazy = true }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
