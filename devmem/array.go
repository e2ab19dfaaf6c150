package devmem

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/gomlx/kdispatch/driver"
	"github.com/gomlx/kdispatch/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Array is a 2D array of width x height records, each with a fixed number of fields of type T, held both
// in host memory and on the device.
//
// Records are stored row-major: the value of field f of the record at (col, row) is at the flat index
// (row*width + col)*fields + f. On the device, rows may be padded (pitched layout): use DevPitch or
// DevPitchInElements to index rows from kernels.
type Array[T dtypes.Supported] struct {
	ctx                   driver.Context
	width, height, fields int
	host                  []T

	linearOnly bool

	ptr      driver.DevicePtr
	devPitch int
	pitched  bool // Layout chosen at allocation time.
	freed    bool
}

// NewArray creates an array with the given shape and allocates it on ctx.
//
// If initial is nil the array is zero initialized, otherwise len(initial) must be width*height*fields, and
// the values are copied.
// Unless WithLazyTransfer is given, the array is allocated and uploaded right away: ctx must be the
// current context of the calling goroutine. With WithLazyTransfer, ctx may be nil.
func NewArray[T dtypes.Supported](ctx driver.Context, width, height, fields int, initial []T, opts ...Option) (*Array[T], error) {
	return newArray(ctx, width, height, fields, initial, buildOptions(opts))
}

func newArray[T dtypes.Supported](ctx driver.Context, width, height, fields int, initial []T, o options) (*Array[T], error) {
	if width <= 0 || height <= 0 || fields <= 0 {
		return nil, errors.Errorf("invalid array shape %dx%d with %d fields: all dimensions must be positive", width, height, fields)
	}
	a := &Array[T]{
		ctx:        ctx,
		width:      width,
		height:     height,
		fields:     fields,
		linearOnly: o.linear,
		freed:      true,
	}
	size := width * height * fields
	if initial == nil {
		a.host = make([]T, size)
	} else {
		if len(initial) != size {
			return nil, errors.Wrapf(ErrShapeMismatch, "%d values given for a %dx%d array with %d fields (%d values)",
				len(initial), width, height, fields, size)
		}
		a.host = slices.Clone(initial)
	}
	if o.lazy {
		return a, nil
	}
	if err := a.Reallocate(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// String implements fmt.Stringer.
func (a *Array[T]) String() string {
	state := "allocated"
	if a.freed {
		state = "freed"
	}
	return fmt.Sprintf("Array[%s](%dx%d, %d fields, %s)", a.DType(), a.width, a.height, a.fields, state)
}

// Width is the number of records in a row.
func (a *Array[T]) Width() int { return a.width }

// Height is the number of rows.
func (a *Array[T]) Height() int { return a.height }

// NumFields is the number of elements per record.
func (a *Array[T]) NumFields() int { return a.fields }

// DType of the elements.
func (a *Array[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// ElementSize in bytes.
func (a *Array[T]) ElementSize() int { return a.DType().Size() }

// RecordSize in bytes: ElementSize * NumFields.
func (a *Array[T]) RecordSize() int { return a.ElementSize() * a.fields }

// SizeInBytes of the host data.
func (a *Array[T]) SizeInBytes() int { return a.DType().SizeForRecords(a.width*a.height, a.fields) }

// SourcePitch is the size in bytes of one row in the host cache.
func (a *Array[T]) SourcePitch() int { return a.width * a.RecordSize() }

// IsPitched returns whether the array qualifies for the pitched layout: pitched memory is enabled and
// the record size is 4, 8 or 16 bytes.
//
// It reflects the current policy. The layout of an allocation doesn't change once allocated.
func (a *Array[T]) IsPitched() bool {
	return !a.linearOnly && usesPitchedLayout(a.RecordSize())
}

// DevPitch is the size in bytes between the start of consecutive rows on the device. For linear
// allocations it's the same as SourcePitch.
func (a *Array[T]) DevPitch() (int, error) {
	if a.freed {
		return 0, errors.WithStack(ErrFreed)
	}
	return a.devPitch, nil
}

// DevPitchInElements is DevPitch in number of records, the row stride kernels use for indexing.
func (a *Array[T]) DevPitchInElements() (int, error) {
	if a.freed {
		return 0, errors.WithStack(ErrFreed)
	}
	return a.devPitch / a.RecordSize(), nil
}

// Ptr returns the device pointer, to be used as a kernel argument.
func (a *Array[T]) Ptr() (driver.DevicePtr, error) {
	if a.freed {
		return 0, errors.WithStack(ErrFreed)
	}
	return a.ptr, nil
}

// IsFreed returns whether the array has no device allocation.
func (a *Array[T]) IsFreed() bool { return a.freed }

// IsAllocatedPitched returns whether the current allocation uses the pitched layout.
func (a *Array[T]) IsAllocatedPitched() bool { return !a.freed && a.pitched }

// Context the array is allocated on, or nil if it was never allocated.
func (a *Array[T]) Context() driver.Context { return a.ctx }

// hostBytes returns a view of the host cache as raw bytes.
func (a *Array[T]) hostBytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(a.host))), a.SizeInBytes())
}

// Allocate acquires device memory on the array's context, choosing the layout (see IsPitched), without
// uploading the host cache. It fails with ErrAlreadyAllocated if the array holds an allocation.
//
// Driver errors are returned as is.
func (a *Array[T]) Allocate() error {
	if !a.freed {
		return errors.WithStack(ErrAlreadyAllocated)
	}
	if a.ctx == nil {
		return errors.WithStack(ErrNoContext)
	}
	var err error
	if a.IsPitched() {
		a.ptr, a.devPitch, err = a.ctx.MemAllocPitch(a.SourcePitch(), a.height, a.RecordSize())
		a.pitched = true
	} else {
		a.ptr, err = a.ctx.MemAlloc(a.SizeInBytes())
		a.devPitch = a.SourcePitch()
		a.pitched = false
	}
	if err != nil {
		return err
	}
	a.freed = false
	klog.V(2).Infof("devmem: allocated %s at %s, pitch=%d", a, a.ptr, a.devPitch)
	return nil
}

// Reallocate makes a freed array usable again: it allocates it on ctx (or on the previous context if ctx
// is nil) and uploads the host cache. It's a no-op if the array is allocated.
func (a *Array[T]) Reallocate(ctx driver.Context) error {
	if !a.freed {
		return nil
	}
	if ctx != nil {
		a.ctx = ctx
	}
	if err := a.Allocate(); err != nil {
		return err
	}
	return a.Upload()
}

// Upload copies the host cache to the device.
func (a *Array[T]) Upload() error {
	if a.freed {
		return errors.WithStack(ErrFreed)
	}
	if a.pitched {
		return a.ctx.Memcpy2D(driver.HostToDevice2D(a.ptr, a.devPitch, a.hostBytes(), a.SourcePitch(), a.SourcePitch(), a.height))
	}
	return a.ctx.MemcpyHtoD(a.ptr, a.hostBytes())
}

// Download copies the device data to the host cache.
func (a *Array[T]) Download() error {
	if a.freed {
		return errors.WithStack(ErrFreed)
	}
	if a.pitched {
		return a.ctx.Memcpy2D(driver.DeviceToHost2D(a.hostBytes(), a.SourcePitch(), a.ptr, a.devPitch, a.SourcePitch(), a.height))
	}
	return a.ctx.MemcpyDtoH(a.hostBytes(), a.ptr)
}

// Refresh updates the host cache from the device. It's the same as Download.
func (a *Array[T]) Refresh() error {
	return a.Download()
}

// Free releases the device allocation, keeping the host cache. Freeing an already freed array fails with
// ErrDoubleFree.
func (a *Array[T]) Free() error {
	if a.freed {
		return errors.WithStack(ErrDoubleFree)
	}
	if err := a.ctx.MemFree(a.ptr); err != nil {
		return err
	}
	a.freed = true
	a.ptr, a.devPitch = 0, 0
	return nil
}

// ValueAt returns a copy of the fields of the record at (col, row) in the host cache.
func (a *Array[T]) ValueAt(col, row int) ([]T, error) {
	if a.freed {
		return nil, errors.WithStack(ErrFreed)
	}
	if col < 0 || col >= a.width || row < 0 || row >= a.height {
		return nil, errors.Wrapf(ErrOutOfBounds, "record (%d, %d) of a %dx%d array", col, row, a.width, a.height)
	}
	start := (row*a.width + col) * a.fields
	return slices.Clone(a.host[start : start+a.fields]), nil
}

// Array returns a copy of the host cache.
func (a *Array[T]) Array() ([]T, error) {
	if a.freed {
		return nil, errors.WithStack(ErrFreed)
	}
	return slices.Clone(a.host), nil
}

// HostValues returns a copy of the host cache, also for freed arrays.
func (a *Array[T]) HostValues() []T {
	return slices.Clone(a.host)
}

// SetArray replaces the host cache with values, and uploads them to the device.
func (a *Array[T]) SetArray(values []T) error {
	if a.freed {
		return errors.WithStack(ErrFreed)
	}
	if len(values) != len(a.host) {
		return errors.Wrapf(ErrShapeMismatch, "%d values given for a %dx%d array with %d fields (%d values)",
			len(values), a.width, a.height, a.fields, len(a.host))
	}
	copy(a.host, values)
	return a.Upload()
}

// Clone returns a new array with the same dtype, shape and host values, on the same context. If lazy is
// false, the new array is allocated and uploaded.
func (a *Array[T]) Clone(lazy bool) (*Array[T], error) {
	return newArray(a.ctx, a.width, a.height, a.fields, a.host, options{lazy: lazy, linear: a.linearOnly})
}
