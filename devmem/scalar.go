package devmem

import (
	"github.com/gomlx/kdispatch/driver"
	"github.com/gomlx/kdispatch/dtypes"
)

// Scalar is a single value held both in host memory and on the device. It's always allocated linearly.
type Scalar[T dtypes.Supported] struct {
	array *Array[T]
}

// NewScalar creates a scalar with value v, allocated and uploaded on ctx unless WithLazyTransfer is given.
func NewScalar[T dtypes.Supported](ctx driver.Context, v T, opts ...Option) (*Scalar[T], error) {
	o := buildOptions(opts)
	o.linear = true
	array, err := newArray(ctx, 1, 1, 1, []T{v}, o)
	if err != nil {
		return nil, err
	}
	return &Scalar[T]{array: array}, nil
}

// String implements fmt.Stringer.
func (s *Scalar[T]) String() string { return s.array.String() }

// DType of the value.
func (s *Scalar[T]) DType() dtypes.DType { return s.array.DType() }

// Value returns the host cached value. Call Refresh first to read the device value.
func (s *Scalar[T]) Value() (T, error) {
	values, err := s.array.Array()
	if err != nil {
		var zero T
		return zero, err
	}
	return values[0], nil
}

// SetValue sets the host value and uploads it.
func (s *Scalar[T]) SetValue(v T) error {
	return s.array.SetArray([]T{v})
}

// Ptr returns the device pointer, to be used as a kernel argument.
func (s *Scalar[T]) Ptr() (driver.DevicePtr, error) { return s.array.Ptr() }

// Upload copies the host value to the device.
func (s *Scalar[T]) Upload() error { return s.array.Upload() }

// Download copies the device value to the host.
func (s *Scalar[T]) Download() error { return s.array.Download() }

// Refresh is the same as Download.
func (s *Scalar[T]) Refresh() error { return s.array.Refresh() }

// Reallocate allocates a freed scalar on ctx and uploads its value. No-op if allocated.
func (s *Scalar[T]) Reallocate(ctx driver.Context) error { return s.array.Reallocate(ctx) }

// Free releases the device allocation; freeing twice fails with ErrDoubleFree.
func (s *Scalar[T]) Free() error { return s.array.Free() }

// IsFreed returns whether the scalar has no device allocation.
func (s *Scalar[T]) IsFreed() bool { return s.array.IsFreed() }

// Context the scalar is allocated on.
func (s *Scalar[T]) Context() driver.Context { return s.array.Context() }

// Clone returns a new scalar with the same value, on the same context.
func (s *Scalar[T]) Clone(lazy bool) (*Scalar[T], error) {
	array, err := s.array.Clone(lazy)
	if err != nil {
		return nil, err
	}
	return &Scalar[T]{array: array}, nil
}
