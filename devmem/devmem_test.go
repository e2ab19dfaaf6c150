package devmem

import (
	"testing"

	"github.com/gomlx/kdispatch/driver"
	"github.com/gomlx/kdispatch/driver/sim"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// withPitchedMemory sets the pitched memory mode for the duration of the test.
func withPitchedMemory(t *testing.T, enabled bool) {
	previous := PitchedMemoryEnabled()
	UsePitchedMemory(enabled)
	t.Cleanup(func() { UsePitchedMemory(previous) })
}

func newSimContext(t *testing.T, drv *sim.Driver) *sim.Context {
	device := must.M1(drv.Device(0))
	ctx := must.M1(device.CreateContext()).(*sim.Context)
	t.Cleanup(func() { must.M(ctx.Destroy()) })
	return ctx
}

func iota32(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i) + 0.5
	}
	return values
}

func TestIsPitched(t *testing.T) {
	withPitchedMemory(t, true)
	for _, tc := range []struct {
		recordSize, fields int
		want               bool
	}{
		{4, 1, true},
		{8, 2, true},
		{16, 4, true},
		{12, 3, false},
		{20, 5, false},
	} {
		a := must.M1(NewArray[float32](nil, 4, 4, tc.fields, nil, WithLazyTransfer()))
		require.Equal(t, tc.recordSize, a.RecordSize())
		require.Equal(t, tc.want, a.IsPitched(), "record size %d", tc.recordSize)
	}
	require.True(t, must.M1(NewArray[int8](nil, 4, 4, 4, nil, WithLazyTransfer())).IsPitched())
	require.True(t, must.M1(NewArray[float16.Float16](nil, 4, 4, 2, nil, WithLazyTransfer())).IsPitched())
	require.False(t, must.M1(NewArray[int16](nil, 4, 4, 1, nil, WithLazyTransfer())).IsPitched())

	UsePitchedMemory(false)
	for _, fields := range []int{1, 2, 3, 4} {
		a := must.M1(NewArray[float32](nil, 4, 4, fields, nil, WithLazyTransfer()))
		require.False(t, a.IsPitched(), "fields=%d with pitched memory disabled", fields)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, pitched := range []bool{false, true} {
		withPitchedMemory(t, pitched)
		drv := sim.New(1)
		ctx := newSimContext(t, drv)
		width, height, fields := 5, 3, 2
		values := iota32(width * height * fields)
		a, err := NewArray(ctx, width, height, fields, values)
		require.NoError(t, err)
		require.Equal(t, pitched, a.IsAllocatedPitched())
		require.Equal(t, 40, a.SourcePitch())

		pitch := must.M1(a.DevPitch())
		if pitched {
			require.Equal(t, sim.DefaultPitchAlignment, pitch)
			require.Equal(t, sim.DefaultPitchAlignment/8, must.M1(a.DevPitchInElements()))
		} else {
			require.Equal(t, a.SourcePitch(), pitch)
			require.Equal(t, width, must.M1(a.DevPitchInElements()))
		}

		// Device rows are laid out at the device pitch.
		ptr := must.M1(a.Ptr())
		for row := range height {
			got := sim.Row[float32](ctx.Memory(), ptr, pitch, row, width*fields)
			require.Equal(t, values[row*width*fields:(row+1)*width*fields], got, "row %d, pitched=%v", row, pitched)
		}

		// Clear the host cache and download.
		clear(a.host)
		require.NoError(t, a.Download())
		require.Equal(t, values, must.M1(a.Array()))

		// Upload then download restores the uploaded values.
		a.host[7] = -1
		require.NoError(t, a.Upload())
		a.host[7] = 0
		require.NoError(t, a.Refresh())
		require.Equal(t, float32(-1), must.M1(a.Array())[7])
		require.NoError(t, a.Free())
	}
}

func TestFree(t *testing.T) {
	drv := sim.New(1)
	ctx := newSimContext(t, drv)
	values := iota32(12)
	a := must.M1(NewArray(ctx, 4, 3, 1, values))
	require.Equal(t, 1, ctx.Memory().NumAllocations())
	require.NoError(t, a.Free())
	require.True(t, a.IsFreed())
	require.Equal(t, 0, ctx.Memory().NumAllocations())

	err := a.Free()
	require.ErrorIs(t, err, ErrDoubleFree)

	for name, op := range map[string]func() error{
		"Upload":   a.Upload,
		"Download": a.Download,
		"Refresh":  a.Refresh,
		"SetArray": func() error { return a.SetArray(values) },
		"ValueAt":  func() error { _, err := a.ValueAt(0, 0); return err },
		"Array":    func() error { _, err := a.Array(); return err },
		"Ptr":      func() error { _, err := a.Ptr(); return err },
		"DevPitch": func() error { _, err := a.DevPitch(); return err },
	} {
		require.ErrorIs(t, op(), ErrFreed, "operation %s on a freed array", name)
	}
	require.Equal(t, values, a.HostValues())

	// Reallocate restores the device storage and re-uploads the host values.
	require.NoError(t, a.Reallocate(nil))
	require.False(t, a.IsFreed())
	clear(a.host)
	require.NoError(t, a.Refresh())
	require.Equal(t, values, must.M1(a.Array()))

	// Reallocate on an allocated array is a no-op.
	ptr := must.M1(a.Ptr())
	require.NoError(t, a.Reallocate(ctx))
	require.Equal(t, ptr, must.M1(a.Ptr()))
	require.Equal(t, 1, ctx.Memory().NumAllocations())
	require.ErrorIs(t, a.Allocate(), ErrAlreadyAllocated)
}

func TestLazyTransfer(t *testing.T) {
	a := must.M1(NewArray(nil, 8, 1, 1, iota32(8), WithLazyTransfer()))
	require.True(t, a.IsFreed())
	require.Nil(t, a.Context())
	require.ErrorIs(t, a.Reallocate(nil), ErrNoContext)

	drv := sim.New(1)
	ctx := newSimContext(t, drv)
	require.NoError(t, a.Reallocate(ctx))
	require.Same(t, ctx, a.Context().(*sim.Context))
	ptr := must.M1(a.Ptr())
	require.Equal(t, iota32(8), sim.Slice[float32](ctx.Memory(), ptr, 8))

	_, err := NewArray[float32](nil, 8, 1, 1, nil)
	require.ErrorIs(t, err, ErrNoContext)
}

func TestValueAt(t *testing.T) {
	drv := sim.New(1)
	ctx := newSimContext(t, drv)
	width, height, fields := 3, 2, 2
	a := must.M1(NewArray(ctx, width, height, fields, []int32{
		0, 1, 2, 3, 4, 5,
		6, 7, 8, 9, 10, 11,
	}))
	require.Equal(t, []int32{8, 9}, must.M1(a.ValueAt(1, 1)))
	require.Equal(t, []int32{4, 5}, must.M1(a.ValueAt(2, 0)))

	// Returned records are copies.
	record := must.M1(a.ValueAt(0, 0))
	record[0] = 100
	require.Equal(t, []int32{0, 1}, must.M1(a.ValueAt(0, 0)))

	for _, idx := range [][2]int{{-1, 0}, {0, -1}, {width, 0}, {0, height}} {
		_, err := a.ValueAt(idx[0], idx[1])
		require.ErrorIs(t, err, ErrOutOfBounds, "index %v", idx)
	}
}

func TestShapeMismatch(t *testing.T) {
	drv := sim.New(1)
	ctx := newSimContext(t, drv)
	_, err := NewArray(ctx, 2, 2, 1, []float64{1, 2, 3})
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = NewArray[float64](ctx, 0, 2, 1, nil)
	require.Error(t, err)

	a := must.M1(NewArray[float64](ctx, 2, 2, 1, nil))
	require.ErrorIs(t, a.SetArray([]float64{1, 2, 3, 4, 5}), ErrShapeMismatch)
	require.NoError(t, a.SetArray([]float64{1, 2, 3, 4}))
	clear(a.host)
	require.NoError(t, a.Refresh())
	require.Equal(t, []float64{1, 2, 3, 4}, must.M1(a.Array()))
}

func TestClone(t *testing.T) {
	withPitchedMemory(t, true)
	drv := sim.New(1)
	ctx := newSimContext(t, drv)
	a := must.M1(NewArray(ctx, 4, 2, 1, iota32(8)))
	b := must.M1(a.Clone(false))
	require.Equal(t, a.DType(), b.DType())
	require.Equal(t, a.Width(), b.Width())
	require.Equal(t, a.Height(), b.Height())
	require.Equal(t, a.NumFields(), b.NumFields())
	require.True(t, b.IsAllocatedPitched())
	require.NotEqual(t, must.M1(a.Ptr()), must.M1(b.Ptr()))
	clear(b.host)
	require.NoError(t, b.Refresh())
	require.Equal(t, iota32(8), must.M1(b.Array()))

	c := must.M1(a.Clone(true))
	require.True(t, c.IsFreed())
	require.Equal(t, iota32(8), c.HostValues())
}

func TestFloat16(t *testing.T) {
	withPitchedMemory(t, true)
	drv := sim.New(1)
	ctx := newSimContext(t, drv)
	values := []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(-2.5), float16.Fromfloat32(0.25), float16.Fromfloat32(8)}
	a := must.M1(NewArray(ctx, 1, 2, 2, values))
	require.Equal(t, 2, a.ElementSize())
	require.True(t, a.IsAllocatedPitched())
	clear(a.host)
	require.NoError(t, a.Download())
	require.Equal(t, values, must.M1(a.Array()))
	require.Equal(t, float32(-2.5), must.M1(a.ValueAt(0, 0))[1].Float32())
}

func TestScalar(t *testing.T) {
	withPitchedMemory(t, true)
	drv := sim.New(1)
	ctx := newSimContext(t, drv)
	s := must.M1(NewScalar(ctx, int64(42)))
	require.False(t, s.array.IsAllocatedPitched(), "scalars are always linear")
	require.Equal(t, int64(42), must.M1(s.Value()))

	ptr := must.M1(s.Ptr())
	sim.Slice[int64](ctx.Memory(), ptr, 1)[0] = 7
	require.Equal(t, int64(42), must.M1(s.Value()), "host cache only changes on Refresh")
	require.NoError(t, s.Refresh())
	require.Equal(t, int64(7), must.M1(s.Value()))

	require.NoError(t, s.SetValue(-3))
	require.Equal(t, int64(-3), sim.Slice[int64](ctx.Memory(), ptr, 1)[0])

	require.NoError(t, s.Free())
	require.ErrorIs(t, s.Free(), ErrDoubleFree)
	_, err := s.Value()
	require.ErrorIs(t, err, ErrFreed)
	require.NoError(t, s.Reallocate(nil))
	require.Equal(t, int64(-3), sim.Slice[int64](ctx.Memory(), must.M1(s.Ptr()), 1)[0])

	lazy := must.M1(NewScalar[float32](nil, 1.5, WithLazyTransfer()))
	require.True(t, lazy.IsFreed())
	require.NoError(t, lazy.Reallocate(ctx))
	require.Equal(t, float32(1.5), must.M1(lazy.Value()))
}

func TestDriverErrors(t *testing.T) {
	drv := sim.New(1).WithTotalMemory(64)
	ctx := newSimContext(t, drv)
	_, err := NewArray[float32](ctx, 100, 1, 1, nil)
	require.Error(t, err)
	var dErr *driver.Error
	require.True(t, errors.As(err, &dErr))
	require.Equal(t, driver.CodeOutOfMemory, dErr.Code)
}
