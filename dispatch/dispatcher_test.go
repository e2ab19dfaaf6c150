package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/gomlx/kdispatch/devmem"
	"github.com/gomlx/kdispatch/driver"
	"github.com/gomlx/kdispatch/driver/sim"
	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func newTestDispatcher(t *testing.T, drv driver.Driver, opts ...Option) *Dispatcher {
	d := must.M1(New(drv, opts...))
	t.Cleanup(d.Close)
	return d
}

func loadBuiltin(t *testing.T, d *Dispatcher) {
	job := NewModuleLoadJob(sim.BuiltinModule, map[string]string{"add": "vectorAdd", "fill": "fill", "scale": "scale"})
	require.NoError(t, d.LoadModule(context.Background(), job))
	job = NewModuleLoadJob(blockingModule, map[string]string{"wait": "wait"})
	require.NoError(t, d.LoadModule(context.Background(), job))
}

// blockingJob returns a job that occupies a device until release is closed. started receives a value once
// it is running.
func blockingJob(started, release chan struct{}) *InvocationJob {
	return NewInvocationJob("wait").WithArgs(StaticArgs(started, release))
}

func TestNew(t *testing.T) {
	drv := newTestDriver(4)
	d := newTestDispatcher(t, drv)
	require.Equal(t, 4, d.NumDevices())
	require.Equal(t, 4, d.IdleCount())
	for i, w := range d.Workers() {
		require.Equal(t, i, w.Ordinal())
	}

	d = newTestDispatcher(t, drv, WithDevices(3, 1))
	require.Equal(t, 2, d.NumDevices())
	require.Equal(t, 3, d.Workers()[0].Ordinal())
	require.Equal(t, 1, d.Workers()[1].Ordinal())

	_, err := New(drv, WithDevices(1, 1))
	require.Error(t, err)
	_, err = New(drv, WithDevices(7))
	require.Equal(t, driver.CodeInvalidDevice, driver.CodeOf(err))
	_, err = New(drv, WithDevices())
	require.Error(t, err)
}

func TestLoadModule(t *testing.T) {
	const numDevices = 3
	d := newTestDispatcher(t, newTestDriver(numDevices))
	job := NewModuleLoadJob(sim.BuiltinModule, map[string]string{"add": "vectorAdd", "fill": "fill"})
	require.NoError(t, d.LoadModule(context.Background(), job))
	require.NoError(t, job.Wait())
	require.Equal(t, numDevices, d.IdleCount(), "all workers must be idle after a load")
	for _, w := range d.Workers() {
		require.Equal(t, []string{"add", "fill"}, w.Catalog().IDs())
		inv := must.M1(w.Catalog().Lookup("add"))
		require.Equal(t, w.Ordinal(), inv.Module.Ordinal())
	}
	require.ErrorIs(t, d.LoadModule(context.Background(), job), ErrJobReused)

	// Failure on every device: one error per device.
	job = NewModuleLoadJob(sim.BuiltinModule, map[string]string{"sort": "bitonicSort"})
	err := d.LoadModule(context.Background(), job)
	require.Error(t, err)
	require.Equal(t, err, job.Wait())
	deviceErrs := multierr.Errors(err)
	require.Len(t, deviceErrs, numDevices)
	for i, deviceErr := range deviceErrs {
		require.ErrorContains(t, deviceErr, fmt.Sprintf("device #%d", i))
		require.Equal(t, driver.CodeNotFound, driver.CodeOf(deviceErr))
	}
	require.Equal(t, numDevices, d.IdleCount())

	// Duplicate identifiers.
	job = NewModuleLoadJob(blockingModule, map[string]string{"add": "wait"})
	err = d.LoadModule(context.Background(), job)
	require.ErrorIs(t, err, ErrDuplicateFunction)
	require.Len(t, multierr.Errors(err), numDevices)
}

func TestSubmitConcurrency(t *testing.T) {
	const numDevices = 2
	d := newTestDispatcher(t, newTestDriver(numDevices))
	loadBuiltin(t, d)

	started := make(chan struct{}, numDevices+1)
	releases := make([]chan struct{}, numDevices)
	jobs := make([]*InvocationJob, numDevices)
	for i := range numDevices {
		releases[i] = make(chan struct{})
		jobs[i] = blockingJob(started, releases[i])
		require.NoError(t, d.Submit(context.Background(), jobs[i]))
	}
	for range numDevices {
		<-started
	}
	require.Equal(t, 0, d.IdleCount())
	require.NotEqual(t, jobs[0].Ordinal(), jobs[1].Ordinal(), "each job must run on its own device")

	// All devices are busy: the next submission waits, and gives up with the context.
	release := make(chan struct{})
	extra := blockingJob(started, release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Submit(ctx, extra), context.DeadlineExceeded)
	require.Equal(t, -1, extra.Ordinal())
	require.True(t, extra.Tag() == "", "a job not handed to a device doesn't get a tag")

	// Once a device frees up, the job goes to it.
	close(releases[1])
	require.NoError(t, jobs[1].Wait())
	require.NoError(t, d.Submit(context.Background(), extra))
	<-started
	require.Equal(t, jobs[1].Ordinal(), extra.Ordinal())
	require.NotEmpty(t, extra.Tag())
	require.ErrorIs(t, d.Submit(context.Background(), extra), ErrJobReused)

	close(releases[0])
	close(release)
	require.NoError(t, jobs[0].Wait())
	require.NoError(t, extra.Wait())
	require.Equal(t, numDevices, d.IdleCount())
}

func TestSubmitOrder(t *testing.T) {
	// The device idle the longest gets the job: after the first round, the order repeats.
	d := newTestDispatcher(t, newTestDriver(3))
	loadBuiltin(t, d)
	var ordinals []int
	for range 6 {
		job := NewInvocationJob("fill").WithArgs(StaticArgs(driver.DevicePtr(0), float32(0), 0))
		require.NoError(t, d.Run(context.Background(), job))
		ordinals = append(ordinals, job.Ordinal())
	}
	require.ElementsMatch(t, []int{0, 1, 2}, ordinals[:3])
	require.Equal(t, ordinals[:3], ordinals[3:])
}

func TestSubmitBoundedByDevices(t *testing.T) {
	const (
		numDevices = 3
		numJobs    = 12
	)
	drv := newTestDriver(numDevices)
	var running, maxRunning atomic.Int32
	drv.RegisterModule("test:counting", map[string]sim.Kernel{
		"count": func(*sim.Memory, sim.ThreadID, driver.KernelArgs) {
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		},
	})
	d := newTestDispatcher(t, drv)
	require.NoError(t, d.LoadModule(context.Background(), NewModuleLoadJob("test:counting", map[string]string{"count": "count"})))

	var wg sync.WaitGroup
	errs := make([]error, numJobs)
	for jobIdx := range numJobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[jobIdx] = d.Run(context.Background(), NewInvocationJob("count"))
		}()
	}
	wg.Wait()
	require.NoError(t, multierr.Combine(errs...))
	require.LessOrEqual(t, maxRunning.Load(), int32(numDevices))
	require.Positive(t, maxRunning.Load())
	require.Equal(t, int32(0), running.Load())
	require.Equal(t, numDevices, d.IdleCount())
}

func TestLoadModuleBarrier(t *testing.T) {
	d := newTestDispatcher(t, newTestDriver(2))
	loadBuiltin(t, d)

	started, release := make(chan struct{}, 1), make(chan struct{})
	busy := blockingJob(started, release)
	require.NoError(t, d.Submit(context.Background(), busy))
	<-started
	require.Equal(t, 1, d.IdleCount())

	// The load can't start while one device is invoking.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	timedOut := NewModuleLoadJob(sim.BuiltinModule, map[string]string{"add2": "vectorAdd"})
	require.ErrorIs(t, d.LoadModule(ctx, timedOut), context.DeadlineExceeded)
	for _, w := range d.Workers() {
		_, err := w.Catalog().Lookup("add2")
		require.ErrorIs(t, err, ErrUnknownFunction)
	}

	load := NewModuleLoadJob(sim.BuiltinModule, map[string]string{"add3": "vectorAdd"})
	var wg sync.WaitGroup
	var loadErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		loadErr = d.LoadModule(context.Background(), load)
	}()
	time.Sleep(20 * time.Millisecond)
	require.False(t, load.Event().IsComplete(), "load must wait for the invocation in flight")

	close(release)
	wg.Wait()
	require.NoError(t, loadErr)
	require.NoError(t, busy.Wait())
	for _, w := range d.Workers() {
		require.Contains(t, w.Catalog().IDs(), "add3")
	}
	require.Equal(t, 2, d.IdleCount())

	// A load job that timed out can be retried.
	require.NoError(t, d.LoadModule(context.Background(), timedOut))
}

func TestVectorAdd(t *testing.T) {
	const (
		numDevices = 4
		numJobs    = 8
		n          = 100_000
		blockSize  = 256
	)
	drv := newTestDriver(numDevices)
	d := newTestDispatcher(t, drv)
	loadBuiltin(t, d)

	type operands struct {
		a, b, c *devmem.Array[float32]
	}
	ops := make([]operands, numJobs)
	jobs := make([]*InvocationJob, numJobs)
	for jobIdx := range numJobs {
		a, b := make([]float32, n), make([]float32, n)
		for i := range n {
			a[i] = float32(i) * 0.5
			b[i] = math32.Sin(float32(i+jobIdx)) * 100
		}
		op := operands{
			a: must.M1(devmem.NewArray(nil, n, 1, 1, a, devmem.WithLazyTransfer())),
			b: must.M1(devmem.NewArray(nil, n, 1, 1, b, devmem.WithLazyTransfer())),
			c: must.M1(devmem.NewArray[float32](nil, n, 1, 1, nil, devmem.WithLazyTransfer())),
		}
		ops[jobIdx] = op
		jobs[jobIdx] = NewInvocationJob("add").
			WithGrid(driver.Linear(driver.CeilDiv(n, blockSize))).
			WithBlock(driver.Linear(blockSize)).
			WithPre(HookFunc(func(m *Module) error {
				return multierr.Combine(
					op.a.Reallocate(m.Context()),
					op.b.Reallocate(m.Context()),
					op.c.Reallocate(m.Context()))
			})).
			WithArgs(ArgsFunc(func() (driver.KernelArgs, error) {
				ptrA, errA := op.a.Ptr()
				ptrB, errB := op.b.Ptr()
				ptrC, errC := op.c.Ptr()
				return driver.KernelArgs{ptrA, ptrB, ptrC, n}, multierr.Combine(errA, errB, errC)
			})).
			WithPost(HookFunc(func(m *Module) error {
				return multierr.Combine(op.c.Refresh(), op.a.Free(), op.b.Free(), op.c.Free())
			}))
	}

	var wg sync.WaitGroup
	errs := make([]error, numJobs)
	for jobIdx, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[jobIdx] = d.Run(context.Background(), job)
		}()
	}
	wg.Wait()
	require.NoError(t, multierr.Combine(errs...))

	var launches int64
	for ordinal := range numDevices {
		launches += drv.SimDevice(ordinal).Launches()
		require.Equal(t, int64(0), drv.SimDevice(ordinal).Memory().Used(), "device #%d", ordinal)
	}
	require.Equal(t, int64(numJobs), launches)

	for jobIdx, op := range ops {
		a, b, c := op.a.HostValues(), op.b.HostValues(), op.c.HostValues()
		for i := range n {
			if math32.Abs(c[i]-(a[i]+b[i])) > 1e-5 {
				require.Failf(t, "wrong sum", "job %d: c[%d]=%g, wanted %g", jobIdx, i, c[i], a[i]+b[i])
			}
		}
	}
}

func TestVectorAddSingleDevice(t *testing.T) {
	const (
		n         = 100_000
		blockSize = 256
	)
	drv := newTestDriver(1)
	d := newTestDispatcher(t, drv)
	loadBuiltin(t, d)

	a, b := make([]float32, n), make([]float32, n)
	for i := range n {
		a[i] = float32(i)
		b[i] = float32(2 * i)
	}
	arrA := must.M1(devmem.NewArray(nil, n, 1, 1, a, devmem.WithLazyTransfer()))
	arrB := must.M1(devmem.NewArray(nil, n, 1, 1, b, devmem.WithLazyTransfer()))
	arrC := must.M1(devmem.NewArray[float32](nil, n, 1, 1, nil, devmem.WithLazyTransfer()))
	numBlocks := driver.CeilDiv(n, blockSize)
	require.Equal(t, 391, numBlocks)
	job := NewInvocationJob("add").
		WithGrid(driver.Linear(numBlocks)).
		WithBlock(driver.Linear(blockSize)).
		WithPre(HookFunc(func(m *Module) error {
			return multierr.Combine(arrA.Reallocate(m.Context()), arrB.Reallocate(m.Context()), arrC.Reallocate(m.Context()))
		})).
		WithArgs(ArgsFunc(func() (driver.KernelArgs, error) {
			ptrA, errA := arrA.Ptr()
			ptrB, errB := arrB.Ptr()
			ptrC, errC := arrC.Ptr()
			return driver.KernelArgs{ptrA, ptrB, ptrC, n}, multierr.Combine(errA, errB, errC)
		})).
		WithPost(HookFunc(func(*Module) error {
			return multierr.Combine(arrC.Refresh(), arrA.Free(), arrB.Free(), arrC.Free())
		}))
	require.NoError(t, d.Run(context.Background(), job))
	require.Equal(t, 0, job.Ordinal())
	require.Equal(t, int64(1), drv.SimDevice(0).Launches())
	require.Equal(t, int64(0), drv.SimDevice(0).Memory().Used())

	c := arrC.HostValues()
	for i := range n {
		if c[i] != a[i]+b[i] {
			require.Failf(t, "wrong sum", "c[%d]=%g, wanted %g", i, c[i], a[i]+b[i])
		}
	}
}

func TestDispatcherMetrics(t *testing.T) {
	d := newTestDispatcher(t, newTestDriver(2))
	loadBuiltin(t, d)

	okBefore := testutil.ToFloat64(JobsCompleted.WithLabelValues(string(KindInvoke), "ok"))
	errBefore := testutil.ToFloat64(JobsCompleted.WithLabelValues(string(KindInvoke), "error"))
	submittedBefore := testutil.ToFloat64(JobsSubmitted.WithLabelValues(string(KindInvoke)))

	require.NoError(t, d.Run(context.Background(), NewInvocationJob("fill").WithArgs(StaticArgs(driver.DevicePtr(0), float32(0), 0))))
	require.Error(t, d.Run(context.Background(), NewInvocationJob("sort")))

	require.Equal(t, okBefore+1, testutil.ToFloat64(JobsCompleted.WithLabelValues(string(KindInvoke), "ok")))
	require.Equal(t, errBefore+1, testutil.ToFloat64(JobsCompleted.WithLabelValues(string(KindInvoke), "error")))
	require.Equal(t, submittedBefore+2, testutil.ToFloat64(JobsSubmitted.WithLabelValues(string(KindInvoke))))
	require.Equal(t, float64(2), testutil.ToFloat64(IdleWorkers))
}

func TestNotifications(t *testing.T) {
	d := newTestDispatcher(t, newTestDriver(2))
	other := newTestDispatcher(t, newTestDriver(1))
	w := d.Workers()[0]

	// Idempotent.
	d.NotifyAvailable(w)
	require.Equal(t, 2, d.IdleCount())
	d.NotifyBusy(w)
	d.NotifyBusy(w)
	require.Equal(t, 1, d.IdleCount())
	d.NotifyAvailable(w)
	require.Equal(t, 2, d.IdleCount())

	require.Panics(t, func() { d.NotifyAvailable(other.Workers()[0]) })
	require.Panics(t, func() { d.NotifyBusy(other.Workers()[0]) })
}

func TestDispatcherClose(t *testing.T) {
	d := must.M1(New(newTestDriver(2)))
	loadBuiltin(t, d)
	d.Close()
	d.Close()
	for _, w := range d.Workers() {
		require.Equal(t, StateClosed, w.State())
	}
	require.ErrorIs(t, d.Submit(context.Background(), NewInvocationJob("fill")), ErrClosed)
	require.ErrorIs(t, d.LoadModule(context.Background(), NewModuleLoadJob(sim.BuiltinModule, nil)), ErrClosed)
}
