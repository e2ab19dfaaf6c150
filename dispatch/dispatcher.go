// Package dispatch runs compiled kernels on multiple devices through a single submission point.
//
// A Dispatcher drives one DeviceWorker per device. Modules are loaded on every device at once with
// Dispatcher.LoadModule, and each InvocationJob given to Dispatcher.Submit runs on whichever device became
// idle first. Callers wait for jobs on their completion Event.
//
// Device contexts only live in their worker goroutines: memory handles (see package devmem) used by a job
// are allocated, refreshed and freed from the job's hooks.
package dispatch

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// DeviceProvider reports the number of devices available.
type DeviceProvider interface {
	NumDevices() int
}

// Dispatcher is the single submission point of jobs for a set of devices.
//
// LoadModule and Submit are serialized: a module load waits for all devices to be idle, and submissions
// wait for it to finish.
type Dispatcher struct {
	drv     driver.Driver
	workers []*DeviceWorker

	// jobMu serializes LoadModule and Submit.
	jobMu sync.Mutex

	// The idle pool, protected by poolMu: workers in the order they became idle.
	poolMu   sync.Mutex
	poolCond *sync.Cond
	idle     []*DeviceWorker
	inPool   []bool
	closed   bool
}

// Assert Dispatcher implements DeviceProvider and AvailabilityListener.
var (
	_ DeviceProvider       = (*Dispatcher)(nil)
	_ AvailabilityListener = (*Dispatcher)(nil)
)

// Option configures a Dispatcher.
type Option func(*dispatcherConfig)

type dispatcherConfig struct {
	ordinals []int
}

// WithDevices restricts the dispatcher to the devices with the given ordinals.
func WithDevices(ordinals ...int) Option {
	return func(c *dispatcherConfig) {
		c.ordinals = append([]int{}, ordinals...)
	}
}

// New creates a dispatcher with one worker per device of the driver (or of the devices selected with
// WithDevices), and starts the workers.
func New(drv driver.Driver, opts ...Option) (*Dispatcher, error) {
	var cfg dispatcherConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ordinals == nil {
		numDevices, err := drv.NumDevices()
		if err != nil {
			return nil, errors.WithMessagef(err, "enumerating devices of driver %q", drv.Name())
		}
		for ordinal := range numDevices {
			cfg.ordinals = append(cfg.ordinals, ordinal)
		}
	}
	if len(cfg.ordinals) == 0 {
		return nil, errors.Errorf("driver %q has no devices", drv.Name())
	}
	sorted := slices.Sorted(slices.Values(cfg.ordinals))
	if len(slices.Compact(sorted)) != len(cfg.ordinals) {
		return nil, errors.Errorf("repeated device ordinals in %v", cfg.ordinals)
	}

	devices := make([]driver.Device, 0, len(cfg.ordinals))
	for _, ordinal := range cfg.ordinals {
		device, err := drv.Device(ordinal)
		if err != nil {
			return nil, errors.WithMessagef(err, "resolving device #%d of driver %q", ordinal, drv.Name())
		}
		devices = append(devices, device)
	}

	d := &Dispatcher{
		drv:    drv,
		inPool: make([]bool, len(devices)),
	}
	d.poolCond = sync.NewCond(&d.poolMu)
	d.poolMu.Lock()
	for i, device := range devices {
		w := NewDeviceWorker(device, d)
		w.index = i
		d.workers = append(d.workers, w)
		d.idle = append(d.idle, w)
		d.inPool[i] = true
	}
	IdleWorkers.Set(float64(len(d.idle)))
	d.poolMu.Unlock()
	klog.V(1).Infof("dispatcher: started %d workers on driver %q", len(d.workers), drv.Name())
	return d, nil
}

// Driver used by the dispatcher.
func (d *Dispatcher) Driver() driver.Driver { return d.drv }

// NumDevices implements DeviceProvider.
func (d *Dispatcher) NumDevices() int { return len(d.workers) }

// Workers returns the device workers, in the order of their devices.
func (d *Dispatcher) Workers() []*DeviceWorker { return slices.Clone(d.workers) }

// IdleCount returns the number of workers in the idle pool.
func (d *Dispatcher) IdleCount() int {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	return len(d.idle)
}

func (d *Dispatcher) owns(w *DeviceWorker) bool {
	return w.index < len(d.workers) && d.workers[w.index] == w
}

// NotifyBusy implements AvailabilityListener: it removes the worker from the idle pool, if it's there.
func (d *Dispatcher) NotifyBusy(w *DeviceWorker) {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	if !d.owns(w) {
		panic(errors.Errorf("dispatcher: NotifyBusy(%s) for a worker of another dispatcher", w))
	}
	if !d.inPool[w.index] {
		return
	}
	d.inPool[w.index] = false
	d.idle = slices.DeleteFunc(d.idle, func(idle *DeviceWorker) bool { return idle == w })
	IdleWorkers.Set(float64(len(d.idle)))
}

// NotifyAvailable implements AvailabilityListener: it appends the worker to the idle pool, if it isn't
// there yet. It panics if the pool is already full, which is a bookkeeping bug.
func (d *Dispatcher) NotifyAvailable(w *DeviceWorker) {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	if !d.owns(w) {
		panic(errors.Errorf("dispatcher: NotifyAvailable(%s) for a worker of another dispatcher", w))
	}
	if d.inPool[w.index] {
		return
	}
	if len(d.idle) >= len(d.workers) {
		panic(errors.Errorf("dispatcher: idle pool overflow, %d workers idle out of %d", len(d.idle), len(d.workers)))
	}
	d.inPool[w.index] = true
	d.idle = append(d.idle, w)
	IdleWorkers.Set(float64(len(d.idle)))
	d.poolCond.Broadcast()
}

// waitPool waits, with poolMu locked, until ready() or the dispatcher is closed or ctx is done.
func (d *Dispatcher) waitPool(ctx context.Context, ready func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		d.poolMu.Lock()
		defer d.poolMu.Unlock()
		d.poolCond.Broadcast()
	})
	defer stop()
	for !ready() && !d.closed && ctx.Err() == nil {
		d.poolCond.Wait()
	}
	if d.closed {
		return errors.WithStack(ErrClosed)
	}
	return ctx.Err()
}

// acquire takes the worker that has been idle the longest out of the pool, waiting for one if needed.
func (d *Dispatcher) acquire(ctx context.Context) (*DeviceWorker, error) {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	if err := d.waitPool(ctx, func() bool { return len(d.idle) > 0 }); err != nil {
		return nil, err
	}
	w := d.idle[0]
	d.idle = d.idle[1:]
	d.inPool[w.index] = false
	IdleWorkers.Set(float64(len(d.idle)))
	return w, nil
}

// acquireAll waits until all workers are idle at the same time, and takes them all out of the pool.
func (d *Dispatcher) acquireAll(ctx context.Context) error {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	if err := d.waitPool(ctx, func() bool { return len(d.idle) == len(d.workers) }); err != nil {
		return err
	}
	d.idle = d.idle[:0]
	clear(d.inPool)
	IdleWorkers.Set(0)
	return nil
}

// LoadModule loads the module on every device and registers its functions in each device's catalog.
//
// It waits until all devices are idle simultaneously (ctx only aborts this wait), then loads on all of
// them in parallel and waits for every device to finish. The returned error combines the errors of every
// device that failed (see multierr.Errors).
func (d *Dispatcher) LoadModule(ctx context.Context, job *ModuleLoadJob) error {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()
	if job.submitted.Swap(true) {
		return errors.WithStack(ErrJobReused)
	}
	if err := d.acquireAll(ctx); err != nil {
		job.submitted.Store(false)
		return errors.WithMessagef(err, "waiting for all devices to be idle to load %q", job.path)
	}
	klog.V(1).Infof("dispatcher: loading module %q on %d devices", job.path, len(d.workers))

	events := make([]*Event, len(d.workers))
	var err error
	for i, w := range d.workers {
		var enqueueErr error
		events[i], enqueueErr = w.EnqueueLoad(job.path, job.functions)
		if enqueueErr != nil {
			err = multierr.Append(err, errors.WithMessagef(enqueueErr, "device #%d", w.Ordinal()))
			// Never started: return it to the pool.
			d.NotifyAvailable(w)
		}
	}
	for i, event := range events {
		if event == nil {
			continue
		}
		if loadErr := event.Wait(); loadErr != nil {
			err = multierr.Append(err, errors.WithMessagef(loadErr, "device #%d", d.workers[i].Ordinal()))
		}
	}
	job.event.NotifyComplete(err)
	return err
}

// Submit hands the job to the device that has been idle the longest, waiting for one to become idle if
// needed. ctx only aborts this wait: in which case the job is not submitted and ctx.Err() is returned.
//
// Submit returns once the job is handed to a worker: use the job's Wait to wait for its completion.
func (d *Dispatcher) Submit(ctx context.Context, job *InvocationJob) error {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()
	if job.submitted.Swap(true) {
		return errors.WithStack(ErrJobReused)
	}
	w, err := d.acquire(ctx)
	if err != nil {
		job.submitted.Store(false)
		return err
	}
	job.assignTag()
	klog.V(1).Infof("dispatcher: %s handed to device #%d", job, w.Ordinal())
	if err := w.EnqueueInvocation(job); err != nil {
		d.NotifyAvailable(w)
		job.submitted.Store(false)
		return err
	}
	return nil
}

// Run submits the job and waits for its completion. ctx aborts both waits, but not the job once it is
// running.
func (d *Dispatcher) Run(ctx context.Context, job *InvocationJob) error {
	if err := d.Submit(ctx, job); err != nil {
		return err
	}
	return job.WaitContext(ctx)
}

// Close stops accepting jobs, waits for the jobs already handed to the workers, and stops them, releasing
// their device contexts. It's idempotent.
func (d *Dispatcher) Close() {
	d.poolMu.Lock()
	if d.closed {
		d.poolMu.Unlock()
		return
	}
	d.closed = true
	d.poolCond.Broadcast()
	d.poolMu.Unlock()
	for _, w := range d.workers {
		w.Close()
	}
	klog.V(1).Infof("dispatcher: closed")
}
