package dispatch

import (
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// State of a DeviceWorker.
type State int32

const (
	StateIdle State = iota
	StateLoadingModule
	StateInvoking
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLoadingModule:
		return "LoadingModule"
	case StateInvoking:
		return "Invoking"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// AvailabilityListener is told when a worker starts and finishes a job. The Dispatcher implements it to
// keep its idle pool.
type AvailabilityListener interface {
	NotifyBusy(w *DeviceWorker)
	NotifyAvailable(w *DeviceWorker)
}

// DeviceWorker drives one device: it owns the device's execution context and runs the jobs handed to it,
// one at a time, on a dedicated goroutine locked to its OS thread.
//
// It holds at most one pending job of each kind. Enqueueing while the slot is taken blocks.
type DeviceWorker struct {
	device   driver.Device
	index    int // Position in the Dispatcher.
	listener AvailabilityListener
	catalog  *Catalog
	state    atomic.Int32

	mu            sync.Mutex
	cond          *sync.Cond
	pendingLoad   *loadRequest
	pendingInvoke *InvocationJob
	closing       bool
	done          chan struct{}

	// Owned by the worker goroutine.
	ctx     driver.Context
	ctxErr  error
	modules []*Module
}

// NewDeviceWorker creates a worker for the device and starts its goroutine. The device context is created
// on the worker goroutine. The listener may be nil.
func NewDeviceWorker(device driver.Device, listener AvailabilityListener) *DeviceWorker {
	w := &DeviceWorker{
		device:   device,
		listener: listener,
		catalog:  NewCatalog(),
		done:     make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Device driven by the worker.
func (w *DeviceWorker) Device() driver.Device { return w.device }

// Ordinal of the device.
func (w *DeviceWorker) Ordinal() int { return w.device.Ordinal() }

// Catalog of the functions loaded on the device.
func (w *DeviceWorker) Catalog() *Catalog { return w.catalog }

// State returns the current state of the worker.
func (w *DeviceWorker) State() State { return State(w.state.Load()) }

// String implements fmt.Stringer.
func (w *DeviceWorker) String() string {
	return fmt.Sprintf("worker(device #%d, %s)", w.Ordinal(), w.State())
}

// EnqueueLoad hands the load of the module at path to the worker, registering the functions (identifier
// to symbol). It blocks while another load is pending, and returns the event signaled when the load on the
// device finishes.
func (w *DeviceWorker) EnqueueLoad(path string, functions map[string]string) (*Event, error) {
	req := &loadRequest{path: path, functions: maps.Clone(functions), event: NewEvent()}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.pendingLoad != nil && !w.closing {
		w.cond.Wait()
	}
	if w.closing {
		return nil, errors.WithStack(ErrClosed)
	}
	w.pendingLoad = req
	w.cond.Broadcast()
	JobsSubmitted.WithLabelValues(string(KindLoad)).Inc()
	return req.event, nil
}

// EnqueueInvocation hands an invocation to the worker. It blocks while another invocation is pending.
func (w *DeviceWorker) EnqueueInvocation(job *InvocationJob) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.pendingInvoke != nil && !w.closing {
		w.cond.Wait()
	}
	if w.closing {
		return errors.WithStack(ErrClosed)
	}
	w.pendingInvoke = job
	w.cond.Broadcast()
	JobsSubmitted.WithLabelValues(string(KindInvoke)).Inc()
	return nil
}

// Close runs the jobs still pending, destroys the device context and stops the worker goroutine.
// It's idempotent.
func (w *DeviceWorker) Close() {
	w.mu.Lock()
	w.closing = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}

// next waits for work and takes at most one pending job of each kind. Both are nil when the worker is
// closing and there is nothing left to run.
func (w *DeviceWorker) next() (*loadRequest, *InvocationJob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.pendingLoad == nil && w.pendingInvoke == nil && !w.closing {
		w.cond.Wait()
	}
	load, invoke := w.pendingLoad, w.pendingInvoke
	w.pendingLoad, w.pendingInvoke = nil, nil
	w.cond.Broadcast()
	return load, invoke
}

func (w *DeviceWorker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	w.ctx, w.ctxErr = w.device.CreateContext()
	if w.ctxErr != nil {
		w.ctxErr = errors.WithMessagef(w.ctxErr, "device #%d", w.Ordinal())
		klog.Errorf("failed to create context, all jobs will fail: %v", w.ctxErr)
	}

	for {
		load, invoke := w.next()
		if load == nil && invoke == nil {
			break
		}
		if load != nil {
			w.runLoad(load)
		}
		if invoke != nil {
			w.runInvocation(invoke)
		}
	}

	w.state.Store(int32(StateClosed))
	if w.ctx != nil {
		for _, m := range w.modules {
			if err := m.handle.Unload(); err != nil {
				klog.Errorf("device #%d: failed to unload module %q: %v", w.Ordinal(), m.path, err)
			}
		}
		if err := w.ctx.Destroy(); err != nil {
			klog.Errorf("device #%d: failed to destroy context: %v", w.Ordinal(), err)
		}
	}
	klog.V(1).Infof("device #%d: worker stopped", w.Ordinal())
}

func (w *DeviceWorker) notifyBusy() {
	if w.listener != nil {
		w.listener.NotifyBusy(w)
	}
}

func (w *DeviceWorker) notifyAvailable() {
	if w.listener != nil {
		w.listener.NotifyAvailable(w)
	}
}

func (w *DeviceWorker) runLoad(req *loadRequest) {
	w.notifyBusy()
	w.state.Store(int32(StateLoadingModule))
	err := safely(func() error { return w.loadModule(req) })
	if err != nil {
		klog.Errorf("device #%d: loading module %q failed: %v", w.Ordinal(), req.path, err)
	}
	JobsCompleted.WithLabelValues(string(KindLoad), statusLabel(err)).Inc()
	w.state.Store(int32(StateIdle))
	w.notifyAvailable()
	req.event.NotifyComplete(err)
}

// loadModule loads the module and registers its functions, all or none.
func (w *DeviceWorker) loadModule(req *loadRequest) error {
	if w.ctxErr != nil {
		return w.ctxErr
	}
	handle, err := w.ctx.LoadModule(req.path)
	if err != nil {
		return err
	}
	m := &Module{path: req.path, handle: handle, worker: w}
	invs := make([]Invokable, 0, len(req.functions))
	for _, id := range slices.Sorted(maps.Keys(req.functions)) {
		fn, err := handle.Function(req.functions[id])
		if err != nil {
			return multierr.Append(errors.WithMessagef(err, "resolving function id %q", id), handle.Unload())
		}
		invs = append(invs, Invokable{ID: id, Module: m, Function: fn})
	}
	if err := w.catalog.RegisterAll(invs); err != nil {
		return multierr.Append(err, handle.Unload())
	}
	w.modules = append(w.modules, m)
	klog.V(1).Infof("device #%d: loaded module %q, functions %v", w.Ordinal(), req.path, slices.Sorted(maps.Keys(req.functions)))
	return nil
}

func (w *DeviceWorker) runInvocation(job *InvocationJob) {
	w.notifyBusy()
	w.state.Store(int32(StateInvoking))
	job.ordinal.Store(int64(w.Ordinal()))
	start := time.Now()
	err := w.invoke(job)
	elapsed := time.Since(start)
	InvocationDuration.WithLabelValues(deviceLabel(w.Ordinal())).Observe(elapsed.Seconds())
	JobsCompleted.WithLabelValues(string(KindInvoke), statusLabel(err)).Inc()
	if err != nil {
		klog.Errorf("device #%d: %s failed: %v", w.Ordinal(), job, err)
	} else {
		klog.V(1).Infof("device #%d: %s completed in %s", w.Ordinal(), job, elapsed)
	}
	w.state.Store(int32(StateIdle))
	w.notifyAvailable()
	job.event.NotifyComplete(err)
}

// invoke runs the hooks and the kernel of the job. Panics are converted to the job's error.
func (w *DeviceWorker) invoke(job *InvocationJob) error {
	if w.ctxErr != nil {
		return w.ctxErr
	}
	inv, err := w.catalog.Lookup(job.functionID)
	if err != nil {
		return errors.WithMessagef(err, "device #%d", w.Ordinal())
	}
	if job.pre != nil {
		if err := safely(func() error { return job.pre.Run(inv.Module) }); err != nil {
			return errors.WithMessagef(err, "pre-hook of %s", job)
		}
	}
	err = safely(func() error { return w.launch(inv, job) })
	if job.post != nil {
		if postErr := safely(func() error { return job.post.Run(inv.Module) }); postErr != nil {
			err = multierr.Append(err, errors.WithMessagef(postErr, "post-hook of %s", job))
		}
	}
	return err
}

func (w *DeviceWorker) launch(inv Invokable, job *InvocationJob) error {
	var args driver.KernelArgs
	if job.args != nil {
		var err error
		args, err = job.args.KernelArgs()
		if err != nil {
			return errors.WithMessagef(err, "kernel arguments of %s", job)
		}
	}
	if err := w.ctx.Launch(inv.Function, job.LaunchConfig(), args); err != nil {
		return err
	}
	return w.ctx.Synchronize()
}
