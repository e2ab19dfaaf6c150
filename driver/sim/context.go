package sim

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is a simulated execution context. It owns a stream: launches are executed in order on a
// background goroutine, and memory copies wait for the launches enqueued before them.
type Context struct {
	device *Device

	tasks chan func()
	done  chan struct{}

	mu        sync.Mutex
	destroyed bool

	muErr    sync.Mutex
	asyncErr error // First error of an asynchronous launch, reported by the next Synchronize.
}

// Assert Context implements driver.Context.
var _ driver.Context = (*Context)(nil)

func newContext(device *Device) *Context {
	c := &Context{
		device: device,
		tasks:  make(chan func(), 16),
		done:   make(chan struct{}),
	}
	go c.stream()
	return c
}

func (c *Context) stream() {
	defer close(c.done)
	for task := range c.tasks {
		task()
	}
}

// enqueue submits a task to the stream.
func (c *Context) enqueue(task func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return driver.NewError("stream", driver.CodeInvalidContext, "context destroyed")
	}
	c.tasks <- task
	return nil
}

// drain waits for all tasks enqueued so far.
func (c *Context) drain() error {
	finished := make(chan struct{})
	if err := c.enqueue(func() { close(finished) }); err != nil {
		return err
	}
	<-finished
	return nil
}

func (c *Context) checkAlive(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return driver.NewError(op, driver.CodeInvalidContext, "context destroyed")
	}
	return nil
}

// Device implements driver.Context.
func (c *Context) Device() driver.Device {
	return c.device
}

// Memory of the device the context is on.
func (c *Context) Memory() *Memory {
	return c.device.memory
}

// LoadModule implements driver.Context. Modules must have been registered with Driver.RegisterModule or
// the package level RegisterModule.
func (c *Context) LoadModule(path string) (driver.Module, error) {
	if err := c.checkAlive("cuModuleLoad"); err != nil {
		return nil, err
	}
	kernels, found := c.device.driver.lookupModule(path)
	if !found {
		if _, err := os.Stat(path); err != nil {
			return nil, driver.NewError("cuModuleLoad", driver.CodeFileNotFound, fmt.Sprintf("module %q: %v", path, err))
		}
		return nil, driver.NewError("cuModuleLoad", driver.CodeInvalidImage,
			fmt.Sprintf("module %q is not registered with the sim driver", path))
	}
	m := &Module{path: path, kernels: kernels, ctx: c}
	klog.V(1).Infof("sim device #%d: loaded module %q with %d kernels", c.device.ordinal, path, len(kernels))
	return m, nil
}

// MemAlloc implements driver.Context.
func (c *Context) MemAlloc(numBytes int) (driver.DevicePtr, error) {
	if err := c.checkAlive("cuMemAlloc"); err != nil {
		return 0, err
	}
	return c.device.memory.alloc(c, numBytes)
}

// MemAllocPitch implements driver.Context. Rows are padded to the driver's pitch alignment.
func (c *Context) MemAllocPitch(widthBytes, height, elementSize int) (driver.DevicePtr, int, error) {
	if err := c.checkAlive("cuMemAllocPitch"); err != nil {
		return 0, 0, err
	}
	if elementSize != 4 && elementSize != 8 && elementSize != 16 {
		return 0, 0, driver.NewError("cuMemAllocPitch", driver.CodeInvalidValue,
			fmt.Sprintf("element size must be 4, 8 or 16, got %d", elementSize))
	}
	if widthBytes <= 0 || height <= 0 {
		return 0, 0, driver.NewError("cuMemAllocPitch", driver.CodeInvalidValue,
			fmt.Sprintf("invalid region %d bytes x %d rows", widthBytes, height))
	}
	alignment := c.device.driver.pitchAlignment
	pitch := (widthBytes + alignment - 1) / alignment * alignment
	ptr, err := c.device.memory.alloc(c, pitch*height)
	if err != nil {
		return 0, 0, err
	}
	return ptr, pitch, nil
}

// MemFree implements driver.Context.
func (c *Context) MemFree(ptr driver.DevicePtr) error {
	if err := c.drain(); err != nil {
		return err
	}
	return c.device.memory.free(ptr)
}

// MemcpyHtoD implements driver.Context.
func (c *Context) MemcpyHtoD(dst driver.DevicePtr, src []byte) error {
	if err := c.drain(); err != nil {
		return err
	}
	data, err := c.device.memory.Bytes(dst, len(src))
	if err != nil {
		return errors.WithMessage(err, "cuMemcpyHtoD")
	}
	copy(data, src)
	return nil
}

// MemcpyDtoH implements driver.Context.
func (c *Context) MemcpyDtoH(dst []byte, src driver.DevicePtr) error {
	if err := c.drain(); err != nil {
		return err
	}
	data, err := c.device.memory.Bytes(src, len(dst))
	if err != nil {
		return errors.WithMessage(err, "cuMemcpyDtoH")
	}
	copy(dst, data)
	return nil
}

// Memcpy2D implements driver.Context.
func (c *Context) Memcpy2D(p driver.Memcpy2DParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := c.drain(); err != nil {
		return err
	}
	mem := c.device.memory
	for row := range p.Height {
		var src, dst []byte
		var err error
		if p.SrcType == driver.MemoryTypeHost {
			src = p.SrcHost[row*p.SrcPitch : row*p.SrcPitch+p.WidthInBytes]
		} else if src, err = mem.Bytes(p.SrcDevice+driver.DevicePtr(row*p.SrcPitch), p.WidthInBytes); err != nil {
			return errors.WithMessagef(err, "cuMemcpy2D source row %d", row)
		}
		if p.DstType == driver.MemoryTypeHost {
			dst = p.DstHost[row*p.DstPitch : row*p.DstPitch+p.WidthInBytes]
		} else if dst, err = mem.Bytes(p.DstDevice+driver.DevicePtr(row*p.DstPitch), p.WidthInBytes); err != nil {
			return errors.WithMessagef(err, "cuMemcpy2D destination row %d", row)
		}
		copy(dst, src)
	}
	return nil
}

// Launch implements driver.Context. It validates the launch synchronously and executes the kernel
// asynchronously on the context's stream: execution errors are reported by Synchronize.
func (c *Context) Launch(fn driver.Function, config driver.LaunchConfig, args driver.KernelArgs) error {
	f, ok := fn.(*Function)
	if !ok || f.module.ctx != c {
		return driver.NewError("cuLaunchKernel", driver.CodeInvalidHandle, fmt.Sprintf("function %v doesn't belong to this context", fn))
	}
	if err := config.Validate(MaxThreadsPerBlock, MaxSharedMemPerBlock); err != nil {
		return err
	}
	// Arguments are copied, since the caller may reuse the slice.
	args = append(driver.KernelArgs(nil), args...)
	mem := c.device.memory
	c.device.launches.Add(1)
	return c.enqueue(func() {
		if err := run(f.kernel, mem, config, args); err != nil {
			klog.V(1).Infof("sim device #%d: kernel %q failed: %v", c.device.ordinal, f.name, err)
			c.muErr.Lock()
			if c.asyncErr == nil {
				c.asyncErr = err
			}
			c.muErr.Unlock()
		}
	})
}

// Synchronize implements driver.Context.
func (c *Context) Synchronize() error {
	if err := c.drain(); err != nil {
		return err
	}
	c.muErr.Lock()
	defer c.muErr.Unlock()
	err := c.asyncErr
	c.asyncErr = nil
	return err
}

// Destroy implements driver.Context. It waits for the stream, and frees all the memory allocated from the
// context. It's idempotent.
func (c *Context) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	close(c.tasks)
	c.mu.Unlock()
	<-c.done
	c.device.memory.releaseOwner(c)
	return nil
}

// Module is a loaded simulated module.
type Module struct {
	path    string
	kernels map[string]Kernel
	ctx     *Context
}

// Path implements driver.Module.
func (m *Module) Path() string { return m.path }

// Function implements driver.Module.
func (m *Module) Function(symbol string) (driver.Function, error) {
	kernel, found := m.kernels[symbol]
	if !found {
		return nil, driver.NewError("cuModuleGetFunction", driver.CodeNotFound, fmt.Sprintf("symbol %q not in module %q", symbol, m.path))
	}
	return &Function{name: symbol, kernel: kernel, module: m}, nil
}

// Unload implements driver.Module.
func (m *Module) Unload() error {
	return m.ctx.checkAlive("cuModuleUnload")
}

// Function is a kernel of a loaded simulated module.
type Function struct {
	name   string
	kernel Kernel
	module *Module
}

// Name implements driver.Function.
func (f *Function) Name() string { return f.name }
