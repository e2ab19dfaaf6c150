//go:build linux

package cuda

import (
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	driver.Register(Name, func(driver.Options) (driver.Driver, error) {
		return New()
	})
}

// Driver gives access to the NVIDIA GPUs of the machine.
type Driver struct {
	numDevices int
}

// Assert Driver implements driver.Driver.
var _ driver.Driver = (*Driver)(nil)

// New loads the CUDA driver library and enumerates the devices.
func New() (*Driver, error) {
	if err := loadLibrary(); err != nil {
		return nil, err
	}
	var count int32
	if err := check(cuDeviceGetCount(&count), "cuDeviceGetCount"); err != nil {
		return nil, err
	}
	return &Driver{numDevices: int(count)}, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// NumDevices implements driver.Driver.
func (d *Driver) NumDevices() (int, error) { return d.numDevices, nil }

// Device implements driver.Driver.
func (d *Driver) Device(ordinal int) (driver.Device, error) {
	if ordinal < 0 || ordinal >= d.numDevices {
		return nil, driver.NewError("cuDeviceGet", driver.CodeInvalidDevice,
			fmt.Sprintf("ordinal %d not in range [0, %d)", ordinal, d.numDevices))
	}
	var handle int32
	if err := check(cuDeviceGet(&handle, int32(ordinal)), "cuDeviceGet"); err != nil {
		return nil, err
	}
	dev := &Device{ordinal: ordinal, handle: handle}

	nameBuf := make([]byte, 256)
	if err := check(cuDeviceGetName(&nameBuf[0], int32(len(nameBuf)), handle), "cuDeviceGetName"); err != nil {
		return nil, err
	}
	dev.name = goString(&nameBuf[0])
	var totalMem uint64
	if err := check(cuDeviceTotalMem(&totalMem, handle), "cuDeviceTotalMem"); err != nil {
		return nil, err
	}
	dev.totalMemory = int64(totalMem)
	dev.maxThreadsPerBlock = dev.attribute(attrMaxThreadsPerBlock)
	dev.maxSharedMem = dev.attribute(attrMaxSharedMemoryPerBlock)
	dev.computeMajor = dev.attribute(attrComputeCapabilityMajor)
	dev.computeMinor = dev.attribute(attrComputeCapabilityMinor)
	return dev, nil
}

// Device is one NVIDIA GPU.
type Device struct {
	ordinal                    int
	handle                     int32
	name                       string
	totalMemory                int64
	maxThreadsPerBlock         int
	maxSharedMem               int
	computeMajor, computeMinor int
}

// Assert Device implements driver.Device.
var _ driver.Device = (*Device)(nil)

func (d *Device) attribute(attr int32) int {
	var value int32
	if err := check(cuDeviceGetAttribute(&value, attr, d.handle), "cuDeviceGetAttribute"); err != nil {
		klog.Errorf("cuda device #%d: failed to read attribute %d: %v", d.ordinal, attr, err)
		return 0
	}
	return int(value)
}

// Ordinal implements driver.Device.
func (d *Device) Ordinal() int { return d.ordinal }

// Name implements driver.Device.
func (d *Device) Name() string {
	return fmt.Sprintf("%s (SM %d.%d)", d.name, d.computeMajor, d.computeMinor)
}

// TotalMemory implements driver.Device.
func (d *Device) TotalMemory() int64 { return d.totalMemory }

// CreateContext implements driver.Device. The new context is current to the calling OS thread, which
// should be locked with runtime.LockOSThread.
func (d *Device) CreateContext() (driver.Context, error) {
	var handle uintptr
	if err := check(cuCtxCreate(&handle, 0, d.handle), "cuCtxCreate"); err != nil {
		return nil, errors.WithMessagef(err, "creating context on cuda device #%d", d.ordinal)
	}
	klog.V(1).Infof("cuda device #%d: created context 0x%x", d.ordinal, handle)
	return &Context{device: d, handle: handle}, nil
}

// Context is a CUDA context. Kernels are launched on the legacy default stream.
type Context struct {
	device    *Device
	handle    uintptr
	destroyed bool
}

// Assert Context implements driver.Context.
var _ driver.Context = (*Context)(nil)

// Device implements driver.Context.
func (c *Context) Device() driver.Device { return c.device }

// LoadModule implements driver.Context. The file can be PTX, cubin or a fatbin.
func (c *Context) LoadModule(path string) (driver.Module, error) {
	var handle uintptr
	if err := check(cuModuleLoad(&handle, cString(path)), "cuModuleLoad"); err != nil {
		return nil, errors.WithMessagef(err, "loading module %q", path)
	}
	return &Module{path: path, handle: handle}, nil
}

// MemAlloc implements driver.Context.
func (c *Context) MemAlloc(numBytes int) (driver.DevicePtr, error) {
	var ptr uintptr
	if err := check(cuMemAlloc(&ptr, uint64(numBytes)), "cuMemAlloc"); err != nil {
		return 0, err
	}
	return driver.DevicePtr(ptr), nil
}

// MemAllocPitch implements driver.Context.
func (c *Context) MemAllocPitch(widthBytes, height, elementSize int) (driver.DevicePtr, int, error) {
	var ptr uintptr
	var pitch uint64
	if err := check(cuMemAllocPitch(&ptr, &pitch, uint64(widthBytes), uint64(height), uint32(elementSize)), "cuMemAllocPitch"); err != nil {
		return 0, 0, err
	}
	return driver.DevicePtr(ptr), int(pitch), nil
}

// MemFree implements driver.Context.
func (c *Context) MemFree(ptr driver.DevicePtr) error {
	return check(cuMemFree(uintptr(ptr)), "cuMemFree")
}

// MemcpyHtoD implements driver.Context.
func (c *Context) MemcpyHtoD(dst driver.DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	err := check(cuMemcpyHtoD(uintptr(dst), unsafe.Pointer(&src[0]), uint64(len(src))), "cuMemcpyHtoD")
	runtime.KeepAlive(src)
	return err
}

// MemcpyDtoH implements driver.Context.
func (c *Context) MemcpyDtoH(dst []byte, src driver.DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	err := check(cuMemcpyDtoH(unsafe.Pointer(&dst[0]), uintptr(src), uint64(len(dst))), "cuMemcpyDtoH")
	runtime.KeepAlive(dst)
	return err
}

// memcpy2D mirrors the C struct CUDA_MEMCPY2D.
type memcpy2D struct {
	srcXInBytes, srcY uint64
	srcMemoryType     uint32
	srcHost           uintptr
	srcDevice         uintptr
	srcArray          uintptr
	srcPitch          uint64

	dstXInBytes, dstY uint64
	dstMemoryType     uint32
	dstHost           uintptr
	dstDevice         uintptr
	dstArray          uintptr
	dstPitch          uint64

	widthInBytes uint64
	height       uint64
}

func hostAddress(data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

// Memcpy2D implements driver.Context.
func (c *Context) Memcpy2D(p driver.Memcpy2DParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	params := &memcpy2D{
		srcMemoryType: uint32(p.SrcType),
		srcHost:       hostAddress(p.SrcHost),
		srcDevice:     uintptr(p.SrcDevice),
		srcPitch:      uint64(p.SrcPitch),
		dstMemoryType: uint32(p.DstType),
		dstHost:       hostAddress(p.DstHost),
		dstDevice:     uintptr(p.DstDevice),
		dstPitch:      uint64(p.DstPitch),
		widthInBytes:  uint64(p.WidthInBytes),
		height:        uint64(p.Height),
	}
	err := check(cuMemcpy2D(params), "cuMemcpy2D")
	runtime.KeepAlive(p.SrcHost)
	runtime.KeepAlive(p.DstHost)
	return err
}

// marshalArgs lays out the kernel arguments in a pointer free buffer, and returns the buffer along with
// the array of addresses of each parameter, as expected by cuLaunchKernel.
func marshalArgs(args driver.KernelArgs) (storage []uint64, params []uintptr, err error) {
	if len(args) == 0 {
		return nil, nil, nil
	}
	storage = make([]uint64, len(args))
	for i, arg := range args {
		var bits uint64
		switch v := arg.(type) {
		case driver.DevicePtr:
			bits = uint64(v)
		case uintptr:
			bits = uint64(v)
		case int:
			bits = uint64(v)
		case int8:
			bits = uint64(v)
		case int16:
			bits = uint64(v)
		case int32:
			bits = uint64(uint32(v))
		case int64:
			bits = uint64(v)
		case uint:
			bits = uint64(v)
		case uint8:
			bits = uint64(v)
		case uint16:
			bits = uint64(v)
		case uint32:
			bits = uint64(v)
		case uint64:
			bits = v
		case float32:
			bits = uint64(math.Float32bits(v))
		case float64:
			bits = math.Float64bits(v)
		default:
			return nil, nil, errors.Errorf("kernel argument #%d has unsupported type %T", i, arg)
		}
		storage[i] = bits
	}
	// Parameters are read by the driver in the native (little endian) layout, so the low bytes of each word
	// hold the value of narrower types.
	params = make([]uintptr, len(args))
	for i := range storage {
		params[i] = uintptr(unsafe.Pointer(&storage[i]))
	}
	return storage, params, nil
}

// Launch implements driver.Context.
func (c *Context) Launch(fn driver.Function, config driver.LaunchConfig, args driver.KernelArgs) error {
	f, ok := fn.(*Function)
	if !ok {
		return driver.NewError("cuLaunchKernel", driver.CodeInvalidHandle, fmt.Sprintf("%T is not a cuda function", fn))
	}
	if err := config.Validate(c.device.maxThreadsPerBlock, c.device.maxSharedMem); err != nil {
		return err
	}
	storage, params, err := marshalArgs(args)
	if err != nil {
		return err
	}
	var paramsPtr unsafe.Pointer
	if len(params) > 0 {
		paramsPtr = unsafe.Pointer(&params[0])
	}
	g, b := config.Grid, config.Block
	err = check(cuLaunchKernel(f.handle,
		uint32(g.X), uint32(g.Y), uint32(g.Z),
		uint32(b.X), uint32(b.Y), uint32(b.Z),
		uint32(config.SharedMemBytes), 0, paramsPtr, nil), "cuLaunchKernel")
	runtime.KeepAlive(storage)
	runtime.KeepAlive(params)
	return err
}

// Synchronize implements driver.Context.
func (c *Context) Synchronize() error {
	return check(cuCtxSynchronize(), "cuCtxSynchronize")
}

// Destroy implements driver.Context. It's idempotent.
func (c *Context) Destroy() error {
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	return check(cuCtxDestroy(c.handle), "cuCtxDestroy")
}

// Module is a loaded CUDA module.
type Module struct {
	path   string
	handle uintptr
}

// Path implements driver.Module.
func (m *Module) Path() string { return m.path }

// Function implements driver.Module.
func (m *Module) Function(symbol string) (driver.Function, error) {
	var handle uintptr
	if err := check(cuModuleGetFunction(&handle, m.handle, cString(symbol)), "cuModuleGetFunction"); err != nil {
		return nil, errors.WithMessagef(err, "symbol %q in module %q", symbol, m.path)
	}
	return &Function{name: symbol, handle: handle}, nil
}

// Unload implements driver.Module.
func (m *Module) Unload() error {
	return check(cuModuleUnload(m.handle), "cuModuleUnload")
}

// Function is a kernel entry point of a CUDA module.
type Function struct {
	name   string
	handle uintptr
}

// Name implements driver.Function.
func (f *Function) Name() string { return f.name }
