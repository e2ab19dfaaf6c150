// Package driver defines the contract between the dispatch core and an accelerator runtime.
//
// A Driver enumerates Devices. A Device creates execution Contexts, and the Context is where modules are
// loaded, memory is allocated and copied, and kernels are launched.
//
// Accelerator runtimes (CUDA in particular) bind a context to the OS thread that created or activated it.
// Callers must create a Context and use it from the same goroutine, locked to its OS thread with
// runtime.LockOSThread. The dispatch package does that for each device worker.
package driver

import (
	"fmt"
)

// DevicePtr is an address in device memory. The zero value is an invalid (nil) pointer.
type DevicePtr uintptr

// String implements fmt.Stringer.
func (p DevicePtr) String() string {
	return fmt.Sprintf("0x%x", uintptr(p))
}

// KernelArgs are the arguments passed to a kernel launch.
//
// Each element is one kernel parameter: a DevicePtr, or a fixed size scalar (int8, int16, int32, int64,
// uint*, float32, float64). The dispatch core doesn't interpret them, only the driver does.
type KernelArgs []any

// Driver is an accelerator runtime that gives access to its locally attached devices.
type Driver interface {
	// Name of the driver, e.g. "sim" or "cuda".
	Name() string

	// NumDevices returns the number of devices available.
	NumDevices() (int, error)

	// Device resolves the device with the given ordinal, 0 <= ordinal < NumDevices().
	Device(ordinal int) (Device, error)
}

// Device is a handle to one accelerator. It is cheap, and doesn't own any runtime resource.
type Device interface {
	// Ordinal of the device within its driver.
	Ordinal() int

	// Name is a vendor dependent description of the device, e.g. "Tesla V100-SXM2-16GB".
	Name() string

	// TotalMemory in bytes, or 0 if unknown.
	TotalMemory() int64

	// CreateContext creates a new execution context on the device and makes it current to the calling
	// OS thread.
	CreateContext() (Context, error)
}

// Context is an execution context on one device.
//
// All methods must be called from the goroutine (locked to an OS thread) that created it.
type Context interface {
	// Device that owns the context.
	Device() Device

	// LoadModule loads the compiled binary module at path.
	LoadModule(path string) (Module, error)

	// MemAlloc allocates numBytes of linear device memory.
	MemAlloc(numBytes int) (DevicePtr, error)

	// MemAllocPitch allocates a 2D region of height rows of widthBytes each, with rows padded for
	// alignment. elementSize is the size of the elements accessed by kernels and must be 4, 8 or 16.
	// It returns the pointer and the pitch: the number of bytes between the start of consecutive rows.
	MemAllocPitch(widthBytes, height, elementSize int) (ptr DevicePtr, pitch int, err error)

	// MemFree releases memory allocated by MemAlloc or MemAllocPitch.
	MemFree(ptr DevicePtr) error

	// MemcpyHtoD copies len(src) bytes from host to device.
	MemcpyHtoD(dst DevicePtr, src []byte) error

	// MemcpyDtoH copies len(dst) bytes from device to host.
	MemcpyDtoH(dst []byte, src DevicePtr) error

	// Memcpy2D performs a strided copy of height rows of widthBytes each.
	Memcpy2D(params Memcpy2DParams) error

	// Launch enqueues the kernel on the context's stream. It may return before the kernel finishes: use
	// Synchronize to wait for it.
	Launch(fn Function, config LaunchConfig, args KernelArgs) error

	// Synchronize blocks until all outstanding work on the context is finished, and reports the first
	// asynchronous error, if any.
	Synchronize() error

	// Destroy releases the context. The context is no longer valid afterward.
	Destroy() error
}

// Module is a binary unit loaded into a Context.
type Module interface {
	// Path from where the module was loaded.
	Path() string

	// Function returns the entry point with the given symbol name.
	Function(symbol string) (Function, error)

	// Unload releases the module.
	Unload() error
}

// Function is a kernel entry point in a Module.
type Function interface {
	// Name of the symbol in its module.
	Name() string
}

// MemoryType is the location of one side of a Memcpy2D.
type MemoryType int

const (
	MemoryTypeHost MemoryType = iota + 1
	MemoryTypeDevice
)

// Memcpy2DParams describes a 2D strided copy between host and device.
//
// For the host side only the Host slice is used, and for the device side the Device pointer.
type Memcpy2DParams struct {
	SrcType   MemoryType
	SrcHost   []byte
	SrcDevice DevicePtr
	SrcPitch  int

	DstType   MemoryType
	DstHost   []byte
	DstDevice DevicePtr
	DstPitch  int

	WidthInBytes int
	Height       int
}

// HostToDevice2D returns the Memcpy2DParams to upload (host -> device) a 2D region.
func HostToDevice2D(dst DevicePtr, dstPitch int, src []byte, srcPitch, widthBytes, height int) Memcpy2DParams {
	return Memcpy2DParams{
		SrcType: MemoryTypeHost, SrcHost: src, SrcPitch: srcPitch,
		DstType: MemoryTypeDevice, DstDevice: dst, DstPitch: dstPitch,
		WidthInBytes: widthBytes, Height: height,
	}
}

// DeviceToHost2D returns the Memcpy2DParams to download (device -> host) a 2D region.
func DeviceToHost2D(dst []byte, dstPitch int, src DevicePtr, srcPitch, widthBytes, height int) Memcpy2DParams {
	return Memcpy2DParams{
		SrcType: MemoryTypeDevice, SrcDevice: src, SrcPitch: srcPitch,
		DstType: MemoryTypeHost, DstHost: dst, DstPitch: dstPitch,
		WidthInBytes: widthBytes, Height: height,
	}
}

// Validate checks that the strides and sizes are consistent with the given host buffer.
func (p Memcpy2DParams) Validate() error {
	if p.WidthInBytes <= 0 || p.Height <= 0 {
		return NewError("Memcpy2D", CodeInvalidValue, fmt.Sprintf("invalid region %d bytes x %d rows", p.WidthInBytes, p.Height))
	}
	if p.SrcPitch < p.WidthInBytes || p.DstPitch < p.WidthInBytes {
		return NewError("Memcpy2D", CodeInvalidPitchValue, fmt.Sprintf("pitches (src=%d, dst=%d) smaller than row width %d", p.SrcPitch, p.DstPitch, p.WidthInBytes))
	}
	need := func(pitch int) int { return pitch*(p.Height-1) + p.WidthInBytes }
	if p.SrcType == MemoryTypeHost && len(p.SrcHost) < need(p.SrcPitch) {
		return NewError("Memcpy2D", CodeInvalidValue, fmt.Sprintf("host source has %d bytes, %d required", len(p.SrcHost), need(p.SrcPitch)))
	}
	if p.DstType == MemoryTypeHost && len(p.DstHost) < need(p.DstPitch) {
		return NewError("Memcpy2D", CodeInvalidValue, fmt.Sprintf("host destination has %d bytes, %d required", len(p.DstHost), need(p.DstPitch)))
	}
	return nil
}
