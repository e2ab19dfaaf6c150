// Package sim implements a simulated accelerator driver: devices run on the CPU, device memory is host
// memory behind fake addresses, and modules are sets of Go kernels registered in-process.
//
// It follows the semantics of the CUDA driver closely enough to exercise the dispatch and memory layers:
// pitched allocations, asynchronous launches reported by Synchronize, launch limits and out-of-memory
// errors.
//
// Importing the package registers the driver under the name "sim".
package sim

import (
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
)

const (
	// Name of the driver in the driver registry.
	Name = "sim"

	// MaxThreadsPerBlock accepted by Launch.
	MaxThreadsPerBlock = 1024

	// MaxSharedMemPerBlock accepted by Launch, in bytes.
	MaxSharedMemPerBlock = 48 * 1024

	// DefaultPitchAlignment of the rows of pitched allocations, in bytes.
	DefaultPitchAlignment = 512

	// DefaultTotalMemory of each simulated device, in bytes.
	DefaultTotalMemory = int64(1) << 30
)

func init() {
	driver.Register(Name, newFromOptions)
}

// Driver is the simulated driver. Create it with New, configure it with the With* methods before creating
// contexts.
type Driver struct {
	instance       int
	devices        []*Device
	totalMemory    int64
	pitchAlignment int

	muModules sync.Mutex
	modules   map[string]map[string]Kernel
}

// Assert Driver implements driver.Driver.
var _ driver.Driver = (*Driver)(nil)

// numDrivers counts the sim drivers created in the process.
var numDrivers atomic.Int64

// New creates a simulated driver with numDevices devices.
func New(numDevices int) *Driver {
	d := &Driver{
		instance:       int(numDrivers.Add(1) - 1),
		totalMemory:    DefaultTotalMemory,
		pitchAlignment: DefaultPitchAlignment,
		modules:        make(map[string]map[string]Kernel),
	}
	d.devices = make([]*Device, numDevices)
	for ordinal := range numDevices {
		d.devices[ordinal] = &Device{driver: d, ordinal: ordinal}
	}
	d.resetMemory()
	return d
}

// WithTotalMemory sets the memory available on each device. 0 means unlimited.
// It must be called before any allocation, since it resets the device memory.
func (d *Driver) WithTotalMemory(numBytes int64) *Driver {
	d.totalMemory = numBytes
	d.resetMemory()
	return d
}

// WithPitchAlignment sets the alignment of the rows of pitched allocations. It must be a power of 2.
func (d *Driver) WithPitchAlignment(alignment int) *Driver {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		panic(errors.Errorf("pitch alignment must be a positive power of 2, got %d", alignment))
	}
	d.pitchAlignment = alignment
	return d
}

// Instance is the number of the driver among the sim drivers created in the process, starting at 0.
// It's the "driver" label of the device memory metrics.
func (d *Driver) Instance() int { return d.instance }

func (d *Driver) resetMemory() {
	for _, device := range d.devices {
		device.memory = newMemory(d.instance, device.ordinal, d.totalMemory)
	}
}

// newFromOptions is the driver.Factory for "sim".
// It accepts the options "numDevices" (default 1), "totalMemory" and "pitchAlignment".
func newFromOptions(options driver.Options) (driver.Driver, error) {
	numDevices, err := intOption(options, "numDevices", 1)
	if err != nil {
		return nil, err
	}
	if numDevices < 0 {
		return nil, errors.Errorf("sim driver: invalid numDevices=%d", numDevices)
	}
	d := New(numDevices)
	totalMemory, err := intOption(options, "totalMemory", int(DefaultTotalMemory))
	if err != nil {
		return nil, err
	}
	d.WithTotalMemory(int64(totalMemory))
	alignment, err := intOption(options, "pitchAlignment", DefaultPitchAlignment)
	if err != nil {
		return nil, err
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, errors.Errorf("sim driver: pitchAlignment must be a positive power of 2, got %d", alignment)
	}
	d.WithPitchAlignment(alignment)
	return d, nil
}

func intOption(options driver.Options, key string, defaultValue int) (int, error) {
	v, found := options[key]
	if !found || v == nil {
		return defaultValue, nil
	}
	switch value := v.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		return int(value), nil
	case string:
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.Wrapf(err, "sim driver: option %q", key)
		}
		return n, nil
	}
	return 0, errors.Errorf("sim driver: option %q has unsupported type %T", key, v)
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// NumDevices implements driver.Driver.
func (d *Driver) NumDevices() (int, error) {
	return len(d.devices), nil
}

// Device implements driver.Driver.
func (d *Driver) Device(ordinal int) (driver.Device, error) {
	if ordinal < 0 || ordinal >= len(d.devices) {
		return nil, driver.NewError("cuDeviceGet", driver.CodeInvalidDevice,
			fmt.Sprintf("ordinal %d not in range [0, %d)", ordinal, len(d.devices)))
	}
	return d.devices[ordinal], nil
}

// SimDevice returns the concrete simulated device, with access to its memory and statistics.
func (d *Driver) SimDevice(ordinal int) *Device {
	return d.devices[ordinal]
}

// RegisterModule makes the kernels available to contexts of this driver as a module loaded from path.
// Registering the same path again replaces the module for later loads.
func (d *Driver) RegisterModule(path string, kernels map[string]Kernel) {
	d.muModules.Lock()
	defer d.muModules.Unlock()
	d.modules[path] = maps.Clone(kernels)
}

var (
	muGlobalModules sync.Mutex
	globalModules   = make(map[string]map[string]Kernel)
)

// RegisterModule makes the kernels available to every sim driver as a module loaded from path.
// Modules registered on a Driver take precedence.
func RegisterModule(path string, kernels map[string]Kernel) {
	muGlobalModules.Lock()
	defer muGlobalModules.Unlock()
	globalModules[path] = maps.Clone(kernels)
}

func (d *Driver) lookupModule(path string) (map[string]Kernel, bool) {
	d.muModules.Lock()
	kernels, found := d.modules[path]
	d.muModules.Unlock()
	if found {
		return kernels, true
	}
	muGlobalModules.Lock()
	defer muGlobalModules.Unlock()
	kernels, found = globalModules[path]
	return kernels, found
}

// Device is a simulated device.
type Device struct {
	driver   *Driver
	ordinal  int
	memory   *Memory
	launches atomic.Int64
}

// Assert Device implements driver.Device.
var _ driver.Device = (*Device)(nil)

// Ordinal implements driver.Device.
func (d *Device) Ordinal() int { return d.ordinal }

// Name implements driver.Device.
func (d *Device) Name() string {
	return fmt.Sprintf("Simulated Device #%d", d.ordinal)
}

// TotalMemory implements driver.Device.
func (d *Device) TotalMemory() int64 { return d.driver.totalMemory }

// Memory of the device.
func (d *Device) Memory() *Memory { return d.memory }

// Launches returns the number of kernels launched on the device so far.
func (d *Device) Launches() int64 { return d.launches.Load() }

// CreateContext implements driver.Device.
func (d *Device) CreateContext() (driver.Context, error) {
	return newContext(d), nil
}

func deviceLabel(ordinal int) string {
	return strconv.Itoa(ordinal)
}
