package dispatch

import (
	"fmt"

	"github.com/gomlx/kdispatch/driver"
)

// Module is a code module loaded on one device.
//
// Hooks receive it to reach the device context: memory handles used in hooks are allocated with
// Module.Context().
type Module struct {
	path   string
	handle driver.Module
	worker *DeviceWorker
}

// Path from where the module was loaded.
func (m *Module) Path() string { return m.path }

// Handle is the driver's module.
func (m *Module) Handle() driver.Module { return m.handle }

// Context of the device the module is loaded on. It must only be used from the device's worker, that is,
// from within hooks and argument suppliers.
func (m *Module) Context() driver.Context { return m.worker.ctx }

// Device the module is loaded on.
func (m *Module) Device() driver.Device { return m.worker.device }

// Ordinal of the device the module is loaded on.
func (m *Module) Ordinal() int { return m.worker.Ordinal() }

// String implements fmt.Stringer.
func (m *Module) String() string {
	return fmt.Sprintf("module %q on device #%d", m.path, m.Ordinal())
}
