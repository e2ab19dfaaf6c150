package dispatch

import (
	"github.com/gomlx/kdispatch/driver"
)

// ArgSupplier provides the kernel arguments of an invocation. It's called on the device's worker, after
// the pre-hook, so it can read device pointers of handles allocated by the hook.
type ArgSupplier interface {
	KernelArgs() (driver.KernelArgs, error)
}

// ArgsFunc adapts a function to an ArgSupplier.
type ArgsFunc func() (driver.KernelArgs, error)

// KernelArgs implements ArgSupplier.
func (f ArgsFunc) KernelArgs() (driver.KernelArgs, error) { return f() }

type staticArgs driver.KernelArgs

func (s staticArgs) KernelArgs() (driver.KernelArgs, error) { return driver.KernelArgs(s), nil }

// StaticArgs returns an ArgSupplier of fixed arguments.
func StaticArgs(args ...any) ArgSupplier {
	return staticArgs(args)
}

// Hook runs on the device's worker before or after a kernel launch, with the module holding the function.
// Hooks typically allocate, upload, refresh or free device memory handles.
type Hook interface {
	Run(m *Module) error
}

// HookFunc adapts a function to a Hook.
type HookFunc func(m *Module) error

// Run implements Hook.
func (f HookFunc) Run(m *Module) error { return f(m) }
