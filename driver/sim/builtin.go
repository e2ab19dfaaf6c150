package sim

import (
	"github.com/gomlx/kdispatch/driver"
)

// BuiltinModule is the path of a module registered for every sim driver, with a few float32 kernels:
//
//   - "vectorAdd"(a, b, c DevicePtr, n int): c[i] = a[i] + b[i].
//   - "scale"(x DevicePtr, factor float32, n int): x[i] *= factor.
//   - "fill"(x DevicePtr, value float32, n int): x[i] = value.
const BuiltinModule = "sim:builtin"

func init() {
	RegisterModule(BuiltinModule, map[string]Kernel{
		"vectorAdd": vectorAddKernel,
		"scale":     scaleKernel,
		"fill":      fillKernel,
	})
}

func vectorAddKernel(mem *Memory, t ThreadID, args driver.KernelArgs) {
	i, n := t.Global(), ArgInt(args, 3)
	if i >= n {
		return
	}
	a := Slice[float32](mem, Arg[driver.DevicePtr](args, 0), n)
	b := Slice[float32](mem, Arg[driver.DevicePtr](args, 1), n)
	c := Slice[float32](mem, Arg[driver.DevicePtr](args, 2), n)
	c[i] = a[i] + b[i]
}

func scaleKernel(mem *Memory, t ThreadID, args driver.KernelArgs) {
	i, n := t.Global(), ArgInt(args, 2)
	if i >= n {
		return
	}
	x := Slice[float32](mem, Arg[driver.DevicePtr](args, 0), n)
	x[i] *= Arg[float32](args, 1)
}

func fillKernel(mem *Memory, t ThreadID, args driver.KernelArgs) {
	i, n := t.Global(), ArgInt(args, 2)
	if i >= n {
		return
	}
	x := Slice[float32](mem, Arg[driver.DevicePtr](args, 0), n)
	x[i] = Arg[float32](args, 1)
}
