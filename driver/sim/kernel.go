package sim

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/kdispatch/driver"
	"github.com/gomlx/kdispatch/dtypes"
)

// ThreadID identifies one thread of a kernel launch.
type ThreadID struct {
	BlockIdx  driver.Dim3
	ThreadIdx driver.Dim3
	BlockDim  driver.Dim3
	GridDim   driver.Dim3
}

// Global returns the global index of the thread along X: BlockIdx.X * BlockDim.X + ThreadIdx.X.
func (t ThreadID) Global() int {
	return t.BlockIdx.X*t.BlockDim.X + t.ThreadIdx.X
}

// GlobalY returns the global index of the thread along Y.
func (t ThreadID) GlobalY() int {
	return t.BlockIdx.Y*t.BlockDim.Y + t.ThreadIdx.Y
}

// Kernel is a simulated device function, executed once per thread of the launch.
//
// Threads of one block run sequentially on one goroutine, and blocks are spread over up to
// runtime.NumCPU() goroutines. Kernels must only write to memory locations exclusive to their thread.
type Kernel func(mem *Memory, t ThreadID, args driver.KernelArgs)

// Slice returns a typed view of n elements of device memory starting at ptr.
// It panics with a *driver.Error (reported as the launch error) on an illegal access.
func Slice[T dtypes.Supported](mem *Memory, ptr driver.DevicePtr, n int) []T {
	var t T
	elemSize := int(unsafe.Sizeof(t))
	data := mem.MustBytes(ptr, n*elemSize)
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), n)
}

// Row returns a typed view of row of a pitched 2D allocation starting at ptr: n elements starting at
// ptr + row*pitch.
func Row[T dtypes.Supported](mem *Memory, ptr driver.DevicePtr, pitch, row, n int) []T {
	return Slice[T](mem, ptr+driver.DevicePtr(row*pitch), n)
}

// Arg returns the kernel argument i converted to T. It panics if the argument is missing or has a
// different type.
func Arg[T any](args driver.KernelArgs, i int) T {
	if i >= len(args) {
		panic(driver.NewError("kernel argument", driver.CodeInvalidValue, fmt.Sprintf("argument #%d missing, only %d given", i, len(args))))
	}
	v, ok := args[i].(T)
	if !ok {
		var t T
		panic(driver.NewError("kernel argument", driver.CodeInvalidValue, fmt.Sprintf("argument #%d is a %T, wanted %T", i, args[i], t)))
	}
	return v
}

// ArgInt returns the integer kernel argument i, accepting any Go integer type.
func ArgInt(args driver.KernelArgs, i int) int {
	if i >= len(args) {
		panic(driver.NewError("kernel argument", driver.CodeInvalidValue, fmt.Sprintf("argument #%d missing, only %d given", i, len(args))))
	}
	switch v := args[i].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	}
	panic(driver.NewError("kernel argument", driver.CodeInvalidValue, fmt.Sprintf("argument #%d is a %T, wanted an integer", i, args[i])))
}

// run executes the kernel over the whole grid and waits for it. Panics of any thread are recovered and the
// first one is returned as an error.
func run(kernel Kernel, mem *Memory, config driver.LaunchConfig, args driver.KernelArgs) error {
	grid, block := config.Grid, config.Block
	gridSize, blockSize := grid.Size(), block.Size()
	numWorkers := min(runtime.NumCPU(), gridSize)
	blocksPerWorker := driver.CeilDiv(gridSize, numWorkers)

	var (
		wg       sync.WaitGroup
		muErr    sync.Mutex
		firstErr error
	)
	for workerID := range numWorkers {
		startBlock := workerID * blocksPerWorker
		endBlock := min(startBlock+blocksPerWorker, gridSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					muErr.Lock()
					if firstErr == nil {
						firstErr = panicToError(r)
					}
					muErr.Unlock()
				}
			}()
			for blockID := startBlock; blockID < endBlock; blockID++ {
				tid := ThreadID{BlockIdx: linearTo3D(blockID, grid), BlockDim: block, GridDim: grid}
				for threadID := range blockSize {
					tid.ThreadIdx = linearTo3D(threadID, block)
					kernel(mem, tid, args)
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func linearTo3D(linear int, dim driver.Dim3) driver.Dim3 {
	return driver.Dim3{
		X: linear % dim.X,
		Y: (linear % (dim.X * dim.Y)) / dim.X,
		Z: linear / (dim.X * dim.Y),
	}
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		if driver.CodeOf(err) != driver.CodeUnknown {
			return err
		}
		return driver.NewError("cuLaunchKernel", driver.CodeLaunchFailed, err.Error())
	}
	return driver.NewError("cuLaunchKernel", driver.CodeLaunchFailed, fmt.Sprintf("kernel panicked: %v", r))
}
