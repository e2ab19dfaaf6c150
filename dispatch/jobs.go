package dispatch

import (
	"context"
	"fmt"
	"maps"
	"sync/atomic"

	"github.com/gomlx/kdispatch/driver"
	"github.com/google/uuid"
)

// JobKind is the label of the jobs in the metrics.
type JobKind string

const (
	KindLoad   JobKind = "load"
	KindInvoke JobKind = "invoke"
)

// ModuleLoadJob loads a compiled module on every device and registers its functions under caller chosen
// identifiers. Create it with NewModuleLoadJob and run it with Dispatcher.LoadModule.
type ModuleLoadJob struct {
	path      string
	functions map[string]string
	submitted atomic.Bool
	event     *Event
}

// NewModuleLoadJob creates a job to load the module at path. The functions map identifiers (which must be
// unique across the modules of a device) to the symbol names in the module. The map is copied.
func NewModuleLoadJob(path string, functions map[string]string) *ModuleLoadJob {
	return &ModuleLoadJob{
		path:      path,
		functions: maps.Clone(functions),
		event:     NewEvent(),
	}
}

// Path of the module.
func (j *ModuleLoadJob) Path() string { return j.path }

// Functions returns a copy of the identifier to symbol mapping.
func (j *ModuleLoadJob) Functions() map[string]string { return maps.Clone(j.functions) }

// Wait blocks until the module was loaded on every device, and returns the combined errors.
func (j *ModuleLoadJob) Wait() error { return j.event.Wait() }

// Event signals the completion of the job.
func (j *ModuleLoadJob) Event() *Event { return j.event }

// loadRequest is the per-device part of a ModuleLoadJob.
type loadRequest struct {
	path      string
	functions map[string]string
	event     *Event
}

// InvocationJob launches one function on whichever device is idle first. Create it with NewInvocationJob,
// configure it with the With* methods and submit it with Dispatcher.Submit.
//
// On the device's worker, the job runs: Pre hook, argument supplier, launch, synchronization, Post hook.
// The Post hook also runs if the launch failed (but not if the Pre hook failed), so it can release
// resources.
type InvocationJob struct {
	functionID     string
	grid, block    driver.Dim3
	sharedMemBytes int
	args           ArgSupplier
	pre, post      Hook
	tag            string

	submitted atomic.Bool
	ordinal   atomic.Int64
	event     *Event
}

// NewInvocationJob creates a job invoking the function registered as functionID, with a 1x1x1 grid and
// block by default.
func NewInvocationJob(functionID string) *InvocationJob {
	j := &InvocationJob{
		functionID: functionID,
		grid:       driver.Linear(1),
		block:      driver.Linear(1),
		event:      NewEvent(),
	}
	j.ordinal.Store(-1)
	return j
}

// WithGrid sets the number of blocks of the launch.
func (j *InvocationJob) WithGrid(grid driver.Dim3) *InvocationJob {
	j.grid = grid
	return j
}

// WithBlock sets the number of threads per block of the launch.
func (j *InvocationJob) WithBlock(block driver.Dim3) *InvocationJob {
	j.block = block
	return j
}

// WithSharedMem sets the dynamic shared memory per block, in bytes.
func (j *InvocationJob) WithSharedMem(numBytes int) *InvocationJob {
	j.sharedMemBytes = numBytes
	return j
}

// WithArgs sets the supplier of the kernel arguments.
func (j *InvocationJob) WithArgs(args ArgSupplier) *InvocationJob {
	j.args = args
	return j
}

// WithPre sets the hook run before the launch.
func (j *InvocationJob) WithPre(hook Hook) *InvocationJob {
	j.pre = hook
	return j
}

// WithPost sets the hook run after the launch.
func (j *InvocationJob) WithPost(hook Hook) *InvocationJob {
	j.post = hook
	return j
}

// WithTag sets a diagnostic tag, used in logs. If not set, a random UUID is assigned on submission.
func (j *InvocationJob) WithTag(tag string) *InvocationJob {
	j.tag = tag
	return j
}

// FunctionID of the function to invoke.
func (j *InvocationJob) FunctionID() string { return j.functionID }

// Tag of the job.
func (j *InvocationJob) Tag() string { return j.tag }

// LaunchConfig returns the launch geometry.
func (j *InvocationJob) LaunchConfig() driver.LaunchConfig {
	return driver.LaunchConfig{Grid: j.grid, Block: j.block, SharedMemBytes: j.sharedMemBytes}
}

// Ordinal of the device that ran the job, or -1 if it hasn't been handed to a device yet.
func (j *InvocationJob) Ordinal() int { return int(j.ordinal.Load()) }

// Event signals the completion of the job.
func (j *InvocationJob) Event() *Event { return j.event }

// Wait blocks until the job completes, and returns its error.
func (j *InvocationJob) Wait() error { return j.event.Wait() }

// WaitContext is like Wait, but it returns early with ctx.Err() if ctx is done first. The job is not
// cancelled.
func (j *InvocationJob) WaitContext(ctx context.Context) error { return j.event.WaitContext(ctx) }

// String implements fmt.Stringer.
func (j *InvocationJob) String() string {
	return fmt.Sprintf("job %q(%s, %s)", j.tag, j.functionID, j.LaunchConfig())
}

func (j *InvocationJob) assignTag() {
	if j.tag == "" {
		j.tag = uuid.NewString()
	}
}
