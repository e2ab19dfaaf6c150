package dispatch

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnknownFunction is returned by invocations of a function id not loaded on the device.
	ErrUnknownFunction = errors.New("unknown function id")

	// ErrDuplicateFunction is returned when loading a function id that is already loaded on the device.
	ErrDuplicateFunction = errors.New("function id already loaded")

	// ErrJobReused is returned when submitting a job that was already submitted.
	ErrJobReused = errors.New("job already submitted")

	// ErrClosed is returned when using a closed Dispatcher or DeviceWorker.
	ErrClosed = errors.New("dispatcher closed")
)

// panicError converts a recovered panic into an error.
func panicError(rec any) error {
	if recErr, ok := rec.(error); ok {
		return errors.WithMessage(recErr, "job panicked")
	}
	return errors.Errorf("job panicked: %v", rec)
}

// safely runs fn, converting a panic into its error.
func safely(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError(rec)
			klog.Warningf("recovered panic: %v", rec)
		}
	}()
	return fn()
}
