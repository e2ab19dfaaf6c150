//go:build !linux

package cuda

import (
	"runtime"

	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
)

func init() {
	driver.Register(Name, func(driver.Options) (driver.Driver, error) {
		return nil, errors.Errorf("the cuda driver is not supported on %s", runtime.GOOS)
	})
}
