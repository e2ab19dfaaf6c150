package driver

import (
	"fmt"
)

// Dim3 is a 3D extent of a grid (in blocks) or of a block (in threads).
// Zero components are invalid; use Dim3{X: n, Y: 1, Z: 1} or Linear(n) for 1D launches.
type Dim3 struct {
	X, Y, Z int
}

// Linear returns the 1D extent {n, 1, 1}.
func Linear(n int) Dim3 {
	return Dim3{X: n, Y: 1, Z: 1}
}

// Size returns X*Y*Z.
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

// IsValid returns whether all components are positive.
func (d Dim3) IsValid() bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

// String implements fmt.Stringer.
func (d Dim3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z)
}

// CeilDiv returns the number of blocks of size blockSize needed to cover n elements.
func CeilDiv(n, blockSize int) int {
	return (n + blockSize - 1) / blockSize
}

// LaunchConfig is the geometry of a kernel launch.
type LaunchConfig struct {
	Grid           Dim3
	Block          Dim3
	SharedMemBytes int
}

// String implements fmt.Stringer.
func (c LaunchConfig) String() string {
	return fmt.Sprintf("grid=%s block=%s shared=%dB", c.Grid, c.Block, c.SharedMemBytes)
}

// Validate checks the configuration is usable by a device with the given limits.
// A maxThreadsPerBlock or maxSharedMem of 0 means no limit.
func (c LaunchConfig) Validate(maxThreadsPerBlock, maxSharedMem int) error {
	if !c.Grid.IsValid() || !c.Block.IsValid() {
		return NewError("Launch", CodeInvalidValue, fmt.Sprintf("invalid launch dimensions %s", c))
	}
	if maxThreadsPerBlock > 0 && c.Block.Size() > maxThreadsPerBlock {
		return NewError("Launch", CodeInvalidValue,
			fmt.Sprintf("block of %d threads exceeds the limit of %d threads per block", c.Block.Size(), maxThreadsPerBlock))
	}
	if c.SharedMemBytes < 0 || (maxSharedMem > 0 && c.SharedMemBytes > maxSharedMem) {
		return NewError("Launch", CodeInvalidValue,
			fmt.Sprintf("shared memory of %d bytes not in range [0, %d]", c.SharedMemBytes, maxSharedMem))
	}
	return nil
}
