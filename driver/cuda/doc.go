// Package cuda implements the driver for NVIDIA GPUs on top of the CUDA driver API (libcuda).
//
// The library is loaded at runtime (no cgo required), so binaries built with the package run on machines
// without NVIDIA drivers: creating the driver then fails with an error. The library is searched as
// "libcuda.so.1" and "libcuda.so" in the system paths, or at the path given by $KDISPATCH_CUDA_LIBRARY.
//
// Importing the package registers the driver under the name "cuda". It's only supported on linux.
package cuda

// Name of the driver in the driver registry.
const Name = "cuda"

// LibraryEnv is the environment variable with the path of the CUDA driver library, if not in the system paths.
const LibraryEnv = "KDISPATCH_CUDA_LIBRARY"
