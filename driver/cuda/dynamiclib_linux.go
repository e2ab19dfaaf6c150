//go:build linux

/*
 *	Copyright 2024 The kdispatch Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package cuda

import (
	"os"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// cuResult is the CUresult returned by every driver API call.
type cuResult int32

const cudaSuccess cuResult = 0

// Device attributes used.
const (
	attrMaxThreadsPerBlock      = 1
	attrMaxSharedMemoryPerBlock = 8
	attrComputeCapabilityMajor  = 75
	attrComputeCapabilityMinor  = 76
)

var (
	// libOnce guards the loading of the library, libErr keeps the loading error for later calls.
	libOnce sync.Once
	libErr  error
	libPath string

	cuInit               func(flags uint32) cuResult
	cuGetErrorString     func(result cuResult, pStr **byte) cuResult
	cuDeviceGetCount     func(count *int32) cuResult
	cuDeviceGet          func(device *int32, ordinal int32) cuResult
	cuDeviceGetName      func(name *byte, length int32, dev int32) cuResult
	cuDeviceGetAttribute func(pi *int32, attrib int32, dev int32) cuResult
	cuDeviceTotalMem     func(bytes *uint64, dev int32) cuResult

	cuCtxCreate      func(pctx *uintptr, flags uint32, dev int32) cuResult
	cuCtxSetCurrent  func(ctx uintptr) cuResult
	cuCtxSynchronize func() cuResult
	cuCtxDestroy     func(ctx uintptr) cuResult

	cuMemAlloc      func(dptr *uintptr, bytesize uint64) cuResult
	cuMemAllocPitch func(dptr *uintptr, pitch *uint64, widthInBytes, height uint64, elementSizeBytes uint32) cuResult
	cuMemFree       func(dptr uintptr) cuResult
	cuMemcpyHtoD    func(dstDevice uintptr, srcHost unsafe.Pointer, byteCount uint64) cuResult
	cuMemcpyDtoH    func(dstHost unsafe.Pointer, srcDevice uintptr, byteCount uint64) cuResult
	cuMemcpy2D      func(pCopy *memcpy2D) cuResult

	cuModuleLoad        func(module *uintptr, fname *byte) cuResult
	cuModuleGetFunction func(hfunc *uintptr, hmod uintptr, name *byte) cuResult
	cuModuleUnload      func(hmod uintptr) cuResult
	cuLaunchKernel      func(
		f uintptr,
		gridDimX, gridDimY, gridDimZ uint32,
		blockDimX, blockDimY, blockDimZ uint32,
		sharedMemBytes uint32,
		hStream uintptr,
		kernelParams unsafe.Pointer,
		extra unsafe.Pointer,
	) cuResult
)

// libraryCandidates returns the library names or paths to try, in order.
func libraryCandidates() []string {
	if p := os.Getenv(LibraryEnv); p != "" {
		return []string{p}
	}
	return []string{"libcuda.so.1", "libcuda.so"}
}

// loadLibrary opens libcuda, registers the functions used and initializes the driver API.
// It's safe to call it multiple times: the library is loaded only once.
func loadLibrary() error {
	libOnce.Do(func() {
		var lib uintptr
		for _, candidate := range libraryCandidates() {
			var err error
			lib, err = purego.Dlopen(candidate, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				libPath = candidate
				break
			}
			klog.V(1).Infof("cuda: failed to load %q: %v", candidate, err)
		}
		if libPath == "" {
			libErr = errors.Errorf("cannot load the CUDA driver library (tried %v) -- is the NVIDIA driver installed? "+
				"Set $%s to its path otherwise", libraryCandidates(), LibraryEnv)
			return
		}

		// RegisterLibFunc panics on missing symbols.
		defer func() {
			if r := recover(); r != nil {
				libErr = errors.Errorf("loading symbols from %q: %v", libPath, r)
			}
		}()
		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuGetErrorString, lib, "cuGetErrorString")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuCtxCreate, lib, "cuCtxCreate_v2")
		purego.RegisterLibFunc(&cuCtxSetCurrent, lib, "cuCtxSetCurrent")
		purego.RegisterLibFunc(&cuCtxSynchronize, lib, "cuCtxSynchronize")
		purego.RegisterLibFunc(&cuCtxDestroy, lib, "cuCtxDestroy_v2")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemAllocPitch, lib, "cuMemAllocPitch_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemcpyHtoD, lib, "cuMemcpyHtoD_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoH, lib, "cuMemcpyDtoH_v2")
		purego.RegisterLibFunc(&cuMemcpy2D, lib, "cuMemcpy2D_v2")
		purego.RegisterLibFunc(&cuModuleLoad, lib, "cuModuleLoad")
		purego.RegisterLibFunc(&cuModuleGetFunction, lib, "cuModuleGetFunction")
		purego.RegisterLibFunc(&cuModuleUnload, lib, "cuModuleUnload")
		purego.RegisterLibFunc(&cuLaunchKernel, lib, "cuLaunchKernel")

		if err := check(cuInit(0), "cuInit"); err != nil {
			libErr = err
			return
		}
		klog.V(1).Infof("cuda: loaded driver library %q", libPath)
	})
	return libErr
}

// check converts a CUresult to a *driver.Error, or nil on success.
func check(r cuResult, op string) error {
	if r == cudaSuccess {
		return nil
	}
	var msg string
	if cuGetErrorString != nil {
		var cStr *byte
		if cuGetErrorString(r, &cStr) == cudaSuccess {
			msg = goString(cStr)
		}
	}
	return driver.NewError(op, driver.Code(r), msg)
}

// goString copies a NUL terminated C string.
func goString(cStr *byte) string {
	if cStr == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(cStr), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(cStr, n))
}

// cString returns a pointer to a NUL terminated copy of s.
func cString(s string) *byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return &b[0]
}
