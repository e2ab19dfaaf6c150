package sim

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"unsafe"

	"github.com/gomlx/kdispatch/driver"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// allocationAlignment of the base address of every allocation.
const allocationAlignment = 256

// allocation is one block of simulated device memory.
type allocation struct {
	base  driver.DevicePtr
	data  []byte
	owner *Context
}

func (a *allocation) end() driver.DevicePtr {
	return a.base + driver.DevicePtr(len(a.data))
}

// Memory is the simulated memory of one device. It's shared by all contexts created on the device, and
// it's safe for concurrent use.
//
// Kernels access it through Slice, Bytes and the typed views.
type Memory struct {
	ordinal int
	limit   int64
	gauge   prometheus.Gauge

	mu     sync.RWMutex
	used   int64
	next   driver.DevicePtr
	allocs map[driver.DevicePtr]*allocation
	bases  []driver.DevicePtr // Sorted, for lookups of pointers inside an allocation.
}

func newMemory(instance, ordinal int, limit int64) *Memory {
	return &Memory{
		ordinal: ordinal,
		limit:   limit,
		gauge:   allocatedBytesGauge.WithLabelValues(strconv.Itoa(instance), deviceLabel(ordinal)),
		// Addresses of different devices never overlap, which makes misrouted pointers easy to catch.
		next:   driver.DevicePtr(uint64(ordinal+1) << 36),
		allocs: make(map[driver.DevicePtr]*allocation),
	}
}

// Used returns the number of bytes currently allocated.
func (m *Memory) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// NumAllocations returns the number of live allocations.
func (m *Memory) NumAllocations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allocs)
}

func (m *Memory) alloc(owner *Context, numBytes int) (driver.DevicePtr, error) {
	if numBytes <= 0 {
		return 0, driver.NewError("cuMemAlloc", driver.CodeInvalidValue, fmt.Sprintf("invalid allocation size %d", numBytes))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && m.used+int64(numBytes) > m.limit {
		return 0, driver.NewError("cuMemAlloc", driver.CodeOutOfMemory,
			fmt.Sprintf("device #%d: requested %d bytes, %d of %d bytes in use", m.ordinal, numBytes, m.used, m.limit))
	}

	// Backed by uint64 words so any element type up to 8 bytes is aligned.
	words := make([]uint64, (numBytes+7)/8)
	a := &allocation{
		base:  m.next,
		data:  unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), numBytes),
		owner: owner,
	}
	m.next = alignPtr(a.end() + 1)
	m.allocs[a.base] = a
	idx := sort.Search(len(m.bases), func(i int) bool { return m.bases[i] >= a.base })
	m.bases = append(m.bases, 0)
	copy(m.bases[idx+1:], m.bases[idx:])
	m.bases[idx] = a.base
	m.used += int64(numBytes)
	m.gauge.Set(float64(m.used))
	klog.V(2).Infof("sim device #%d: allocated %d bytes at %s", m.ordinal, numBytes, a.base)
	return a.base, nil
}

func (m *Memory) free(ptr driver.DevicePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, found := m.allocs[ptr]
	if !found {
		return driver.NewError("cuMemFree", driver.CodeInvalidValue, fmt.Sprintf("device #%d: %s is not an allocation", m.ordinal, ptr))
	}
	m.removeLocked(a)
	return nil
}

// releaseOwner frees all allocations owned by the context.
func (m *Memory) releaseOwner(owner *Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.allocs {
		if a.owner == owner {
			m.removeLocked(a)
		}
	}
}

func (m *Memory) removeLocked(a *allocation) {
	delete(m.allocs, a.base)
	idx := sort.Search(len(m.bases), func(i int) bool { return m.bases[i] >= a.base })
	m.bases = append(m.bases[:idx], m.bases[idx+1:]...)
	m.used -= int64(len(a.data))
	m.gauge.Set(float64(m.used))
	klog.V(2).Infof("sim device #%d: freed %d bytes at %s", m.ordinal, len(a.data), a.base)
}

// Bytes returns the n bytes of device memory starting at ptr. The pointer may point inside an allocation,
// but the range must not cross its end.
//
// The returned slice aliases device memory.
func (m *Memory) Bytes(ptr driver.DevicePtr, n int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := sort.Search(len(m.bases), func(i int) bool { return m.bases[i] > ptr }) - 1
	if idx < 0 || n < 0 {
		return nil, driver.NewError("memory access", driver.CodeIllegalAddress, fmt.Sprintf("device #%d: %s (%d bytes)", m.ordinal, ptr, n))
	}
	a := m.allocs[m.bases[idx]]
	if ptr+driver.DevicePtr(n) > a.end() {
		return nil, driver.NewError("memory access", driver.CodeIllegalAddress,
			fmt.Sprintf("device #%d: %s (%d bytes) overflows allocation %s of %d bytes", m.ordinal, ptr, n, a.base, len(a.data)))
	}
	offset := int(ptr - a.base)
	return a.data[offset : offset+n : offset+n], nil
}

// MustBytes is like Bytes, but panics with the *driver.Error on an illegal access. Panics inside kernels are
// reported as the launch error.
func (m *Memory) MustBytes(ptr driver.DevicePtr, n int) []byte {
	data, err := m.Bytes(ptr, n)
	if err != nil {
		panic(err)
	}
	return data
}

func alignPtr(p driver.DevicePtr) driver.DevicePtr {
	return (p + allocationAlignment - 1) &^ (allocationAlignment - 1)
}
