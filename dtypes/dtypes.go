// Package dtypes defines the closed set of element types that can live in device memory handles,
// along with their sizes and the mapping to Go types.
package dtypes

import "github.com/x448/float16"

// Generate the String/parsing boilerplate for DType.
//go:generate go tool enumer -type=DType -output=gen_dtype_enumer.go dtypes.go

// DType is the element type of a device value.
type DType int32

const (
	// Invalid represents an invalid (or not set) dtype.
	Invalid DType = iota

	Int8
	Int16
	Int32
	Int64
	Float16
	Float32
	Float64
)

// Supported lists the Go types that can be stored in device memory handles.
type Supported interface {
	int8 | int16 | int32 | int64 | float16.Float16 | float32 | float64
}

// Size returns the number of bytes of one element of the dtype. It returns 0 for Invalid.
func (dtype DType) Size() int {
	switch dtype {
	case Int8:
		return 1
	case Int16, Float16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// SizeForRecords returns the number of bytes used by numRecords records of numFields elements each.
func (dtype DType) SizeForRecords(numRecords, numFields int) int {
	return dtype.Size() * numRecords * numFields
}

// FromGenericsType returns the DType of the Go type T.
func FromGenericsType[T Supported]() DType {
	var t T
	switch any(t).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return Invalid
}
