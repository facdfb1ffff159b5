package sair

import (
	"fmt"
	"math"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a host-side constant tensor: dtype, dimensions and flat
// row-major storage. It backs Const expressions and the results of constant
// folding; it is a container only, with no attached runtime.
type Tensor struct {
	dtype dtypes.DType
	dims  []int
	data  any
}

// Supported are the Go element types a Tensor can be built from directly.
// Float16 and BFloat16 use dedicated constructors.
type Supported interface {
	float32 | float64 | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 | bool
}

func sizeOf(dims []int) int {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return size
}

// FromFlat builds a tensor from flat row-major data. The dtype is taken from
// the element type. Panics if len(data) does not match the dimensions.
func FromFlat[T Supported](data []T, dims ...int) *Tensor {
	if len(data) != sizeOf(dims) {
		panic(fmt.Sprintf("FromFlat: %d elements for dimensions %v", len(data), dims))
	}
	owned := make([]T, len(data))
	copy(owned, data)
	return &Tensor{dtype: dtypes.FromGenericsType[T](), dims: append([]int{}, dims...), data: owned}
}

// FromScalar builds a rank-0 tensor.
func FromScalar[T Supported](value T) *Tensor {
	return FromFlat([]T{value})
}

// FromFloat16 builds a Float16 tensor from raw half-precision values.
func FromFloat16(data []float16.Float16, dims ...int) *Tensor {
	if len(data) != sizeOf(dims) {
		panic(fmt.Sprintf("FromFloat16: %d elements for dimensions %v", len(data), dims))
	}
	owned := make([]float16.Float16, len(data))
	copy(owned, data)
	return &Tensor{dtype: dtypes.Float16, dims: append([]int{}, dims...), data: owned}
}

// FromBFloat16 builds a BFloat16 tensor from the raw 16-bit encodings.
func FromBFloat16(bits []uint16, dims ...int) *Tensor {
	if len(bits) != sizeOf(dims) {
		panic(fmt.Sprintf("FromBFloat16: %d elements for dimensions %v", len(bits), dims))
	}
	owned := make([]uint16, len(bits))
	copy(owned, bits)
	return &Tensor{dtype: dtypes.BFloat16, dims: append([]int{}, dims...), data: owned}
}

// Zeros builds a zero-filled tensor of the given dtype and dimensions.
func Zeros(dtype dtypes.DType, dims ...int) *Tensor {
	size := sizeOf(dims)
	var data any
	switch dtype {
	case dtypes.Float32:
		data = make([]float32, size)
	case dtypes.Float64:
		data = make([]float64, size)
	case dtypes.Int8:
		data = make([]int8, size)
	case dtypes.Int16:
		data = make([]int16, size)
	case dtypes.Int32:
		data = make([]int32, size)
	case dtypes.Int64:
		data = make([]int64, size)
	case dtypes.Uint8:
		data = make([]uint8, size)
	case dtypes.Uint16:
		data = make([]uint16, size)
	case dtypes.Uint32:
		data = make([]uint32, size)
	case dtypes.Uint64:
		data = make([]uint64, size)
	case dtypes.Bool:
		data = make([]bool, size)
	case dtypes.Float16:
		data = make([]float16.Float16, size)
	case dtypes.BFloat16:
		data = make([]uint16, size)
	default:
		panic(fmt.Sprintf("Zeros: unsupported dtype %s", dtype))
	}
	return &Tensor{dtype: dtype, dims: append([]int{}, dims...), data: data}
}

// DType returns the element dtype.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dims returns the dimensions. The returned slice must not be modified.
func (t *Tensor) Dims() []int { return t.dims }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return sizeOf(t.dims) }

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return MakeShape(t.dtype, t.dims...) }

// IsScalar reports whether the tensor has rank 0.
func (t *Tensor) IsScalar() bool { return len(t.dims) == 0 }

// Data returns the flat storage: a []T for the storage element type.
func (t *Tensor) Data() any { return t.data }

// Flat returns the storage as []T. Panics if T does not match the dtype's
// storage type.
func Flat[T Supported | float16.Float16](t *Tensor) []T {
	data, ok := t.data.([]T)
	if !ok {
		panic(fmt.Sprintf("Flat: tensor stores %T, requested %T", t.data, data))
	}
	return data
}

// Ints returns the elements of an integer tensor widened to int.
func (t *Tensor) Ints() ([]int, error) {
	out := make([]int, t.Size())
	switch data := t.data.(type) {
	case []int64:
		for i, v := range data {
			out[i] = int(v)
		}
	case []int32:
		for i, v := range data {
			out[i] = int(v)
		}
	case []int16:
		for i, v := range data {
			out[i] = int(v)
		}
	case []int8:
		for i, v := range data {
			out[i] = int(v)
		}
	case []uint8:
		for i, v := range data {
			out[i] = int(v)
		}
	case []uint16:
		if t.dtype != dtypes.Uint16 {
			return nil, errors.Errorf("cannot read %s tensor as ints", t.dtype)
		}
		for i, v := range data {
			out[i] = int(v)
		}
	case []uint32:
		for i, v := range data {
			out[i] = int(v)
		}
	case []uint64:
		for i, v := range data {
			out[i] = int(v)
		}
	default:
		return nil, errors.Errorf("cannot read %s tensor as ints", t.dtype)
	}
	return out, nil
}

// Floats64 returns the elements of a floating-point tensor widened to
// float64. Float16 and BFloat16 storage is decoded.
func (t *Tensor) Floats64() ([]float64, error) {
	out := make([]float64, t.Size())
	switch data := t.data.(type) {
	case []float32:
		for i, v := range data {
			out[i] = float64(v)
		}
	case []float64:
		copy(out, data)
	case []float16.Float16:
		for i, v := range data {
			out[i] = float64(v.Float32())
		}
	case []uint16:
		if t.dtype != dtypes.BFloat16 {
			return nil, errors.Errorf("cannot read %s tensor as floats", t.dtype)
		}
		for i, v := range data {
			out[i] = float64(math.Float32frombits(uint32(v) << 16))
		}
	default:
		return nil, errors.Errorf("cannot read %s tensor as floats", t.dtype)
	}
	return out, nil
}

// Equal reports whether two tensors have the same dtype, dimensions and
// elements.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.dtype != o.dtype || !reflect.DeepEqual(t.dims, o.dims) {
		return false
	}
	return reflect.DeepEqual(t.data, o.data)
}

func (t *Tensor) String() string {
	if t.Size() == 1 {
		var v any
		rv := reflect.ValueOf(t.data)
		if rv.Len() > 0 {
			v = rv.Index(0).Interface()
		}
		return fmt.Sprintf("%s(%v)", t.Shape(), v)
	}
	return fmt.Sprintf("%s{%d elements}", t.Shape(), t.Size())
}
