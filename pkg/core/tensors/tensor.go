/*
 *	Copyright 2023 Jan Pfeifer
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

// Package tensors implement a `Tensor`, a host-resident multidimensional array as found in
// training checkpoints.
//
// A Tensor is defined by its dtype, its dimensions (from scalar with 0 dimensions, to arbitrarily
// large dimensions) and its contents: a contiguous, row-major, little-endian byte buffer. This is the
// layout used by PyTorch storages, safetensors and NumPy files, so tensors can be moved between
// these formats without conversion.
//
// There are various ways to construct a Tensor:
//
//   - FromRaw(dtype, dimensions, data): wraps an existing byte buffer, validating its size.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): encodes the
//     flattened values. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromShape(dtype, dimensions...): zero-initialized tensor.
//
// Tensors are immutable once built: operations like Narrow, Reshape, Concatenate or AsFloat32
// return new tensors (possibly sharing the byte buffer, since it's never modified).
package tensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a multidimensional array stored in host memory.
type Tensor struct {
	dtype      dtypes.DType
	dimensions []int
	data       []byte
}

// FromRaw creates a Tensor that takes ownership of data, the contiguous little-endian
// representation of the values.
//
// It returns an error if the dtype is not supported, if any dimension is negative or if the
// size of data doesn't match the dtype and dimensions.
func FromRaw(dtype dtypes.DType, dimensions []int, data []byte) (*Tensor, error) {
	if !dtype.IsSupported() {
		return nil, errors.Errorf("tensors.FromRaw: unsupported dtype %s", dtype)
	}
	for _, dim := range dimensions {
		if dim < 0 {
			return nil, errors.Errorf("tensors.FromRaw: negative dimension in %v", dimensions)
		}
	}
	want := dtype.SizeForDimensions(dimensions...)
	if len(data) != want {
		return nil, errors.Errorf("tensors.FromRaw: %s%v requires %d bytes, got %d",
			dtype, dimensions, want, len(data))
	}
	return &Tensor{dtype: dtype, dimensions: slices.Clone(dimensions), data: data}, nil
}

// FromShape returns a zero-initialized Tensor with the given dtype and dimensions.
//
// It panics if the dtype is not supported or a dimension is negative.
func FromShape(dtype dtypes.DType, dimensions ...int) *Tensor {
	for _, dim := range dimensions {
		if dim < 0 {
			panic(errors.Errorf("tensors.FromShape: negative dimension in %v", dimensions))
		}
	}
	t, err := FromRaw(dtype, dimensions, make([]byte, dtype.SizeForDimensions(dimensions...)))
	if err != nil {
		panic(err)
	}
	return t
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, filled with the flattened
// values given in data.
//
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	if size != len(data) {
		panic(errors.Errorf("FromFlatDataAndDimensions: dimensions %v require %d values, got %d",
			dimensions, size, len(data)))
	}
	buf, err := binary.Append(make([]byte, 0, size*dtype.Size()), binary.LittleEndian, data)
	if err != nil {
		panic(errors.Wrapf(err, "FromFlatDataAndDimensions: failed to encode %s values", dtype))
	}
	return &Tensor{dtype: dtype, dimensions: slices.Clone(dimensions), data: buf}
}

// FromScalar returns a scalar (rank 0) Tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// CopyFlatData returns a copy of the flattened values of the tensor as a slice of T.
// T must match the tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	if want := dtypes.FromGenericsType[T](); want != t.dtype {
		return nil, errors.Errorf("CopyFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			*new(T), t.dtype, want)
	}
	flat := make([]T, t.Size())
	if _, err := binary.Decode(t.data, binary.LittleEndian, flat); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", t.Shape())
	}
	return flat, nil
}

// DType returns the tensor's element type.
func (t *Tensor) DType() dtypes.DType {
	return t.dtype
}

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int {
	return slices.Clone(t.dimensions)
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.dimensions)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used by the tensor's data.
func (t *Tensor) Memory() int {
	return len(t.data)
}

// ConstBytes calls accessFn with the tensor's raw data. The data is owned by the tensor and must not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	accessFn(t.data)
}

// Shape returns a description of the dtype and dimensions, e.g. "(Float32)[2 3]".
func (t *Tensor) Shape() string {
	if len(t.dimensions) == 0 {
		return fmt.Sprintf("(%s)", t.dtype)
	}
	return fmt.Sprintf("(%s)%v", t.dtype, t.dimensions)
}

// String implements fmt.Stringer. It only describes the shape, never the contents.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return "Tensor" + t.Shape()
}

// Equal returns whether both tensors have the same dtype, dimensions and contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.dtype == other.dtype && slices.Equal(t.dimensions, other.dimensions) && bytes.Equal(t.data, other.data)
}

// Reshape returns a tensor sharing the same data with new dimensions. The number of elements must match.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	return FromRaw(t.dtype, dimensions, t.data)
}

// Narrow returns the rank-1 tensor with n elements starting at element offset of the flattened tensor.
// The data is shared.
func (t *Tensor) Narrow(offset, n int) (*Tensor, error) {
	size := t.Size()
	if offset < 0 || n < 0 || offset+n > size {
		return nil, errors.Errorf("Narrow(offset=%d, n=%d) out of bounds for %s with %d elements",
			offset, n, t.Shape(), size)
	}
	elemSize := t.dtype.Size()
	return &Tensor{
		dtype:      t.dtype,
		dimensions: []int{n},
		data:       t.data[offset*elemSize : (offset+n)*elemSize],
	}, nil
}

// Concatenate the flattened contents of the tensors into one rank-1 tensor.
// All tensors must have the same dtype.
func Concatenate(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("Concatenate requires at least one tensor")
	}
	dtype := tensors[0].dtype
	var total int
	for ii, t := range tensors {
		if t.dtype != dtype {
			return nil, errors.Errorf("Concatenate: tensor #%d has dtype %s, expected %s", ii, t.dtype, dtype)
		}
		total += len(t.data)
	}
	data := make([]byte, 0, total)
	for _, t := range tensors {
		data = append(data, t.data...)
	}
	return &Tensor{dtype: dtype, dimensions: []int{total / dtype.Size()}, data: data}, nil
}

// AsFloat32 returns the tensor converted to Float32. If it already is Float32 it is returned as is.
func (t *Tensor) AsFloat32() (*Tensor, error) {
	if t.dtype == dtypes.Float32 {
		return t, nil
	}
	size := t.Size()
	out := make([]byte, 4*size)
	elemSize := t.dtype.Size()
	for ii := range size {
		src := t.data[ii*elemSize : (ii+1)*elemSize]
		var v float32
		switch t.dtype {
		case dtypes.Float64:
			v = float32(math.Float64frombits(binary.LittleEndian.Uint64(src)))
		case dtypes.Float16:
			v = float16.Frombits(binary.LittleEndian.Uint16(src)).Float32()
		case dtypes.BFloat16:
			v = bfloat16.FromBits(binary.LittleEndian.Uint16(src)).Float32()
		case dtypes.Int64:
			v = float32(int64(binary.LittleEndian.Uint64(src)))
		case dtypes.Int32:
			v = float32(int32(binary.LittleEndian.Uint32(src)))
		case dtypes.Int16:
			v = float32(int16(binary.LittleEndian.Uint16(src)))
		case dtypes.Int8:
			v = float32(int8(src[0]))
		case dtypes.Uint8:
			v = float32(src[0])
		case dtypes.Bool:
			if src[0] != 0 {
				v = 1
			}
		default:
			return nil, errors.Errorf("AsFloat32: unsupported dtype %s", t.dtype)
		}
		binary.LittleEndian.PutUint32(out[ii*4:], math.Float32bits(v))
	}
	return &Tensor{dtype: dtypes.Float32, dimensions: slices.Clone(t.dimensions), data: out}, nil
}

// Strided gathers a contiguous tensor from a flat buffer of elements, following PyTorch's view semantics:
// element at index (i_0, ..., i_{n-1}) is read from offset + sum(i_k * strides[k]) (in elements).
//
// The returned tensor owns a fresh copy of the data, unless the view is already contiguous, in which case
// the data is shared with buffer.
func Strided(dtype dtypes.DType, buffer []byte, offset int, dimensions, strides []int) (*Tensor, error) {
	if len(dimensions) != len(strides) {
		return nil, errors.Errorf("Strided: dimensions %v and strides %v have different ranks", dimensions, strides)
	}
	elemSize := dtype.Size()
	if elemSize == 0 {
		return nil, errors.Errorf("Strided: unsupported dtype %s", dtype)
	}
	numElements := len(buffer) / elemSize
	size := 1
	for _, dim := range dimensions {
		if dim < 0 {
			return nil, errors.Errorf("Strided: negative dimension in %v", dimensions)
		}
		if dim > 0 && size > math.MaxInt/elemSize/dim {
			return nil, errors.Errorf("Strided: dimensions %v too large", dimensions)
		}
		size *= dim
	}
	if size == 0 {
		return FromRaw(dtype, dimensions, []byte{})
	}

	// Bounds: largest element reached.
	last := offset
	for axis, dim := range dimensions {
		if strides[axis] < 0 {
			return nil, errors.Errorf("Strided: negative strides %v not supported", strides)
		}
		last += (dim - 1) * strides[axis]
	}
	if offset < 0 || last >= numElements {
		return nil, errors.Errorf("Strided: view (offset=%d, dimensions=%v, strides=%v) out of bounds of buffer with %d elements",
			offset, dimensions, strides, numElements)
	}

	if isContiguous(dimensions, strides) {
		return FromRaw(dtype, dimensions, buffer[offset*elemSize:(offset+size)*elemSize])
	}
	data := make([]byte, size*elemSize)
	indices := make([]int, len(dimensions))
	for ii := range size {
		src := offset
		for axis, idx := range indices {
			src += idx * strides[axis]
		}
		copy(data[ii*elemSize:(ii+1)*elemSize], buffer[src*elemSize:(src+1)*elemSize])
		// Increment indices, last axis first.
		for axis := len(indices) - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < dimensions[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return FromRaw(dtype, dimensions, data)
}

// RowMajorStrides returns the strides (in elements) of a contiguous tensor with the given dimensions.
func RowMajorStrides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// isContiguous ignores the strides of axes with dimension 1, which PyTorch sets freely.
func isContiguous(dimensions, strides []int) bool {
	expected := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		if dimensions[axis] == 1 {
			continue
		}
		if strides[axis] != expected {
			return false
		}
		expected *= dimensions[axis]
	}
	return true
}
