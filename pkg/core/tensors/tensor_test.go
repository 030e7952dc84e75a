package tensors

import (
	"testing"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/core/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, []int{2, 3}, tensor.Dimensions())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, 24, tensor.Memory())
	assert.Equal(t, "(Float32)[2 3]", tensor.Shape())

	flat, err := CopyFlatData[float32](tensor)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)

	_, err = CopyFlatData[int64](tensor)
	require.Error(t, err)

	assert.Panics(t, func() { FromFlatDataAndDimensions([]int8{1, 2, 3}, 2, 2) })
}

func TestFromRaw(t *testing.T) {
	_, err := FromRaw(dtypes.Int64, []int{2}, make([]byte, 8))
	require.Error(t, err)
	tensor, err := FromRaw(dtypes.Int64, []int{2}, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, 2, tensor.Size())
	_, err = FromRaw(dtypes.InvalidDType, nil, nil)
	require.Error(t, err)

	scalar := FromScalar(int32(7))
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, "(Int32)", scalar.Shape())
}

func TestNarrowReshapeConcatenate(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int64{0, 1, 2, 3, 4, 5}, 6)
	part, err := tensor.Narrow(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, part.Dimensions())
	flat, err := CopyFlatData[int64](part)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, flat)

	_, err = tensor.Narrow(4, 3)
	require.Error(t, err)

	reshaped, err := tensor.Reshape(3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, reshaped.Dimensions())
	_, err = tensor.Reshape(4, 2)
	require.Error(t, err)

	joined, err := Concatenate(part, FromFlatDataAndDimensions([]int64{9}, 1))
	require.NoError(t, err)
	flat, err = CopyFlatData[int64](joined)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4, 9}, flat)

	_, err = Concatenate(part, FromFlatDataAndDimensions([]int32{9}, 1))
	require.Error(t, err)
}

func TestAsFloat32(t *testing.T) {
	half := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}, 2)
	f32, err := half.AsFloat32()
	require.NoError(t, err)
	flat, err := CopyFlatData[float32](f32)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, flat)

	bf := FromFlatDataAndDimensions([]bfloat16.BFloat16{bfloat16.FromFloat32(0.25)}, 1)
	f32, err = bf.AsFloat32()
	require.NoError(t, err)
	flat, err = CopyFlatData[float32](f32)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25}, flat)

	ints := FromFlatDataAndDimensions([]int64{-3, 4}, 1, 2)
	f32, err = ints.AsFloat32()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, f32.Dimensions())
	flat, err = CopyFlatData[float32](f32)
	require.NoError(t, err)
	assert.Equal(t, []float32{-3, 4}, flat)

	same := FromFlatDataAndDimensions([]float32{1}, 1)
	converted, err := same.AsFloat32()
	require.NoError(t, err)
	assert.Same(t, same, converted)
}

func TestStrided(t *testing.T) {
	base := FromFlatDataAndDimensions([]int32{0, 1, 2, 3, 4, 5}, 6)
	var buffer []byte
	base.ConstBytes(func(data []byte) { buffer = data })

	// Transposed 2x3 -> 3x2 view.
	transposed, err := Strided(dtypes.Int32, buffer, 0, []int{3, 2}, []int{1, 3})
	require.NoError(t, err)
	flat, err := CopyFlatData[int32](transposed)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3, 1, 4, 2, 5}, flat)

	// Contiguous view with offset.
	view, err := Strided(dtypes.Int32, buffer, 2, []int{2, 2}, RowMajorStrides([]int{2, 2}))
	require.NoError(t, err)
	flat, err = CopyFlatData[int32](view)
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 3, 4, 5}, flat)

	_, err = Strided(dtypes.Int32, buffer, 3, []int{2, 2}, []int{2, 1})
	require.Error(t, err)

	empty, err := Strided(dtypes.Int32, buffer, 0, []int{0, 3}, []int{3, 1})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Size())

	// Malformed views are errors, not panics.
	_, err = Strided(dtypes.Int32, buffer, 0, []int{-1, 2}, []int{1, 1})
	require.ErrorContains(t, err, "negative dimension")
	_, err = Strided(dtypes.Int32, buffer, -1, []int{2}, []int{1})
	require.Error(t, err)
	_, err = Strided(dtypes.Int32, buffer, 0, []int{1 << 40, 1 << 40}, []int{0, 0})
	require.ErrorContains(t, err, "too large")
}

func TestEqual(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	b := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	c := FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, []int{3, 1}, RowMajorStrides([]int{2, 3}))
}
