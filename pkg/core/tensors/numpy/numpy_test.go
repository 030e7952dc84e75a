package numpy

import (
	"bytes"
	"maps"
	"slices"
	"testing"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNpy(t *testing.T) {
	for _, tensor := range []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		tensors.FromFlatDataAndDimensions([]int64{7}, 1),
		tensors.FromScalar(int32(-3)),
		tensors.FromFlatDataAndDimensions([]bool{true, false}, 2),
	} {
		var buf bytes.Buffer
		require.NoError(t, ToNpyWriter(tensor, &buf))
		// Data is aligned to 64 bytes.
		assert.Zero(t, (buf.Len()-tensor.Memory())%64)
		got, err := FromNpyReader(&buf)
		require.NoError(t, err)
		assert.True(t, tensor.Equal(got), "got %s, wanted %s", got, tensor)
	}

	var buf bytes.Buffer
	err := ToNpyWriter(tensors.FromShape(dtypes.BFloat16, 2), &buf)
	require.Error(t, err)
}

func TestFortranToCLayout(t *testing.T) {
	// 2x3 matrix [[0,1,2],[3,4,5]] in column-major order.
	fortran := []byte{0, 3, 1, 4, 2, 5}
	c := make([]byte, 6)
	require.NoError(t, FortranToCLayout(1, []int{2, 3}, fortran, c))
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5}, c)
	require.Error(t, FortranToCLayout(1, []int{2, 2}, fortran, c))
}

func TestParseNpyHeader(t *testing.T) {
	dtype, shape, fortran, err := parseNpyHeader("{'descr': '<f8', 'fortran_order': True, 'shape': (10,), }")
	require.NoError(t, err)
	assert.Equal(t, "<f8", dtype)
	assert.Equal(t, []int{10}, shape)
	assert.True(t, fortran)

	_, shape, _, err = parseNpyHeader("{'descr': '<f8', 'fortran_order': False, 'shape': (), }")
	require.NoError(t, err)
	assert.Empty(t, shape)

	_, _, _, err = parseNpyHeader("{'fortran_order': False, 'shape': (), }")
	require.Error(t, err)
}

func TestNpz(t *testing.T) {
	names := []string{"encoder.weight", "decoder.bias", "alpha"}
	values := map[string]*tensors.Tensor{
		"encoder.weight": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2),
		"decoder.bias":   tensors.FromFlatDataAndDimensions([]float64{0.5}, 1),
		"alpha":          tensors.FromScalar(int8(3)),
	}
	var buf bytes.Buffer
	err := ToNpzWriter(&buf, func(yield func(string, *tensors.Tensor) bool) {
		for _, name := range names {
			if !yield(name, values[name]) {
				return
			}
		}
	})
	require.NoError(t, err)

	gotNames, got, err := FromNpzReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, names, gotNames)
	assert.Equal(t, slices.Sorted(maps.Keys(values)), slices.Sorted(maps.Keys(got)))
	for name, want := range values {
		assert.True(t, want.Equal(got[name]), "tensor %q", name)
	}
}
