// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package torchfile reads and writes files in the format of PyTorch's torch.save and torch.load.
//
// Two container formats are read:
//
//   - The zip format (PyTorch >= 1.6): a zip archive with the pickled object in `<prefix>/data.pkl`
//     and the raw storages in `<prefix>/data/<key>`.
//   - The legacy format: consecutive pickles (magic number, protocol version, system info, object,
//     storage keys) followed by the raw storages.
//
// Tensors (and parameters) found in the pickled object are returned as *tensors.Tensor, torch.Size as Size,
// and everything else as the types described in package pickle.
//
// Save writes the zip format, with records aligned to 64 bytes, loadable with `torch.load(..., weights_only=True)`.
package torchfile

import (
	"fmt"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/pickle"
	"github.com/pkg/errors"
)

// Size is a decoded torch.Size, the dimensions of a tensor.
type Size []int

// Ints implements the interface used by pickle.ToInts.
func (s Size) Ints() []int {
	return s
}

// NumElements returns the product of the dimensions.
func (s Size) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// String implements fmt.Stringer.
func (s Size) String() string {
	return fmt.Sprintf("torch.Size(%v)", []int(s))
}

// Storage is a PyTorch storage: a flat buffer of elements of one dtype, shared by one or more tensors.
type Storage struct {
	DType    dtypes.DType
	Key      string
	Location string

	// numElements is known before the data (in the legacy format data comes after the pickle).
	numElements int
	data        []byte

	// Legacy format views: the storage is a slice of another storage.
	viewOf     *Storage
	viewOffset int
}

// Bytes returns the storage data.
func (s *Storage) Bytes() ([]byte, error) {
	if s.viewOf != nil {
		root, err := s.viewOf.Bytes()
		if err != nil {
			return nil, err
		}
		elemSize := s.DType.Size()
		start, end := s.viewOffset*elemSize, (s.viewOffset+s.numElements)*elemSize
		if start < 0 || end < start || end > len(root) {
			return nil, errors.Errorf("storage view %q [%d:%d] out of bounds of storage %q with %d bytes",
				s.Key, start, end, s.viewOf.Key, len(root))
		}
		return root[start:end], nil
	}
	if s.data == nil && s.numElements > 0 {
		return nil, errors.Errorf("storage %q data was never loaded", s.Key)
	}
	return s.data, nil
}

// storageDType returns the dtype of a storage class given in a persistent id, e.g. torch.HalfStorage.
func storageDType(storageType any) (dtypes.DType, error) {
	g, ok := storageType.(*pickle.Global)
	if !ok {
		return dtypes.InvalidDType, errors.Errorf("invalid storage type %v (%T)", storageType, storageType)
	}
	if g.Name == "UntypedStorage" {
		return dtypes.Uint8, nil
	}
	dtype, found := dtypes.FromTorchStorage(g.Name)
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unsupported storage type %s", g)
	}
	return dtype, nil
}
