// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package safetensors reads and writes the HuggingFace ".safetensors" format:
// an 8 bytes little-endian header length, a JSON header with each tensor's dtype, shape and data offsets,
// followed by the raw tensors data.
package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"iter"
	"os"
	"slices"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NamedTensor represents a tensor and its name in a ".safetensors" file.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

// MetadataKey is the header entry holding the free-form string metadata.
const MetadataKey = "__metadata__"

// maxHeaderLen limits the JSON header size read, to fail fast on files that are not safetensors.
const maxHeaderLen = 100 << 20

type tensorMetadata struct {
	DTypeName  string   `json:"dtype"`
	Dimensions []int    `json:"shape"`
	Offsets    []uint64 `json:"data_offsets"`

	// Name is filled later, with the key to the tensor.
	Name string `json:"-"`
}

// Write writes the tensors, in the order given, with the metadata (it may be nil).
func Write(w io.Writer, namedTensors []NamedTensor, metadata map[string]string) error {
	header := make(map[string]any, len(namedTensors)+1)
	if len(metadata) > 0 {
		header[MetadataKey] = metadata
	}
	var offset uint64
	for _, nt := range namedTensors {
		if nt.Name == MetadataKey {
			return errors.Errorf("tensor name %q is reserved", MetadataKey)
		}
		if _, duplicate := header[nt.Name]; duplicate {
			return errors.Errorf("duplicate tensor name %q", nt.Name)
		}
		dims := nt.Tensor.Dimensions()
		if dims == nil {
			dims = []int{}
		}
		size := uint64(nt.Tensor.Memory())
		header[nt.Name] = &tensorMetadata{
			DTypeName:  nt.Tensor.DType().Safetensors(),
			Dimensions: dims,
			Offsets:    []uint64{offset, offset + size},
		}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal safetensors header")
	}
	// Pad the header with spaces so the data starts 8-bytes aligned.
	if rem := len(headerJSON) % 8; rem != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte(" "), 8-rem)...)
	}

	bw := bufio.NewWriterSize(w, 1<<20)
	if err = binary.Write(bw, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err = bw.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, nt := range namedTensors {
		nt.Tensor.ConstBytes(func(data []byte) {
			_, err = bw.Write(data)
		})
		if err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", nt.Name)
		}
	}
	return errors.Wrap(bw.Flush(), "failed to flush safetensors data")
}

// WriteFile writes the tensors to filePath. See Write.
func WriteFile(filePath string, namedTensors []NamedTensor, metadata map[string]string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = Write(f, namedTensors, metadata); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// ReadFile reads all tensors, in file order, and the metadata of a ".safetensors" file.
func ReadFile(filePath string) ([]NamedTensor, map[string]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var metadata map[string]string
	var result []NamedTensor
	for nt, err := range Scan(bufio.NewReaderSize(f, 1<<20), &metadata) {
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "reading %q", filePath)
		}
		result = append(result, *nt)
	}
	return result, metadata, nil
}

// Scan reads the tensors from a ".safetensors" stream, yielding them in the order they are stored.
// If metadata is not nil, it's set to the file's metadata (if any) before the first tensor is yielded.
func Scan(r io.Reader, metadata *map[string]string) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		var headerLen uint64
		if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
			yield(nil, errors.Wrapf(err, "failed to read header length"))
			return
		}
		if headerLen > maxHeaderLen {
			yield(nil, errors.Errorf("header length %d too large, not a .safetensors file?", headerLen))
			return
		}
		headerBuf := make([]byte, headerLen)
		if _, err := io.ReadFull(r, headerBuf); err != nil {
			yield(nil, errors.Wrapf(err, "failed to read header"))
			return
		}
		var header map[string]json.RawMessage
		if err := json.Unmarshal(headerBuf, &header); err != nil {
			yield(nil, errors.Wrapf(err, "failed to parse json from header"))
			return
		}

		sortedMetadata := make([]*tensorMetadata, 0, len(header))
		for name, raw := range header {
			if name == MetadataKey {
				if metadata != nil {
					if err := json.Unmarshal(raw, metadata); err != nil {
						yield(nil, errors.Wrapf(err, "failed to parse header[%q]", MetadataKey))
						return
					}
				}
				continue
			}
			tData := &tensorMetadata{}
			if err := json.Unmarshal(raw, tData); err != nil {
				yield(nil, errors.Wrapf(err, "failed to parse header[%q]", name))
				return
			}
			tData.Name = name
			if len(tData.Offsets) != 2 || tData.Offsets[1] < tData.Offsets[0] {
				yield(nil, errors.Errorf("offset header[%q][\"data_offsets\"] invalid, "+
					"expected [start, end] but got %v instead", name, tData.Offsets))
				return
			}
			dtype, err := dtypes.FromSafetensors(tData.DTypeName)
			if err != nil {
				yield(nil, errors.WithMessagef(err, "tensor %q", name))
				return
			}
			if size := tData.Offsets[1] - tData.Offsets[0]; size != uint64(dtype.SizeForDimensions(tData.Dimensions...)) {
				yield(nil, errors.Errorf("tensor %q with shape %s%v requires %d bytes, but header[%q][\"data_offsets\"] "+
					"reserves %d bytes", name, dtype, tData.Dimensions, dtype.SizeForDimensions(tData.Dimensions...), name, size))
				return
			}
			sortedMetadata = append(sortedMetadata, tData)
		}
		slices.SortFunc(sortedMetadata, func(a, b *tensorMetadata) int {
			if a.Offsets[0] != b.Offsets[0] {
				if a.Offsets[0] < b.Offsets[0] {
					return -1
				}
				return 1
			}
			if a.Offsets[1] < b.Offsets[1] {
				return -1
			}
			return 1
		})

		// Makes sure data is contiguous.
		var lastOffset uint64
		for _, tData := range sortedMetadata {
			if tData.Offsets[0] != lastOffset {
				yield(nil, errors.Errorf("offset for header[%q][\"data_offsets\"] not contiguous: expected %d, got %d",
					tData.Name, lastOffset, tData.Offsets[0]))
				return
			}
			lastOffset = tData.Offsets[1]
		}

		for _, tData := range sortedMetadata {
			dtype, _ := dtypes.FromSafetensors(tData.DTypeName)
			data := make([]byte, tData.Offsets[1]-tData.Offsets[0])
			if _, err := io.ReadFull(r, data); err != nil {
				yield(nil, errors.Wrapf(err, "tensor %q: failed to read %d bytes", tData.Name, len(data)))
				return
			}
			t, err := tensors.FromRaw(dtype, tData.Dimensions, data)
			if err != nil {
				yield(nil, errors.WithMessagef(err, "tensor %q", tData.Name))
				return
			}
			if !yield(&NamedTensor{tData.Name, t}, nil) {
				return
			}
		}
	}
}
