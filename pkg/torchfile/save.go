// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package torchfile

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"strconv"

	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/gomlx/zerockpt/pkg/pickle"
	"github.com/pkg/errors"
)

const (
	// ArchiveName is the top-level directory of the records written by Save.
	ArchiveName = "archive"

	// recordAlignment of the records data within the zip file, as PyTorch does to allow memory-mapping.
	recordAlignment = 64

	// zipLocalHeaderSize is the size of a zip local file header, excluding the name and extra fields.
	zipLocalHeaderSize = 30

	serializationVersion = "3\n"
)

// storageRef marks a tensor's data in the pickle, to be replaced by a persistent id.
type storageRef struct {
	tensor *tensors.Tensor
}

// SaveFile writes obj to filePath in the zip format of torch.save. See Save.
func SaveFile(filePath string, obj any) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = Save(f, obj); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// Save writes obj in the zip format of torch.save.
//
// obj can be composed of the types accepted by pickle.Encoder, plus *tensors.Tensor and Size.
// Each distinct tensor is written as its own contiguous storage: a tensor referenced more than
// once (e.g. tied weights) is stored once and shared when loaded back by PyTorch.
func Save(w io.Writer, obj any) error {
	var storages []*tensors.Tensor
	storageKeys := make(map[*tensors.Tensor]string)

	var pkl bytes.Buffer
	enc := pickle.NewEncoder(&pkl)
	enc.PersistentID = func(v any) (any, bool) {
		ref, ok := v.(storageRef)
		if !ok {
			return nil, false
		}
		key, found := storageKeys[ref.tensor]
		if !found {
			key = strconv.Itoa(len(storages))
			storageKeys[ref.tensor] = key
			storages = append(storages, ref.tensor)
		}
		storageClass := &pickle.Global{Module: "torch", Name: ref.tensor.DType().TorchStorage()}
		return pickle.Tuple{"storage", storageClass, key, "cpu", ref.tensor.Size()}, true
	}
	enc.Replace = replaceTorchValues
	if err := enc.Encode(obj); err != nil {
		return err
	}

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	if err := writeRecord(zw, cw, ArchiveName+"/data.pkl", pkl.Bytes()); err != nil {
		return err
	}
	if err := writeRecord(zw, cw, ArchiveName+"/byteorder", []byte("little")); err != nil {
		return err
	}
	for ii, t := range storages {
		var err error
		t.ConstBytes(func(data []byte) {
			err = writeRecord(zw, cw, ArchiveName+"/data/"+strconv.Itoa(ii), data)
		})
		if err != nil {
			return err
		}
	}
	if err := writeRecord(zw, cw, ArchiveName+"/version", []byte(serializationVersion)); err != nil {
		return err
	}
	return errors.Wrap(zw.Close(), "failed to finalize zip archive")
}

// replaceTorchValues converts tensors and sizes to the calls PyTorch uses to rebuild them.
func replaceTorchValues(v any) (any, bool) {
	switch x := v.(type) {
	case *tensors.Tensor:
		dims := x.Dimensions()
		return &pickle.Object{
			Class: &pickle.Global{Module: "torch._utils", Name: "_rebuild_tensor_v2"},
			Args: pickle.Tuple{
				storageRef{tensor: x},
				0,
				intsTuple(dims),
				intsTuple(tensors.RowMajorStrides(dims)),
				false,
				pickle.NewOrderedDict(),
			},
		}, true
	case Size:
		return &pickle.Object{
			Class: &pickle.Global{Module: "torch", Name: "Size"},
			Args:  pickle.Tuple{intsTuple(x)},
		}, true
	}
	return nil, false
}

func intsTuple(ints []int) pickle.Tuple {
	t := make(pickle.Tuple, len(ints))
	for ii, v := range ints {
		t[ii] = v
	}
	return t
}

// writeRecord stores data uncompressed, padding the local header's extra field so the data
// starts at a multiple of recordAlignment.
func writeRecord(zw *zip.Writer, cw *countingWriter, name string, data []byte) error {
	if err := zw.Flush(); err != nil {
		return errors.Wrapf(err, "writing %q", name)
	}
	// The extra field header itself takes 4 bytes: id ("FB") and size.
	headerEnd := cw.n + zipLocalHeaderSize + int64(len(name)) + 4
	padding := (recordAlignment - headerEnd%recordAlignment) % recordAlignment
	extra := make([]byte, 4+padding)
	extra[0], extra[1] = 'F', 'B'
	binary.LittleEndian.PutUint16(extra[2:], uint16(padding))

	fw, err := zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(data),
		CompressedSize64:   uint64(len(data)),
		UncompressedSize64: uint64(len(data)),
		Extra:              extra,
	})
	if err != nil {
		return errors.Wrapf(err, "creating record %q", name)
	}
	if _, err = fw.Write(data); err != nil {
		return errors.Wrapf(err, "writing record %q", name)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
