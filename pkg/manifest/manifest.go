// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package manifest writes and reads the list of tensors of a consolidated state dict as an
// Apache Arrow IPC file, with one row per tensor, so it can be inspected with any Arrow reader
// (pyarrow, polars, duckdb) without loading the weights.
package manifest

import (
	"io"
	"os"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/gomlx/zerockpt/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Entry describes one tensor.
type Entry struct {
	Name        string
	DType       string
	Shape       []int64
	NumElements int64
	NumBytes    int64
}

// Schema of the manifest, without metadata.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "num_elements", Type: arrow.PrimitiveTypes.Int64},
	{Name: "num_bytes", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// FromStateDict lists the tensors of sd, in order.
func FromStateDict(sd *statedict.StateDict) []Entry {
	entries := make([]Entry, 0, sd.Len())
	for name, t := range sd.All() {
		shape := make([]int64, t.Rank())
		for ii, dim := range t.Dimensions() {
			shape[ii] = int64(dim)
		}
		entries = append(entries, Entry{
			Name:        name,
			DType:       t.DType().String(),
			Shape:       shape,
			NumElements: int64(t.Size()),
			NumBytes:    int64(t.Memory()),
		})
	}
	return entries
}

// Write the entries to w as an Arrow IPC file with one record batch.
// The metadata (e.g. the source checkpoint) is stored in the schema.
func Write(w io.Writer, entries []Entry, metadata map[string]string) error {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	values := make([]string, len(keys))
	for ii, key := range keys {
		values[ii] = metadata[key]
	}
	md := arrow.NewMetadata(keys, values)
	schema := arrow.NewSchema(Schema.Fields(), &md)

	mem := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()
	names := builder.Field(0).(*array.StringBuilder)
	dtypes := builder.Field(1).(*array.StringBuilder)
	shapes := builder.Field(2).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Int64Builder)
	numElements := builder.Field(3).(*array.Int64Builder)
	numBytes := builder.Field(4).(*array.Int64Builder)
	for _, e := range entries {
		names.Append(e.Name)
		dtypes.Append(e.DType)
		shapes.Append(true)
		dims.AppendValues(e.Shape, nil)
		numElements.Append(e.NumElements)
		numBytes.Append(e.NumBytes)
	}
	record := builder.NewRecord()
	defer record.Release()

	writer, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return errors.Wrap(err, "failed to create Arrow IPC writer")
	}
	if err = writer.Write(record); err != nil {
		_ = writer.Close()
		return errors.Wrap(err, "failed to write manifest record")
	}
	return errors.Wrap(writer.Close(), "failed to finalize Arrow IPC file")
}

// WriteFile writes the manifest to filePath, replacing it atomically.
func WriteFile(filePath string, entries []Entry, metadata map[string]string) error {
	if err := fsutil.EnsureParentDir(filePath, 0o770); err != nil {
		return err
	}
	err := fsutil.WriteFileAtomically(filePath, 0o644, func(w io.Writer) error {
		return Write(w, entries, metadata)
	})
	return errors.WithMessagef(err, "writing manifest %q", filePath)
}

// ReadFile reads a manifest written by WriteFile.
func ReadFile(filePath string) ([]Entry, map[string]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open manifest %q", filePath)
	}
	defer func() { _ = f.Close() }()

	reader, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read Arrow IPC file %q", filePath)
	}
	defer func() { _ = reader.Close() }()
	if err = checkSchema(reader.Schema()); err != nil {
		return nil, nil, errors.WithMessagef(err, "reading manifest %q", filePath)
	}

	metadata := make(map[string]string)
	md := reader.Schema().Metadata()
	for ii, key := range md.Keys() {
		metadata[key] = md.Values()[ii]
	}

	var entries []Entry
	for recordIdx := range reader.NumRecords() {
		record, err := reader.Record(recordIdx)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read record #%d of %q", recordIdx, filePath)
		}
		names := record.Column(0).(*array.String)
		dtypes := record.Column(1).(*array.String)
		shapes := record.Column(2).(*array.List)
		dims := shapes.ListValues().(*array.Int64)
		numElements := record.Column(3).(*array.Int64)
		numBytes := record.Column(4).(*array.Int64)
		for row := range int(record.NumRows()) {
			start, end := shapes.ValueOffsets(row)
			shape := make([]int64, 0, end-start)
			for ii := start; ii < end; ii++ {
				shape = append(shape, dims.Value(int(ii)))
			}
			entries = append(entries, Entry{
				Name:        names.Value(row),
				DType:       dtypes.Value(row),
				Shape:       shape,
				NumElements: numElements.Value(row),
				NumBytes:    numBytes.Value(row),
			})
		}
	}
	return entries, metadata, nil
}

// checkSchema verifies the columns of a manifest file, ignoring metadata and nullability.
func checkSchema(schema *arrow.Schema) error {
	if schema.NumFields() != Schema.NumFields() {
		return errors.Errorf("manifest has %d columns, expected %d", schema.NumFields(), Schema.NumFields())
	}
	for ii, want := range Schema.Fields() {
		got := schema.Field(ii)
		if got.Name != want.Name || got.Type.ID() != want.Type.ID() {
			return errors.Errorf("manifest column #%d is %s (%s), expected %s (%s)", ii, got.Name, got.Type, want.Name, want.Type)
		}
	}
	return nil
}
