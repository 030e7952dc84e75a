// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types found in training checkpoints.
//
// It is a trimmed fork of GoMLX's dtypes: only the types that PyTorch checkpoints, safetensors and
// NumPy files can carry are kept, and each DType knows its name in those formats.
//
// It also includes the Supported constraint used by generic tensor constructors.
package dtypes

import (
	"strings"

	"github.com/gomlx/zerockpt/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum representing the data type of a tensor element.
type DType int32

const (
	// InvalidDType is the zero value, used for unknown types.
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Float16
	BFloat16
	Float32
	Float64
)

// Aliases.
const (
	F16  = Float16
	BF16 = BFloat16
	F32  = Float32
	F64  = Float64
)

// Supported lists the Go types that map to a DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | float16.Float16 | bfloat16.BFloat16 | float32 | float64
}

type dtypeInfo struct {
	name        string
	size        int
	torch       string // Name of the legacy typed storage class in module "torch".
	safetensors string
}

var dtypesInfo = map[DType]dtypeInfo{
	Bool:     {"Bool", 1, "BoolStorage", "BOOL"},
	Int8:     {"Int8", 1, "CharStorage", "I8"},
	Int16:    {"Int16", 2, "ShortStorage", "I16"},
	Int32:    {"Int32", 4, "IntStorage", "I32"},
	Int64:    {"Int64", 8, "LongStorage", "I64"},
	Uint8:    {"Uint8", 1, "ByteStorage", "U8"},
	Float16:  {"Float16", 2, "HalfStorage", "F16"},
	BFloat16: {"BFloat16", 2, "BFloat16Storage", "BF16"},
	Float32:  {"Float32", 4, "FloatStorage", "F32"},
	Float64:  {"Float64", 8, "DoubleStorage", "F64"},
}

// MapOfNames maps the DType names, their lower-case versions, and their safetensors names to the DType.
var MapOfNames = make(map[string]DType)

var torchStorageToDType = make(map[string]DType)

func init() {
	for dtype, info := range dtypesInfo {
		MapOfNames[info.name] = dtype
		MapOfNames[strings.ToLower(info.name)] = dtype
		MapOfNames[info.safetensors] = dtype
		torchStorageToDType[info.torch] = dtype
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if info, found := dtypesInfo[dtype]; found {
		return info.name
	}
	return "InvalidDType"
}

// Size returns the number of bytes for the given DType, or 0 for InvalidDType.
func (dtype DType) Size() int {
	return dtypesInfo[dtype].size
}

// IsSupported returns whether dtype is one of the known types.
func (dtype DType) IsSupported() bool {
	_, found := dtypesInfo[dtype]
	return found
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == BFloat16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is an integer type (signed or unsigned).
func (dtype DType) IsInt() bool {
	return dtype == Int8 || dtype == Int16 || dtype == Int32 || dtype == Int64 || dtype == Uint8
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
//
// It works also for scalar (one element) shapes where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		numElements *= dim
	}
	return numElements * dtype.Size()
}

// FromGenericsType returns the DType enum for the given type.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return InvalidDType
}

// TorchStorage returns the name of the PyTorch typed storage class (in module "torch") for the dtype,
// e.g. "FloatStorage".
func (dtype DType) TorchStorage() string {
	return dtypesInfo[dtype].torch
}

// FromTorchStorage returns the DType of a PyTorch typed storage class name, e.g. "HalfStorage".
func FromTorchStorage(name string) (DType, bool) {
	dtype, found := torchStorageToDType[name]
	return dtype, found
}

// Safetensors returns the dtype name used in the safetensors header, e.g. "BF16".
func (dtype DType) Safetensors() string {
	return dtypesInfo[dtype].safetensors
}

// FromSafetensors parses the dtype name used in the safetensors header.
func FromSafetensors(name string) (DType, error) {
	for dtype, info := range dtypesInfo {
		if info.safetensors == name {
			return dtype, nil
		}
	}
	return InvalidDType, errors.Errorf("unsupported safetensors dtype %q", name)
}
