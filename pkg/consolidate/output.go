// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package consolidate

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/gomlx/zerockpt/pkg/core/tensors/numpy"
	"github.com/gomlx/zerockpt/pkg/safetensors"
	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/gomlx/zerockpt/pkg/support/fsutil"
	"github.com/gomlx/zerockpt/pkg/torchfile"
	"github.com/pkg/errors"
)

// Format of the output file.
type Format string

const (
	// FormatAuto selects the format from the output file extension: ".safetensors", ".npz" or torch for anything else.
	FormatAuto Format = "auto"

	// FormatTorch is the zip format of torch.save, holding a collections.OrderedDict of tensors.
	FormatTorch Format = "torch"

	// FormatSafetensors is the Hugging Face safetensors format.
	FormatSafetensors Format = "safetensors"

	// FormatNpz is a NumPy npz archive, with one .npy file per tensor. BFloat16 is not supported.
	FormatNpz Format = "npz"
)

// Formats lists the valid values of Format.
var Formats = []Format{FormatAuto, FormatTorch, FormatSafetensors, FormatNpz}

// ParseFormat returns the Format named s. Empty means FormatAuto.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatAuto, nil
	}
	for _, f := range Formats {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	closest, bestDistance := Formats[0], -1
	for _, f := range Formats {
		distance := levenshtein.ComputeDistance(strings.ToLower(s), string(f))
		if bestDistance < 0 || distance < bestDistance {
			closest, bestDistance = f, distance
		}
	}
	if bestDistance <= 2 {
		return "", errors.Errorf("unknown output format %q, did you mean %q?", s, closest)
	}
	return "", errors.Errorf("unknown output format %q, valid values are %q", s, Formats)
}

// Resolve returns the concrete format to use for filePath.
func (f Format) Resolve(filePath string) Format {
	if f != FormatAuto && f != "" {
		return f
	}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".safetensors":
		return FormatSafetensors
	case ".npz":
		return FormatNpz
	default:
		return FormatTorch
	}
}

// Write sd to w in the given (concrete) format.
func Write(w io.Writer, sd *statedict.StateDict, format Format) error {
	switch format {
	case FormatTorch:
		return torchfile.Save(w, sd.ToOrderedDict())
	case FormatSafetensors:
		named := make([]safetensors.NamedTensor, 0, sd.Len())
		for name, t := range sd.All() {
			named = append(named, safetensors.NamedTensor{Name: name, Tensor: t})
		}
		return safetensors.Write(w, named, map[string]string{"format": "pt"})
	case FormatNpz:
		return numpy.ToNpzWriter(w, sd.All())
	}
	return errors.Errorf("output format %q can't be written, resolve it first", format)
}

// SaveFile writes sd to filePath, replacing it atomically, and returns the number of bytes written.
func SaveFile(filePath string, sd *statedict.StateDict, format Format) (int64, error) {
	format = format.Resolve(filePath)
	var numBytes int64
	err := fsutil.WriteFileAtomically(filePath, 0o644, func(w io.Writer) error {
		cw := &countingWriter{w: w}
		err := Write(cw, sd, format)
		numBytes = cw.n
		return err
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "saving %s state_dict to %q", format, filePath)
	}
	return numBytes, nil
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
