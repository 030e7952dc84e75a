// Package numpy allows one to read/write tensors to Python's NumPy npy and npz file formats.
//
// Only C-order (row-major) arrays are written. Fortran-order arrays are transposed on read.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FromNpyFile reads a .npy file and returns a tensors.Tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads a .npy file from an io.Reader and returns a tensors.Tensor.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	// Read and validate the magic string.
	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != "\x93NUMPY" {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}

	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read version")
	}

	var headerLen uint32
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = uint32(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = binary.LittleEndian.Uint32(lenBytes)
		if headerLen > 1<<20 {
			return nil, errors.Errorf("header length %d is too large", headerLen)
		}
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	header := string(headerBytes)

	// Example: "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }"
	dtypeStr, dims, fortranOrder, err := parseNpyHeader(header)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse .npy header")
	}
	if strings.HasPrefix(dtypeStr, ">") {
		return nil, errors.Errorf("big-endian .npy files ('%s') are not supported", dtypeStr)
	}
	dtype, err := npyDTypeToDType(dtypeStr)
	if err != nil {
		return nil, err
	}

	data := make([]byte, dtype.SizeForDimensions(dims...))
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(data))
	}
	if fortranOrder && len(dims) > 1 {
		cData := make([]byte, len(data))
		if err = FortranToCLayout(dtype.Size(), dims, data, cData); err != nil {
			return nil, err
		}
		data = cData
	}
	return tensors.FromRaw(dtype, dims, data)
}

// FortranToCLayout copies the column-major fortranData into the row-major cData.
func FortranToCLayout(dtypeSize int, dims []int, fortranData []byte, cData []byte) error {
	if dtypeSize <= 0 {
		return errors.Errorf("dtypeSize must be positive, got %d", dtypeSize)
	}
	totalElements := 1
	for _, d := range dims {
		totalElements *= d
	}
	expectedBytes := totalElements * dtypeSize
	if len(fortranData) != expectedBytes {
		return errors.Errorf("fortranData has incorrect size: got %d bytes, want %d", len(fortranData), expectedBytes)
	}
	if len(cData) != expectedBytes {
		return errors.Errorf("cData has incorrect size: got %d bytes, want %d", len(cData), expectedBytes)
	}
	if totalElements == 0 {
		return nil
	}

	coordinates := make([]int, len(dims))
	for cIndex := 0; cIndex < totalElements; cIndex++ {
		// Row-major index to coordinates.
		tempIndex := cIndex
		for i := len(dims) - 1; i >= 0; i-- {
			coordinates[i] = tempIndex % dims[i]
			tempIndex /= dims[i]
		}
		// Coordinates to column-major index.
		fortranIndex := 0
		multiplier := 1
		for i := 0; i < len(dims); i++ {
			fortranIndex += coordinates[i] * multiplier
			multiplier *= dims[i]
		}
		srcOffset := fortranIndex * dtypeSize
		dstOffset := cIndex * dtypeSize
		copy(cData[dstOffset:dstOffset+dtypeSize], fortranData[srcOffset:srcOffset+dtypeSize])
	}
	return nil
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header string.
// This is a simplified parser that handles the headers written by NumPy itself.
func parseNpyHeader(header string) (dtype string, shape []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	dtype = mDescr[1]

	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	shape = []int{}
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" { // Trailing comma as in "(10,)", or scalar "()".
			continue
		}
		val, pErr := strconv.Atoi(p)
		if pErr != nil {
			err = errors.Wrapf(pErr, "invalid shape value %q in header", p)
			return
		}
		shape = append(shape, val)
	}
	return
}

// npyDTypeToDType converts a NumPy dtype string to a dtypes.DType.
func npyDTypeToDType(npyType string) (dtypes.DType, error) {
	switch {
	case npyType == "|b1", npyType == "?", npyType == "b1":
		return dtypes.Bool, nil
	case strings.HasSuffix(npyType, "i1"):
		return dtypes.Int8, nil
	case strings.HasSuffix(npyType, "u1"):
		return dtypes.Uint8, nil
	case strings.HasSuffix(npyType, "i2"):
		return dtypes.Int16, nil
	case strings.HasSuffix(npyType, "i4"):
		return dtypes.Int32, nil
	case strings.HasSuffix(npyType, "i8"):
		return dtypes.Int64, nil
	case strings.HasSuffix(npyType, "f2"):
		return dtypes.Float16, nil
	case strings.HasSuffix(npyType, "f4"):
		return dtypes.Float32, nil
	case strings.HasSuffix(npyType, "f8"):
		return dtypes.Float64, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported NumPy dtype: %s", npyType)
	}
}

// dtypeToNpy converts a dtypes.DType to a NumPy dtype string.
// It assumes little-endian ('<') for multi-byte types.
func dtypeToNpy(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Bool:
		return "|b1", nil
	case dtypes.Int8:
		return "|i1", nil
	case dtypes.Uint8:
		return "|u1", nil
	case dtypes.Int16:
		return "<i2", nil
	case dtypes.Int32:
		return "<i4", nil
	case dtypes.Int64:
		return "<i8", nil
	case dtypes.Float16:
		return "<f2", nil
	case dtypes.Float32:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	case dtypes.BFloat16:
		// NumPy has no standard bfloat16: callers should convert to Float32 first.
		return "", errors.Errorf("BFloat16 has no standard .npy dtype, convert it to Float32 first")
	default:
		return "", errors.Errorf("unsupported DType for .npy: %s", dtype)
	}
}

// FromNpzFile reads a .npz file and returns the tensor names, in archive order, and the tensors.
func FromNpzFile(filePath string) ([]string, map[string]*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(file, info.Size())
}

// FromNpzReader reads a .npz file from an io.ReaderAt and size.
// It returns the tensor names, in archive order, and the tensors.
func FromNpzReader(r io.ReaderAt, size int64) ([]string, map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to create zip reader for `.npz`")
	}

	var names []string
	results := make(map[string]*tensors.Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, nil, errors.Errorf(
				"invalid (malicious?) path in .npz archive: %q (normalized to %q)",
				f.Name,
				cleanPath,
			)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		name := strings.TrimSuffix(f.Name, ".npy")
		names = append(names, name)
		results[name] = tensor
	}
	return names, results, nil
}

// ToNpyWriter serializes a tensors.Tensor to an io.Writer in .npy format.
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	descr, err := dtypeToNpy(tensor.DType())
	if err != nil {
		return err
	}

	// Trailing comma in shape tuple for 1D arrays, and no comma for 0D.
	dims := tensor.Dimensions()
	var shapeTuple string
	switch len(dims) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dims[0])
	default:
		dimsStr := make([]string, len(dims))
		for i, dim := range dims {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}
	headerDict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)

	// Version 1.0: magic (6) + version (2) + header length (2), header padded so that the
	// data starts at a multiple of 64 bytes, terminated by a newline.
	var headerBuf bytes.Buffer
	headerBuf.WriteString(headerDict)
	for (10+headerBuf.Len()+1)%64 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')
	headerBytes := headerBuf.Bytes()
	if len(headerBytes) > 0xFFFF {
		return errors.Errorf("header for %s too large for .npy version 1.0", tensor.Shape())
	}

	preamble := make([]byte, 0, 10)
	preamble = append(preamble, "\x93NUMPY"...)
	preamble = append(preamble, 1, 0)
	preamble = binary.LittleEndian.AppendUint16(preamble, uint16(len(headerBytes)))
	if _, err := w.Write(preamble); err != nil {
		return errors.Wrapf(err, "failed to write .npy preamble")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrapf(err, "failed to write header")
	}

	var writeErr error
	tensor.ConstBytes(func(data []byte) {
		if _, err := w.Write(data); err != nil {
			writeErr = errors.Wrapf(err, "failed to write tensor data")
		}
	})
	return writeErr
}

// ToNpyFile serializes a tensors.Tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file")
	}
	if err = ToNpyWriter(tensor, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}

// ToNpzWriter serializes a sequence of named tensors to an io.Writer as a .npz archive,
// in the order given.
func ToNpzWriter(w io.Writer, namedTensors iter.Seq2[string, *tensors.Tensor]) error {
	zipWriter := zip.NewWriter(w)
	for name, tensor := range namedTensors {
		npyName := name + ".npy"
		fileWriter, err := zipWriter.CreateHeader(&zip.FileHeader{Name: npyName, Method: zip.Store})
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(tensor, fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return errors.Wrapf(err, "failed to close zip archive")
	}
	return nil
}
