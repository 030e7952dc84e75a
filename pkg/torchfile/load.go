// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package torchfile

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/gomlx/zerockpt/pkg/pickle"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	zipMagic = []byte("PK\x03\x04")

	// legacyMagic is the first pickle of a legacy format file.
	legacyMagic, _ = new(big.Int).SetString("1950a86a20f9469cfc6c", 16)
)

const legacyProtocolVersion = 1001

// Load reads the object saved with torch.save in the file at filePath, in either the zip or the legacy format.
func Load(filePath string) (any, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, len(zipMagic))
	if _, err = io.ReadFull(f, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	var obj any
	if bytes.Equal(magic, zipMagic) {
		info, statErr := f.Stat()
		if statErr != nil {
			return nil, errors.Wrapf(statErr, "failed to stat %q", filePath)
		}
		obj, err = LoadZip(f, info.Size())
	} else {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "failed to rewind %q", filePath)
		}
		obj, err = LoadLegacy(f)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", filePath)
	}
	return obj, nil
}

// LoadZip reads an object saved with torch.save in the zip format.
//
// Malformed contents are reported as errors, never as panics.
func LoadZip(r io.ReaderAt, size int64) (obj any, err error) {
	panicErr := exceptions.TryCatch[error](func() { obj, err = loadZip(r, size) })
	if panicErr != nil {
		return nil, errors.WithMessage(panicErr, "malformed torch zip file")
	}
	return obj, err
}

func loadZip(r io.ReaderAt, size int64) (any, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read zip archive")
	}
	files := make(map[string]*zip.File, len(zr.File))
	var prefix string
	var pklFile *zip.File
	for _, f := range zr.File {
		files[f.Name] = f
		if pklFile == nil && path.Base(f.Name) == "data.pkl" {
			pklFile = f
			prefix = strings.TrimSuffix(f.Name, "data.pkl")
		}
	}
	if pklFile == nil {
		return nil, errors.New("data.pkl not found in zip archive, it's not a torch.save file")
	}
	if f, found := files[prefix+"byteorder"]; found {
		order, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(order)) != "little" {
			return nil, errors.Errorf("unsupported byte order %q", order)
		}
	}

	storages := make(map[string]*Storage)
	pklReader, err := pklFile.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", pklFile.Name)
	}
	defer func() { _ = pklReader.Close() }()
	dec := newDecoder(pklReader)
	dec.PersistentLoad = func(pid any) (any, error) {
		fields, ok := pid.(pickle.Tuple)
		if !ok || len(fields) < 5 || fields[0] != "storage" {
			return nil, errors.Errorf("unsupported persistent id %v", pid)
		}
		key := fmt.Sprint(fields[2])
		if storage, found := storages[key]; found {
			return storage, nil
		}
		dtype, err := storageDType(fields[1])
		if err != nil {
			return nil, err
		}
		f, found := files[prefix+"data/"+key]
		if !found {
			return nil, errors.Errorf("storage record %q not found", prefix+"data/"+key)
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		if len(data)%dtype.Size() != 0 {
			return nil, errors.Errorf("storage %q has %d bytes, not a multiple of %s size", key, len(data), dtype)
		}
		storage := &Storage{
			DType:       dtype,
			Key:         key,
			Location:    fmt.Sprint(fields[3]),
			numElements: len(data) / dtype.Size(),
			data:        data,
		}
		storages[key] = storage
		return storage, nil
	}
	obj, err := dec.Decode()
	if err != nil {
		return nil, errors.WithMessagef(err, "unpickling %q", pklFile.Name)
	}
	klog.V(2).Infof("torchfile: loaded %d storages from zip archive", len(storages))
	return materialize(obj)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", f.Name)
	}
	defer func() { _ = rc.Close() }()
	data := make([]byte, f.UncompressedSize64)
	if _, err = io.ReadFull(rc, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", f.Name)
	}
	return data, nil
}

// LoadLegacy reads an object saved with torch.save in the legacy (pre-zip) format.
//
// Malformed contents are reported as errors, never as panics.
func LoadLegacy(r io.Reader) (obj any, err error) {
	panicErr := exceptions.TryCatch[error](func() { obj, err = loadLegacy(r) })
	if panicErr != nil {
		return nil, errors.WithMessage(panicErr, "malformed legacy torch file")
	}
	return obj, err
}

func loadLegacy(r io.Reader) (any, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	dec := newDecoder(br)

	magic, err := dec.Decode()
	if err != nil {
		return nil, errors.WithMessage(err, "not a torch.save file")
	}
	if m, ok := magic.(*big.Int); !ok || m.Cmp(legacyMagic) != 0 {
		return nil, errors.Errorf("invalid magic number %v, not a torch.save file", magic)
	}
	version, err := dec.Decode()
	if err != nil {
		return nil, err
	}
	if v, err := pickle.ToInt(version); err != nil || v != legacyProtocolVersion {
		return nil, errors.Errorf("unsupported legacy protocol version %v", version)
	}
	sysInfo, err := dec.Decode()
	if err != nil {
		return nil, errors.WithMessage(err, "reading system info")
	}
	if info, ok := sysInfo.(*pickle.Dict); ok {
		if little, found := info.Get("little_endian"); found && little != true {
			return nil, errors.New("big-endian legacy files are not supported")
		}
	}

	storages := make(map[string]*Storage)
	views := make(map[string]*Storage)
	dec.PersistentLoad = func(pid any) (any, error) {
		fields, ok := pid.(pickle.Tuple)
		if !ok || len(fields) < 6 || fields[0] != "storage" {
			return nil, errors.Errorf("unsupported persistent id %v", pid)
		}
		dtype, err := storageDType(fields[1])
		if err != nil {
			return nil, err
		}
		key := fmt.Sprint(fields[2])
		root, found := storages[key]
		if !found {
			numElements, err := pickle.ToInt(fields[4])
			if err != nil {
				return nil, errors.WithMessagef(err, "storage %q size", key)
			}
			if numElements < 0 {
				return nil, errors.Errorf("invalid size %d for storage %q", numElements, key)
			}
			root = &Storage{DType: dtype, Key: key, Location: fmt.Sprint(fields[3]), numElements: numElements}
			storages[key] = root
		}
		if fields[5] == nil {
			return root, nil
		}
		viewMeta, ok := fields[5].(pickle.Tuple)
		if !ok || len(viewMeta) != 3 {
			return nil, errors.Errorf("invalid storage view metadata %v", fields[5])
		}
		viewKey := fmt.Sprint(viewMeta[0])
		if view, found := views[viewKey]; found {
			return view, nil
		}
		offset, err := pickle.ToInt(viewMeta[1])
		if err != nil {
			return nil, err
		}
		viewSize, err := pickle.ToInt(viewMeta[2])
		if err != nil {
			return nil, err
		}
		if offset < 0 || viewSize < 0 {
			return nil, errors.Errorf("invalid storage view %q (offset=%d, size=%d) of storage %q", viewKey, offset, viewSize, key)
		}
		view := &Storage{DType: dtype, Key: viewKey, Location: root.Location, numElements: viewSize,
			viewOf: root, viewOffset: offset}
		views[viewKey] = view
		return view, nil
	}
	obj, err := dec.Decode()
	if err != nil {
		return nil, errors.WithMessage(err, "unpickling object")
	}

	keysValue, err := dec.Decode()
	if err != nil {
		return nil, errors.WithMessage(err, "reading storage keys")
	}
	keys, ok := pickle.Items(keysValue)
	if !ok {
		return nil, errors.Errorf("invalid storage keys %T", keysValue)
	}
	for _, k := range keys {
		key := fmt.Sprint(k)
		storage, found := storages[key]
		if !found {
			return nil, errors.Errorf("data for unknown storage %q", key)
		}
		var numElements int64
		if err := binary.Read(br, binary.LittleEndian, &numElements); err != nil {
			return nil, errors.Wrapf(err, "reading size of storage %q", key)
		}
		if numElements < 0 {
			return nil, errors.Errorf("invalid size %d for storage %q", numElements, key)
		}
		storage.numElements = int(numElements)
		storage.data = make([]byte, storage.numElements*storage.DType.Size())
		if _, err := io.ReadFull(br, storage.data); err != nil {
			return nil, errors.Wrapf(err, "reading data of storage %q", key)
		}
	}
	return materialize(obj)
}

// torchClasses are the PyTorch functions and classes the unpickler knows how to build.
var torchClasses = map[string]pickle.Callable{
	"torch._utils._rebuild_tensor_v2":            pickle.CallableFunc(rebuildTensor),
	"torch._utils._rebuild_tensor":               pickle.CallableFunc(rebuildTensor),
	"torch._utils._rebuild_parameter":            pickle.CallableFunc(firstArg),
	"torch._utils._rebuild_parameter_with_state": pickle.CallableFunc(firstArg),
	"torch._tensor._rebuild_from_type_v2":        pickle.CallableFunc(rebuildFromType),
	"torch._tensor._rebuild_from_type":           pickle.CallableFunc(rebuildFromType),
	"torch.Size":                                 pickle.CallableFunc(newSize),
}

func newDecoder(r io.Reader) *pickle.Decoder {
	dec := pickle.NewDecoder(r)
	dec.FindClass = func(module, name string) (any, bool) {
		fn, found := torchClasses[module+"."+name]
		return fn, found
	}
	return dec
}

// lazyTensor is a tensor whose storage data may not have been read yet.
type lazyTensor struct {
	storage      *Storage
	offset       int
	size, stride []int
	tensor       *tensors.Tensor
}

func (lt *lazyTensor) build() (*tensors.Tensor, error) {
	if lt.tensor != nil {
		return lt.tensor, nil
	}
	data, err := lt.storage.Bytes()
	if err != nil {
		return nil, err
	}
	lt.tensor, err = tensors.Strided(lt.storage.DType, data, lt.offset, lt.size, lt.stride)
	if err != nil {
		return nil, errors.WithMessagef(err, "building tensor from storage %q", lt.storage.Key)
	}
	return lt.tensor, nil
}

// rebuildTensor implements `_rebuild_tensor_v2(storage, storage_offset, size, stride, requires_grad, backward_hooks, ...)`.
func rebuildTensor(args pickle.Tuple) (any, error) {
	if len(args) < 4 {
		return nil, errors.Errorf("_rebuild_tensor expects at least 4 arguments, got %d", len(args))
	}
	storage, ok := args[0].(*Storage)
	if !ok {
		return nil, errors.Errorf("_rebuild_tensor: expected storage, got %T", args[0])
	}
	offset, err := pickle.ToInt(args[1])
	if err != nil {
		return nil, errors.WithMessage(err, "_rebuild_tensor storage offset")
	}
	size, err := pickle.ToInts(args[2])
	if err != nil {
		return nil, errors.WithMessage(err, "_rebuild_tensor size")
	}
	stride, err := pickle.ToInts(args[3])
	if err != nil {
		return nil, errors.WithMessage(err, "_rebuild_tensor stride")
	}
	if offset < 0 || slices.ContainsFunc(size, func(dim int) bool { return dim < 0 }) {
		return nil, errors.Errorf("_rebuild_tensor: invalid storage offset %d or size %v", offset, size)
	}
	return &lazyTensor{storage: storage, offset: offset, size: size, stride: stride}, nil
}

func firstArg(args pickle.Tuple) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("missing arguments")
	}
	return args[0], nil
}

// rebuildFromType implements `_rebuild_from_type_v2(func, new_type, args, state)`, used for tensor subclasses.
func rebuildFromType(args pickle.Tuple) (any, error) {
	if len(args) < 3 {
		return nil, errors.Errorf("_rebuild_from_type expects at least 3 arguments, got %d", len(args))
	}
	fn, ok := args[0].(pickle.Callable)
	if !ok {
		return nil, errors.Errorf("_rebuild_from_type: unsupported function %v", args[0])
	}
	fnArgs, ok := args[2].(pickle.Tuple)
	if !ok {
		return nil, errors.Errorf("_rebuild_from_type: expected tuple of arguments, got %T", args[2])
	}
	return fn.Call(fnArgs)
}

func newSize(args pickle.Tuple) (any, error) {
	if len(args) == 0 {
		return Size{}, nil
	}
	dims, err := pickle.ToInts(args[0])
	if err != nil {
		return nil, errors.WithMessage(err, "torch.Size")
	}
	return Size(dims), nil
}

// materialize replaces the lazy tensors in the decoded object by *tensors.Tensor.
func materialize(obj any) (any, error) {
	m := materializer{seen: make(map[any]bool)}
	return m.walk(obj)
}

type materializer struct {
	seen map[any]bool
}

func (m *materializer) walkSlice(items []any) error {
	for ii, item := range items {
		v, err := m.walk(item)
		if err != nil {
			return err
		}
		items[ii] = v
	}
	return nil
}

func (m *materializer) walkDict(d *pickle.Dict) error {
	if d == nil || m.seen[d] {
		return nil
	}
	m.seen[d] = true
	for k, item := range d.All() {
		v, err := m.walk(item)
		if err != nil {
			return errors.WithMessagef(err, "key %v", k)
		}
		d.Set(k, v)
	}
	if d.State != nil {
		v, err := m.walk(d.State)
		if err != nil {
			return err
		}
		d.State = v
	}
	return nil
}

func (m *materializer) walk(obj any) (any, error) {
	switch x := obj.(type) {
	case *lazyTensor:
		return x.build()
	case pickle.Tuple:
		return x, m.walkSlice(x)
	case *pickle.List:
		if m.seen[x] {
			return x, nil
		}
		m.seen[x] = true
		return x, m.walkSlice(x.Items)
	case *pickle.Set:
		if m.seen[x] {
			return x, nil
		}
		m.seen[x] = true
		return x, m.walkSlice(x.Items)
	case *pickle.Dict:
		return x, m.walkDict(x)
	case *pickle.Object:
		if m.seen[x] {
			return x, nil
		}
		m.seen[x] = true
		if err := m.walkSlice(x.Args); err != nil {
			return nil, err
		}
		if err := m.walkSlice(x.ListItems); err != nil {
			return nil, err
		}
		if err := m.walkDict(x.DictItems); err != nil {
			return nil, err
		}
		state, err := m.walk(x.State)
		if err != nil {
			return nil, err
		}
		x.State = state
		return x, nil
	}
	return obj, nil
}
