// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statedict implements StateDict, the ordered mapping of parameter names to tensors
// of a model, plus the transformations applied to it before it's saved: unwrapping loaded
// checkpoint objects, keeping only the encoder, and checking the presence of GAATN parameters.
package statedict

import (
	"iter"
	"maps"
	"slices"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/gomlx/zerockpt/pkg/pickle"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrEmptyStateDict is returned when a loader produces no parameters.
	ErrEmptyStateDict = errors.New("empty state_dict")

	// ErrGAATNNotFound is returned by AssertGAATN.
	ErrGAATNNotFound = errors.New("assert_gaatn: GAATN-related parameters not found in state_dict")
)

// StateDict is an ordered mapping of unique parameter names to tensors.
// Iteration follows insertion order.
type StateDict struct {
	keys   []string
	values map[string]*tensors.Tensor
}

// New returns an empty StateDict.
func New() *StateDict {
	return &StateDict{values: make(map[string]*tensors.Tensor)}
}

// Set the tensor for name. If name is already present its value is replaced, keeping its position.
func (sd *StateDict) Set(name string, t *tensors.Tensor) {
	if _, found := sd.values[name]; !found {
		sd.keys = append(sd.keys, name)
	}
	sd.values[name] = t
}

// Get returns the tensor for name, or nil.
func (sd *StateDict) Get(name string) *tensors.Tensor {
	return sd.values[name]
}

// Has returns whether name is in the StateDict.
func (sd *StateDict) Has(name string) bool {
	_, found := sd.values[name]
	return found
}

// Len returns the number of entries. It's 0 for a nil StateDict.
func (sd *StateDict) Len() int {
	if sd == nil {
		return 0
	}
	return len(sd.keys)
}

// Keys returns a copy of the names, in order.
func (sd *StateDict) Keys() []string {
	return slices.Clone(sd.keys)
}

// All iterates over the entries in order.
func (sd *StateDict) All() iter.Seq2[string, *tensors.Tensor] {
	return func(yield func(string, *tensors.Tensor) bool) {
		for _, key := range sd.keys {
			if !yield(key, sd.values[key]) {
				return
			}
		}
	}
}

// NumParameters returns the total number of elements of all tensors.
func (sd *StateDict) NumParameters() int64 {
	var n int64
	for _, t := range sd.values {
		n += int64(t.Size())
	}
	return n
}

// Memory returns the total number of bytes of all tensors.
func (sd *StateDict) Memory() int64 {
	var n int64
	for _, t := range sd.values {
		n += int64(t.Memory())
	}
	return n
}

// DTypes returns the number of tensors of each dtype.
func (sd *StateDict) DTypes() map[dtypes.DType]int {
	counts := make(map[dtypes.DType]int)
	for _, t := range sd.values {
		counts[t.DType()]++
	}
	return counts
}

// SortedDTypes returns the dtypes present, in their enum order.
func (sd *StateDict) SortedDTypes() []dtypes.DType {
	return slices.Sorted(maps.Keys(sd.DTypes()))
}

// ToOrderedDict converts the StateDict to a pickle collections.OrderedDict, the type of PyTorch's state dicts.
func (sd *StateDict) ToOrderedDict() *pickle.Dict {
	d := pickle.NewOrderedDict()
	for name, t := range sd.All() {
		d.Set(name, t)
	}
	return d
}

// Unwrap returns obj["module"] if obj is a mapping holding a mapping under "module",
// otherwise obj["model_state_dict"] under the same condition, otherwise obj itself.
func Unwrap(obj any) any {
	d, ok := obj.(*pickle.Dict)
	if !ok {
		return obj
	}
	for _, key := range []string{"module", "model_state_dict"} {
		if inner, found := d.Get(key); found {
			if innerDict, ok := inner.(*pickle.Dict); ok {
				klog.V(1).Infof("unwrapping state_dict from %q", key)
				return innerDict
			}
		}
	}
	return obj
}

// FromObject converts a loaded mapping of names to tensors into a StateDict.
//
// Entries with non-string keys or non-tensor values are skipped with a warning.
// It returns an error if obj is not a mapping.
func FromObject(obj any) (*StateDict, error) {
	d, ok := obj.(*pickle.Dict)
	if !ok {
		return nil, errors.Errorf("expected a mapping of parameter names to tensors, got %T", obj)
	}
	sd := New()
	for key, value := range d.All() {
		name, ok := key.(string)
		if !ok {
			klog.Warningf("skipping state_dict entry with non-string key %v (%T)", key, key)
			continue
		}
		t, ok := value.(*tensors.Tensor)
		if !ok {
			klog.Warningf("skipping state_dict entry %q: value is not a tensor (%T)", name, value)
			continue
		}
		sd.Set(name, t)
	}
	return sd, nil
}
