// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"path/filepath"
	"slices"

	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/gomlx/zerockpt/pkg/pickle"
	"github.com/gomlx/zerockpt/pkg/torchfile"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Keys of the checkpoint files.
const (
	keyOptimizerStateDict = "optimizer_state_dict"
	keyZeroStage          = "zero_stage"
	keyPartitionCount     = "partition_count"
	keySinglePartition    = "single_partition_of_fp32_groups"
	keyFP32FlatGroups     = "fp32_flat_groups"

	keyBufferNames          = "buffer_names"
	keyModule               = "module"
	keyParamShapes          = "param_shapes"
	keyFrozenParamShapes    = "frozen_param_shapes"
	keyFrozenParamFragments = "frozen_param_fragments"
	keySharedParams         = "shared_params"
	keyDSVersion            = "ds_version"
)

// namedShape is one entry of an ordered mapping of parameter names to shapes.
type namedShape struct {
	name       string
	dimensions []int
}

func numElements(dimensions []int) int {
	n := 1
	for _, dim := range dimensions {
		n *= dim
	}
	return n
}

// modelState holds the contents of one *_model_states.pt file.
type modelState struct {
	buffers         []namedTensor
	paramShapes     [][]namedShape // One list per param group.
	frozenShapes    []namedShape
	frozenFragments map[string]*tensors.Tensor
	sharedParams    [][2]string // Pairs of (alias, target).
	dsVersion       string
}

type namedTensor struct {
	name   string
	tensor *tensors.Tensor
}

// optimStates holds the fp32 partitions of all ranks, read from the *_optim_states.pt files.
type optimStates struct {
	stage     int
	worldSize int

	// flatGroups[rank] lists one flat tensor per param group for stages <= 2.
	// For stage 3 it holds one tensor per rank, with all groups concatenated.
	flatGroups [][]*tensors.Tensor
}

// loadDict loads a torch file holding a mapping.
func loadDict(filePath string) (*pickle.Dict, error) {
	obj, err := torchfile.Load(filePath)
	if err != nil {
		return nil, err
	}
	d, ok := obj.(*pickle.Dict)
	if !ok {
		return nil, errors.Errorf("%s holds a %T, expected a mapping", filePath, obj)
	}
	return d, nil
}

func parseOptimStates(files []string, tagDir string) (*optimStates, error) {
	states := make([]*pickle.Dict, len(files))
	for ii, file := range files {
		d, err := loadDict(file)
		if err != nil {
			return nil, err
		}
		inner, found := d.Get(keyOptimizerStateDict)
		states[ii], _ = inner.(*pickle.Dict)
		if !found || states[ii] == nil {
			return nil, errors.Errorf("%s has no %q mapping", file, keyOptimizerStateDict)
		}
	}

	stageValue, found := states[0].Get(keyZeroStage)
	if !found {
		return nil, errors.Errorf("%s is not a zero checkpoint", files[0])
	}
	stage, err := pickle.ToInt(stageValue)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: invalid %q", files[0], keyZeroStage)
	}
	worldSize, err := partitionCount(states[0])
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", files[0])
	}
	if worldSize != len(files) {
		return nil, errors.Errorf("expected %d of '*%s' under %q but found %d files: possibly due to an overwrite "+
			"of an old checkpoint, or a checkpoint that didn't get saved by one or more processes",
			worldSize, OptimStatesSuffix, tagDir, len(files))
	}

	var groupsKey string
	switch {
	case stage <= 2:
		groupsKey = keySinglePartition
	case stage == 3:
		groupsKey = keyFP32FlatGroups
	default:
		return nil, errors.Errorf("unknown zero stage %d", stage)
	}

	o := &optimStates{stage: stage, worldSize: worldSize, flatGroups: make([][]*tensors.Tensor, len(states))}
	for rank, state := range states {
		value, found := state.Get(groupsKey)
		if !found {
			return nil, errors.Errorf("%s has no %q", files[rank], groupsKey)
		}
		groups, err := tensorList(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: %q", files[rank], groupsKey)
		}
		if stage == 3 {
			flat, err := tensors.Concatenate(groups...)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: concatenating %q", files[rank], groupsKey)
			}
			groups = []*tensors.Tensor{flat}
		}
		o.flatGroups[rank] = groups
		klog.V(2).Infof("%s: %d fp32 groups", filepath.Base(files[rank]), len(groups))
	}
	return o, nil
}

// partitionCount returns the world size, the maximum if it's given per param group.
func partitionCount(state *pickle.Dict) (int, error) {
	value, found := state.Get(keyPartitionCount)
	if !found {
		return 0, errors.Errorf("missing %q", keyPartitionCount)
	}
	if _, isList := pickle.Items(value); isList {
		counts, err := pickle.ToInts(value)
		if err != nil {
			return 0, errors.WithMessagef(err, "invalid %q", keyPartitionCount)
		}
		if len(counts) == 0 {
			return 0, errors.Errorf("empty %q", keyPartitionCount)
		}
		return slices.Max(counts), nil
	}
	count, err := pickle.ToInt(value)
	if err != nil {
		return 0, errors.WithMessagef(err, "invalid %q", keyPartitionCount)
	}
	return count, nil
}

func tensorList(value any) ([]*tensors.Tensor, error) {
	items, ok := pickle.Items(value)
	if !ok {
		return nil, errors.Errorf("expected a list of tensors, got %T", value)
	}
	list := make([]*tensors.Tensor, len(items))
	for ii, item := range items {
		t, ok := item.(*tensors.Tensor)
		if !ok {
			return nil, errors.Errorf("element #%d is a %T, not a tensor", ii, item)
		}
		list[ii] = t
	}
	return list, nil
}

func parseModelStates(files []string) ([]*modelState, error) {
	models := make([]*modelState, len(files))
	for ii, file := range files {
		d, err := loadDict(file)
		if err != nil {
			return nil, err
		}
		models[ii], err = parseModelState(d)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", file)
		}
	}
	return models, nil
}

func parseModelState(d *pickle.Dict) (*modelState, error) {
	bufferNamesValue, found := d.Get(keyBufferNames)
	if !found {
		return nil, errors.New("not a model state checkpoint")
	}
	m := &modelState{frozenFragments: make(map[string]*tensors.Tensor)}

	// Buffers, in the order of the module state dict, converted to float32.
	bufferNames := make(map[string]bool)
	if items, ok := pickle.Items(bufferNamesValue); ok {
		for _, item := range items {
			if name, ok := item.(string); ok {
				bufferNames[name] = true
			}
		}
	}
	if moduleValue, found := d.Get(keyModule); found {
		module, ok := moduleValue.(*pickle.Dict)
		if !ok {
			return nil, errors.Errorf("%q is a %T, expected a mapping", keyModule, moduleValue)
		}
		for key, value := range module.All() {
			name, _ := key.(string)
			if !bufferNames[name] {
				continue
			}
			t, ok := value.(*tensors.Tensor)
			if !ok {
				return nil, errors.Errorf("buffer %q is a %T, not a tensor", name, value)
			}
			t, err := t.AsFloat32()
			if err != nil {
				return nil, errors.WithMessagef(err, "buffer %q", name)
			}
			m.buffers = append(m.buffers, namedTensor{name, t})
		}
	}

	// Shapes of the trainable parameters, per param group.
	shapesValue, found := d.Get(keyParamShapes)
	if !found {
		return nil, errors.Errorf("missing %q", keyParamShapes)
	}
	groups, ok := pickle.Items(shapesValue)
	if !ok {
		// Older checkpoints store a single mapping.
		groups = []any{shapesValue}
	}
	for ii, group := range groups {
		shapes, err := parseShapes(group)
		if err != nil {
			return nil, errors.WithMessagef(err, "%q group #%d", keyParamShapes, ii)
		}
		m.paramShapes = append(m.paramShapes, shapes)
	}

	// Frozen parameters are optional.
	if value, found := d.Get(keyFrozenParamShapes); found && value != nil {
		var err error
		m.frozenShapes, err = parseShapes(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "%q", keyFrozenParamShapes)
		}
	}
	if value, found := d.Get(keyFrozenParamFragments); found && value != nil {
		fragments, ok := value.(*pickle.Dict)
		if !ok {
			return nil, errors.Errorf("%q is a %T, expected a mapping", keyFrozenParamFragments, value)
		}
		for key, value := range fragments.All() {
			name, _ := key.(string)
			t, ok := value.(*tensors.Tensor)
			if !ok {
				return nil, errors.Errorf("frozen parameter fragment %q is a %T, not a tensor", name, value)
			}
			m.frozenFragments[name] = t
		}
	}

	// Shared parameters: a mapping (or list of pairs) of alias to target.
	if value, found := d.Get(keySharedParams); found && value != nil {
		var err error
		m.sharedParams, err = parseSharedParams(value)
		if err != nil {
			return nil, err
		}
	}

	if value, found := d.Get(keyDSVersion); found {
		if version, ok := value.(string); ok {
			m.dsVersion = version
		}
	}
	return m, nil
}

// parseShapes parses an ordered mapping of parameter names to torch.Size.
func parseShapes(value any) ([]namedShape, error) {
	d, ok := value.(*pickle.Dict)
	if !ok {
		return nil, errors.Errorf("expected a mapping of names to shapes, got %T", value)
	}
	shapes := make([]namedShape, 0, d.Len())
	for key, value := range d.All() {
		name, ok := key.(string)
		if !ok {
			return nil, errors.Errorf("parameter name %v is a %T, not a string", key, key)
		}
		dimensions, err := pickle.ToInts(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "shape of %q", name)
		}
		shapes = append(shapes, namedShape{name, dimensions})
	}
	return shapes, nil
}

func parseSharedParams(value any) ([][2]string, error) {
	var pairs [][2]string
	if d, ok := value.(*pickle.Dict); ok {
		for key, target := range d.All() {
			alias, ok1 := key.(string)
			targetName, ok2 := target.(string)
			if !ok1 || !ok2 {
				return nil, errors.Errorf("invalid %q entry %v: %v", keySharedParams, key, target)
			}
			pairs = append(pairs, [2]string{alias, targetName})
		}
		return pairs, nil
	}
	items, ok := pickle.Items(value)
	if !ok {
		return nil, errors.Errorf("%q is a %T, expected a mapping or list of pairs", keySharedParams, value)
	}
	for _, item := range items {
		pair, ok := pickle.Items(item)
		if !ok || len(pair) != 2 {
			return nil, errors.Errorf("invalid %q entry %v", keySharedParams, item)
		}
		alias, ok1 := pair[0].(string)
		target, ok2 := pair[1].(string)
		if !ok1 || !ok2 {
			return nil, errors.Errorf("invalid %q entry %v", keySharedParams, item)
		}
		pairs = append(pairs, [2]string{alias, target})
	}
	return pairs, nil
}
