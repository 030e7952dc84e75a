// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package zerotest writes small synthetic ZeRO checkpoints, for tests.
//
// The checkpoints hold, with a world size of 2:
//
//   - A float64 buffer "bn.running_mean" = [0.5, 1.5].
//   - A frozen parameter "emb.weight" with shape [2, 2] = [10, 11, 12, 13].
//   - Trainable parameters in two param groups: "a.weight" with shape [2, 3] = [0..5] and
//     "a.bias" with shape [3] = [6, 7, 8] in the first, "b.weight" with shape [4] = [100..103] in the second.
//   - A shared parameter "tied.weight" aliasing "a.weight".
//
// The optimizer states carry the same object graph DeepSpeed writes: "zero_stage" is a
// ZeroStageEnum, "loss_scaler" a LossScaler instance, and the Adam state of the base optimizer.
package zerotest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/gomlx/zerockpt/pkg/pickle"
	"github.com/gomlx/zerockpt/pkg/torchfile"
	"github.com/stretchr/testify/require"
)

// WorldSize of the written checkpoints.
const WorldSize = 2

// Keys of the merged state dict, in order.
var Keys = []string{"bn.running_mean", "emb.weight", "a.weight", "a.bias", "b.weight", "tied.weight"}

// Dict builds a *pickle.Dict from key/value pairs.
func Dict(keyValues ...any) *pickle.Dict {
	d := pickle.NewDict()
	for ii := 0; ii+1 < len(keyValues); ii += 2 {
		d.Set(keyValues[ii], keyValues[ii+1])
	}
	return d
}

// List builds a *pickle.List.
func List(items ...any) *pickle.List {
	return &pickle.List{Items: items}
}

// F32 returns a rank-1 float32 tensor.
func F32(values ...float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(values, len(values))
}

// Save obj as a torch file in filePath.
func Save(t testing.TB, filePath string, obj any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
	require.NoError(t, torchfile.SaveFile(filePath, obj))
}

// ModelStates returns the contents of a *_model_states.pt file, with the given fragment of the frozen parameter.
func ModelStates(frozenFragment *tensors.Tensor) *pickle.Dict {
	return Dict(
		"module", Dict(
			"bn.running_mean", tensors.FromFlatDataAndDimensions([]float64{0.5, 1.5}, 2),
			"a.weight", tensors.FromShape(dtypes.Float16, 2, 3), // Not a buffer: ignored.
		),
		"buffer_names", List("bn.running_mean"),
		"param_shapes", List(
			Dict("a.weight", torchfile.Size{2, 3}, "a.bias", torchfile.Size{3}),
			Dict("b.weight", torchfile.Size{4}),
		),
		"frozen_param_shapes", Dict("emb.weight", torchfile.Size{2, 2}),
		"frozen_param_fragments", Dict("emb.weight", frozenFragment),
		"shared_params", Dict("tied.weight", "a.weight"),
		"ds_version", "0.14.0",
	)
}

// Classes of the objects pickled by DeepSpeed in the optimizer states.
var (
	ZeroStageEnum   = &pickle.Global{Module: "deepspeed.runtime.zero.config", Name: "ZeroStageEnum"}
	LossScaler      = &pickle.Global{Module: "deepspeed.runtime.fp16.loss_scaler", Name: "LossScaler"}
	FragmentAddress = &pickle.Global{Module: "deepspeed.utils.tensor_fragment", Name: "fragment_address"}
)

// OptimStates returns the contents of a *_optim_states.pt file.
func OptimStates(stage int, groupsKey string, groups ...*tensors.Tensor) *pickle.Dict {
	items := make([]any, len(groups))
	adamState := pickle.NewDict()
	for ii, g := range groups {
		items[ii] = g
		adamState.Set(int64(ii), Dict(
			"step", int64(10),
			"exp_avg", tensors.FromShape(dtypes.Float32, g.Dimensions()...),
			"exp_avg_sq", tensors.FromShape(dtypes.Float32, g.Dimensions()...),
		))
	}
	return Dict(
		"optimizer_state_dict", Dict(
			"loss_scaler", &pickle.Object{Class: LossScaler, Args: pickle.Tuple{}, State: Dict("cur_scale", 1.0, "dynamic", false)},
			"dynamic_loss_scale", false,
			"overflow", false,
			"clip_grad", 1.0,
			"base_optimizer_state", Dict(
				"state", adamState,
				"param_groups", List(Dict("lr", 1e-4, "betas", pickle.Tuple{0.9, 0.999}, "params", List(int64(0)))),
			),
			"zero_stage", &pickle.Object{Class: ZeroStageEnum, Args: pickle.Tuple{int64(stage)}},
			"partition_count", List(int64(WorldSize), int64(WorldSize)),
			groupsKey, List(items...),
			"ds_version", "0.14.0",
		),
		"ds_config", Dict("zero_optimization", Dict("stage", int64(stage))),
		"ds_version", "0.14.0",
	)
}

// paramSliceMappings returns the "param_slice_mappings" of an optimizer state: for each param group,
// the fragment (numel, start within the partition) of each parameter held by the rank.
func paramSliceMappings(groups ...[]any) *pickle.List {
	mappings := make([]any, len(groups))
	for ii, fragments := range groups {
		d := pickle.NewOrderedDict()
		for jj := 0; jj+2 < len(fragments); jj += 3 {
			d.Set(fragments[jj], &pickle.Object{Class: FragmentAddress, Args: pickle.Tuple{fragments[jj+1], fragments[jj+2]}})
		}
		mappings[ii] = d
	}
	return List(mappings...)
}

// withSliceMappings adds the param_slice_mappings to the optimizer states in d.
func withSliceMappings(d *pickle.Dict, mappings *pickle.List) *pickle.Dict {
	inner, _ := d.Get("optimizer_state_dict")
	inner.(*pickle.Dict).Set("param_slice_mappings", mappings)
	return d
}

// WriteLatest writes the `latest` file of dir pointing to tag.
func WriteLatest(t testing.TB, dir, tag string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest"), []byte(tag+"\n"), 0o644))
}

// WriteStage2 writes a ZeRO stage 2 checkpoint under dir/tag and returns the tag directory.
func WriteStage2(t testing.TB, dir, tag string) string {
	t.Helper()
	tagDir := filepath.Join(dir, tag)
	Save(t, filepath.Join(tagDir, "mp_rank_00_model_states.pt"),
		ModelStates(tensors.FromFlatDataAndDimensions([]float32{10, 11, 12, 13}, 2, 2)))
	// Group #0 has 9 elements, padded to 12 (multiple of 2*WorldSize); group #1 has 4.
	const key = "single_partition_of_fp32_groups"
	Save(t, filepath.Join(tagDir, "zero_pp_rank_0_mp_rank_00_optim_states.pt"), withSliceMappings(
		OptimStates(2, key, F32(0, 1, 2, 3, 4, 5), F32(100, 101)),
		paramSliceMappings([]any{"a.weight", int64(6), int64(0)}, []any{"b.weight", int64(2), int64(0)})))
	Save(t, filepath.Join(tagDir, "zero_pp_rank_1_mp_rank_00_optim_states.pt"), withSliceMappings(
		OptimStates(2, key, F32(6, 7, 8, 0, 0, 0), F32(102, 103)),
		paramSliceMappings([]any{"a.bias", int64(3), int64(0)}, []any{"b.weight", int64(2), int64(0)})))
	return tagDir
}

// WriteStage3 writes a ZeRO stage 3 checkpoint under dir/tag and returns the tag directory.
func WriteStage3(t testing.TB, dir, tag string) string {
	t.Helper()
	tagDir := filepath.Join(dir, tag)
	Save(t, filepath.Join(tagDir, "zero_pp_rank_0_mp_rank_00_model_states.pt"), ModelStates(F32(10, 11)))
	Save(t, filepath.Join(tagDir, "zero_pp_rank_1_mp_rank_00_model_states.pt"), ModelStates(F32(12, 13)))
	// Each parameter is split in 2 pieces, "a.bias" is padded to 4 elements.
	const key = "fp32_flat_groups"
	Save(t, filepath.Join(tagDir, "zero_pp_rank_0_mp_rank_00_optim_states.pt"),
		OptimStates(3, key, F32(0, 1, 2, 6, 7), F32(100, 101)))
	Save(t, filepath.Join(tagDir, "zero_pp_rank_1_mp_rank_00_optim_states.pt"),
		OptimStates(3, key, F32(3, 4, 5, 8, 0), F32(102, 103)))
	return tagDir
}
