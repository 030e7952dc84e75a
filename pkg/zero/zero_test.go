// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/gomlx/zerockpt/pkg/core/dtypes"
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/gomlx/zerockpt/pkg/pickle"
	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/gomlx/zerockpt/pkg/torchfile"
	"github.com/gomlx/zerockpt/pkg/zero/zerotest"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressRecorder struct {
	total, added int
	finished     bool
}

func (p *progressRecorder) Start(total int) { p.total = total }
func (p *progressRecorder) Add(n int)       { p.added += n }
func (p *progressRecorder) Finish()         { p.finished = true }

func requireValues(t *testing.T, sd *statedict.StateDict, name string, dimensions []int, want []float32) {
	t.Helper()
	tensor := sd.Get(name)
	require.NotNil(t, tensor, "missing %q", name)
	assert.Equal(t, dimensions, tensor.Dimensions(), "dimensions of %q", name)
	assert.Equal(t, want, must.M1(tensors.CopyFlatData[float32](tensor)), "values of %q", name)
}

func checkMerged(t *testing.T, sd *statedict.StateDict) {
	t.Helper()
	require.Equal(t, zerotest.Keys, sd.Keys())
	for _, tensor := range sd.All() {
		assert.Equal(t, dtypes.Float32, tensor.DType())
	}
	requireValues(t, sd, "bn.running_mean", []int{2}, []float32{0.5, 1.5})
	requireValues(t, sd, "emb.weight", []int{2, 2}, []float32{10, 11, 12, 13})
	requireValues(t, sd, "a.weight", []int{2, 3}, []float32{0, 1, 2, 3, 4, 5})
	requireValues(t, sd, "a.bias", []int{3}, []float32{6, 7, 8})
	requireValues(t, sd, "b.weight", []int{4}, []float32{100, 101, 102, 103})
	assert.Same(t, sd.Get("a.weight"), sd.Get("tied.weight"))
}

func TestMergeStage2(t *testing.T) {
	dir := t.TempDir()
	zerotest.WriteStage2(t, dir, "global_step10")
	zerotest.WriteLatest(t, dir, "global_step10")

	progress := &progressRecorder{}
	sd, err := Build(dir).WithProgress(progress).Done()
	require.NoError(t, err)
	checkMerged(t, sd)
	assert.Equal(t, 4, progress.total)
	assert.Equal(t, 4, progress.added)
	assert.True(t, progress.finished)
}

func TestMergeStage3(t *testing.T) {
	dir := t.TempDir()
	zerotest.WriteStage3(t, dir, "global_step20")
	// `latest` points elsewhere: the explicit tag wins.
	zerotest.WriteLatest(t, dir, "missing")

	sd, err := Build(dir).Tag("global_step20").Done()
	require.NoError(t, err)
	checkMerged(t, sd)
}

func TestMergeDeepSpeedObjects(t *testing.T) {
	dir := t.TempDir()
	tagDir := zerotest.WriteStage2(t, dir, "global_step30")
	zerotest.WriteLatest(t, dir, "global_step30")

	// Optimizer states hold objects of DeepSpeed classes, not only plain values.
	obj, err := torchfile.Load(filepath.Join(tagDir, "zero_pp_rank_1_mp_rank_00_optim_states.pt"))
	require.NoError(t, err)
	inner, found := obj.(*pickle.Dict).Get("optimizer_state_dict")
	require.True(t, found)
	states := inner.(*pickle.Dict)
	stage, _ := states.Get("zero_stage")
	require.IsType(t, &pickle.Object{}, stage)
	assert.True(t, pickle.Equal(zerotest.ZeroStageEnum, stage.(*pickle.Object).Class))
	scaler, _ := states.Get("loss_scaler")
	require.IsType(t, &pickle.Object{}, scaler)
	curScale, found := scaler.(*pickle.Object).Attr("cur_scale")
	require.True(t, found)
	assert.Equal(t, 1.0, curScale)
	assert.True(t, states.Has("base_optimizer_state"))
	assert.True(t, states.Has("param_slice_mappings"))

	sd, err := Build(dir).Done()
	require.NoError(t, err)
	checkMerged(t, sd)
}

func TestExcludeFrozen(t *testing.T) {
	dir := t.TempDir()
	zerotest.WriteStage2(t, filepath.Join(dir, "stage2"), "tag")
	zerotest.WriteStage3(t, filepath.Join(dir, "stage3"), "tag")
	want := slices.DeleteFunc(slices.Clone(zerotest.Keys), func(k string) bool { return k == "emb.weight" })
	for _, name := range []string{"stage2", "stage3"} {
		sd, err := Build(filepath.Join(dir, name)).Tag("tag").ExcludeFrozen(true).Done()
		require.NoError(t, err, name)
		assert.Equal(t, want, sd.Keys(), name)
	}
}

func TestResolveTag(t *testing.T) {
	dir := t.TempDir()
	_, err := ResolveTag(dir, "")
	require.ErrorContains(t, err, "unable to find 'latest' file")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "global_step5"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, LatestFileName), []byte("  global_step5\n"), 0o644))
	tagDir, err := ResolveTag(dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "global_step5"), tagDir)

	_, err = ResolveTag(dir, "global_step6")
	require.ErrorContains(t, err, `doesn't exist, did you mean tag "global_step5"?`)

	_, err = ResolveTag(dir, "final")
	require.ErrorContains(t, err, "doesn't exist")
	require.NotContains(t, err.Error(), "did you mean")
}

func TestMergeErrors(t *testing.T) {
	const key = "single_partition_of_fp32_groups"
	newCheckpoint := func(t *testing.T) string {
		dir := t.TempDir()
		zerotest.WriteStage2(t, dir, "tag")
		return filepath.Join(dir, "tag")
	}
	rank0 := func(tagDir string) string {
		return filepath.Join(tagDir, "zero_pp_rank_0_mp_rank_00_optim_states.pt")
	}

	t.Run("missing optimizer states", func(t *testing.T) {
		tagDir := newCheckpoint(t)
		require.NoError(t, os.Remove(rank0(tagDir)))
		require.NoError(t, os.Remove(filepath.Join(tagDir, "zero_pp_rank_1_mp_rank_00_optim_states.pt")))
		_, err := Build(filepath.Dir(tagDir)).Tag("tag").Done()
		require.ErrorContains(t, err, "can't find")
	})

	t.Run("wrong number of files", func(t *testing.T) {
		tagDir := newCheckpoint(t)
		require.NoError(t, os.Remove(filepath.Join(tagDir, "zero_pp_rank_1_mp_rank_00_optim_states.pt")))
		_, err := Build(filepath.Dir(tagDir)).Tag("tag").Done()
		require.ErrorContains(t, err, "expected 2 of")
	})

	t.Run("not a zero checkpoint", func(t *testing.T) {
		tagDir := newCheckpoint(t)
		zerotest.Save(t, rank0(tagDir), zerotest.Dict("optimizer_state_dict", zerotest.Dict("state", int64(1))))
		_, err := Build(filepath.Dir(tagDir)).Tag("tag").Done()
		require.ErrorContains(t, err, "is not a zero checkpoint")
	})

	t.Run("unknown stage", func(t *testing.T) {
		tagDir := newCheckpoint(t)
		zerotest.Save(t, rank0(tagDir), zerotest.OptimStates(4, key, zerotest.F32(1)))
		_, err := Build(filepath.Dir(tagDir)).Tag("tag").Done()
		require.ErrorContains(t, err, "unknown zero stage 4")
	})

	t.Run("numels mismatch", func(t *testing.T) {
		tagDir := newCheckpoint(t)
		// Group #0 gets 16 elements, 4 more than the aligned 9 elements consumed.
		zerotest.Save(t, rank0(tagDir), zerotest.OptimStates(2, key,
			zerotest.F32(0, 1, 2, 3, 4, 5, 0, 0, 0, 0), zerotest.F32(100, 101)))
		_, err := Build(filepath.Dir(tagDir)).Tag("tag").Done()
		require.ErrorContains(t, err, "consumed 12 numels out of 16")
	})

	t.Run("not a model state", func(t *testing.T) {
		tagDir := newCheckpoint(t)
		zerotest.Save(t, filepath.Join(tagDir, "mp_rank_00_model_states.pt"), zerotest.Dict("module", zerotest.Dict()))
		_, err := Build(filepath.Dir(tagDir)).Tag("tag").Done()
		require.ErrorContains(t, err, "not a model state checkpoint")
	})
}

func TestCheckpointFilesNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, rank := range []int{10, 2, 1, 0} {
		name := filepath.Join(dir, "zero_pp_rank_"+strconv.Itoa(rank)+"_mp_rank_00"+OptimStatesSuffix)
		require.NoError(t, os.WriteFile(name, nil, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	files, err := checkpointFiles(dir, OptimStatesSuffix)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{
		"zero_pp_rank_0_mp_rank_00_optim_states.pt",
		"zero_pp_rank_1_mp_rank_00_optim_states.pt",
		"zero_pp_rank_2_mp_rank_00_optim_states.pt",
		"zero_pp_rank_10_mp_rank_00_optim_states.pt",
	}, names)

	assert.Negative(t, naturalCompare("a9", "a10"))
	assert.Positive(t, naturalCompare("b1", "a2"))
	assert.Zero(t, naturalCompare("x007y", "x7y"))
	assert.Negative(t, naturalCompare("rank", "rank_1"))
}
