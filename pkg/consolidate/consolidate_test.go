// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package consolidate

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/gomlx/zerockpt/internal/metrics"
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/gomlx/zerockpt/pkg/core/tensors/numpy"
	"github.com/gomlx/zerockpt/pkg/manifest"
	"github.com/gomlx/zerockpt/pkg/pickle"
	"github.com/gomlx/zerockpt/pkg/safetensors"
	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/gomlx/zerockpt/pkg/torchfile"
	"github.com/gomlx/zerockpt/pkg/zero/zerotest"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createSparseFile creates a file with the given size without writing its contents.
func createSparseFile(t *testing.T, filePath string, size int64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
	f, err := os.Create(filePath)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Truncate(filePath, size))
}

func TestSelectLargest(t *testing.T) {
	dir := t.TempDir()
	createSparseFile(t, filepath.Join(dir, "small.pt"), 10<<10)
	createSparseFile(t, filepath.Join(dir, "nested", "deep", "big.pt"), 500<<20)
	createSparseFile(t, filepath.Join(dir, "other", "pytorch_model.bin"), 2<<20)
	createSparseFile(t, filepath.Join(dir, "ignored.bin"), 600<<20)
	createSparseFile(t, filepath.Join(dir, ".hidden", "huge.pt"), 700<<20)

	candidates, err := FindConsolidatedFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []Candidate{
		{Path: filepath.Join(dir, "other", "pytorch_model.bin"), Size: 2 << 20},
		{Path: filepath.Join(dir, "nested", "deep", "big.pt"), Size: 500 << 20},
		{Path: filepath.Join(dir, "small.pt"), Size: 10 << 10},
	}, candidates)

	best, found := SelectLargest(candidates)
	require.True(t, found)
	assert.Equal(t, filepath.Join(dir, "nested", "deep", "big.pt"), best.Path)

	// Ties: first one wins.
	best, _ = SelectLargest([]Candidate{{"a", 1}, {"b", 3}, {"c", 3}})
	assert.Equal(t, "b", best.Path)

	_, found = SelectLargest(nil)
	assert.False(t, found)
}

func TestLoadFromConsolidatedFiles(t *testing.T) {
	dir := t.TempDir()
	obj, source := LoadFromConsolidatedFiles(dir)
	assert.Nil(t, obj)
	assert.Empty(t, source)

	// The largest file is not a torch file: nothing is loaded, and no error is raised.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.pt"), make([]byte, 4096), 0o644))
	zerotest.Save(t, filepath.Join(dir, "model.pt"), zerotest.Dict("w", zerotest.F32(1)))
	obj, _ = LoadFromConsolidatedFiles(dir)
	assert.Nil(t, obj)

	require.NoError(t, os.Remove(filepath.Join(dir, "garbage.pt")))
	obj, source = LoadFromConsolidatedFiles(dir)
	require.NotNil(t, obj)
	assert.Equal(t, filepath.Join(dir, "model.pt"), source)

	_, err := FindConsolidatedFiles(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestFormats(t *testing.T) {
	for s, want := range map[string]Format{"": FormatAuto, "auto": FormatAuto, "Torch": FormatTorch,
		"safetensors": FormatSafetensors, "npz": FormatNpz} {
		got, err := ParseFormat(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("onnx")
	require.ErrorContains(t, err, "valid values are")
	_, err = ParseFormat("safetensor")
	require.ErrorContains(t, err, `did you mean "safetensors"?`)

	assert.Equal(t, FormatTorch, FormatAuto.Resolve("model.pt"))
	assert.Equal(t, FormatTorch, FormatAuto.Resolve("model.bin"))
	assert.Equal(t, FormatSafetensors, FormatAuto.Resolve("model.SafeTensors"))
	assert.Equal(t, FormatNpz, FormatAuto.Resolve("out/model.npz"))
	assert.Equal(t, FormatNpz, FormatNpz.Resolve("model.pt"))
}

func TestSaveFileFormats(t *testing.T) {
	sd := statedict.New()
	sd.Set("w", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2))
	sd.Set("steps", tensors.FromFlatDataAndDimensions([]int64{7}, 1))
	dir := t.TempDir()

	numBytes, err := SaveFile(filepath.Join(dir, "model.safetensors"), sd, FormatAuto)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), numBytes)
	named, metadata, err := safetensors.ReadFile(filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "pt", metadata["format"])
	require.Len(t, named, 2)
	assert.Equal(t, "w", named[0].Name)
	assert.True(t, sd.Get("w").Equal(named[0].Tensor))

	_, err = SaveFile(filepath.Join(dir, "model.npz"), sd, FormatAuto)
	require.NoError(t, err)
	names, values, err := numpy.FromNpzFile(filepath.Join(dir, "model.npz"))
	require.NoError(t, err)
	assert.Equal(t, []string{"w", "steps"}, names)
	assert.True(t, sd.Get("steps").Equal(values["steps"]))
}

// loadTorchStateDict reads back a torch output file.
func loadTorchStateDict(t *testing.T, filePath string) *pickle.Dict {
	t.Helper()
	obj, err := torchfile.Load(filePath)
	require.NoError(t, err)
	d, ok := obj.(*pickle.Dict)
	require.True(t, ok, "got %T", obj)
	assert.True(t, d.Ordered)
	return d
}

func TestRunFromZero(t *testing.T) {
	dir := t.TempDir()
	zerotest.WriteStage3(t, dir, "global_step3")
	zerotest.WriteLatest(t, dir, "global_step3")
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "new", "sub", "model.pt")
	manifestPath := filepath.Join(outDir, "manifest.arrow")
	m := metrics.New()

	result, err := Run(Options{Dir: dir, OutPath: outPath, ManifestPath: manifestPath, Metrics: m})
	require.NoError(t, err)
	assert.Equal(t, StrategyZero, result.Strategy)
	assert.Equal(t, filepath.Join(dir, "global_step3"), result.Source)
	assert.Equal(t, len(zerotest.Keys), result.KeysLoaded)
	assert.Equal(t, FormatTorch, result.Format)
	info, err := os.Stat(outPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), result.OutBytes)

	d := loadTorchStateDict(t, outPath)
	var keys []string
	for key, value := range d.All() {
		keys = append(keys, key.(string))
		assert.True(t, result.StateDict.Get(key.(string)).Equal(value.(*tensors.Tensor)), "tensor %q", key)
	}
	assert.Equal(t, zerotest.Keys, keys)

	entries, metadata, err := manifest.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Len(t, entries, len(zerotest.Keys))
	assert.Equal(t, "zero_to_fp32", metadata["strategy"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadAttempts.WithLabelValues(string(StrategyZero), metrics.ResultSuccess)))
	assert.Equal(t, float64(len(zerotest.Keys)), testutil.ToFloat64(m.Keys.WithLabelValues(metrics.StageWritten)))
	assert.Equal(t, float64(result.OutBytes), testutil.ToFloat64(m.OutputBytes))
}

func TestRunFallbackEncoderOnly(t *testing.T) {
	dir := t.TempDir()
	weight := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	mu := tensors.FromFlatDataAndDimensions([]float32{0.5}, 1)
	zerotest.Save(t, filepath.Join(dir, "export", "model.pt"), zerotest.Dict(
		"epoch", int64(7),
		"module", zerotest.Dict(
			"encoder.layer.0.weight", weight,
			"decoder.proj.weight", tensors.FromFlatDataAndDimensions([]float32{9, 9}, 2),
			"encoder.layer.0.GAATN.mu", mu,
		),
	))
	// A smaller file that is not a valid checkpoint is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pytorch_model.bin"), []byte("x"), 0o644))

	outPath := filepath.Join(t.TempDir(), "encoder.pt")
	m := metrics.New()
	result, err := Run(Options{Dir: dir, OutPath: outPath, EncoderOnly: true, AssertGAATN: true, Metrics: m})
	require.NoError(t, err)
	assert.Equal(t, StrategyConsolidatedFile, result.Strategy)
	assert.Equal(t, filepath.Join(dir, "export", "model.pt"), result.Source)
	assert.Equal(t, 3, result.KeysLoaded)
	assert.Equal(t, []string{"layer.0.weight", "layer.0.GAATN.mu"}, result.StateDict.Keys())

	d := loadTorchStateDict(t, outPath)
	assert.Equal(t, []any{"layer.0.weight", "layer.0.GAATN.mu"}, d.Keys())
	got, found := d.Get("layer.0.weight")
	require.True(t, found)
	assert.True(t, weight.Equal(got.(*tensors.Tensor)))
	assert.Equal(t, []int{2, 3}, got.(*tensors.Tensor).Dimensions())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadAttempts.WithLabelValues(string(StrategyZero), metrics.ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadAttempts.WithLabelValues(string(StrategyConsolidatedFile), metrics.ResultSuccess)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Keys.WithLabelValues(metrics.StageLoaded)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Keys.WithLabelValues(metrics.StageWritten)))
}

func TestRunErrors(t *testing.T) {
	t.Run("nothing to load", func(t *testing.T) {
		outPath := filepath.Join(t.TempDir(), "out", "model.pt")
		_, err := Run(Options{Dir: t.TempDir(), OutPath: outPath})
		require.ErrorIs(t, err, ErrNoStateDict)
		// The output directory is created before loading.
		assert.DirExists(t, filepath.Dir(outPath))
		assert.NoFileExists(t, outPath)
	})

	t.Run("GAATN missing", func(t *testing.T) {
		dir := t.TempDir()
		zerotest.WriteStage2(t, dir, "final")
		outPath := filepath.Join(t.TempDir(), "model.pt")
		_, err := Run(Options{Dir: dir, Tag: "final", OutPath: outPath, AssertGAATN: true})
		require.ErrorIs(t, err, statedict.ErrGAATNNotFound)
		assert.NoFileExists(t, outPath)
	})

	t.Run("not a mapping", func(t *testing.T) {
		dir := t.TempDir()
		zerotest.Save(t, filepath.Join(dir, "model.pt"), zerotest.F32(1, 2))
		_, err := Run(Options{Dir: dir, OutPath: filepath.Join(t.TempDir(), "model.pt")})
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNoStateDict))
	})

	t.Run("invalid options", func(t *testing.T) {
		_, err := Run(Options{OutPath: "x.pt"})
		require.Error(t, err)
		_, err = Run(Options{Dir: t.TempDir()})
		require.Error(t, err)
		_, err = Run(Options{Dir: t.TempDir(), OutPath: filepath.Join(t.TempDir(), "x.pt"), Format: "onnx"})
		require.Error(t, err)
	})

	t.Run("empty merge", func(t *testing.T) {
		dir := t.TempDir()
		tagDir := filepath.Join(dir, "tag")
		zerotest.Save(t, filepath.Join(tagDir, "mp_rank_00_model_states.pt"), zerotest.Dict(
			"buffer_names", zerotest.List(),
			"module", zerotest.Dict(),
			"param_shapes", zerotest.List(zerotest.Dict()),
		))
		for _, rank := range []string{"0", "1"} {
			zerotest.Save(t, filepath.Join(tagDir, "zero_pp_rank_"+rank+"_mp_rank_00_optim_states.pt"),
				zerotest.OptimStates(2, "single_partition_of_fp32_groups", zerotest.F32()))
		}
		_, err := LoadFromZero(dir, "tag", false, nil)
		require.ErrorIs(t, err, statedict.ErrEmptyStateDict)
	})
}

func TestRunFormatIgnoresCase(t *testing.T) {
	dir := t.TempDir()
	zerotest.WriteStage2(t, dir, "global_step2")
	zerotest.WriteLatest(t, dir, "global_step2")
	outPath := filepath.Join(t.TempDir(), "model.bin")
	result, err := Run(Options{Dir: dir, OutPath: outPath, Format: "Torch"})
	require.NoError(t, err)
	assert.Equal(t, FormatTorch, result.Format)
	d := loadTorchStateDict(t, outPath)
	assert.Equal(t, len(zerotest.Keys), d.Len())

	outPath = filepath.Join(t.TempDir(), "model.out")
	result, err = Run(Options{Dir: dir, OutPath: outPath, Format: "NPZ"})
	require.NoError(t, err)
	assert.Equal(t, FormatNpz, result.Format)
	names, _, err := numpy.FromNpzFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, zerotest.Keys, names)
}

func TestRunHomeRelativeDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	home, err := os.MkdirTemp(usr.HomeDir, "zerockpt-test-")
	if err != nil {
		t.Skipf("home directory %q not writable: %v", usr.HomeDir, err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	zerotest.WriteStage2(t, home, "global_step2")
	zerotest.WriteLatest(t, home, "global_step2")
	tildeDir := "~/" + filepath.Base(home)

	result, err := Run(Options{Dir: tildeDir, OutPath: filepath.Join(t.TempDir(), "model.pt")})
	require.NoError(t, err)
	assert.Equal(t, StrategyZero, result.Strategy)
	assert.Equal(t, filepath.Join(home, "global_step2"), result.Source)

	// The fallback search expands "~" the same way.
	require.NoError(t, os.RemoveAll(filepath.Join(home, "global_step2")))
	zerotest.Save(t, filepath.Join(home, "export", "model.pt"), zerotest.Dict("w", zerotest.F32(1, 2)))
	result, err = Run(Options{Dir: tildeDir, OutPath: filepath.Join(t.TempDir(), "model.pt")})
	require.NoError(t, err)
	assert.Equal(t, StrategyConsolidatedFile, result.Strategy)
	assert.Equal(t, filepath.Join(home, "export", "model.pt"), result.Source)
}
