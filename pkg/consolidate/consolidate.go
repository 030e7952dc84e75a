// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package consolidate converts a DeepSpeed checkpoint directory into a single state dict file.
//
// Run first tries to merge the ZeRO shards of the checkpoint (see package zero). If that fails
// for any reason, it falls back to the largest pytorch_model.bin or *.pt file found in the directory,
// unwrapping the state dict if it's nested under "module" or "model_state_dict".
// The result can then be restricted to the encoder parameters, checked for GAATN parameters,
// and is finally written in the torch, safetensors or npz format.
package consolidate

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/zerockpt/internal/metrics"
	"github.com/gomlx/zerockpt/pkg/manifest"
	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/gomlx/zerockpt/pkg/support/fsutil"
	"github.com/gomlx/zerockpt/pkg/zero"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the mode of the directories created for the output.
var DirPermMode = os.FileMode(0770)

// ErrNoStateDict is returned when neither the ZeRO merge nor the consolidated files yield a state dict.
var ErrNoStateDict = errors.New("could not read any state_dict")

// Strategy used to load the state dict.
type Strategy string

const (
	StrategyZero             Strategy = "zero_to_fp32"
	StrategyConsolidatedFile Strategy = "consolidated_file"
)

// Options of a Run. Dir and OutPath are required.
type Options struct {
	// Dir is the checkpoint directory.
	Dir string

	// OutPath is the output file. Its parent directory is created if needed.
	OutPath string

	// Tag of the ZeRO checkpoint. If empty, it is read from the `latest` file.
	Tag string

	// EncoderOnly keeps only the "encoder." parameters, with the prefix stripped.
	EncoderOnly bool

	// AssertGAATN fails the run if no parameter name mentions GAATN.
	AssertGAATN bool

	// ExcludeFrozen skips frozen parameters in the ZeRO merge.
	ExcludeFrozen bool

	// Format of the output, FormatAuto if empty.
	Format Format

	// ManifestPath, if set, is where to write an Arrow manifest of the tensors written.
	ManifestPath string

	// Progress, if set, is notified during the ZeRO merge.
	Progress zero.Progress

	// Metrics, if set, records the run.
	Metrics *metrics.Metrics
}

// Result of a successful Run.
type Result struct {
	Strategy Strategy

	// Source is the tag directory of the ZeRO checkpoint or the consolidated file loaded.
	Source string

	// KeysLoaded is the number of entries loaded, before any filtering.
	KeysLoaded int

	// StateDict written.
	StateDict *statedict.StateDict

	OutPath  string
	Format   Format
	OutBytes int64
	Duration time.Duration
}

// Run loads the state dict in opts.Dir, transforms it according to opts, and writes it to opts.OutPath.
func Run(opts Options) (result *Result, err error) {
	start := time.Now()
	defer func() {
		opts.Metrics.RecordDone(time.Since(start), err)
	}()

	if opts.Dir == "" {
		return nil, errors.New("checkpoint directory not given")
	}
	if opts.OutPath == "" {
		return nil, errors.New("output path not given")
	}
	if opts.Format == "" {
		opts.Format = FormatAuto
	}
	if opts.Format, err = ParseFormat(string(opts.Format)); err != nil {
		return nil, err
	}
	dir, err := fsutil.ReplaceTildeInDir(opts.Dir)
	if err != nil {
		return nil, err
	}
	outPath, err := filepath.Abs(opts.OutPath)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid output path %q", opts.OutPath)
	}
	if err = fsutil.EnsureParentDir(outPath, DirPermMode); err != nil {
		return nil, err
	}

	result = &Result{OutPath: opts.OutPath, Format: opts.Format.Resolve(opts.OutPath)}
	var sd *statedict.StateDict
	sd, err = LoadFromZero(dir, opts.Tag, opts.ExcludeFrozen, opts.Progress)
	opts.Metrics.RecordLoad(string(StrategyZero), err)
	if err == nil {
		klog.Infof("loaded FP32 state_dict from ZeRO shards: %d keys", sd.Len())
		result.Strategy = StrategyZero
		if result.Source, err = zero.ResolveTag(dir, opts.Tag); err != nil {
			return nil, err
		}
	} else {
		klog.Warningf("zero_to_fp32 merge failed: %v", err)
		sd, result.Source, err = loadFallback(dir)
		opts.Metrics.RecordLoad(string(StrategyConsolidatedFile), err)
		if err != nil {
			return nil, err
		}
		klog.Infof("loaded fallback state_dict: %d keys", sd.Len())
		result.Strategy = StrategyConsolidatedFile
	}
	result.KeysLoaded = sd.Len()
	opts.Metrics.RecordKeys(metrics.StageLoaded, sd.Len())

	if opts.EncoderOnly {
		before := sd.Len()
		sd = statedict.FilterEncoderOnly(sd)
		klog.Infof("encoder_only: %d -> %d keys", before, sd.Len())
	}
	if opts.AssertGAATN {
		if err = statedict.AssertGAATN(sd); err != nil {
			return nil, err
		}
	}

	result.OutBytes, err = SaveFile(opts.OutPath, sd, result.Format)
	if err != nil {
		return nil, err
	}
	result.StateDict = sd
	opts.Metrics.RecordKeys(metrics.StageWritten, sd.Len())
	opts.Metrics.RecordOutput(result.OutBytes, sd.NumParameters())

	if opts.ManifestPath != "" {
		err = manifest.WriteFile(opts.ManifestPath, manifest.FromStateDict(sd), map[string]string{
			"source":   result.Source,
			"strategy": string(result.Strategy),
			"output":   opts.OutPath,
			"format":   string(result.Format),
		})
		if err != nil {
			return nil, err
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

// loadFallback loads the largest consolidated file in dir and converts it to a StateDict.
func loadFallback(dir string) (*statedict.StateDict, string, error) {
	obj, source := LoadFromConsolidatedFiles(dir)
	if obj == nil {
		return nil, "", errors.WithMessagef(ErrNoStateDict, "%s", dir)
	}
	sd, err := statedict.FromObject(statedict.Unwrap(obj))
	if err != nil {
		return nil, "", errors.WithMessagef(err, "reading state_dict from %s", source)
	}
	return sd, source, nil
}
