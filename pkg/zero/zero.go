// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package zero merges the partitioned fp32 weights of a DeepSpeed ZeRO (stage 1, 2 or 3) checkpoint
// into one consolidated StateDict, without starting any distributed runtime.
//
// A ZeRO checkpoint directory holds a `latest` file with the name of the last tag, and one
// sub-directory per tag with the files saved by each rank:
//
//	<dir>/latest
//	<dir>/<tag>/*_model_states.pt   (buffers, parameter shapes, frozen parameters)
//	<dir>/<tag>/*_optim_states.pt   (the rank's partition of the fp32 master weights)
//
// Example:
//
//	sd, err := zero.Build(dir).Tag("global_step1000").ExcludeFrozen(false).Done()
//	if err != nil { ... }
//	fmt.Printf("%d parameters merged\n", sd.Len())
package zero

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/gomlx/zerockpt/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// LatestFileName holds the tag of the most recent checkpoint.
	LatestFileName = "latest"

	// ModelStatesSuffix and OptimStatesSuffix are the suffixes of the per-rank files of a tag directory.
	ModelStatesSuffix = "_model_states.pt"
	OptimStatesSuffix = "_optim_states.pt"
)

// Progress is notified as parameters are merged. See ui/commandline for a terminal progress bar.
type Progress interface {
	// Start is called once with the total number of parameters to merge.
	Start(total int)

	// Add is called with the number of parameters merged since the last call.
	Add(n int)

	// Finish is called at the end of the merge, also on failure.
	Finish()
}

// Config for the merge of a ZeRO checkpoint. Create it with Build, configure it with its methods,
// and call Done to run the merge.
type Config struct {
	dir           string
	tag           string
	excludeFrozen bool
	progress      Progress
	err           error
}

// Build a configuration to merge the ZeRO checkpoint in dir.
// By default, it reads the tag named in the `latest` file and includes frozen parameters.
func Build(dir string) *Config {
	c := &Config{}
	var err error
	c.dir, err = fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.err = err
	}
	return c
}

// Tag selects the sub-directory of the checkpoint to merge. If empty (the default), the tag is read
// from the `latest` file.
func (c *Config) Tag(tag string) *Config {
	c.tag = tag
	return c
}

// ExcludeFrozen skips the frozen (non-trainable) parameters, leaving only buffers and trainable parameters.
func (c *Config) ExcludeFrozen(exclude bool) *Config {
	c.excludeFrozen = exclude
	return c
}

// WithProgress sets a Progress to be notified as parameters are merged. Nil disables it.
func (c *Config) WithProgress(progress Progress) *Config {
	c.progress = progress
	return c
}

// Done reads the checkpoint files and merges them into a StateDict.
//
// The entries are ordered with the buffers first, then the frozen parameters, the trainable
// parameters and finally the aliases of shared parameters (which point to the same tensor as their target).
func (c *Config) Done() (*statedict.StateDict, error) {
	if c.err != nil {
		return nil, c.err
	}
	tagDir, err := ResolveTag(c.dir, c.tag)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("merging ZeRO checkpoint in %q", tagDir)

	optimFiles, err := checkpointFiles(tagDir, OptimStatesSuffix)
	if err != nil {
		return nil, err
	}
	optim, err := parseOptimStates(optimFiles, tagDir)
	if err != nil {
		return nil, err
	}
	modelFiles, err := checkpointFiles(tagDir, ModelStatesSuffix)
	if err != nil {
		return nil, err
	}
	models, err := parseModelStates(modelFiles)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("ZeRO stage %d, world size %d, checkpoint saved with DeepSpeed version %q",
		optim.stage, optim.worldSize, models[0].dsVersion)

	m := &merger{
		optim:         optim,
		models:        models,
		excludeFrozen: c.excludeFrozen,
		progress:      c.progress,
		sd:            statedict.New(),
	}
	return m.merge()
}

// ResolveTag returns the directory with the files of tag under dir. If tag is empty, it is read from
// the `latest` file in dir.
func ResolveTag(dir, tag string) (string, error) {
	if tag == "" {
		latestPath := filepath.Join(dir, LatestFileName)
		contents, err := os.ReadFile(latestPath)
		if err != nil {
			return "", errors.Wrapf(err, "unable to find 'latest' file at %s", latestPath)
		}
		tag = strings.TrimSpace(string(contents))
		if tag == "" {
			return "", errors.Errorf("'latest' file at %s is empty", latestPath)
		}
	}
	tagDir := filepath.Join(dir, tag)
	if !fsutil.IsDir(tagDir) {
		if suggestion := closestTag(dir, tag); suggestion != "" {
			return "", errors.Errorf("directory %q doesn't exist, did you mean tag %q?", tagDir, suggestion)
		}
		return "", errors.Errorf("directory %q doesn't exist", tagDir)
	}
	return tagDir, nil
}

// closestTag returns the name of the sub-directory of dir closest to tag, if it is within a few edits of it.
func closestTag(dir, tag string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	maxDistance := max(2, len(tag)/3)
	best, bestDistance := "", maxDistance+1
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		distance := levenshtein.ComputeDistance(tag, entry.Name())
		if distance < bestDistance {
			best, bestDistance = entry.Name(), distance
		}
	}
	return best
}

// checkpointFiles returns the files in dir ending with suffix, in natural order (so "rank_10" comes after "rank_9").
func checkpointFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("can't find *%s files in directory %q", suffix, dir)
	}
	slices.SortFunc(files, naturalCompare)
	return files, nil
}

// naturalCompare compares strings treating runs of digits as numbers.
func naturalCompare(a, b string) int {
	for a != "" && b != "" {
		chunkA, restA := nextChunk(a)
		chunkB, restB := nextChunk(b)
		if isDigit(chunkA[0]) && isDigit(chunkB[0]) {
			numA, numB := strings.TrimLeft(chunkA, "0"), strings.TrimLeft(chunkB, "0")
			if len(numA) != len(numB) {
				return len(numA) - len(numB)
			}
			if cmp := strings.Compare(numA, numB); cmp != 0 {
				return cmp
			}
		} else if cmp := strings.Compare(chunkA, chunkB); cmp != 0 {
			return cmp
		}
		a, b = restA, restB
	}
	return len(a) - len(b)
}

// nextChunk splits s after its leading run of digits or non-digits. s must not be empty.
func nextChunk(s string) (chunk, rest string) {
	digits := isDigit(s[0])
	ii := 1
	for ii < len(s) && isDigit(s[ii]) == digits {
		ii++
	}
	return s[:ii], s[ii:]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
