// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package consolidate

import (
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/gomlx/zerockpt/pkg/support/fsutil"
	"github.com/gomlx/zerockpt/pkg/torchfile"
	"github.com/gomlx/zerockpt/pkg/zero"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConsolidatedModelName is the name of the files searched by FindConsolidatedFiles, besides the ones
// with the ConsolidatedExt extension.
const (
	ConsolidatedModelName = "pytorch_model.bin"
	ConsolidatedExt       = ".pt"
)

// LoadFromZero merges the ZeRO checkpoint in dir, for the given tag (empty for the one named in `latest`).
// It returns an error wrapping statedict.ErrEmptyStateDict if the merge yields no entries.
func LoadFromZero(dir, tag string, excludeFrozen bool, progress zero.Progress) (*statedict.StateDict, error) {
	sd, err := zero.Build(dir).Tag(tag).ExcludeFrozen(excludeFrozen).WithProgress(progress).Done()
	if err != nil {
		return nil, err
	}
	if sd.Len() == 0 {
		return nil, errors.WithMessagef(statedict.ErrEmptyStateDict, "merging %s (tag=%s)", dir, tagName(tag))
	}
	return sd, nil
}

func tagName(tag string) string {
	if tag == "" {
		return "latest"
	}
	return tag
}

// Candidate is a file that may hold a consolidated state dict.
type Candidate struct {
	Path string
	Size int64
}

// FindConsolidatedFiles searches dir recursively for files named pytorch_model.bin or with extension .pt.
// The pytorch_model.bin files are listed first, each group in lexical order. Hidden files and directories
// (starting with ".") are skipped.
func FindConsolidatedFiles(dir string) ([]Candidate, error) {
	sizes := make(map[string]int64)
	paths, err := fsutil.WalkFiles(dir, func(p string, entry fs.DirEntry) bool {
		name := entry.Name()
		if name != ConsolidatedModelName && filepath.Ext(name) != ConsolidatedExt {
			return false
		}
		info, err := entry.Info()
		if err != nil {
			klog.Warningf("skipping %q: %v", p, err)
			return false
		}
		sizes[p] = info.Size()
		return true
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "searching for consolidated files")
	}
	var bins, pts []Candidate
	for _, p := range paths {
		c := Candidate{Path: p, Size: sizes[p]}
		if filepath.Base(p) == ConsolidatedModelName {
			bins = append(bins, c)
		} else {
			pts = append(pts, c)
		}
	}
	return append(bins, pts...), nil
}

// SelectLargest returns the largest candidate; on ties the first one. It returns false if there are no candidates.
func SelectLargest(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b Candidate) int {
		switch {
		case a.Size > b.Size:
			return -1
		case a.Size < b.Size:
			return 1
		}
		return 0
	})
	return sorted[0], true
}

// LoadFromConsolidatedFiles loads the largest consolidated file found under dir (see FindConsolidatedFiles).
//
// It returns the loaded object (not yet unwrapped) and the path it was read from, or nil if there are
// no candidates or the file can't be read. Failures are logged, not returned.
func LoadFromConsolidatedFiles(dir string) (obj any, source string) {
	candidates, err := FindConsolidatedFiles(dir)
	if err != nil {
		klog.Warningf("%v", err)
		return nil, ""
	}
	best, found := SelectLargest(candidates)
	if !found {
		klog.Warningf("no %s or *%s files found under %q", ConsolidatedModelName, ConsolidatedExt, dir)
		return nil, ""
	}
	klog.V(1).Infof("loading consolidated file %q (%d bytes), the largest of %d candidates", best.Path, best.Size, len(candidates))
	obj, err = torchfile.Load(best.Path)
	if err != nil {
		klog.Warningf("failed to load %q: %+v", best.Path, err)
		return nil, ""
	}
	return obj, best.Path
}
