// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"github.com/gomlx/zerockpt/pkg/core/tensors"
	"github.com/gomlx/zerockpt/pkg/statedict"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// merger holds the state of one merge.
type merger struct {
	optim         *optimStates
	models        []*modelState
	excludeFrozen bool
	progress      Progress
	sd            *statedict.StateDict
}

func (m *merger) merge() (*statedict.StateDict, error) {
	first := m.models[0]
	if m.progress != nil {
		total := 0
		for _, shapes := range first.paramShapes {
			total += len(shapes)
		}
		if !m.excludeFrozen {
			total += len(first.frozenShapes)
		}
		m.progress.Start(total)
		defer m.progress.Finish()
	}

	for _, buffer := range first.buffers {
		m.sd.Set(buffer.name, buffer.tensor)
	}
	var err error
	if m.optim.stage <= 2 {
		if !m.excludeFrozen {
			err = m.mergeFrozenStage2()
		}
		if err == nil {
			err = m.mergeTrainableStage2()
		}
	} else {
		if !m.excludeFrozen {
			err = m.mergeFrozenStage3()
		}
		if err == nil {
			err = m.mergeTrainableStage3()
		}
	}
	if err != nil {
		return nil, err
	}

	for _, pair := range first.sharedParams {
		alias, target := pair[0], pair[1]
		if m.sd.Has(target) {
			m.sd.Set(alias, m.sd.Get(target))
		} else {
			klog.V(1).Infof("shared parameter %q: target %q not found, skipped", alias, target)
		}
	}
	return m.sd, nil
}

func (m *merger) added(n int) {
	if m.progress != nil {
		m.progress.Add(n)
	}
}

// mergeFrozenStage2: rank 0 holds the full frozen parameters.
func (m *merger) mergeFrozenStage2() error {
	first := m.models[0]
	for _, shape := range first.frozenShapes {
		fragment, found := first.frozenFragments[shape.name]
		if !found {
			return errors.Errorf("frozen parameter %q has no fragment", shape.name)
		}
		t, err := fragment.Reshape(shape.dimensions...)
		if err != nil {
			return errors.WithMessagef(err, "frozen parameter %q", shape.name)
		}
		m.sd.Set(shape.name, t)
		m.added(1)
	}
	return nil
}

// mergeFrozenStage3: each rank holds a fragment of every frozen parameter.
func (m *merger) mergeFrozenStage3() error {
	first := m.models[0]
	for _, shape := range first.frozenShapes {
		fragments := make([]*tensors.Tensor, 0, len(m.models))
		for rank, model := range m.models {
			fragment, found := model.frozenFragments[shape.name]
			if !found {
				return errors.Errorf("frozen parameter %q has no fragment in rank %d", shape.name, rank)
			}
			fragments = append(fragments, fragment)
		}
		t, err := gather(fragments, shape)
		if err != nil {
			return errors.WithMessagef(err, "frozen parameter %q", shape.name)
		}
		m.sd.Set(shape.name, t)
		m.added(1)
	}
	return nil
}

// mergeTrainableStage2: each param group is partitioned contiguously across ranks, and padded to
// be a multiple of 2*worldSize.
func (m *merger) mergeTrainableStage2() error {
	paramShapes := m.models[0].paramShapes
	numGroups := len(m.optim.flatGroups[0])
	if len(paramShapes) != numGroups {
		return errors.Errorf("model states have %d param groups, optimizer states have %d", len(paramShapes), numGroups)
	}
	alignTo := 2 * m.optim.worldSize
	align := func(x int) int {
		return alignTo * ((x + alignTo - 1) / alignTo)
	}
	var totalNumel, totalParams int
	for groupIdx, shapes := range paramShapes {
		partitions := make([]*tensors.Tensor, len(m.optim.flatGroups))
		for rank, groups := range m.optim.flatGroups {
			if groupIdx >= len(groups) {
				return errors.Errorf("rank %d has %d param groups, expected %d", rank, len(groups), numGroups)
			}
			partitions[rank] = groups[groupIdx]
		}
		flat, err := tensors.Concatenate(partitions...)
		if err != nil {
			return errors.WithMessagef(err, "param group #%d", groupIdx)
		}
		availNumel := flat.Size()
		offset := 0
		for _, shape := range shapes {
			numel := numElements(shape.dimensions)
			slice, err := flat.Narrow(offset, numel)
			if err != nil {
				return errors.WithMessagef(err, "parameter %q", shape.name)
			}
			t, err := slice.Reshape(shape.dimensions...)
			if err != nil {
				return errors.WithMessagef(err, "parameter %q", shape.name)
			}
			m.sd.Set(shape.name, t)
			m.added(1)
			offset += numel
			totalNumel += numel
			totalParams++
		}
		if align(offset) != align(availNumel) {
			return errors.Errorf("consumed %d numels out of %d in param group #%d: something is wrong",
				align(offset), align(availNumel), groupIdx)
		}
	}
	klog.V(1).Infof("reconstructed fp32 state dict with %d params %d elements", totalParams, totalNumel)
	return nil
}

// mergeTrainableStage3: each parameter is split in worldSize equal (padded) pieces, and each rank holds
// its piece of every parameter, concatenated.
func (m *merger) mergeTrainableStage3() error {
	worldSize := m.optim.worldSize
	availNumel := m.optim.flatGroups[0][0].Size() * worldSize
	offset := 0
	var totalNumel, totalParams int
	pieces := make([]*tensors.Tensor, worldSize)
	for _, shapes := range m.models[0].paramShapes {
		for _, shape := range shapes {
			numel := numElements(shape.dimensions)
			partitionedNumel := (numel + worldSize - 1) / worldSize
			for rank := range worldSize {
				var err error
				pieces[rank], err = m.optim.flatGroups[rank][0].Narrow(offset, partitionedNumel)
				if err != nil {
					return errors.WithMessagef(err, "parameter %q in rank %d", shape.name, rank)
				}
			}
			t, err := gather(pieces, shape)
			if err != nil {
				return errors.WithMessagef(err, "parameter %q", shape.name)
			}
			m.sd.Set(shape.name, t)
			m.added(1)
			offset += partitionedNumel
			totalNumel += numel
			totalParams++
		}
	}
	if offset*worldSize != availNumel {
		return errors.Errorf("consumed %d numels out of %d: something is wrong", offset*worldSize, availNumel)
	}
	klog.V(1).Infof("reconstructed fp32 state dict with %d params %d elements", totalParams, totalNumel)
	return nil
}

// gather concatenates the pieces of a partitioned parameter, drops the padding and reshapes it.
func gather(pieces []*tensors.Tensor, shape namedShape) (*tensors.Tensor, error) {
	flat, err := tensors.Concatenate(pieces...)
	if err != nil {
		return nil, err
	}
	flat, err = flat.Narrow(0, numElements(shape.dimensions))
	if err != nil {
		return nil, err
	}
	return flat.Reshape(shape.dimensions...)
}
