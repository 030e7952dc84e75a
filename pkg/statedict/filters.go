// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"strings"
)

// EncoderPrefix marks the parameters of the encoder submodule.
const EncoderPrefix = "encoder."

// gaatnMarkers are matched against lower-cased parameter names.
var gaatnMarkers = []string{"gaatn", "gaussianadaptiveattention"}

// FilterEncoderOnly returns a new StateDict with only the parameters whose name starts with EncoderPrefix,
// with the prefix stripped and the tensors shared.
//
// If no name has the prefix, sd is assumed to already be an encoder-only state dict and is returned unchanged.
// This assumption is not verified.
func FilterEncoderOnly(sd *StateDict) *StateDict {
	hasPrefix := false
	for _, name := range sd.keys {
		if strings.HasPrefix(name, EncoderPrefix) {
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return sd
	}
	filtered := New()
	for name, t := range sd.All() {
		if stripped, ok := strings.CutPrefix(name, EncoderPrefix); ok {
			filtered.Set(stripped, t)
		}
	}
	return filtered
}

// AssertGAATN returns ErrGAATNNotFound unless some parameter name, lower-cased,
// contains "gaatn" or "gaussianadaptiveattention".
func AssertGAATN(sd *StateDict) error {
	for _, name := range sd.keys {
		lower := strings.ToLower(name)
		for _, marker := range gaatnMarkers {
			if strings.Contains(lower, marker) {
				return nil
			}
		}
	}
	return ErrGAATNNotFound
}
