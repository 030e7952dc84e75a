// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix of the environment variables holding default flag values, e.g. ZEROCKPT_OUT_PT.
const EnvPrefix = "ZEROCKPT"

// configFlag is the name of the flag with the configuration file, which is itself read from the environment
// (ZEROCKPT_CONFIG) if not given.
const configFlag = "config"

// applyConfig sets the flags of fs that were not given explicitly from the environment or from the
// configuration file, in this order of precedence.
func applyConfig(fs *flag.FlagSet, configPath string) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = v.GetString(configFlag)
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read configuration file %q", configPath)
		}
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || explicit[f.Name] || f.Name == configFlag || !v.IsSet(f.Name) {
			return
		}
		value := v.GetString(f.Name)
		if setErr := fs.Set(f.Name, value); setErr != nil {
			err = errors.Wrapf(setErr, "invalid value %q for flag --%s from environment or configuration", value, f.Name)
		}
	})
	return err
}
