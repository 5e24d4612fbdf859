// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers lcfsd's command-line flags on flagSet and binds
// each one into viper under the dotted key Decode later reads.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringP("app-name", "", "lcfsd", "The application name of this mount.")
	if err := viper.BindPFlag("app-name", flagSet.Lookup("app-name")); err != nil {
		return err
	}

	flagSet.StringP("device", "", "", "Path to the backing block device or flat file.")
	if err := viper.BindPFlag("device.path", flagSet.Lookup("device")); err != nil {
		return err
	}

	flagSet.Int64P("device-size-mb", "", 0, "Usable size of the device in MB. 0 uses the device's current size.")
	if err := viper.BindPFlag("device.size-mb", flagSet.Lookup("device-size-mb")); err != nil {
		return err
	}

	flagSet.IntP("block-size-bytes", "", DefaultBlockSizeBytes, "Device block size in bytes.")
	if err := viper.BindPFlag("device.block-size-bytes", flagSet.Lookup("block-size-bytes")); err != nil {
		return err
	}

	flagSet.IntP("bucket-count", "", DefaultBucketCount, "Hash bucket count for a layer's inode cache.")
	if err := viper.BindPFlag("layer.bucket-count", flagSet.Lookup("bucket-count")); err != nil {
		return err
	}

	flagSet.IntP("cluster-size", "", DefaultClusterSize, "Dirty pages batched per flush.")
	if err := viper.BindPFlag("layer.cluster-size", flagSet.Lookup("cluster-size")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "One of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "One of text, json.")
	if err := viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Route log output to this file instead of stderr.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.BoolP("debug-invariants", "", false, "Recorded as debug.exit-on-invariant-violation; invariant violations panic whatever its value.")
	if err := viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants")); err != nil {
		return err
	}

	flagSet.BoolP("debug-mutex", "", false, "Recorded as debug.log-mutex; no code path reads it.")
	if err := viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug-mutex")); err != nil {
		return err
	}

	return nil
}

// Decode unmarshals v (already populated from flags, env, and any
// config file) into a Config, layering it over the package defaults.
func Decode(v *viper.Viper) (*Config, error) {
	config := GetDefaultConfig()
	if err := v.Unmarshal(&config, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
