// Copyright 2025 Google LLC
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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lcfs-project/lcfs/cfg"
)

var (
	bindErr error
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "lcfsd <mount-point>",
	Short: "Mount a layered, copy-on-write filesystem backed by a block device",
	Long: `lcfsd mounts a single writable copy-on-write layer, backed by a
flat block device file, as a FUSE filesystem. The layer is a base
layer: it has no parent to fall through to.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		config, err := cfg.Decode(v)
		if err != nil {
			return fmt.Errorf("decoding config: %w", err)
		}
		return runMount(config, args[0])
	},
}

// Execute runs the root command, exiting the process on error like
// every other cobra-based lcfsd invocation.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	bindErr = cfg.BindFlags(rootCmd.Flags())
	if bindErr == nil {
		bindErr = v.BindPFlags(rootCmd.Flags())
	}
}
