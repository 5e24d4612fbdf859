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

import "fmt"

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidLoggingConfig(config *LoggingConfig) error {
	if config.Severity != "" && !isValidSeverityString(string(config.Severity)) {
		return fmt.Errorf("severity should be one of %v", validSeverities())
	}
	if config.Format != "" && config.Format != "text" && config.Format != "json" {
		return fmt.Errorf("format should be one of [text, json]")
	}
	return isValidLogRotateConfig(&config.LogRotate)
}

func isValidLayerConfig(config *LayerConfig) error {
	if config.BucketCount < 0 {
		return fmt.Errorf("bucket-count cannot be negative")
	}
	if config.ClusterSize <= 0 {
		return fmt.Errorf("cluster-size should be atleast 1")
	}
	return nil
}

func isValidDeviceConfig(config *DeviceConfig) error {
	if config.Path == "" {
		return fmt.Errorf("device path must be set")
	}
	if config.BlockSizeBytes <= 0 {
		return fmt.Errorf("block-size-bytes should be atleast 1")
	}
	return nil
}

// ValidateConfig returns a non-nil error if config is invalid.
func ValidateConfig(config *Config) error {
	if err := isValidDeviceConfig(&config.Device); err != nil {
		return fmt.Errorf("error parsing device config: %w", err)
	}
	if err := isValidLayerConfig(&config.Layer); err != nil {
		return fmt.Errorf("error parsing layer config: %w", err)
	}
	if err := isValidLoggingConfig(&config.Logging); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}
	return nil
}
