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

const (
	// DefaultBlockSizeBytes matches the device block size the on-disk
	// codecs in internal/diskio and internal/inode assume.
	DefaultBlockSizeBytes = 4096

	// DefaultBucketCount is a reasonable starting hash-table size for
	// a freshly mounted layer; it grows by re-creation, not resizing.
	DefaultBucketCount = 1024

	// DefaultClusterSize mirrors internal/inode.DefaultClusterSize.
	DefaultClusterSize = 32
)

// GetDefaultLoggingConfig returns the configuration used before any
// flag or config file has been parsed.
func GetDefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Severity: InfoLogSeverity,
		LogRotate: LogRotateLoggingConfig{
			BackupFileCount: 10,
			Compress:        true,
			MaxFileSizeMb:   512,
		},
	}
}

// GetDefaultConfig returns the configuration used before any flag or
// config file has been parsed.
func GetDefaultConfig() Config {
	return Config{
		Layer: LayerConfig{
			BucketCount: DefaultBucketCount,
			ClusterSize: DefaultClusterSize,
		},
		Device: DeviceConfig{
			BlockSizeBytes: DefaultBlockSizeBytes,
		},
		Logging: GetDefaultLoggingConfig(),
	}
}
