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
	"slices"
	"strconv"
	"strings"
)

// Octal is the datatype for params such as block-device permissions
// that accept a base-8 value.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// ResolvedPath is a filesystem path taken from config or a flag. It
// exists as a distinct type so mapstructure's decode hook can resolve
// it independently of a bare string field.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	*p = ResolvedPath(text)
	return nil
}

// LogSeverity is the logging severity and accepts one of TRACE, DEBUG,
// INFO, WARNING, ERROR, OFF.
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank orders severities from most (TRACE) to least (OFF) verbose.
// Returns -1 for an unrecognized severity.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

func validSeverities() []string {
	return []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"}
}

func isValidSeverityString(s string) bool {
	return slices.Contains(validSeverities(), strings.ToUpper(s))
}

// Config is the fully resolved runtime configuration for an lcfsd
// mount: block device geometry, in-memory layer sizing, logging, and
// debug switches.
type Config struct {
	AppName string `yaml:"app-name"`

	Device DeviceConfig `yaml:"device"`

	Layer LayerConfig `yaml:"layer"`

	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`
}

// DeviceConfig names the backing block device and its usable size.
type DeviceConfig struct {
	// Path is the flat file or block special file lcfsd opens as its
	// backing store.
	Path ResolvedPath `yaml:"path"`

	// SizeMb bounds how much of the device lcfsd will allocate from,
	// in mebibytes. Zero means "use the device's current size."
	SizeMb int64 `yaml:"size-mb"`

	// BlockSizeBytes is the device's block size. Every on-disk record
	// (dinode, block map, directory entries, xattrs, indirect-chain
	// record) occupies exactly one block.
	BlockSizeBytes int `yaml:"block-size-bytes"`
}

// LayerConfig sizes the in-memory structures that front a layer's
// on-disk state.
type LayerConfig struct {
	// BucketCount is the number of hash buckets in a layer's inode
	// cache. Rounded up to a power of two.
	BucketCount int `yaml:"bucket-count"`

	// ClusterSize is the number of dirty pages the flusher batches
	// before forcing a write.
	ClusterSize int `yaml:"cluster-size"`
}

// LoggingConfig configures lcfsd's structured logger.
type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	// Format is either "text" or "json". Empty defaults to "json".
	Format string `yaml:"format"`

	// FilePath, if set, routes log output to a rotated file instead of
	// stderr.
	FilePath ResolvedPath `yaml:"file-path"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

// LogRotateLoggingConfig mirrors lumberjack.Logger's rotation knobs.
type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// DebugConfig holds the debug.* settings. They are parsed and carried
// in Config, but no code path reads them.
type DebugConfig struct {
	// ExitOnInvariantViolation is not consulted: an invariant
	// violation in the inode core panics whatever its value.
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}
