// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides lcfsd's leveled logger: plain Tracef/Debugf/
// Infof/Warnf/Errorf functions on top of log/slog, emitting either a
// single-line text format or a structured JSON format, with output
// optionally routed to a rotated, asynchronously written file.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lcfs-project/lcfs/cfg"
)

// Level values below slog's built-in Debug/Info/Warn/Error so TRACE
// sorts beneath everything and OFF sorts above everything.
const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelOff   slog.Level = 12
)

// asyncBufferSize is how many pending log lines the file sink will
// buffer before dropping a message rather than blocking the caller.
const asyncBufferSize = 4096

type loggerFactory struct {
	mu sync.Mutex

	// file is never assigned: InitLogFile routes file output through
	// a lumberjack.Logger wrapped in an AsyncLogger instead.
	file *os.File

	// format is "text" or "json".
	format string

	// level is the configured severity string, kept around so
	// SetLogFormat can rebuild the handler without re-deriving it.
	level string

	logRotateConfig cfg.LogRotateLoggingConfig
}

var defaultProgramLevel = new(slog.LevelVar)

var defaultLoggerFactory = &loggerFactory{
	format:          "json",
	level:           string(cfg.InfoLogSeverity),
	logRotateConfig: cfg.GetDefaultLoggingConfig().LogRotate,
}

var defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, defaultProgramLevel, ""))

func init() {
	setLoggingLevel(defaultLoggerFactory.level, defaultProgramLevel)
}

// severityString maps an slog.Level back onto the TRACE/DEBUG/INFO/
// WARNING/ERROR vocabulary the rest of lcfsd's configuration uses.
// slog has no native TRACE or WARNING (it calls the latter WARN), so
// this handler always renders severity itself rather than delegating
// to slog's default level string.
func severityString(level slog.Level) string {
	switch {
	case level < LevelDebug:
		return "TRACE"
	case level < LevelInfo:
		return "DEBUG"
	case level < LevelWarn:
		return "INFO"
	case level < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// replaceAttr renames slog's built-in time/level/msg keys to the
// shape lcfsd's log lines use: "time"/"timestamp" depending on
// format, "severity" instead of "level", "message" instead of "msg"
// with prefix prepended.
func replaceAttr(format, prefix string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return a
		}
		switch a.Key {
		case slog.TimeKey:
			t := a.Value.Time()
			if format == "text" {
				return slog.Attr{Key: "time", Value: slog.StringValue(t.Format("2006/01/02 15:04:05.000000"))}
			}
			return slog.Attr{
				Key: "timestamp",
				Value: slog.GroupValue(
					slog.Int64("seconds", t.Unix()),
					slog.Int64("nanos", int64(t.Nanosecond())),
				),
			}
		case slog.LevelKey:
			level, _ := a.Value.Any().(slog.Level)
			return slog.Attr{Key: "severity", Value: slog.StringValue(severityString(level))}
		case slog.MessageKey:
			return slog.Attr{Key: "message", Value: slog.StringValue(prefix + a.Value.String())}
		}
		return a
	}
}

// createJsonOrTextHandler builds the slog.Handler matching f.format,
// writing to w and gated by programLevel. prefix is prepended to
// every message, used by tests to disambiguate concurrently captured
// output.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, programLevel *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       programLevel,
		ReplaceAttr: replaceAttr(f.format, prefix),
	}
	if f.format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// setLoggingLevel maps a cfg.LogSeverity string onto programLevel.
// An unrecognized level is treated as INFO.
func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch strings.ToUpper(level) {
	case string(cfg.TraceLogSeverity):
		programLevel.Set(LevelTrace)
	case string(cfg.DebugLogSeverity):
		programLevel.Set(LevelDebug)
	case string(cfg.InfoLogSeverity):
		programLevel.Set(LevelInfo)
	case string(cfg.WarningLogSeverity):
		programLevel.Set(LevelWarn)
	case string(cfg.ErrorLogSeverity):
		programLevel.Set(LevelError)
	case string(cfg.OffLogSeverity):
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// InitLogFile redirects the default logger to loggingConfig's file
// path (rotated through lumberjack and written asynchronously), or
// back to stderr if FilePath is empty.
func InitLogFile(loggingConfig cfg.LoggingConfig) error {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	defaultLoggerFactory.format = loggingConfig.Format
	if defaultLoggerFactory.format == "" {
		defaultLoggerFactory.format = "json"
	}
	defaultLoggerFactory.level = string(loggingConfig.Severity)
	defaultLoggerFactory.logRotateConfig = loggingConfig.LogRotate

	var w io.Writer = os.Stderr
	if loggingConfig.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   string(loggingConfig.FilePath),
			MaxSize:    loggingConfig.LogRotate.MaxFileSizeMb,
			MaxBackups: loggingConfig.LogRotate.BackupFileCount,
			Compress:   loggingConfig.LogRotate.Compress,
		}
		w = NewAsyncLogger(lj, asyncBufferSize)
	}

	programLevel := new(slog.LevelVar)
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, ""))
	return nil
}

// SetLogFormat switches the default logger between "text" and "json"
// (or back to the json default for an unrecognized value) without
// disturbing the configured severity or output sink.
func SetLogFormat(format string) {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	defaultLoggerFactory.format = format
	if defaultLoggerFactory.format != "text" {
		defaultLoggerFactory.format = "json"
	}
	programLevel := new(slog.LevelVar)
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
}

func log(level slog.Level, format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) { log(LevelTrace, format, v...) }
func Debugf(format string, v ...interface{}) { log(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { log(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { log(LevelWarn, format, v...) }
func Errorf(format string, v ...interface{}) { log(LevelError, format, v...) }
