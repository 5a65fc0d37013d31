// Copyright 2024 The zdbfs Authors.
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

// Package logger mirrors filesystem actions to stderr and, if configured, to
// a logfile (spec §6's logfile option). It is deliberately small: a single
// package-level *log.Logger guarded by a severity check, in the style of
// gcsproxy's getLogger(), generalized from one debug flag to four severities
// and an optional mirror writer.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Severity int

const (
	SeverityError Severity = iota
	SeverityWarn
	SeverityInfo
	SeverityDebug
)

var severityNames = map[Severity]string{
	SeverityError: "ERROR",
	SeverityWarn:  "WARN",
	SeverityInfo:  "INFO",
	SeverityDebug: "DEBUG",
}

var (
	mu       sync.Mutex
	minLevel = SeverityInfo
	out      io.Writer = os.Stderr
	logfile  *lumberjack.Logger
	stdlog   = log.New(out, "", log.LstdFlags)
)

// SetSeverity sets the minimum severity that will be emitted.
func SetSeverity(s Severity) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = s
}

// InitLogFile mirrors all subsequent log output to path as well as stderr,
// per spec §6's logfile option. Unlike the original's plain fopen(path, "a"),
// the file is rotated through lumberjack so a long-running mount's log
// cannot grow without bound; rotation never drops the active mount's
// output, it just renames and recompresses the old file out of the way.
func InitLogFile(path string) error {
	if path == "" {
		return nil
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	mu.Lock()
	defer mu.Unlock()
	logfile = lj
	out = io.MultiWriter(os.Stderr, lj)
	stdlog = log.New(out, "", log.LstdFlags)
	return nil
}

// CloseLogFile flushes and closes the rotated log file, if one was opened
// via InitLogFile. Safe to call even if no log file was ever configured.
func CloseLogFile() error {
	mu.Lock()
	defer mu.Unlock()
	if logfile == nil {
		return nil
	}
	err := logfile.Close()
	logfile = nil
	out = os.Stderr
	stdlog = log.New(out, "", log.LstdFlags)
	return err
}

func logf(s Severity, format string, args ...interface{}) {
	mu.Lock()
	level := minLevel
	l := stdlog
	mu.Unlock()

	if s > level {
		return
	}

	l.Printf("[%s] %s", severityNames[s], fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) { logf(SeverityError, format, args...) }
func Warnf(format string, args ...interface{})  { logf(SeverityWarn, format, args...) }
func Infof(format string, args ...interface{})  { logf(SeverityInfo, format, args...) }
func Debugf(format string, args ...interface{}) { logf(SeverityDebug, format, args...) }

func Error(v ...interface{}) { logf(SeverityError, "%s", fmt.Sprint(v...)) }
func Warn(v ...interface{})  { logf(SeverityWarn, "%s", fmt.Sprint(v...)) }
func Info(v ...interface{})  { logf(SeverityInfo, "%s", fmt.Sprint(v...)) }
func Debug(v ...interface{}) { logf(SeverityDebug, "%s", fmt.Sprint(v...)) }
