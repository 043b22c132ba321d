// Copyright The Remus Project Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})
	// Fatalf is an alias for Fatal.
	Fatalf(format string, args ...interface{})
	// Panicf is an alias for Panic.
	Panicf(format string, args ...interface{})

	// DebugBlock emits a multiline debug message with a per-line prefix.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock emits a multiline information message with a per-line prefix.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables/disables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns an slog.Handler backed by this Logger.
	SlogHandler() slog.Handler
}

// logging encapsulates the full state of logging.
type logging struct {
	sync.RWMutex
	level   Level             // lowest severity to pass through
	prefix  bool              // whether to prefix messages with [source]
	dbgmap  srcmap            // per-source debug settings
	loggers map[string]logger // source to logger mapping
	sources []string          // logger to source mapping
	debug   []bool            // logger to debug state mapping
}

// logger is the runtime representation of a Logger, an index into logging.
type logger int

var log = &logging{
	level:   DefaultLevel,
	prefix:  false,
	loggers: make(map[string]logger),
}

// deflog is the default Logger.
var deflog = log.get("default")

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity of messages to pass through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables/disables debugging for the given source.
func EnableDebug(source string) bool {
	log.Lock()
	defer log.Unlock()
	return log.setDebug(source, true)
}

// DisableDebug disables debugging for the given source.
func DisableDebug(source string) bool {
	log.Lock()
	defer log.Unlock()
	return log.setDebug(source, false)
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

func (l *logging) get(source string) logger {
	if lgr, ok := l.loggers[source]; ok {
		return lgr
	}
	lgr := logger(len(l.sources))
	l.loggers[source] = lgr
	l.sources = append(l.sources, source)
	l.debug = append(l.debug, l.debugEnabled(source))
	return lgr
}

func (l *logging) setDebug(source string, enabled bool) bool {
	if l.dbgmap == nil {
		l.dbgmap = make(srcmap)
	}
	old := l.debugEnabled(source)
	l.dbgmap[source] = enabled
	if lgr, ok := l.loggers[source]; ok {
		l.debug[lgr] = enabled
	}
	return old
}

// debugEnabled resolves the debug state of a source against the dbgmap,
// falling back to the wildcard entry.
func (l *logging) debugEnabled(source string) bool {
	if enabled, ok := l.dbgmap[source]; ok {
		return enabled
	}
	if enabled, ok := l.dbgmap["*"]; ok {
		return enabled
	}
	return false
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
	for source, lgr := range l.loggers {
		l.debug[lgr] = l.debugEnabled(source)
	}
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

// format prepends the source prefix to a formatted message.
func (l logger) format(format string, args ...interface{}) string {
	log.RLock()
	defer log.RUnlock()
	msg := fmt.Sprintf(format, args...)
	if log.prefix {
		return "[" + log.sources[l] + "] " + msg
	}
	return msg
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() || log.level > LevelDebug {
		return
	}
	klog.InfoDepth(1, "D: ", l.format(format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
	klog.Flush()
	os.Exit(1)
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := l.format(format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }
func (l logger) Panicf(format string, args ...interface{}) { l.Panic(format, args...) }

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() || log.level > LevelDebug {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, "D: ", l.format("%s%s", prefix, line))
	}
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, l.format("%s%s", prefix, line))
	}
}

func (l logger) EnableDebug(enabled bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.debug[l]
	log.debug[l] = enabled
	if log.dbgmap == nil {
		log.dbgmap = make(srcmap)
	}
	log.dbgmap[log.sources[l]] = enabled
	return old
}

func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.debug[l]
}

func (l logger) Source() string {
	log.RLock()
	defer log.RUnlock()
	return log.sources[l]
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
