// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log exports logging primitives that log to stderr through zap.
package log // import "secfs.io/log"

// We call this log instead of logging for two reasons:
// 1) It's shorter to type;
// 2) it mimics Go's log package and can be used as a drop-in replacement for it.

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface for logging messages.
type Logger interface {
	// Printf writes a formated message to the log.
	Printf(format string, v ...interface{})

	// Print writes a message to the log.
	Print(v ...interface{})

	// Println writes a line to the log.
	Println(v ...interface{})

	// Fatal writes a message to the log and aborts.
	Fatal(v ...interface{})

	// Fatalf writes a formated message to the log and aborts.
	Fatalf(format string, v ...interface{})
}

// level represents the level of logging.
type level int

// Different levels of logging.
const (
	debug level = iota
	info
	errors
	disabled
)

// Pre-allocated Loggers at each logging level.
var (
	Debug Logger = newLogger(debug, zapcore.DebugLevel)
	Info  Logger = newLogger(info, zapcore.InfoLevel)
	Error Logger = newLogger(errors, zapcore.ErrorLevel)
)

var (
	// mu protects the variables below.
	mu           sync.Mutex
	currentLevel = info
	sink         = newSink(os.Stderr)

	// exit is replaced in tests.
	exit = os.Exit
)

// newSink returns a sugared zap logger writing human-readable lines to w.
// Level filtering is done by this package, so the core accepts everything.
func newSink(w io.Writer) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeCaller = nil
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

type logger struct {
	level    level
	zapLevel zapcore.Level
}

var _ Logger = (*logger)(nil)

func (l *logger) enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return l.level >= currentLevel
}

func (l *logger) write(msg string) {
	mu.Lock()
	s := sink
	mu.Unlock()
	switch l.zapLevel {
	case zapcore.DebugLevel:
		s.Debug(msg)
	case zapcore.InfoLevel:
		s.Info(msg)
	default:
		s.Error(msg)
	}
}

// Printf writes a formated message to the log.
func (l *logger) Printf(format string, v ...interface{}) {
	if !l.enabled() {
		return // Don't log at lower levels.
	}
	l.write(fmt.Sprintf(format, v...))
}

// Print writes a message to the log.
func (l *logger) Print(v ...interface{}) {
	if !l.enabled() {
		return // Don't log at lower levels.
	}
	l.write(fmt.Sprint(v...))
}

// Println writes a line to the log.
func (l *logger) Println(v ...interface{}) {
	if !l.enabled() {
		return // Don't log at lower levels.
	}
	l.write(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Fatal writes a message to the log and aborts, regardless of the current log level.
func (l *logger) Fatal(v ...interface{}) {
	l.write(fmt.Sprint(v...))
	abort()
}

// Fatalf writes a formated message to the log and aborts, regardless of the current log level.
func (l *logger) Fatalf(format string, v ...interface{}) {
	l.write(fmt.Sprintf(format, v...))
	abort()
}

func abort() {
	mu.Lock()
	s := sink
	mu.Unlock()
	s.Sync()
	exit(1)
}

// String returns the name of the logger.
func (l *logger) String() string {
	return toString(l.level)
}

func toString(level level) string {
	switch level {
	case info:
		return "info"
	case debug:
		return "debug"
	case errors:
		return "error"
	case disabled:
		return "disabled"
	}
	return "unknown"
}

// GetLevel returns the current logging level.
func GetLevel() string {
	mu.Lock()
	defer mu.Unlock()
	return toString(currentLevel)
}

func toLevel(level string) (level, error) {
	switch level {
	case "info":
		return info, nil
	case "debug":
		return debug, nil
	case "error":
		return errors, nil
	case "disabled":
		return disabled, nil
	}
	return disabled, fmt.Errorf("invalid log level %q", level)
}

// SetLevel sets the current level of logging.
func SetLevel(level string) error {
	l, err := toLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	currentLevel = l
	mu.Unlock()
	return nil
}

// At returns whether the level will be logged currently.
func At(level string) bool {
	l, err := toLevel(level)
	if err != nil {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	return currentLevel <= l
}

// SetOutput redirects all loggers to w.
// If w is nil, output goes to standard error.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	s := newSink(w)
	mu.Lock()
	sink = s
	mu.Unlock()
}

// Printf writes a formated message to the log.
func Printf(format string, v ...interface{}) {
	Info.Printf(format, v...)
}

// Print writes a message to the log.
func Print(v ...interface{}) {
	Info.Print(v...)
}

// Println writes a line to the log.
func Println(v ...interface{}) {
	Info.Println(v...)
}

// Fatal writes a message to the log and aborts.
func Fatal(v ...interface{}) {
	Info.Fatal(v...)
}

// Fatalf writes a formated message to the log and aborts.
func Fatalf(format string, v ...interface{}) {
	Info.Fatalf(format, v...)
}

// newLogger instantiates an implicit Logger at the given level.
func newLogger(level level, zapLevel zapcore.Level) Logger {
	return &logger{
		level:    level,
		zapLevel: zapLevel,
	}
}
