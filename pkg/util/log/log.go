// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package log exposes leveled logging for the whole agent, backed by seelog.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *agentLogger
	mu     sync.RWMutex
)

// agentLogger is a thin wrapper around seelog adding runtime level changes.
type agentLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

const logFormat = "%Date(2006-01-02 15:04:05 MST) | AGENT | %LEVEL | %Msg%n"

// BuildLogger returns a seelog logger writing to stderr with the given minimum level.
func BuildLogger(level string) (seelog.LoggerInterface, error) {
	lvl := strings.ToLower(level)
	if _, ok := seelog.LogLevelFromString(lvl); !ok {
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	config := fmt.Sprintf(
		`<seelog minlevel="%s"><outputs formatid="common"><console/></outputs><formats><format id="common" format="%s"/></formats></seelog>`,
		lvl, logFormat)
	return seelog.LoggerFromConfigAsString(config)
}

// SetupLogger configures the package level logger. It must be called before
// any other function in this package has an effect.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	l.SetAdditionalStackDepth(2) //nolint:errcheck

	mu.Lock()
	defer mu.Unlock()
	logger = &agentLogger{inner: l, level: lvl}
}

// ChangeLogLevel changes the minimum level at runtime. Used by the shadow
// logging delta handler.
func ChangeLogLevel(level string) error {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return errors.New("logger not initialized")
	}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}
	logger.l.Lock()
	logger.level = lvl
	logger.l.Unlock()
	return nil
}

// GetLogLevel returns the current minimum level.
func GetLogLevel() string {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return "info"
	}
	logger.l.RLock()
	defer logger.l.RUnlock()
	return logger.level.String()
}

func (a *agentLogger) shouldLog(level seelog.LogLevel) bool {
	a.l.RLock()
	defer a.l.RUnlock()
	return level >= a.level
}

func current() *agentLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf formats and logs at the debug level.
func Debugf(format string, params ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.DebugLvl) {
		l.inner.Debugf(format, params...)
	}
}

// Infof formats and logs at the info level.
func Infof(format string, params ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.InfoLvl) {
		l.inner.Infof(format, params...)
	}
}

// Warnf formats and logs at the warn level.
func Warnf(format string, params ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.WarnLvl) {
		l.inner.Warnf(format, params...) //nolint:errcheck
	}
}

// Errorf formats and logs at the error level.
func Errorf(format string, params ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.ErrorLvl) {
		l.inner.Errorf(format, params...) //nolint:errcheck
	}
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.DebugLvl) {
		l.inner.Debug(v...)
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.InfoLvl) {
		l.inner.Info(v...)
	}
}

// Warn logs at the warn level.
func Warn(v ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.WarnLvl) {
		l.inner.Warn(v...) //nolint:errcheck
	}
}

// Error logs at the error level.
func Error(v ...interface{}) {
	if l := current(); l != nil && l.shouldLog(seelog.ErrorLvl) {
		l.inner.Error(v...) //nolint:errcheck
	}
}

// Flush flushes the underlying logger's buffers.
func Flush() {
	if l := current(); l != nil {
		l.inner.Flush()
	}
}
