/*
 * Copyright (c) 2014, Yawning Angel <yawning at schwanenlied dot me>
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *
 *  * Redistributions of source code must retain the above copyright notice,
 *    this list of conditions and the following disclaimer.
 *
 *  * Redistributions in binary form must reproduce the above copyright notice,
 *    this list of conditions and the following disclaimer in the documentation
 *    and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

// Package log implements a simple set of leveled logging wrappers used by the
// rest of ptcore.  Logging is disabled until Init is called, and unless unsafe
// logging is requested every line is passed through a scrubber that removes
// IP addresses before it is written.
package log // import "github.com/RACECAR-GU/ptcore/common/log"

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"git.torproject.org/pluggable-transports/snowflake.git/common/safelog"
	"github.com/sirupsen/logrus"
)

const elidedAddr = "[scrubbed]"

const (
	// LevelError is the ERROR log level (NOTICE/ERROR).
	LevelError = iota
	// LevelWarn is the WARN log level, (NOTICE/ERROR/WARN).
	LevelWarn
	// LevelInfo is the INFO log level, (NOTICE/ERROR/WARN/INFO).
	LevelInfo
	// LevelDebug is the DEBUG log level, (NOTICE/ERROR/WARN/INFO/DEBUG).
	LevelDebug
)

var (
	logLevel      = LevelInfo
	enableLogging bool
	unsafeLogging bool

	logger  = newLogger()
	logFile *os.File
)

// utcFormatter stamps every entry in UTC, matching log.LUTC.
type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.Formatter.Format(e)
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	// Filtering happens in this package so that NOTICE is always emitted.
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(utcFormatter{&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	}})
	return l
}

// Init initializes logging with the given path, and log safety options.
func Init(enable bool, logFilePath string, unsafe bool) error {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	enableLogging = enable
	unsafeLogging = unsafe
	if !enable {
		logger.SetOutput(io.Discard)
		return nil
	}

	var w io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		logFile = f
		w = f
	}
	if !unsafe {
		w = &safelog.LogScrubber{Output: w}
	}
	logger.SetOutput(w)
	return nil
}

// Enabled returns if logging is enabled.
func Enabled() bool {
	return enableLogging
}

// Unsafe returns true if unsafe logging is enabled.
func Unsafe() bool {
	return unsafeLogging
}

// Level returns the current log level.
func Level() int {
	return logLevel
}

// SetLogLevel sets the log level to the value indicated by the given string
// (case-insensitive).
func SetLogLevel(logLevelStr string) error {
	switch strings.ToUpper(logLevelStr) {
	case "ERROR":
		logLevel = LevelError
	case "WARN":
		logLevel = LevelWarn
	case "INFO":
		logLevel = LevelInfo
	case "DEBUG":
		logLevel = LevelDebug
	default:
		return fmt.Errorf("invalid log level '%s'", logLevelStr)
	}
	return nil
}

// Noticef logs the given format string/arguments at the NOTICE log level.
// Unless logging is disabled, Noticef logs are always emitted.
func Noticef(format string, a ...interface{}) {
	if enableLogging {
		logger.WithField("severity", "notice").Infof(format, a...)
	}
}

// Errorf logs the given format string/arguments at the ERROR log level.
func Errorf(format string, a ...interface{}) {
	if enableLogging && logLevel >= LevelError {
		logger.Errorf(format, a...)
	}
}

// Warnf logs the given format string/arguments at the WARN log level.
func Warnf(format string, a ...interface{}) {
	if enableLogging && logLevel >= LevelWarn {
		logger.Warnf(format, a...)
	}
}

// Infof logs the given format string/arguments at the INFO log level.
func Infof(format string, a ...interface{}) {
	if enableLogging && logLevel >= LevelInfo {
		logger.Infof(format, a...)
	}
}

// Debugf logs the given format string/arguments at the DEBUG log level.
func Debugf(format string, a ...interface{}) {
	if enableLogging && logLevel >= LevelDebug {
		logger.Debugf(format, a...)
	}
}

// ElideError transforms the string representation of the provided error
// based on the unsafeLogging setting.  Callers that wish to log errors
// returned from Go's net package should use ElideError to sanitize the
// contents first.
func ElideError(err error) string {
	if err == nil {
		return "<nil>"
	}
	if unsafeLogging {
		return err.Error()
	}

	// If err is a net.OpError, rebuild the message without the addresses.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return fmt.Sprintf("%s %s: %s", opErr.Op, opErr.Net, ElideError(opErr.Err))
	}
	return err.Error()
}

// ElideAddr transforms the string representation of the provided address
// based on the unsafeLogging setting.  Callers that wish to log IP addreses
// should use ElideAddr to sanitize the contents first.
func ElideAddr(addrStr string) string {
	if unsafeLogging {
		return addrStr
	}

	// Only scrub off the address so that it's easier to track connections
	// in logs by looking at the port.
	if _, port, err := net.SplitHostPort(addrStr); err == nil {
		return elidedAddr + ":" + port
	}
	return elidedAddr
}
