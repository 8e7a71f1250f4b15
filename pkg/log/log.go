// Copyright 2026 The Managarm Authors.
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

// Package log provides the kernel's info and panic sinks.
//
// All kernel diagnostics, including helLog output, flow through a single
// logrus logger so that boot code and tests can redirect or silence them.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetOutput redirects all kernel logging to w.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetLevel sets the logging verbosity. Unknown names are ignored.
func SetLevel(name string) {
	if lvl, err := logrus.ParseLevel(name); err == nil {
		logger.SetLevel(lvl)
	}
}

// Debugf logs a debug message.
func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

// Infof logs to the info sink.
func Infof(format string, args ...any) {
	logger.Infof(format, args...)
}

// Warningf logs a warning.
func Warningf(format string, args ...any) {
	logger.Warningf(format, args...)
}

// Panicf logs to the panic sink. It does not halt; the caller is expected to
// stop the machine afterwards.
func Panicf(format string, args ...any) {
	logger.Errorf(format, args...)
}
