/*
Copyright 2025 The Project Host Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// LoggingPurpose selects the default formatter/output for InitLogger.
type LoggingPurpose int

const (
	// LoggingForDaemon configures logging for the long-running project
	// host process: always to stderr, always on.
	LoggingForDaemon LoggingPurpose = iota
	// LoggingForCLI configures logging for the cocalc CLI client: quiet
	// unless debug verbosity was requested, so normal command output
	// isn't interleaved with log lines.
	LoggingForCLI
)

// InitLogger configures the standard logrus logger for a given purpose
// and verbosity level, following the project's daemon-vs-CLI split: the
// daemon always logs to stderr, the CLI only does so in debug mode.
func InitLogger(purpose LoggingPurpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   !trace.IsTerminal(os.Stderr),
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	switch purpose {
	case LoggingForCLI:
		if level == logrus.DebugLevel {
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case LoggingForDaemon:
		logrus.SetOutput(os.Stderr)
	}
}

// NewComponentLogger returns a logger entry scoped to component, in the
// style used throughout this repository: one *logrus.Entry per
// subsystem, tagged with trace.Component so log lines can be filtered by
// origin.
func NewComponentLogger(component string) *logrus.Entry {
	return logrus.WithField(trace.Component, component)
}

// FatalError prints a clean, user-facing rendition of err to stderr and
// exits the process with status 1. Intended for CLI entry points only;
// library code should always return errors instead.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError renders err for a human reading a terminal: the
// full gravitational/trace debug report when debug logging is enabled,
// otherwise just the wrapped messages without file/line noise.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}

	var buf bytes.Buffer
	fmt.Fprint(&buf, "ERROR: ")
	if traceErr, ok := err.(*trace.TraceErr); ok && len(traceErr.Messages) > 0 {
		for _, m := range traceErr.Messages {
			fmt.Fprintln(&buf, m)
		}
	} else {
		fmt.Fprintln(&buf, err.Error())
	}
	return buf.String()
}

// ErrorCode is the stable machine-readable error identifier surfaced in
// JSON-mode CLI output (SPEC_FULL.md §6, "stable error.code").
type ErrorCode string

const (
	ErrorCodeAuth     ErrorCode = "auth"
	ErrorCodeTransport ErrorCode = "transport"
	ErrorCodePolicy   ErrorCode = "policy"
	ErrorCodeResource ErrorCode = "resource"
	ErrorCodeInternal ErrorCode = "internal"
)

// ClassifyError maps a gravitational/trace error kind to the error kinds
// enumerated in SPEC_FULL.md §7.
func ClassifyError(err error) ErrorCode {
	switch {
	case trace.IsAccessDenied(err):
		return ErrorCodeAuth
	case trace.IsBadParameter(err), trace.IsNotFound(err), trace.IsAlreadyExists(err):
		return ErrorCodePolicy
	case trace.IsConnectionProblem(err):
		return ErrorCodeTransport
	case trace.IsLimitExceeded(err):
		return ErrorCodeResource
	default:
		return ErrorCodeInternal
	}
}
